// Package handler 提供管理端 HTTP 处理器
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 错误码
const (
	CodeSuccess       = 0
	CodeInvalidParams = 10001
	CodeNotFound      = 10004
	CodeInternalError = 50000
	CodeUnavailable   = 50003
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Success 返回成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, &Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// BadRequest 返回参数错误响应
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, &Response{
		Code:    CodeInvalidParams,
		Message: message,
	})
}

// NotFound 返回资源不存在响应
func NotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, &Response{
		Code:    CodeNotFound,
		Message: message,
	})
}

// Unavailable 返回依赖不可用响应
func Unavailable(c *gin.Context, message string) {
	c.JSON(http.StatusServiceUnavailable, &Response{
		Code:    CodeUnavailable,
		Message: message,
	})
}

// InternalError 返回内部错误响应
func InternalError(c *gin.Context) {
	c.JSON(http.StatusInternalServerError, &Response{
		Code:    CodeInternalError,
		Message: "internal error",
	})
}
