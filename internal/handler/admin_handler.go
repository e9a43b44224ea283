package handler

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ribbon-finance/ribbon-v1-sub001/internal/repository"
	"github.com/ribbon-finance/ribbon-v1-sub001/internal/service"
	"github.com/ribbon-finance/ribbon-v1-sub001/pkg/logger"
)

// IndexerStatusProvider 索引状态查询
type IndexerStatusProvider interface {
	GetIndexerStatus(ctx context.Context) (*service.IndexerStatus, error)
}

// CostReconciler 持仓成本核对
type CostReconciler interface {
	VerifyPositionCost(ctx context.Context, positionID string) (*service.ReconcileResult, error)
}

// AdminHandler 管理端处理器
type AdminHandler struct {
	indexer    IndexerStatusProvider
	reconciler CostReconciler
}

// NewAdminHandler 创建管理端处理器
func NewAdminHandler(indexer IndexerStatusProvider, reconciler CostReconciler) *AdminHandler {
	return &AdminHandler{
		indexer:    indexer,
		reconciler: reconciler,
	}
}

// IndexerStatus 索引器状态
// GET /admin/indexer/status
func (h *AdminHandler) IndexerStatus(c *gin.Context) {
	status, err := h.indexer.GetIndexerStatus(c.Request.Context())
	if err != nil {
		logger.Warn("get indexer status failed", zap.Error(err))
		Unavailable(c, err.Error())
		return
	}

	Success(c, status)
}

// ReconcilePosition 核对持仓 cost 与购买 premium 之和
// GET /admin/positions/:id/reconcile
func (h *AdminHandler) ReconcilePosition(c *gin.Context) {
	positionID := strings.ToLower(c.Param("id"))
	if positionID == "" {
		BadRequest(c, "position id is required")
		return
	}

	result, err := h.reconciler.VerifyPositionCost(c.Request.Context(), positionID)
	if err != nil {
		if errors.Is(err, repository.ErrPositionNotFound) {
			NotFound(c, "position not found")
			return
		}
		logger.Error("reconcile position failed",
			zap.String("position", positionID),
			zap.Error(err))
		InternalError(c)
		return
	}

	if !result.Consistent {
		logger.Warn("position cost mismatch",
			zap.String("position", positionID),
			zap.String("stored_cost", result.StoredCost),
			zap.String("premium_sum", result.PremiumSum))
	}

	Success(c, result)
}

// RegisterRoutes 注册管理端路由
func RegisterRoutes(r *gin.Engine, health *HealthHandler, admin *AdminHandler) {
	r.GET("/health/live", health.Live)
	r.GET("/health/ready", health.Ready)

	group := r.Group("/admin")
	group.GET("/indexer/status", admin.IndexerStatus)
	group.GET("/positions/:id/reconcile", admin.ReconcilePosition)
}
