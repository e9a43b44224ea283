package model

import (
	"errors"
	"fmt"
	"math"
	"math/big"
)

// ErrInt32Overflow 链上整数超出 int32 范围
var ErrInt32Overflow = errors.New("value overflows int32")

// NarrowInt32 将链上宽整数收窄为 int32，越界时返回错误而不是截断
func NarrowInt32(v *big.Int) (int32, error) {
	if v == nil {
		return 0, nil
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("value %s: %w", v.String(), ErrInt32Overflow)
	}
	i := v.Int64()
	if i < math.MinInt32 || i > math.MaxInt32 {
		return 0, fmt.Errorf("value %d: %w", i, ErrInt32Overflow)
	}
	return int32(i), nil
}
