package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ribbon-finance/ribbon-v1-sub001/internal/contract"
	"github.com/ribbon-finance/ribbon-v1-sub001/internal/metrics"
	"github.com/ribbon-finance/ribbon-v1-sub001/internal/model"
	"github.com/ribbon-finance/ribbon-v1-sub001/internal/registry"
	"github.com/ribbon-finance/ribbon-v1-sub001/internal/repository"
	"github.com/ribbon-finance/ribbon-v1-sub001/pkg/logger"
)

// 失败原因，用于指标标签
const (
	failureDecode    = "decode"
	failureNarrowing = "narrowing"
	failureOverflow  = "overflow"
	failureStorage   = "storage"
)

// HandlerError 单个事件处理失败
type HandlerError struct {
	EventType model.EventType
	TxHash    string
	LogIndex  uint
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handle %s tx=%s log=%d: %v", e.EventType, e.TxHash, e.LogIndex, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Reason 失败原因分类
func (e *HandlerError) Reason() string {
	switch {
	case errors.Is(e.Err, model.ErrInt32Overflow):
		return failureNarrowing
	case errors.Is(e.Err, model.ErrUint256Overflow):
		return failureOverflow
	case errors.Is(e.Err, contract.ErrEventSignatureMismatch), errors.Is(e.Err, contract.ErrUnknownEvent),
		errors.Is(e.Err, contract.ErrDecode):
		return failureDecode
	default:
		return failureStorage
	}
}

// EventHandler 事件处理器
//
// 每个事件要么完整写入，要么不产生任何写入。
// 重放同一事件是安全的：购买按 id 去重，持仓创建保留已累计的 cost。
type EventHandler struct {
	tx        repository.Transactor
	positions repository.PositionRepository
	purchases repository.PurchaseRepository
	registry  *registry.Registry

	premiumDecimals int32

	// 事务提交后回调
	onPositionUpdated  func(ctx context.Context, update *model.PositionUpdate)
	onPurchaseRecorded func(ctx context.Context, purchase *model.OptionPurchase)
	onSourceRegistered func(ctx context.Context, source *model.TrackedSource)
}

// NewEventHandler 创建事件处理器
func NewEventHandler(store *repository.Store, reg *registry.Registry, premiumDecimals int32) *EventHandler {
	return &EventHandler{
		tx:              store.Transactor,
		positions:       store.Positions,
		purchases:       store.Purchases,
		registry:        reg,
		premiumDecimals: premiumDecimals,
	}
}

// SetOnPositionUpdated 设置持仓变更回调
func (h *EventHandler) SetOnPositionUpdated(fn func(ctx context.Context, update *model.PositionUpdate)) {
	h.onPositionUpdated = fn
}

// SetOnPurchaseRecorded 设置购买记录回调
func (h *EventHandler) SetOnPurchaseRecorded(fn func(ctx context.Context, purchase *model.OptionPurchase)) {
	h.onPurchaseRecorded = fn
}

// SetOnSourceRegistered 设置事件源注册回调
func (h *EventHandler) SetOnSourceRegistered(fn func(ctx context.Context, source *model.TrackedSource)) {
	h.onSourceRegistered = fn
}

// HandleInstrumentCreated 注册新的 Instrument 事件源，不写任何实体。
// 地址已注册时返回 false。
func (h *EventHandler) HandleInstrumentCreated(ctx context.Context, event *contract.InstrumentCreatedEvent, meta model.EventMeta) (bool, error) {
	created, err := h.registry.StartTracking(ctx, model.TemplateInstrument, event.InstrumentAddress, meta)
	if err != nil {
		return false, h.fail(model.EventTypeInstrumentCreated, meta, err)
	}

	metrics.RecordEvent(string(model.EventTypeInstrumentCreated))
	metrics.UpdateTrackedSources(h.registry.Count())

	if created && h.onSourceRegistered != nil {
		h.onSourceRegistered(ctx, &model.TrackedSource{
			Template:     model.TemplateInstrument,
			Address:      contract.HexAddress(event.InstrumentAddress),
			CreatedBlock: int64(meta.BlockNumber),
			TxHash:       meta.TxHash,
		})
	}
	return created, nil
}

// HandlePositionCreated 写入持仓，id 为交易哈希。
// 已存在时保留 cost，覆盖 positionID 和 account。
func (h *EventHandler) HandlePositionCreated(ctx context.Context, event *contract.PositionCreatedEvent, meta model.EventMeta) error {
	positionID, err := model.NarrowInt32(event.PositionID)
	if err != nil {
		return h.fail(model.EventTypePositionCreated, meta, fmt.Errorf("positionID: %w", err))
	}
	account := contract.HexAddress(event.Account)

	var saved *model.InstrumentPosition
	err = h.tx.Transaction(ctx, func(ctx context.Context) error {
		position, err := h.loadOrNewPosition(ctx, meta.TxHash)
		if err != nil {
			return err
		}

		if position.Opened && (position.PositionID != positionID || position.Account != account) {
			logger.Warn("position overwritten by another PositionCreated",
				zap.String("position", position.ID),
				zap.Int32("old_position_id", position.PositionID),
				zap.Int32("new_position_id", positionID),
				zap.String("old_account", position.Account),
				zap.String("new_account", account))
		}

		position.PositionID = positionID
		position.Account = account
		position.Opened = true
		position.Instrument = meta.Address
		if position.BlockNumber == 0 {
			position.BlockNumber = int64(meta.BlockNumber)
		}

		if err := h.positions.Put(ctx, position); err != nil {
			return err
		}
		saved = position
		return nil
	})
	if err != nil {
		return h.fail(model.EventTypePositionCreated, meta, err)
	}

	logger.Debug("position created",
		zap.String("tx_hash", meta.TxHash),
		zap.Uint("log_index", meta.LogIndex),
		zap.Int32("position_id", positionID),
		zap.String("account", account))
	metrics.RecordEvent(string(model.EventTypePositionCreated))

	if h.onPositionUpdated != nil {
		h.onPositionUpdated(ctx, &model.PositionUpdate{
			Reason:      model.PositionUpdateOpened,
			Position:    saved,
			TxHash:      meta.TxHash,
			LogIndex:    meta.LogIndex,
			BlockNumber: meta.BlockNumber,
		})
	}
	return nil
}

// HandlePurchased 写入购买记录，并把 premium 累加到同一交易的持仓上。
// 购买记录已存在时视为重放，不再累加。
func (h *EventHandler) HandlePurchased(ctx context.Context, event *contract.PurchasedEvent, meta model.EventMeta) error {
	optionID, err := model.NarrowInt32(event.OptionID)
	if err != nil {
		return h.fail(model.EventTypePurchased, meta, fmt.Errorf("optionID: %w", err))
	}
	premium, err := model.BigIntFromBig(event.Premium)
	if err != nil {
		return h.fail(model.EventTypePurchased, meta, fmt.Errorf("premium: %w", err))
	}
	amount, err := model.BigIntFromBig(event.Amount)
	if err != nil {
		return h.fail(model.EventTypePurchased, meta, fmt.Errorf("amount: %w", err))
	}

	purchase := &model.OptionPurchase{
		ID:                 model.PurchaseID(meta.TxHash, meta.LogIndex),
		InstrumentPosition: meta.TxHash,
		Account:            contract.HexAddress(event.Caller),
		Underlying:         contract.HexAddress(event.Underlying),
		OptionType:         model.OptionType(event.OptionType),
		Amount:             amount,
		Premium:            premium,
		OptionID:           optionID,
		Instrument:         meta.Address,
		BlockNumber:        int64(meta.BlockNumber),
		LogIndex:           int(meta.LogIndex),
	}

	var (
		saved    *model.InstrumentPosition
		replayed bool
	)
	err = h.tx.Transaction(ctx, func(ctx context.Context) error {
		exists, err := h.purchases.Exists(ctx, purchase.ID)
		if err != nil {
			return err
		}
		if exists {
			replayed = true
			return nil
		}

		position, err := h.loadOrNewPosition(ctx, meta.TxHash)
		if err != nil {
			return err
		}
		if err := position.AddCost(premium); err != nil {
			return fmt.Errorf("position %s cost: %w", position.ID, err)
		}
		if position.Instrument == "" {
			position.Instrument = meta.Address
		}
		if position.BlockNumber == 0 {
			position.BlockNumber = int64(meta.BlockNumber)
		}

		if err := h.purchases.Put(ctx, purchase); err != nil {
			return err
		}
		if err := h.positions.Put(ctx, position); err != nil {
			return err
		}
		saved = position
		return nil
	})
	if err != nil {
		return h.fail(model.EventTypePurchased, meta, err)
	}

	if replayed {
		logger.Debug("purchase already recorded, skipped",
			zap.String("purchase_id", purchase.ID))
		return nil
	}

	logger.Debug("purchase recorded",
		zap.String("purchase_id", purchase.ID),
		zap.String("premium", premium.String()),
		zap.String("position_cost", saved.Cost.String()))
	metrics.RecordEvent(string(model.EventTypePurchased))
	metrics.RecordPremium(premium.Big(), h.premiumDecimals)

	if h.onPurchaseRecorded != nil {
		h.onPurchaseRecorded(ctx, purchase)
	}
	if h.onPositionUpdated != nil {
		h.onPositionUpdated(ctx, &model.PositionUpdate{
			Reason:      model.PositionUpdatePurchased,
			Position:    saved,
			TxHash:      meta.TxHash,
			LogIndex:    meta.LogIndex,
			BlockNumber: meta.BlockNumber,
		})
	}
	return nil
}

// loadOrNewPosition 读取持仓，不存在时返回 cost 为 0 的新持仓
func (h *EventHandler) loadOrNewPosition(ctx context.Context, txHash string) (*model.InstrumentPosition, error) {
	position, err := h.positions.Get(ctx, txHash)
	if errors.Is(err, repository.ErrPositionNotFound) {
		return model.NewInstrumentPosition(txHash), nil
	}
	if err != nil {
		return nil, err
	}
	return position, nil
}

func (h *EventHandler) fail(eventType model.EventType, meta model.EventMeta, err error) error {
	herr := &HandlerError{
		EventType: eventType,
		TxHash:    meta.TxHash,
		LogIndex:  meta.LogIndex,
		Err:       err,
	}
	metrics.RecordHandlerFailure(string(eventType), herr.Reason())
	logger.Error("event handler failed",
		zap.String("event_type", string(eventType)),
		zap.String("tx_hash", meta.TxHash),
		zap.Uint("log_index", meta.LogIndex),
		zap.Uint64("block", meta.BlockNumber),
		zap.String("reason", herr.Reason()),
		zap.Error(err))
	return herr
}

// ReconcileResult 持仓成本核对结果
type ReconcileResult struct {
	PositionID    string `json:"position_id"`
	StoredCost    string `json:"stored_cost"`
	PremiumSum    string `json:"premium_sum"`
	PurchaseCount int    `json:"purchase_count"`
	Consistent    bool   `json:"consistent"`
}

// VerifyPositionCost 核对持仓 cost 是否等于其全部购买 premium 之和
func (h *EventHandler) VerifyPositionCost(ctx context.Context, positionID string) (*ReconcileResult, error) {
	var (
		position  *model.InstrumentPosition
		purchases []*model.OptionPurchase
		sum       model.BigInt
	)
	// 三次读取在同一快照内，避免与并发写入交错
	err := h.tx.ReadTransaction(ctx, func(ctx context.Context) error {
		var err error
		if position, err = h.positions.Get(ctx, positionID); err != nil {
			return err
		}
		if purchases, err = h.purchases.ListByPosition(ctx, positionID); err != nil {
			return err
		}
		sum, err = h.purchases.SumPremiumByPosition(ctx, positionID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &ReconcileResult{
		PositionID:    positionID,
		StoredCost:    position.Cost.String(),
		PremiumSum:    sum.String(),
		PurchaseCount: len(purchases),
		Consistent:    position.Cost.Equal(sum),
	}, nil
}
