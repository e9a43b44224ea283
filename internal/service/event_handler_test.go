package service

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ribbon-finance/ribbon-v1-sub001/internal/contract"
	"github.com/ribbon-finance/ribbon-v1-sub001/internal/model"
	"github.com/ribbon-finance/ribbon-v1-sub001/internal/registry"
	"github.com/ribbon-finance/ribbon-v1-sub001/internal/repository"
)

const maxUint256Dec = "115792089237316195423570985008687907853269984665640564039457584007913129639935"

var (
	testInstrument = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testAccount    = common.HexToAddress("0x0100000000000000000000000000000000000001")
	testUnderlying = common.HexToAddress("0x0000000000000000000000000000000000000e01")
)

// MockPositionRepository 模拟持仓仓储
type MockPositionRepository struct {
	mock.Mock
}

func (m *MockPositionRepository) Get(ctx context.Context, id string) (*model.InstrumentPosition, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.InstrumentPosition), args.Error(1)
}

func (m *MockPositionRepository) Exists(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockPositionRepository) Put(ctx context.Context, position *model.InstrumentPosition) error {
	args := m.Called(ctx, position)
	return args.Error(0)
}

// MockPurchaseRepository 模拟购买记录仓储
type MockPurchaseRepository struct {
	mock.Mock
}

func (m *MockPurchaseRepository) Get(ctx context.Context, id string) (*model.OptionPurchase, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.OptionPurchase), args.Error(1)
}

func (m *MockPurchaseRepository) Exists(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockPurchaseRepository) Put(ctx context.Context, purchase *model.OptionPurchase) error {
	args := m.Called(ctx, purchase)
	return args.Error(0)
}

func (m *MockPurchaseRepository) ListByPosition(ctx context.Context, positionID string) ([]*model.OptionPurchase, error) {
	args := m.Called(ctx, positionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.OptionPurchase), args.Error(1)
}

func (m *MockPurchaseRepository) SumPremiumByPosition(ctx context.Context, positionID string) (model.BigInt, error) {
	args := m.Called(ctx, positionID)
	return args.Get(0).(model.BigInt), args.Error(1)
}

// failingPositions Put 总是失败
type failingPositions struct {
	repository.PositionRepository
	err error
}

func (f *failingPositions) Put(context.Context, *model.InstrumentPosition) error {
	return f.err
}

func newTestHandler(t *testing.T) (*EventHandler, *repository.Store) {
	t.Helper()
	store := repository.NewMemoryStore()
	reg := registry.NewRegistry(store.Sources, nil)
	return NewEventHandler(store, reg, 18), store
}

func testMeta(txHash string, logIndex uint) model.EventMeta {
	return model.EventMeta{
		TxHash:      txHash,
		LogIndex:    logIndex,
		BlockNumber: 100,
		Address:     contract.HexAddress(testInstrument),
	}
}

func purchasedEvent(premium *big.Int, optionID int64) *contract.PurchasedEvent {
	return &contract.PurchasedEvent{
		Caller:     testAccount,
		Underlying: testUnderlying,
		OptionType: uint8(model.OptionTypeCall),
		Amount:     big.NewInt(3),
		Premium:    premium,
		OptionID:   big.NewInt(optionID),
	}
}

func positionCreatedEvent(positionID *big.Int) *contract.PositionCreatedEvent {
	return &contract.PositionCreatedEvent{PositionID: positionID, Account: testAccount}
}

func getPosition(t *testing.T, store *repository.Store, id string) *model.InstrumentPosition {
	t.Helper()
	p, err := store.Positions.Get(context.Background(), id)
	require.NoError(t, err)
	return p
}

// TestHandlePurchased_PurchaseID 购买 id 为 <txhash>-<logIndex>
func TestHandlePurchased_PurchaseID(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.HandlePurchased(ctx, purchasedEvent(big.NewInt(10), 1), testMeta("0xabc", 2)))

	purchase, err := store.Purchases.Get(ctx, "0xabc-2")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", purchase.InstrumentPosition)
	assert.Equal(t, contract.HexAddress(testAccount), purchase.Account)
	assert.Equal(t, contract.HexAddress(testUnderlying), purchase.Underlying)
	assert.Equal(t, model.OptionTypeCall, purchase.OptionType)
	assert.Equal(t, "3", purchase.Amount.String())
	assert.Equal(t, "10", purchase.Premium.String())
	assert.Equal(t, int32(1), purchase.OptionID)
	assert.Equal(t, 2, purchase.LogIndex)
}

// TestHandlePositionCreated_Fields 持仓 id 为交易哈希，cost 为 0
func TestHandlePositionCreated_Fields(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.HandlePositionCreated(ctx, positionCreatedEvent(big.NewInt(5)), testMeta("0xdef", 0)))

	p := getPosition(t, store, "0xdef")
	assert.Equal(t, "0xdef", p.ID)
	assert.Equal(t, int32(5), p.PositionID)
	assert.Equal(t, contract.HexAddress(testAccount), p.Account)
	assert.True(t, p.Cost.IsZero())
	assert.True(t, p.Opened)
	assert.Equal(t, contract.HexAddress(testInstrument), p.Instrument)
}

// TestHandlePurchased_WithoutPosition 无 PositionCreated 时按需创建持仓
func TestHandlePurchased_WithoutPosition(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()

	premium, _ := new(big.Int).SetString("250000000000000000000", 10)
	require.NoError(t, h.HandlePurchased(ctx, purchasedEvent(premium, 1), testMeta("0xabc", 0)))

	p := getPosition(t, store, "0xabc")
	assert.Equal(t, "250000000000000000000", p.Cost.String())
	assert.False(t, p.Opened)
	assert.Equal(t, int32(0), p.PositionID)
}

// TestHandlePurchased_SameTransaction 同一交易两次购买
func TestHandlePurchased_SameTransaction(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.HandlePurchased(ctx, purchasedEvent(big.NewInt(7), 1), testMeta("0xabc", 0)))
	require.NoError(t, h.HandlePurchased(ctx, purchasedEvent(big.NewInt(35), 2), testMeta("0xabc", 1)))

	purchases, err := store.Purchases.ListByPosition(ctx, "0xabc")
	require.NoError(t, err)
	require.Len(t, purchases, 2)
	assert.Equal(t, "0xabc-0", purchases[0].ID)
	assert.Equal(t, "0xabc-1", purchases[1].ID)

	assert.Equal(t, "42", getPosition(t, store, "0xabc").Cost.String())
}

// TestHandlePurchased_CostIndependentOfOrder cost 与 PositionCreated 的先后无关
func TestHandlePurchased_CostIndependentOfOrder(t *testing.T) {
	premiums := []int64{11, 22, 33}

	t.Run("position first", func(t *testing.T) {
		h, store := newTestHandler(t)
		ctx := context.Background()

		require.NoError(t, h.HandlePositionCreated(ctx, positionCreatedEvent(big.NewInt(1)), testMeta("0xabc", 0)))
		for i, p := range premiums {
			require.NoError(t, h.HandlePurchased(ctx, purchasedEvent(big.NewInt(p), 1), testMeta("0xabc", uint(i+1))))
		}

		p := getPosition(t, store, "0xabc")
		assert.Equal(t, "66", p.Cost.String())
		assert.Equal(t, int32(1), p.PositionID)
	})

	t.Run("position last", func(t *testing.T) {
		h, store := newTestHandler(t)
		ctx := context.Background()

		for i, p := range premiums {
			require.NoError(t, h.HandlePurchased(ctx, purchasedEvent(big.NewInt(p), 1), testMeta("0xabc", uint(i))))
		}
		require.NoError(t, h.HandlePositionCreated(ctx, positionCreatedEvent(big.NewInt(1)), testMeta("0xabc", 3)))

		p := getPosition(t, store, "0xabc")
		assert.Equal(t, "66", p.Cost.String())
		assert.Equal(t, int32(1), p.PositionID)
		assert.True(t, p.Opened)

		sum, err := store.Purchases.SumPremiumByPosition(ctx, "0xabc")
		require.NoError(t, err)
		assert.True(t, sum.Equal(p.Cost))
	})
}

// TestHandlePositionCreated_Narrowing positionID 越界时失败且不写入
func TestHandlePositionCreated_Narrowing(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()

	err := h.HandlePositionCreated(ctx, positionCreatedEvent(big.NewInt(1<<31)), testMeta("0xdef", 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInt32Overflow)

	var herr *HandlerError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, model.EventTypePositionCreated, herr.EventType)
	assert.Equal(t, "narrowing", herr.Reason())

	exists, _ := store.Positions.Exists(ctx, "0xdef")
	assert.False(t, exists)
}

// TestHandlePurchased_Narrowing optionID 越界时失败且不写入
func TestHandlePurchased_Narrowing(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()

	err := h.HandlePurchased(ctx, purchasedEvent(big.NewInt(1), 1<<40), testMeta("0xabc", 0))
	assert.ErrorIs(t, err, model.ErrInt32Overflow)

	exists, _ := store.Purchases.Exists(ctx, "0xabc-0")
	assert.False(t, exists)
	exists, _ = store.Positions.Exists(ctx, "0xabc")
	assert.False(t, exists)
}

// TestHandlePurchased_CostOverflow cost 溢出时整个事件不生效
func TestHandlePurchased_CostOverflow(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()

	maxPremium, _ := new(big.Int).SetString(maxUint256Dec, 10)
	require.NoError(t, h.HandlePurchased(ctx, purchasedEvent(maxPremium, 1), testMeta("0xabc", 0)))

	err := h.HandlePurchased(ctx, purchasedEvent(big.NewInt(1), 2), testMeta("0xabc", 1))
	assert.ErrorIs(t, err, model.ErrUint256Overflow)

	exists, _ := store.Purchases.Exists(ctx, "0xabc-1")
	assert.False(t, exists)
	assert.Equal(t, maxUint256Dec, getPosition(t, store, "0xabc").Cost.String())
}

// TestHandlePurchased_AtomicOnPositionFailure 持仓写入失败时购买记录回滚
func TestHandlePurchased_AtomicOnPositionFailure(t *testing.T) {
	mem := repository.NewMemory()
	store := &repository.Store{
		Transactor:  mem,
		Positions:   &failingPositions{PositionRepository: mem.Positions(), err: errors.New("disk full")},
		Purchases:   mem.Purchases(),
		Sources:     mem.Sources(),
		Checkpoints: mem.Checkpoints(),
	}
	h := NewEventHandler(store, registry.NewRegistry(store.Sources, nil), 18)
	ctx := context.Background()

	err := h.HandlePurchased(ctx, purchasedEvent(big.NewInt(5), 1), testMeta("0xabc", 0))
	require.Error(t, err)

	var herr *HandlerError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, "storage", herr.Reason())

	exists, _ := store.Purchases.Exists(ctx, "0xabc-0")
	assert.False(t, exists)
}

// TestHandlePurchased_Replay 重复投递的购买不重复累加
func TestHandlePurchased_Replay(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()

	calls := 0
	h.SetOnPurchaseRecorded(func(context.Context, *model.OptionPurchase) { calls++ })

	event := purchasedEvent(big.NewInt(9), 1)
	require.NoError(t, h.HandlePurchased(ctx, event, testMeta("0xabc", 0)))
	require.NoError(t, h.HandlePurchased(ctx, event, testMeta("0xabc", 0)))

	assert.Equal(t, "9", getPosition(t, store, "0xabc").Cost.String())
	assert.Equal(t, 1, calls)
}

// TestHandlePositionCreated_SecondEventKeepsCost 同一交易第二次 PositionCreated
// 覆盖 positionID 和 account，保留 cost
func TestHandlePositionCreated_SecondEventKeepsCost(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.HandlePositionCreated(ctx, positionCreatedEvent(big.NewInt(1)), testMeta("0xabc", 0)))
	require.NoError(t, h.HandlePurchased(ctx, purchasedEvent(big.NewInt(40), 1), testMeta("0xabc", 1)))

	second := &contract.PositionCreatedEvent{PositionID: big.NewInt(2), Account: testUnderlying}
	require.NoError(t, h.HandlePositionCreated(ctx, second, testMeta("0xabc", 2)))

	p := getPosition(t, store, "0xabc")
	assert.Equal(t, int32(2), p.PositionID)
	assert.Equal(t, contract.HexAddress(testUnderlying), p.Account)
	assert.Equal(t, "40", p.Cost.String())
}

// TestHandleInstrumentCreated 只注册事件源，不写实体
func TestHandleInstrumentCreated(t *testing.T) {
	mem := repository.NewMemory()
	positions := new(MockPositionRepository)
	purchases := new(MockPurchaseRepository)
	store := &repository.Store{
		Transactor:  mem,
		Positions:   positions,
		Purchases:   purchases,
		Sources:     mem.Sources(),
		Checkpoints: mem.Checkpoints(),
	}
	reg := registry.NewRegistry(store.Sources, nil)
	h := NewEventHandler(store, reg, 18)
	ctx := context.Background()

	var registered []*model.TrackedSource
	h.SetOnSourceRegistered(func(_ context.Context, s *model.TrackedSource) { registered = append(registered, s) })

	event := &contract.InstrumentCreatedEvent{InstrumentAddress: testInstrument}
	created, err := h.HandleInstrumentCreated(ctx, event, testMeta("0xf00", 0))
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, reg.IsTracked(model.TemplateInstrument, testInstrument))

	// 重复注册为空操作
	created, err = h.HandleInstrumentCreated(ctx, event, testMeta("0xf01", 0))
	require.NoError(t, err)
	assert.False(t, created)

	sources, err := store.Sources.List(ctx)
	require.NoError(t, err)
	assert.Len(t, sources, 1)
	require.Len(t, registered, 1)
	assert.Equal(t, contract.HexAddress(testInstrument), registered[0].Address)

	positions.AssertNotCalled(t, "Put", mock.Anything, mock.Anything)
	purchases.AssertNotCalled(t, "Put", mock.Anything, mock.Anything)
}

// TestHandlePurchased_Callbacks 提交后触发回调
func TestHandlePurchased_Callbacks(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	var updates []*model.PositionUpdate
	var purchases []*model.OptionPurchase
	h.SetOnPositionUpdated(func(_ context.Context, u *model.PositionUpdate) { updates = append(updates, u) })
	h.SetOnPurchaseRecorded(func(_ context.Context, p *model.OptionPurchase) { purchases = append(purchases, p) })

	require.NoError(t, h.HandlePositionCreated(ctx, positionCreatedEvent(big.NewInt(3)), testMeta("0xabc", 0)))
	require.NoError(t, h.HandlePurchased(ctx, purchasedEvent(big.NewInt(8), 1), testMeta("0xabc", 1)))

	require.Len(t, updates, 2)
	assert.Equal(t, model.PositionUpdateOpened, updates[0].Reason)
	assert.Equal(t, model.PositionUpdatePurchased, updates[1].Reason)
	assert.Equal(t, "8", updates[1].Position.Cost.String())
	require.Len(t, purchases, 1)
	assert.Equal(t, "0xabc-1", purchases[0].ID)

	// 失败时不触发
	_ = h.HandlePurchased(ctx, purchasedEvent(big.NewInt(1), 1<<40), testMeta("0xabc", 2))
	assert.Len(t, updates, 2)
}

// TestVerifyPositionCost 核对 cost 与 premium 之和
func TestVerifyPositionCost(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.HandlePurchased(ctx, purchasedEvent(big.NewInt(4), 1), testMeta("0xabc", 0)))
	require.NoError(t, h.HandlePurchased(ctx, purchasedEvent(big.NewInt(6), 1), testMeta("0xabc", 1)))

	result, err := h.VerifyPositionCost(ctx, "0xabc")
	require.NoError(t, err)
	assert.True(t, result.Consistent)
	assert.Equal(t, "10", result.StoredCost)
	assert.Equal(t, 2, result.PurchaseCount)

	// 人为破坏 cost
	p := getPosition(t, store, "0xabc")
	p.Cost = model.NewBigInt(11)
	require.NoError(t, store.Positions.Put(ctx, p))

	result, err = h.VerifyPositionCost(ctx, "0xabc")
	require.NoError(t, err)
	assert.False(t, result.Consistent)

	_, err = h.VerifyPositionCost(ctx, "0xmissing")
	assert.ErrorIs(t, err, repository.ErrPositionNotFound)
}

// TestVerifyPositionCost_ConcurrentWrites 并发写入期间核对结果保持一致
func TestVerifyPositionCost_ConcurrentWrites(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.HandlePositionCreated(ctx, positionCreatedEvent(big.NewInt(1)), testMeta("0xabc", 0)))

	const purchases = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= purchases; i++ {
			if err := h.HandlePurchased(ctx, purchasedEvent(big.NewInt(1), 1), testMeta("0xabc", uint(i))); err != nil {
				t.Errorf("purchase %d: %v", i, err)
				return
			}
		}
	}()

	for i := 0; i < purchases; i++ {
		result, err := h.VerifyPositionCost(ctx, "0xabc")
		require.NoError(t, err)
		require.True(t, result.Consistent, "cost=%s sum=%s", result.StoredCost, result.PremiumSum)
		// premium 均为 1，条数与总和一致
		require.Equal(t, result.PremiumSum, strconv.Itoa(result.PurchaseCount))
	}
	wg.Wait()

	result, err := h.VerifyPositionCost(ctx, "0xabc")
	require.NoError(t, err)
	assert.True(t, result.Consistent)
	assert.Equal(t, purchases, result.PurchaseCount)
}

// TestVerifyPositionCost_StorageError 查询失败时返回错误
func TestVerifyPositionCost_StorageError(t *testing.T) {
	positions := new(MockPositionRepository)
	purchases := new(MockPurchaseRepository)
	store := &repository.Store{Transactor: repository.NewMemory(), Positions: positions, Purchases: purchases}
	h := NewEventHandler(store, nil, 18)

	positions.On("Get", mock.Anything, "0xabc").Return(&model.InstrumentPosition{ID: "0xabc"}, nil)
	purchases.On("ListByPosition", mock.Anything, "0xabc").Return(nil, errors.New("db down"))

	_, err := h.VerifyPositionCost(context.Background(), "0xabc")
	assert.Error(t, err)
	positions.AssertExpectations(t)
	purchases.AssertExpectations(t)
}
