package model

// InstrumentPosition 持仓，以开仓交易哈希为主键
//
// Cost 为该交易下所有购买的 premium 累计值，只能通过 AddCost 增加。
type InstrumentPosition struct {
	ID          string `gorm:"primaryKey;column:id;type:varchar(66)" json:"id"` // 交易哈希
	PositionID  int32  `gorm:"column:position_id;type:int;not null" json:"position_id"`
	Account     string `gorm:"column:account;type:varchar(42);index;not null" json:"account"`
	Instrument  string `gorm:"column:instrument;type:varchar(42);not null" json:"instrument"`
	Cost        BigInt `gorm:"column:cost;type:numeric(78,0);not null" json:"cost"`
	Opened      bool   `gorm:"column:opened;type:boolean;not null" json:"opened"` // 已收到 PositionCreated
	BlockNumber int64  `gorm:"column:block_number;type:bigint;not null" json:"block_number"`
	CreatedAt   int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt   int64  `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (InstrumentPosition) TableName() string {
	return "instrument_positions"
}

// NewInstrumentPosition 创建 cost 为 0 的持仓
func NewInstrumentPosition(txHash string) *InstrumentPosition {
	return &InstrumentPosition{ID: txHash}
}

// AddCost 累加 premium，溢出时不修改
func (p *InstrumentPosition) AddCost(premium BigInt) error {
	sum, err := p.Cost.Add(premium)
	if err != nil {
		return err
	}
	p.Cost = sum
	return nil
}

// PositionUpdateReason 持仓变更原因
type PositionUpdateReason string

const (
	PositionUpdateOpened    PositionUpdateReason = "OPENED"
	PositionUpdatePurchased PositionUpdateReason = "PURCHASED"
)

// PositionUpdate 持仓变更消息
type PositionUpdate struct {
	Reason      PositionUpdateReason `json:"reason"`
	Position    *InstrumentPosition  `json:"position"`
	TxHash      string               `json:"tx_hash"`
	LogIndex    uint                 `json:"log_index"`
	BlockNumber uint64               `json:"block_number"`
}
