package model

// EventType 链上事件类型
type EventType string

const (
	EventTypeInstrumentCreated EventType = "InstrumentCreated"
	EventTypePositionCreated   EventType = "PositionCreated"
	EventTypePurchased         EventType = "Purchased"
)

// EventMeta 事件元数据，作为显式参数传入处理器
type EventMeta struct {
	TxHash      string `json:"tx_hash"`
	LogIndex    uint   `json:"log_index"`
	BlockNumber uint64 `json:"block_number"`
	BlockHash   string `json:"block_hash"`
	Address     string `json:"address"` // 发出事件的合约
}
