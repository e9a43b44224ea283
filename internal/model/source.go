package model

// TemplateInstrument Instrument 合约的事件模板名
const TemplateInstrument = "Instrument"

// TrackedSource 动态注册的事件源
type TrackedSource struct {
	ID           int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Template     string `gorm:"column:template;type:varchar(64);uniqueIndex:uk_tracked_sources_template_address;not null" json:"template"`
	Address      string `gorm:"column:address;type:varchar(42);uniqueIndex:uk_tracked_sources_template_address;not null" json:"address"`
	CreatedBlock int64  `gorm:"column:created_block;type:bigint;not null" json:"created_block"`
	TxHash       string `gorm:"column:tx_hash;type:varchar(66);not null" json:"tx_hash"`
	CreatedAt    int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (TrackedSource) TableName() string {
	return "indexer_tracked_sources"
}
