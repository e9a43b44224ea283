package model

import "fmt"

// OptionPurchase 期权购买记录，创建后不再修改
type OptionPurchase struct {
	ID                 string     `gorm:"primaryKey;column:id;type:varchar(80)" json:"id"` // <txhash>-<logIndex>
	InstrumentPosition string     `gorm:"column:instrument_position;type:varchar(66);index;not null" json:"instrument_position"`
	Account            string     `gorm:"column:account;type:varchar(42);index;not null" json:"account"`
	Underlying         string     `gorm:"column:underlying;type:varchar(42);not null" json:"underlying"`
	OptionType         OptionType `gorm:"column:option_type;type:smallint;not null" json:"option_type"`
	Amount             BigInt     `gorm:"column:amount;type:numeric(78,0);not null" json:"amount"`
	Premium            BigInt     `gorm:"column:premium;type:numeric(78,0);not null" json:"premium"`
	OptionID           int32      `gorm:"column:option_id;type:int;not null" json:"option_id"`
	Instrument         string     `gorm:"column:instrument;type:varchar(42);not null" json:"instrument"`
	BlockNumber        int64      `gorm:"column:block_number;type:bigint;not null" json:"block_number"`
	LogIndex           int        `gorm:"column:log_index;type:int;not null" json:"log_index"`
	CreatedAt          int64      `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (OptionPurchase) TableName() string {
	return "option_purchases"
}

// PurchaseID 生成购买记录 ID，同一交易内的多次购买由 logIndex 区分
func PurchaseID(txHash string, logIndex uint) string {
	return fmt.Sprintf("%s-%d", txHash, logIndex)
}
