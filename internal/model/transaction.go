package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a value transfer between two endpoints. Once assigned an
// id it is never mutated; re-appending the same id overwrites the stored
// record (the backing store is an upsert).
type Transaction struct {
	ID           string          `gorm:"primaryKey;size:36" json:"id"`
	FromEndpoint string          `gorm:"column:from_endpoint;size:128;index" json:"from"`
	ToEndpoint   string          `gorm:"column:to_endpoint;size:128;index" json:"to"`
	Amount       decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"amount"`
	Timestamp    int64           `gorm:"not null" json:"timestamp"`
	Signature    string          `gorm:"size:128" json:"signature"`
	Status       string          `gorm:"size:32" json:"status"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"-"`
}

func (Transaction) TableName() string { return "tx_log" }

// Transaction statuses. Advisory metadata only; never gates balance
// application.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)
