package domain

import (
	"time"
)

// OrderRecord is the journal row written when an order reaches a terminal
// state. Decimal values are stored as strings to keep the journal exact.
type OrderRecord struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID   string    `gorm:"index" json:"order_id"`
	GroupName string    `gorm:"index" json:"group_name"`
	Symbol    string    `gorm:"index" json:"symbol"`
	Side      string    `json:"side"`
	Type      string    `json:"type"`
	Amount    string    `json:"amount"`
	Price     string    `json:"price"`
	Filled    string    `json:"filled"`
	State     string    `json:"state"`
	External  bool      `json:"external"`
	OpenedAt  time.Time `json:"opened_at"`
	ClosedAt  time.Time `json:"closed_at"`
	CreatedAt time.Time `json:"created_at"`
}

// FillRecord is the journal row written for every execution event.
type FillRecord struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID   string    `gorm:"index" json:"order_id"`
	GroupName string    `gorm:"index" json:"group_name"`
	Symbol    string    `gorm:"index" json:"symbol"`
	Price     string    `json:"price"`
	Size      string    `json:"size"` // signed: positive buy, negative sell
	Fee       string    `json:"fee"`
	TradeTS   time.Time `json:"trade_ts"`
	CreatedAt time.Time `json:"created_at"`
}
