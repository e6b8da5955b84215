package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeRate is the rate in effect on a specific date.
type ExchangeRate struct {
	Date      time.Time       `json:"date"`
	Rate      decimal.Decimal `json:"rate"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// DefaultRate is the singleton fallback used when a date has no rate.
type DefaultRate struct {
	Rate      decimal.Decimal `json:"rate"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Expense is advertising spend attributed to a channel on a date.
type Expense struct {
	Date      time.Time       `json:"date"`
	ChannelID int64           `json:"channel_id"`
	Amount    decimal.Decimal `json:"amount"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// DefaultExpense is a channel's fallback spend for dates without an Expense row.
type DefaultExpense struct {
	ChannelID int64           `json:"channel_id"`
	Amount    decimal.Decimal `json:"amount"`
	UpdatedAt time.Time       `json:"updated_at"`
}
