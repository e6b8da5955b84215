package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Horizons are the day counts ROI is materialized for. 40 also stands for
// "40 days and beyond".
var Horizons = []int{1, 2, 3, 5, 7, 14, 30, 40}

// MaxHorizon is the longest horizon and the fallback-snapshot threshold.
const MaxHorizon = 40

// IsHorizon reports whether dayCount is one of Horizons.
func IsHorizon(dayCount int) bool {
	for _, h := range Horizons {
		if h == dayCount {
			return true
		}
	}
	return false
}

// HorizonsUpTo returns the horizons not exceeding maxDays.
func HorizonsUpTo(maxDays int) []int {
	out := make([]int, 0, len(Horizons))
	for _, h := range Horizons {
		if h <= maxDays {
			out = append(out, h)
		}
	}
	return out
}

// RoiCalculation is a materialized ROI value for one (date, channel, horizon).
// It can always be recomputed from transactions and reference data.
type RoiCalculation struct {
	ID                int64           `json:"id,omitempty"`
	Date              time.Time       `json:"date"`
	ChannelID         int64           `json:"channel_id"`
	DayCount          int             `json:"day_count"`
	CumulativeBalance decimal.Decimal `json:"cumulative_balance"`
	ExchangeRate      decimal.Decimal `json:"exchange_rate"`
	Expense           decimal.Decimal `json:"expense"`
	RoiPercentage     decimal.Decimal `json:"roi_percentage"`
	CalculatedAt      time.Time       `json:"calculated_at"`
}

// RoiKey is the unique key of a RoiCalculation.
type RoiKey struct {
	Date      time.Time
	ChannelID int64
	DayCount  int
}

// Key returns the record's unique key.
func (r *RoiCalculation) Key() RoiKey {
	return RoiKey{Date: DateOf(r.Date), ChannelID: r.ChannelID, DayCount: r.DayCount}
}
