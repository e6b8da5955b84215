package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is one member's observed cumulative balance as captured by the
// data batch ingested on InsertDate. The same member appears once per snapshot.
type Transaction struct {
	ID               int64           `json:"id"`
	ChannelID        int64           `json:"channel_id"`
	MemberID         string          `json:"member_id"`
	RegistrationTime time.Time       `json:"registration_time"`
	BalanceDelta     decimal.Decimal `json:"balance_delta"`
	InsertDate       time.Time       `json:"insert_date"`
	Currency         string          `json:"currency,omitempty"`
}

// RegistrationDate is the calendar date of the registration (UTC).
func (t *Transaction) RegistrationDate() time.Time {
	return DateOf(t.RegistrationTime)
}

// ImportMode selects how an import treats rows that already exist for the
// same (channel, member, insert_date).
type ImportMode string

const (
	// ImportAppend keeps existing rows and skips duplicates.
	ImportAppend ImportMode = "append"
	// ImportUpdateExisting overwrites the balance of existing rows.
	ImportUpdateExisting ImportMode = "update_existing"
)

// Valid reports whether m is a known import mode.
func (m ImportMode) Valid() bool {
	return m == ImportAppend || m == ImportUpdateExisting
}
