package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is the lifecycle state of a ledger entry
type State string

const (
	StateReserved        State = "RESERVED"
	StateAcknowledged    State = "ACKNOWLEDGED"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StateFilled          State = "FILLED"
	StateFailed          State = "FAILED"
)

// Valid reports whether s is a known state
func (s State) Valid() bool {
	switch s {
	case StateReserved, StateAcknowledged, StatePartiallyFilled, StateFilled, StateFailed:
		return true
	}
	return false
}

// Stable states block every later request with the same fingerprint and
// are never reset to RESERVED.
func (s State) Stable() bool {
	switch s {
	case StateAcknowledged, StatePartiallyFilled, StateFilled:
		return true
	}
	return false
}

// Entry is one submission attempt keyed by its fingerprint
type Entry struct {
	Fingerprint     string          `gorm:"primaryKey;size:64" json:"fingerprint"`
	ExchangeOrderID *string         `gorm:"size:128;index" json:"exchange_order_id"`
	Symbol          string          `gorm:"size:32;index" json:"symbol"`
	Side            string          `gorm:"size:8" json:"side"`
	Price           decimal.Decimal `gorm:"type:varchar(64)" json:"price"`
	Quantity        decimal.Decimal `gorm:"type:varchar(64)" json:"quantity"`
	FilledQuantity  decimal.Decimal `gorm:"type:varchar(64);default:'0'" json:"filled_quantity"`
	State           State           `gorm:"size:24;index:idx_order_ledger_state_updated,priority:1" json:"state"`
	LastError       string          `json:"last_error,omitempty"`
	Version         int64           `json:"-"`
	CreatedAt       time.Time       `gorm:"autoCreateTime:false" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime:false;index:idx_order_ledger_state_updated,priority:2" json:"updated_at"`
}

// TableName keeps the table name stable across struct renames
func (Entry) TableName() string {
	return "order_ledger"
}

// ActiveAt reports whether the entry blocks a new submission at now
func (e *Entry) ActiveAt(now time.Time, ttl time.Duration) bool {
	if e.State.Stable() {
		return true
	}
	return e.State == StateReserved && now.Sub(e.UpdatedAt) < ttl
}

// Reservation carries the fields written when reserving a fingerprint
type Reservation struct {
	Fingerprint string
	Symbol      string
	Side        string
	Price       decimal.Decimal
	Quantity    decimal.Decimal
}

// Filter narrows List results
type Filter struct {
	Symbol string
	State  State
	Limit  int
}
