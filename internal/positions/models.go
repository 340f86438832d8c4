package positions

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mode separates paper positions from live ones
type Mode string

const (
	ModePaper Mode = "PAPER"
	ModeLive  Mode = "LIVE"
)

// ParseMode accepts paper/live in any case
func ParseMode(s string) (Mode, bool) {
	switch Mode(upper(s)) {
	case ModePaper:
		return ModePaper, true
	case ModeLive:
		return ModeLive, true
	}
	return "", false
}

// Position is the open long exposure for one symbol. A row with
// quantity <= 0 is never stored.
type Position struct {
	Mode       Mode                `gorm:"primaryKey;size:8" json:"mode"`
	Symbol     string              `gorm:"primaryKey;size:32" json:"symbol"`
	Quantity   decimal.Decimal     `gorm:"type:varchar(64)" json:"quantity"`
	EntryPrice decimal.Decimal     `gorm:"type:varchar(64)" json:"entry_price"`
	EntryFee   decimal.Decimal     `gorm:"type:varchar(64)" json:"entry_fee"`
	StopLoss   decimal.NullDecimal `gorm:"type:varchar(64)" json:"stop_loss"`
	TakeProfit decimal.NullDecimal `gorm:"type:varchar(64)" json:"take_profit"`
	OpenedAt   time.Time           `gorm:"autoCreateTime:false" json:"opened_at"`
	UpdatedAt  time.Time           `gorm:"autoUpdateTime:false" json:"updated_at"`
}

func (Position) TableName() string {
	return "positions"
}

// SellResult describes the effect of a sell fill
type SellResult struct {
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Closed      bool            `json:"closed"`
	Remaining   decimal.Decimal `json:"remaining"`
}
