package positions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ksred/klear-exec/internal/keylock"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrNoPosition  = errors.New("no open position")
	ErrInvalidFill = errors.New("invalid fill")
	ErrWrongSide   = errors.New("fill side does not match operation")
)

// LotSizer reports the quantity increment of a symbol; zero when unknown
type LotSizer interface {
	LotSize(symbol string) decimal.Decimal
}

// Ledger keeps one merged long position per symbol and mode
type Ledger struct {
	db    *gorm.DB
	mode  Mode
	lots  LotSizer
	now   func() time.Time
	locks keylock.Striped
}

// NewLedger creates a position ledger for mode
func NewLedger(db *gorm.DB, mode Mode, lots LotSizer) *Ledger {
	return NewLedgerWithClock(db, mode, lots, time.Now)
}

// NewLedgerWithClock creates a position ledger with an injected clock
func NewLedgerWithClock(db *gorm.DB, mode Mode, lots LotSizer, now func() time.Time) *Ledger {
	return &Ledger{db: db, mode: mode, lots: lots, now: now}
}

// Migrate creates the positions table
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Position{})
}

// Mode returns the ledger's mode
func (l *Ledger) Mode() Mode {
	return l.mode
}

func (l *Ledger) find(tx *gorm.DB, symbol string) (*Position, error) {
	var pos Position
	if err := tx.Where("mode = ? AND symbol = ?", l.mode, symbol).First(&pos).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pos, nil
}

func checkFill(fill types.Fill, side types.Side) error {
	if fill.Side != side {
		return fmt.Errorf("%w: got %s", ErrWrongSide, fill.Side)
	}
	if fill.Symbol == "" || !fill.Quantity.IsPositive() || !fill.Price.IsPositive() || fill.Fee.IsNegative() {
		return ErrInvalidFill
	}
	return nil
}

// OnBuyFill opens a position or merges the fill into the existing one at
// the quantity-weighted average entry price.
func (l *Ledger) OnBuyFill(ctx context.Context, fill types.Fill) (*Position, error) {
	if err := checkFill(fill, types.SideBuy); err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(fill.Symbol)
	defer unlock()

	var result Position
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := l.now().UTC()
		existing, err := l.find(tx, fill.Symbol)
		if err != nil {
			return err
		}

		if existing == nil {
			result = Position{
				Mode:       l.mode,
				Symbol:     fill.Symbol,
				Quantity:   fill.Quantity,
				EntryPrice: fill.Price,
				EntryFee:   fill.Fee,
				OpenedAt:   now,
				UpdatedAt:  now,
			}
			return tx.Create(&result).Error
		}

		total := existing.Quantity.Add(fill.Quantity)
		cost := existing.EntryPrice.Mul(existing.Quantity).Add(fill.Price.Mul(fill.Quantity))
		existing.EntryPrice = cost.DivRound(total, 16)
		existing.Quantity = total
		existing.EntryFee = existing.EntryFee.Add(fill.Fee)
		existing.UpdatedAt = now
		result = *existing
		return tx.Save(existing).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply buy fill for %s: %w", fill.Symbol, err)
	}

	log.Info().
		Str("component", "positions").
		Str("mode", string(l.mode)).
		Str("symbol", fill.Symbol).
		Str("quantity", result.Quantity.String()).
		Str("entry_price", result.EntryPrice.String()).
		Msg("position updated")
	return &result, nil
}

// OnSellFill reduces or closes the position and returns the realized PnL.
// The entry fee is charged in proportion to the sold quantity.
func (l *Ledger) OnSellFill(ctx context.Context, fill types.Fill) (SellResult, error) {
	if err := checkFill(fill, types.SideSell); err != nil {
		return SellResult{}, err
	}

	unlock := l.locks.Lock(fill.Symbol)
	defer unlock()

	var result SellResult
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pos, err := l.find(tx, fill.Symbol)
		if err != nil {
			return err
		}
		if pos == nil {
			return ErrNoPosition
		}

		sold := decimal.Min(fill.Quantity, pos.Quantity)
		feeShare := pos.EntryFee.Mul(sold).DivRound(pos.Quantity, 16)
		result.RealizedPnL = fill.Price.Sub(pos.EntryPrice).Mul(sold).Sub(fill.Fee.Add(feeShare))

		remaining := pos.Quantity.Sub(sold)
		if remaining.LessThanOrEqual(l.lotSize(fill.Symbol)) {
			result.Closed = true
			result.Remaining = decimal.Zero
			return tx.Where("mode = ? AND symbol = ?", l.mode, fill.Symbol).Delete(&Position{}).Error
		}

		pos.Quantity = remaining
		pos.EntryFee = pos.EntryFee.Sub(feeShare)
		pos.UpdatedAt = l.now().UTC()
		result.Remaining = remaining
		return tx.Save(pos).Error
	})
	if err != nil {
		return SellResult{}, fmt.Errorf("failed to apply sell fill for %s: %w", fill.Symbol, err)
	}

	log.Info().
		Str("component", "positions").
		Str("mode", string(l.mode)).
		Str("symbol", fill.Symbol).
		Bool("closed", result.Closed).
		Str("remaining", result.Remaining.String()).
		Str("realized_pnl", result.RealizedPnL.String()).
		Msg("position reduced")
	return result, nil
}

func (l *Ledger) lotSize(symbol string) decimal.Decimal {
	if l.lots == nil {
		return decimal.Zero
	}
	return l.lots.LotSize(symbol)
}

// SetStopLoss sets the stop loss of an open position
func (l *Ledger) SetStopLoss(ctx context.Context, symbol string, price decimal.Decimal) error {
	return l.setLevel(ctx, symbol, "stop_loss", price)
}

// SetTakeProfit sets the take profit of an open position
func (l *Ledger) SetTakeProfit(ctx context.Context, symbol string, price decimal.Decimal) error {
	return l.setLevel(ctx, symbol, "take_profit", price)
}

func (l *Ledger) setLevel(ctx context.Context, symbol, column string, price decimal.Decimal) error {
	unlock := l.locks.Lock(symbol)
	defer unlock()

	result := l.db.WithContext(ctx).
		Model(&Position{}).
		Where("mode = ? AND symbol = ?", l.mode, symbol).
		Updates(map[string]interface{}{
			column:       decimal.NewNullDecimal(price),
			"updated_at": l.now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to set %s for %s: %w", column, symbol, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	return nil
}

// Get returns the open position for symbol, or nil
func (l *Ledger) Get(ctx context.Context, symbol string) (*Position, error) {
	return l.find(l.db.WithContext(ctx), symbol)
}

// ListOpen returns all open positions of this ledger's mode
func (l *Ledger) ListOpen(ctx context.Context) ([]Position, error) {
	var positions []Position
	if err := l.db.WithContext(ctx).
		Where("mode = ?", l.mode).
		Order("symbol").
		Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

func upper(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
