package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-exec/internal/keylock"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound          = errors.New("ledger entry not found")
	ErrStableState       = errors.New("ledger entry is acknowledged or filled and cannot be reserved again")
	ErrConcurrentReserve = errors.New("ledger entry was reserved concurrently")
	ErrInvalidState      = errors.New("invalid ledger state")
)

// Store is the durable order ledger. Gate and reserve for one fingerprint
// run under a per-fingerprint lock and inside one transaction.
type Store struct {
	db    *gorm.DB
	now   func() time.Time
	locks keylock.Striped
}

// NewStore creates a ledger store on db
func NewStore(db *gorm.DB) *Store {
	return NewStoreWithClock(db, time.Now)
}

// NewStoreWithClock creates a ledger store with an injected clock
func NewStoreWithClock(db *gorm.DB, now func() time.Time) *Store {
	return &Store{db: db, now: now}
}

// Migrate creates the ledger table and indexes
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Entry{})
}

func findEntry(tx *gorm.DB, fingerprint string) (*Entry, error) {
	var entry Entry
	if err := tx.Where("fingerprint = ?", fingerprint).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// Get returns the entry for fingerprint, or nil if there is none
func (s *Store) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	return findEntry(s.db.WithContext(ctx), fingerprint)
}

// IsActive reports whether fingerprint is acknowledged/filled, or reserved
// less than ttl ago.
func (s *Store) IsActive(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	entry, err := s.Get(ctx, fingerprint)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}
	return entry.ActiveAt(s.now().UTC(), ttl), nil
}

// Reserve upserts the fingerprint as RESERVED and returns the previous state
// ("" if the row is new). Stable rows are left untouched.
func (s *Store) Reserve(ctx context.Context, r Reservation) (State, error) {
	unlock := s.locks.Lock(r.Fingerprint)
	defer unlock()

	var previous State
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findEntry(tx, r.Fingerprint)
		if err != nil {
			return err
		}
		if existing != nil {
			previous = existing.State
		}
		ok, err := s.write(tx, r, existing)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConcurrentReserve
		}
		return nil
	})
	if err != nil {
		return previous, fmt.Errorf("failed to reserve %s: %w", r.Fingerprint, err)
	}
	return previous, nil
}

// ReserveIfInactive is the duplicate gate and the reservation as one atomic step.
// It returns the entry seen before reserving and whether this call reserved it.
func (s *Store) ReserveIfInactive(ctx context.Context, r Reservation, ttl time.Duration) (*Entry, bool, error) {
	unlock := s.locks.Lock(r.Fingerprint)
	defer unlock()

	var previous *Entry
	reserved := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findEntry(tx, r.Fingerprint)
		if err != nil {
			return err
		}
		previous = existing
		if existing != nil && existing.ActiveAt(s.now().UTC(), ttl) {
			return nil
		}
		reserved, err = s.write(tx, r, existing)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve %s: %w", r.Fingerprint, err)
	}
	return previous, reserved, nil
}

// write inserts or re-arms the row. It reports false when another writer won the race.
func (s *Store) write(tx *gorm.DB, r Reservation, existing *Entry) (bool, error) {
	now := s.now().UTC()

	if existing == nil {
		entry := Entry{
			Fingerprint:    r.Fingerprint,
			Symbol:         r.Symbol,
			Side:           r.Side,
			Price:          r.Price,
			Quantity:       r.Quantity,
			FilledQuantity: decimal.Zero,
			State:          StateReserved,
			Version:        1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
		if result.Error != nil {
			return false, result.Error
		}
		return result.RowsAffected == 1, nil
	}

	if existing.State.Stable() {
		return false, ErrStableState
	}

	result := tx.Model(&Entry{}).
		Where("fingerprint = ? AND version = ?", r.Fingerprint, existing.Version).
		Updates(map[string]interface{}{
			"symbol":          r.Symbol,
			"side":            r.Side,
			"price":           r.Price,
			"quantity":        r.Quantity,
			"filled_quantity": decimal.Zero,
			"state":           StateReserved,
			"last_error":      "",
			"version":         existing.Version + 1,
			"updated_at":      now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// UpdateState moves fingerprint to state. An empty exchangeOrderID keeps the
// stored one. RESERVED can only be entered through Reserve.
func (s *Store) UpdateState(ctx context.Context, fingerprint string, state State, exchangeOrderID string, lastError string) error {
	_, err := s.update(ctx, fingerprint, state, exchangeOrderID, lastError, nil)
	return err
}

// RecordProgress is UpdateState plus the venue's cumulative filled quantity.
// The stored quantity never decreases. It returns the quantity stored before
// the call so the caller can apply only the new part of the fill.
func (s *Store) RecordProgress(ctx context.Context, fingerprint string, state State, exchangeOrderID string, filled decimal.Decimal, lastError string) (decimal.Decimal, error) {
	return s.update(ctx, fingerprint, state, exchangeOrderID, lastError, &filled)
}

func (s *Store) update(ctx context.Context, fingerprint string, state State, exchangeOrderID string, lastError string, filled *decimal.Decimal) (decimal.Decimal, error) {
	if !state.Valid() || state == StateReserved {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidState, state)
	}

	unlock := s.locks.Lock(fingerprint)
	defer unlock()

	previous := decimal.Zero
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findEntry(tx, fingerprint)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, fingerprint)
		}
		// a filled order never moves back
		if existing.State == StateFilled && state != StateFilled {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidState, existing.State, state)
		}
		previous = existing.FilledQuantity

		updates := map[string]interface{}{
			"state":      state,
			"last_error": lastError,
			"version":    existing.Version + 1,
			"updated_at": s.now().UTC(),
		}
		if exchangeOrderID != "" {
			updates["exchange_order_id"] = exchangeOrderID
		}
		if filled != nil && filled.GreaterThan(previous) {
			updates["filled_quantity"] = *filled
		}
		return tx.Model(&Entry{}).
			Where("fingerprint = ?", fingerprint).
			Updates(updates).Error
	})
	if err != nil {
		return decimal.Zero, err
	}
	return previous, nil
}

// PurgeStale deletes rows still RESERVED whose last update is older than ttl
func (s *Store) PurgeStale(ctx context.Context, ttl time.Duration) (int64, error) {
	var reserved []Entry
	if err := s.db.WithContext(ctx).
		Where("state = ?", StateReserved).
		Find(&reserved).Error; err != nil {
		return 0, err
	}

	cutoff := s.now().UTC().Add(-ttl)
	var purged int64
	for _, entry := range reserved {
		if !entry.UpdatedAt.Before(cutoff) {
			continue
		}
		// version guard: a concurrent re-reserve keeps its row
		result := s.db.WithContext(ctx).
			Where("fingerprint = ? AND state = ? AND version = ?", entry.Fingerprint, StateReserved, entry.Version).
			Delete(&Entry{})
		if result.Error != nil {
			return purged, result.Error
		}
		purged += result.RowsAffected
	}
	return purged, nil
}

// List returns entries matching filter, newest first
func (s *Store) List(ctx context.Context, filter Filter) ([]Entry, error) {
	q := s.db.WithContext(ctx).Model(&Entry{})
	if filter.Symbol != "" {
		q = q.Where("symbol = ?", filter.Symbol)
	}
	if filter.State != "" {
		q = q.Where("state = ?", filter.State)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var entries []Entry
	if err := q.Order("created_at DESC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// CountByState scans the table and counts rows per state
func (s *Store) CountByState(ctx context.Context) (map[State]int64, error) {
	var rows []struct {
		State State
		Count int64
	}
	if err := s.db.WithContext(ctx).
		Model(&Entry{}).
		Select("state, COUNT(*) AS count").
		Group("state").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[State]int64, len(rows))
	for _, r := range rows {
		counts[r.State] = r.Count
	}
	return counts, nil
}
