package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTestDB(t *testing.T, path string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, Migrate(db))
	return db
}

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	db := openTestDB(t, filepath.Join(t.TempDir(), "ledger.db"))
	return NewStoreWithClock(db, clock.Now), clock
}

func reservation(fp string) Reservation {
	return Reservation{
		Fingerprint: fp,
		Symbol:      "BTC-USDT",
		Side:        "BUY",
		Price:       decimal.RequireFromString("20000"),
		Quantity:    decimal.RequireFromString("0.0003"),
	}
}

func TestReserveIfInactive_NewEntry(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	prev, reserved, err := store.ReserveIfInactive(ctx, reservation("fp-1"), 30*time.Second)
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Nil(t, prev)

	entry, err := store.Get(ctx, "fp-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, StateReserved, entry.State)
	assert.True(t, entry.Price.Equal(decimal.RequireFromString("20000")))
	assert.Nil(t, entry.ExchangeOrderID)
}

func TestReserveIfInactive_BlocksWithinTTL(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	ttl := 30 * time.Second

	_, reserved, err := store.ReserveIfInactive(ctx, reservation("fp-1"), ttl)
	require.NoError(t, err)
	require.True(t, reserved)

	clock.Advance(10 * time.Second)
	prev, reserved, err := store.ReserveIfInactive(ctx, reservation("fp-1"), ttl)
	require.NoError(t, err)
	assert.False(t, reserved)
	require.NotNil(t, prev)
	assert.Equal(t, StateReserved, prev.State)

	active, err := store.IsActive(ctx, "fp-1", ttl)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestReserveIfInactive_RecoversAfterTTL(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	ttl := 30 * time.Second

	_, reserved, err := store.ReserveIfInactive(ctx, reservation("fp-1"), ttl)
	require.NoError(t, err)
	require.True(t, reserved)

	clock.Advance(31 * time.Second)
	active, err := store.IsActive(ctx, "fp-1", ttl)
	require.NoError(t, err)
	assert.False(t, active)

	_, reserved, err = store.ReserveIfInactive(ctx, reservation("fp-1"), ttl)
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestReserveIfInactive_StableNeverReset(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	ttl := time.Second

	_, _, err := store.ReserveIfInactive(ctx, reservation("fp-1"), ttl)
	require.NoError(t, err)
	require.NoError(t, store.UpdateState(ctx, "fp-1", StateAcknowledged, "ex-1", ""))

	clock.Advance(time.Hour)
	prev, reserved, err := store.ReserveIfInactive(ctx, reservation("fp-1"), ttl)
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, StateAcknowledged, prev.State)

	_, err = store.Reserve(ctx, reservation("fp-1"))
	assert.ErrorIs(t, err, ErrStableState)

	entry, err := store.Get(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, entry.State)
	require.NotNil(t, entry.ExchangeOrderID)
	assert.Equal(t, "ex-1", *entry.ExchangeOrderID)
}

func TestReserveIfInactive_FailedCanBeRetried(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.ReserveIfInactive(ctx, reservation("fp-1"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.UpdateState(ctx, "fp-1", StateFailed, "", "insufficient funds"))

	prev, reserved, err := store.ReserveIfInactive(ctx, reservation("fp-1"), time.Minute)
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Equal(t, StateFailed, prev.State)

	entry, err := store.Get(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, StateReserved, entry.State)
	assert.Empty(t, entry.LastError)
}

func TestReserveIfInactive_ConcurrentCallersReserveOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, reserved, err := store.ReserveIfInactive(ctx, reservation("fp-race"), time.Minute)
			assert.NoError(t, err)
			if reserved {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestReserve_ReturnsPreviousState(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	prev, err := store.Reserve(ctx, reservation("fp-1"))
	require.NoError(t, err)
	assert.Equal(t, State(""), prev)

	prev, err = store.Reserve(ctx, reservation("fp-1"))
	require.NoError(t, err)
	assert.Equal(t, StateReserved, prev)
}

func TestUpdateState(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	err := store.UpdateState(ctx, "missing", StateFailed, "", "boom")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Reserve(ctx, reservation("fp-1"))
	require.NoError(t, err)

	assert.ErrorIs(t, store.UpdateState(ctx, "fp-1", StateReserved, "", ""), ErrInvalidState)
	assert.ErrorIs(t, store.UpdateState(ctx, "fp-1", State("BOGUS"), "", ""), ErrInvalidState)

	require.NoError(t, store.UpdateState(ctx, "fp-1", StateAcknowledged, "ex-1", ""))
	// empty order id keeps the stored one
	require.NoError(t, store.UpdateState(ctx, "fp-1", StateFilled, "", ""))

	entry, err := store.Get(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, StateFilled, entry.State)
	require.NotNil(t, entry.ExchangeOrderID)
	assert.Equal(t, "ex-1", *entry.ExchangeOrderID)

	assert.ErrorIs(t, store.UpdateState(ctx, "fp-1", StateFailed, "", "late"), ErrInvalidState)
}

func TestRecordProgress(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	dec := decimal.RequireFromString

	_, err := store.Reserve(ctx, reservation("fp-1"))
	require.NoError(t, err)

	prev, err := store.RecordProgress(ctx, "fp-1", StateAcknowledged, "ex-1", decimal.Zero, "")
	require.NoError(t, err)
	assert.True(t, prev.IsZero())

	prev, err = store.RecordProgress(ctx, "fp-1", StatePartiallyFilled, "", dec("0.0001"), "")
	require.NoError(t, err)
	assert.True(t, prev.IsZero())

	prev, err = store.RecordProgress(ctx, "fp-1", StateFilled, "", dec("0.0003"), "")
	require.NoError(t, err)
	assert.True(t, prev.Equal(dec("0.0001")), prev.String())

	// a stale, smaller report never lowers the stored quantity
	prev, err = store.RecordProgress(ctx, "fp-1", StateFilled, "", dec("0.0002"), "")
	require.NoError(t, err)
	assert.True(t, prev.Equal(dec("0.0003")), prev.String())

	entry, err := store.Get(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, StateFilled, entry.State)
	assert.True(t, entry.FilledQuantity.Equal(dec("0.0003")))
	require.NotNil(t, entry.ExchangeOrderID)
	assert.Equal(t, "ex-1", *entry.ExchangeOrderID)

	_, err = store.RecordProgress(ctx, "missing", StateFilled, "", dec("1"), "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPurgeStale(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	ttl := 30 * time.Second

	_, err := store.Reserve(ctx, reservation("old"))
	require.NoError(t, err)
	_, err = store.Reserve(ctx, reservation("acked"))
	require.NoError(t, err)
	require.NoError(t, store.UpdateState(ctx, "acked", StateAcknowledged, "ex-1", ""))

	clock.Advance(time.Minute)
	_, err = store.Reserve(ctx, reservation("fresh"))
	require.NoError(t, err)

	purged, err := store.PurgeStale(ctx, ttl)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	old, err := store.Get(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, old)

	counts, err := store.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[StateReserved])
	assert.Equal(t, int64(1), counts[StateAcknowledged])

	j := NewJanitor(store, ttl, 0)
	clock.Advance(time.Minute)
	assert.Equal(t, int64(1), j.RunOnce(ctx))
}

func TestList(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	for _, fp := range []string{"a", "b", "c"} {
		_, err := store.Reserve(ctx, reservation(fp))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	require.NoError(t, store.UpdateState(ctx, "b", StateFailed, "", "rejected"))

	all, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].Fingerprint)

	failed, err := store.List(ctx, Filter{State: StateFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "rejected", failed[0].LastError)

	limited, err := store.List(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStore_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	clock := &testClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	ctx := context.Background()

	first := NewStoreWithClock(openTestDB(t, path), clock.Now)
	_, err := first.Reserve(ctx, reservation("fp-1"))
	require.NoError(t, err)
	require.NoError(t, first.UpdateState(ctx, "fp-1", StateAcknowledged, "ex-1", ""))

	second := NewStoreWithClock(openTestDB(t, path), clock.Now)
	active, err := second.IsActive(ctx, "fp-1", time.Second)
	require.NoError(t, err)
	assert.True(t, active)
}
