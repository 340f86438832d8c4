package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-exec/internal/fingerprint"
	"github.com/ksred/klear-exec/internal/ledger"
	"github.com/ksred/klear-exec/internal/positions"
	"github.com/ksred/klear-exec/internal/rules"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/ksred/klear-exec/internal/venue"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Config holds the execution settings consumed by Submit
type Config struct {
	BucketWidth     time.Duration
	ReservationTTL  time.Duration
	BuySafetyMargin decimal.Decimal
	MaxNotional     decimal.Decimal // zero means no cap
	VenueTimeout    time.Duration
}

// DefaultConfig returns the settings used when none are configured
func DefaultConfig() Config {
	return Config{
		BucketWidth:     5 * time.Second,
		ReservationTTL:  30 * time.Second,
		BuySafetyMargin: decimal.RequireFromString("0.98"),
		VenueTimeout:    10 * time.Second,
	}
}

// MinReservationTTL is the bound a reservation TTL must exceed: one placement
// plus one follow-up lookup, each limited by the venue timeout. A shorter TTL
// lets a purge remove a reservation whose venue call is still in flight.
func MinReservationTTL(venueTimeout time.Duration) time.Duration {
	if venueTimeout <= 0 {
		venueTimeout = DefaultConfig().VenueTimeout
	}
	return 2 * venueTimeout
}

// Service turns trade intents into at most one venue order each
type Service struct {
	cfg       Config
	book      *rules.Book
	keys      *fingerprint.Generator
	ledger    *ledger.Store
	positions *positions.Ledger
	venue     venue.Venue
}

// NewService creates a new trading service
func NewService(cfg Config, book *rules.Book, keys *fingerprint.Generator, store *ledger.Store, pos *positions.Ledger, v venue.Venue) *Service {
	if !cfg.BuySafetyMargin.IsPositive() {
		cfg.BuySafetyMargin = DefaultConfig().BuySafetyMargin
	}
	if cfg.VenueTimeout <= 0 {
		cfg.VenueTimeout = DefaultConfig().VenueTimeout
	}
	if minTTL := MinReservationTTL(cfg.VenueTimeout); cfg.ReservationTTL <= minTTL {
		log.Warn().
			Str("component", "trading").
			Dur("reservation_ttl", cfg.ReservationTTL).
			Dur("venue_timeout", cfg.VenueTimeout).
			Msg("reservation ttl does not outlive a venue call, raising it")
		cfg.ReservationTTL = minTTL + cfg.VenueTimeout
	}
	return &Service{
		cfg:       cfg,
		book:      book,
		keys:      keys,
		ledger:    store,
		positions: pos,
		venue:     v,
	}
}

func (s *Service) failed(fp fingerprint.Token, state ledger.State, err error) (types.SubmissionResult, error) {
	subErr := &SubmissionError{Fingerprint: string(fp), LastState: state, Err: err}
	return types.SubmissionResult{
		Kind:        types.ResultFailed,
		Fingerprint: string(fp),
		State:       string(state),
		Error:       subErr.Error(),
	}, subErr
}

// Submit runs one trade intent through normalize, validate, dedupe, reserve,
// place and record. The error is non-nil only for FAILED results; callers
// retry by calling Submit again.
func (s *Service) Submit(ctx context.Context, intent types.TradeIntent) (types.SubmissionResult, error) {
	logger := log.With().
		Str("component", "trading").
		Str("symbol", intent.Symbol).
		Str("side", string(intent.Side)).
		Str("strategy", intent.StrategyTag).
		Logger()

	if err := intent.Validate(); err != nil {
		return types.SubmissionResult{
			Kind:   types.ResultRejectedLocal,
			Reason: "invalid_intent",
			Error:  err.Error(),
		}, nil
	}

	qty, err := s.normalize(ctx, intent)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read balance")
		return s.failed("", "", fmt.Errorf("%w: %w", ErrVenueTransport, err))
	}

	prepared, err := s.book.Prepare(intent.Symbol, string(intent.Side), intent.ReferencePrice, qty)
	if err != nil {
		var vErr *rules.ValidationError
		if errors.As(err, &vErr) {
			logger.Info().Str("reason", vErr.Reason).Msg("rejected locally")
			return types.SubmissionResult{
				Kind:     types.ResultRejectedLocal,
				Reason:   vErr.Reason,
				Error:    vErr.Error(),
				Price:    prepared.Price,
				Quantity: prepared.Quantity,
			}, nil
		}
		return s.failed("", "", err)
	}
	if !prepared.Known {
		logger.Warn().Msg("no trading rules for symbol, submitting unquantized")
	}

	fp := s.keys.Make(intent.Symbol, string(intent.Side), prepared.Price, prepared.Quantity, intent.StrategyTag, s.cfg.BucketWidth)
	logger = logger.With().Str("fingerprint", string(fp)).Logger()

	if _, err := s.ledger.PurgeStale(ctx, s.cfg.ReservationTTL); err != nil {
		logger.Warn().Err(err).Msg("failed to purge stale reservations")
	}

	previous, reserved, err := s.ledger.ReserveIfInactive(ctx, ledger.Reservation{
		Fingerprint: string(fp),
		Symbol:      intent.Symbol,
		Side:        string(intent.Side),
		Price:       prepared.Price,
		Quantity:    prepared.Quantity,
	}, s.cfg.ReservationTTL)
	if err != nil {
		logger.Error().Err(err).Msg("failed to reserve fingerprint")
		return s.failed(fp, "", fmt.Errorf("%w: %w", ErrPersistence, err))
	}
	if !reserved {
		state := ""
		if previous != nil {
			state = string(previous.State)
		}
		logger.Info().Str("state", state).Msg("duplicate submission")
		return types.SubmissionResult{
			Kind:        types.ResultDuplicate,
			Fingerprint: string(fp),
			State:       state,
			Price:       prepared.Price,
			Quantity:    prepared.Quantity,
		}, nil
	}

	req := venue.OrderRequest{
		ClientOrderID: string(fp),
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Kind:          intent.OrderKind,
		Price:         prepared.Price,
		Quantity:      prepared.Quantity,
	}

	placeCtx, cancel := context.WithTimeout(ctx, s.cfg.VenueTimeout)
	ack, err := s.venue.PlaceOrder(placeCtx, req)
	cancel()

	var details *venue.OrderDetails
	switch {
	case err == nil:
		details = s.lookup(ctx, logger, ack.ExchangeOrderID)
		if details == nil {
			details = &venue.OrderDetails{ExchangeOrderID: ack.ExchangeOrderID, Status: venue.StatusNew}
		}
	case venue.IsRejection(err):
		logger.Warn().Err(err).Msg("venue rejected order")
		s.markFailed(ctx, logger, fp, err)
		return s.failed(fp, ledger.StateFailed, fmt.Errorf("%w: %w", ErrVenueRejected, err))
	default:
		logger.Warn().Err(err).Msg("venue call failed, reconciling by client order id")
		details, err = s.reconcile(ctx, fp, err)
		if err != nil {
			logger.Error().Err(err).Msg("reconciliation did not find order")
			s.markFailed(ctx, logger, fp, err)
			return s.failed(fp, ledger.StateFailed, fmt.Errorf("%w: %w", ErrVenueTransport, err))
		}
		logger.Info().Str("exchange_order_id", details.ExchangeOrderID).Msg("reconciled order")
	}

	return s.accept(ctx, logger, string(fp), intent.Symbol, intent.Side, prepared.Price, prepared.Quantity, details), nil
}

// normalize converts the requested amount to base quantity and caps it to
// what the account can fund.
func (s *Service) normalize(ctx context.Context, intent types.TradeIntent) (decimal.Decimal, error) {
	qty := intent.RequestedQuantity
	if intent.Denomination == types.DenominationQuote {
		qty = intent.RequestedQuantity.DivRound(intent.ReferencePrice, 16)
	}

	base, quote, err := types.SplitSymbol(intent.Symbol)
	if err != nil {
		// no balance to cap against; the venue decides
		return qty, nil
	}

	balanceCtx, cancel := context.WithTimeout(ctx, s.cfg.VenueTimeout)
	defer cancel()

	switch intent.Side {
	case types.SideBuy:
		available, err := s.venue.AvailableBalance(balanceCtx, quote)
		if err != nil {
			return decimal.Zero, err
		}
		limit := available.Mul(s.cfg.BuySafetyMargin).DivRound(intent.ReferencePrice, 16)
		qty = decimal.Min(qty, limit)
		if s.cfg.MaxNotional.IsPositive() {
			qty = decimal.Min(qty, s.cfg.MaxNotional.DivRound(intent.ReferencePrice, 16))
		}
	case types.SideSell:
		available, err := s.venue.AvailableBalance(balanceCtx, base)
		if err != nil {
			return decimal.Zero, err
		}
		qty = decimal.Min(qty, available)
	}
	if qty.IsNegative() {
		qty = decimal.Zero
	}
	return qty, nil
}

// lookup fetches order details after an acknowledgement. A failure leaves
// the order ACKNOWLEDGED.
func (s *Service) lookup(ctx context.Context, logger zerolog.Logger, exchangeOrderID string) *venue.OrderDetails {
	lookupCtx, cancel := context.WithTimeout(ctx, s.cfg.VenueTimeout)
	defer cancel()
	details, err := s.venue.OrderDetails(lookupCtx, exchangeOrderID)
	if err != nil {
		logger.Warn().Err(err).Str("exchange_order_id", exchangeOrderID).Msg("failed to fetch order details")
		return nil
	}
	return details
}

// reconcile looks the order up by its client order id. It runs even when
// ctx has expired, since the venue may have executed the order.
func (s *Service) reconcile(ctx context.Context, fp fingerprint.Token, cause error) (*venue.OrderDetails, error) {
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.VenueTimeout)
	defer cancel()

	details, err := s.venue.OrderByClientID(lookupCtx, string(fp))
	if err != nil {
		if errors.Is(err, venue.ErrOrderNotFound) {
			return nil, cause
		}
		return nil, fmt.Errorf("%w (lookup: %v)", cause, err)
	}
	return details, nil
}

func (s *Service) markFailed(ctx context.Context, logger zerolog.Logger, fp fingerprint.Token, cause error) {
	if err := s.ledger.UpdateState(context.WithoutCancel(ctx), string(fp), ledger.StateFailed, "", cause.Error()); err != nil {
		logger.Error().Err(err).Msg("failed to record FAILED state")
	}
}

func stateFor(status venue.OrderStatus) ledger.State {
	switch status {
	case venue.StatusFilled:
		return ledger.StateFilled
	case venue.StatusPartiallyFilled:
		return ledger.StatePartiallyFilled
	default:
		return ledger.StateAcknowledged
	}
}

const canceledByVenue = "canceled by venue"

// accept records the venue's state and forwards the part of the fill not
// seen before to the positions
func (s *Service) accept(ctx context.Context, logger zerolog.Logger, fp, symbol string, side types.Side, price, qty decimal.Decimal, details *venue.OrderDetails) types.SubmissionResult {
	ctx = context.WithoutCancel(ctx)
	state := stateFor(details.Status)

	result := types.SubmissionResult{
		Kind:            types.ResultAccepted,
		Fingerprint:     fp,
		ExchangeOrderID: details.ExchangeOrderID,
		State:           string(state),
		Price:           price,
		Quantity:        qty,
	}

	lastError := ""
	if details.Status == venue.StatusCanceled {
		lastError = canceledByVenue
	}
	seen, err := s.ledger.RecordProgress(ctx, fp, state, details.ExchangeOrderID, details.FilledQuantity, lastError)
	if err != nil {
		// the venue holds the order; the ledger row needs manual reconciliation
		logger.Error().Err(err).
			Str("state", string(state)).
			Str("exchange_order_id", details.ExchangeOrderID).
			Msg("failed to record venue state")
		result.Error = fmt.Sprintf("order placed but ledger update failed: %v", err)
		seen = decimal.Zero
	}

	delta := details.FilledQuantity.Sub(seen)
	if !delta.IsPositive() {
		logger.Info().Str("exchange_order_id", details.ExchangeOrderID).Str("state", string(state)).Msg("order accepted")
		return result
	}

	fillPrice := details.AveragePrice
	if !fillPrice.IsPositive() {
		fillPrice = price
	}
	fee := details.Fee
	if !delta.Equal(details.FilledQuantity) {
		fee = details.Fee.Mul(delta).DivRound(details.FilledQuantity, 16)
	}
	fill := types.Fill{
		Symbol:   symbol,
		Side:     side,
		Quantity: delta,
		Price:    fillPrice,
		Fee:      fee,
	}
	result.Fill = &fill

	switch side {
	case types.SideBuy:
		if _, err := s.positions.OnBuyFill(ctx, fill); err != nil {
			logger.Error().Err(err).Msg("failed to record buy fill")
		}
	case types.SideSell:
		sold, err := s.positions.OnSellFill(ctx, fill)
		if err != nil {
			logger.Error().Err(err).Msg("failed to record sell fill")
		} else {
			pnl := sold.RealizedPnL
			result.RealizedPnL = &pnl
		}
	}

	logger.Info().
		Str("exchange_order_id", details.ExchangeOrderID).
		Str("state", string(state)).
		Str("filled", fill.Quantity.String()).
		Str("price", fill.Price.String()).
		Msg("order accepted")
	return result
}

// SyncOpenOrders polls the venue for every ACKNOWLEDGED or PARTIALLY_FILLED
// entry and records state changes and new fills. It returns how many entries
// changed.
func (s *Service) SyncOpenOrders(ctx context.Context) (int, error) {
	logger := log.With().Str("component", "order_sync").Logger()

	var open []ledger.Entry
	for _, state := range []ledger.State{ledger.StateAcknowledged, ledger.StatePartiallyFilled} {
		entries, err := s.ledger.List(ctx, ledger.Filter{State: state})
		if err != nil {
			return 0, fmt.Errorf("failed to list %s entries: %w", state, err)
		}
		open = append(open, entries...)
	}

	changed := 0
	for _, entry := range open {
		if ctx.Err() != nil {
			return changed, ctx.Err()
		}
		if entry.ExchangeOrderID == nil || entry.LastError == canceledByVenue {
			continue
		}
		entryLogger := logger.With().
			Str("fingerprint", entry.Fingerprint).
			Str("symbol", entry.Symbol).
			Logger()

		details := s.lookup(ctx, entryLogger, *entry.ExchangeOrderID)
		if details == nil {
			continue
		}
		if stateFor(details.Status) == entry.State &&
			!details.FilledQuantity.GreaterThan(entry.FilledQuantity) &&
			details.Status != venue.StatusCanceled {
			continue
		}
		s.accept(ctx, entryLogger, entry.Fingerprint, entry.Symbol, types.Side(entry.Side), entry.Price, entry.Quantity, details)
		changed++
	}
	return changed, nil
}

// StartSync runs SyncOpenOrders every interval until ctx is done
func (s *Service) StartSync(ctx context.Context, interval time.Duration) {
	logger := log.With().Str("component", "order_sync").Logger()
	logger.Info().Dur("interval", interval).Msg("starting order sync")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("order sync stopped")
			return
		case <-ticker.C:
			n, err := s.SyncOpenOrders(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("order sync failed")
				continue
			}
			if n > 0 {
				logger.Info().Int("changed", n).Msg("synced open orders")
			}
		}
	}
}

// Entry returns the ledger entry for a fingerprint
func (s *Service) Entry(ctx context.Context, fp string) (*ledger.Entry, error) {
	return s.ledger.Get(ctx, fp)
}

// Entries lists ledger entries
func (s *Service) Entries(ctx context.Context, filter ledger.Filter) ([]ledger.Entry, error) {
	return s.ledger.List(ctx, filter)
}

// ReservationTTL returns the TTL in effect after NewService's adjustments
func (s *Service) ReservationTTL() time.Duration {
	return s.cfg.ReservationTTL
}

// Purge removes reservations older than the configured TTL
func (s *Service) Purge(ctx context.Context) (int64, error) {
	return s.ledger.PurgeStale(ctx, s.cfg.ReservationTTL)
}

// Positions returns the position ledger
func (s *Service) Positions() *positions.Ledger {
	return s.positions
}

// Rules returns the rule book
func (s *Service) Rules() *rules.Book {
	return s.book
}

// Report summarizes persisted state, used on startup
type Report struct {
	Mode          positions.Mode         `json:"mode"`
	OpenPositions int                    `json:"open_positions"`
	LedgerStates  map[ledger.State]int64 `json:"ledger_states"`
	KnownSymbols  int                    `json:"known_symbols"`
}

// Scan rebuilds a summary of ledger and positions from storage
func (s *Service) Scan(ctx context.Context) (*Report, error) {
	open, err := s.positions.ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	counts, err := s.ledger.CountByState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count ledger entries: %w", err)
	}
	return &Report{
		Mode:          s.positions.Mode(),
		OpenPositions: len(open),
		LedgerStates:  counts,
		KnownSymbols:  s.book.Len(),
	}, nil
}

// RefreshRules reloads the rule book from the venue's symbol list
func (s *Service) RefreshRules(ctx context.Context) (int, error) {
	return s.book.Refresh(ctx, s.venue)
}
