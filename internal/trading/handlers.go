package trading

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-exec/internal/auth"
	"github.com/ksred/klear-exec/internal/ledger"
	"github.com/ksred/klear-exec/internal/positions"
	"github.com/ksred/klear-exec/internal/rules"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/ksred/klear-exec/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// StatusCode maps the failure class to an HTTP status and error code
func (e *SubmissionError) StatusCode() (int, string) {
	switch {
	case errors.Is(e.Err, ErrPersistence):
		return http.StatusServiceUnavailable, response.ErrCodeStoreUnavailable
	case errors.Is(e.Err, ErrVenueRejected):
		return http.StatusUnprocessableEntity, response.ErrCodeOrderRejected
	case errors.Is(e.Err, ErrVenueTransport):
		return http.StatusBadGateway, response.ErrCodeVenueUnavailable
	}
	return http.StatusInternalServerError, response.ErrCodeInternalError
}

// GinHandlers contains HTTP handlers for order and position endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for trading endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// SubmitOrderHandler handles POST requests carrying a trade intent.
// Duplicates answer 409 and local rejections 422, both with the result body.
func (h *GinHandlers) SubmitOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var intent types.TradeIntent
		if err := c.ShouldBindJSON(&intent); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		intent = intent.WithDefaults()

		claims, _ := c.Get("claims")
		log.Debug().
			Str("component", "trading_api").
			Str("client_id", auth.GetClientID(claims)).
			Str("symbol", intent.Symbol).
			Msg("order submission received")

		result, err := h.service.Submit(c.Request.Context(), intent)
		if err != nil {
			response.Handle(c, result, err)
			return
		}

		switch result.Kind {
		case types.ResultDuplicate:
			response.Failure(c, http.StatusConflict, response.ErrCodeDuplicateResource, "duplicate submission", result)
		case types.ResultRejectedLocal:
			response.Failure(c, http.StatusUnprocessableEntity, response.ErrCodeValidationFailed, result.Reason, result)
		default:
			response.Success(c, result)
		}
	}
}

// GetOrderHandler returns the ledger entry for a fingerprint
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		fp := c.Param("fingerprint")
		if fp == "" {
			response.BadRequest(c, "Fingerprint is required")
			return
		}

		entry, err := h.service.Entry(c.Request.Context(), fp)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if entry == nil {
			response.NotFound(c, "Order not found")
			return
		}
		response.Success(c, entry)
	}
}

// ListOrdersHandler lists ledger entries filtered by symbol, state and limit
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := ledger.Filter{
			Symbol: strings.ToUpper(c.Query("symbol")),
			State:  ledger.State(strings.ToUpper(c.Query("state"))),
			Limit:  100,
		}
		if filter.State != "" && !filter.State.Valid() {
			response.BadRequest(c, "Unknown state")
			return
		}
		if raw := c.Query("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit <= 0 {
				response.BadRequest(c, "limit must be a positive integer")
				return
			}
			filter.Limit = limit
		}

		entries, err := h.service.Entries(c.Request.Context(), filter)
		response.Handle(c, entries, err)
	}
}

// ListPositionsHandler returns all open positions
func (h *GinHandlers) ListPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		open, err := h.service.Positions().ListOpen(c.Request.Context())
		response.Handle(c, open, err)
	}
}

// GetPositionHandler returns the open position for a symbol
func (h *GinHandlers) GetPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := strings.ToUpper(c.Param("symbol"))
		pos, err := h.service.Positions().Get(c.Request.Context(), symbol)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if pos == nil {
			response.NotFound(c, "No open position")
			return
		}
		response.Success(c, pos)
	}
}

type stopsRequest struct {
	StopLoss   *decimal.Decimal `json:"stop_loss"`
	TakeProfit *decimal.Decimal `json:"take_profit"`
}

// SetStopsHandler updates stop loss and/or take profit of an open position
func (h *GinHandlers) SetStopsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req stopsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if req.StopLoss == nil && req.TakeProfit == nil {
			response.BadRequest(c, "stop_loss or take_profit is required")
			return
		}

		ctx := c.Request.Context()
		symbol := strings.ToUpper(c.Param("symbol"))
		book := h.service.Positions()

		var err error
		if req.StopLoss != nil {
			err = book.SetStopLoss(ctx, symbol, *req.StopLoss)
		}
		if err == nil && req.TakeProfit != nil {
			err = book.SetTakeProfit(ctx, symbol, *req.TakeProfit)
		}
		if errors.Is(err, positions.ErrNoPosition) {
			response.NotFound(c, "No open position")
			return
		}
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}

		pos, err := book.Get(ctx, symbol)
		response.Handle(c, pos, err)
	}
}

// ReplaceRulesHandler swaps in a complete rule snapshot
func (h *GinHandlers) ReplaceRulesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var mapping map[string]rules.InstrumentRules
		if err := c.ShouldBindJSON(&mapping); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if err := h.service.Rules().SetRules(mapping); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		response.Success(c, gin.H{"symbols": len(mapping)})
	}
}

// RefreshRulesHandler reloads rules from the venue
func (h *GinHandlers) RefreshRulesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := h.service.RefreshRules(c.Request.Context())
		if err != nil {
			response.Failure(c, http.StatusBadGateway, response.ErrCodeVenueUnavailable, err.Error(), nil)
			return
		}
		response.Success(c, gin.H{"symbols": n})
	}
}

// PurgeHandler removes stale reservations
func (h *GinHandlers) PurgeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		purged, err := h.service.Purge(c.Request.Context())
		response.Handle(c, gin.H{"purged": purged}, err)
	}
}

// SyncOrdersHandler polls the venue for open orders and records new fills
func (h *GinHandlers) SyncOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		changed, err := h.service.SyncOpenOrders(c.Request.Context())
		response.Handle(c, gin.H{"changed": changed}, err)
	}
}

// ReportHandler returns the persisted-state summary
func (h *GinHandlers) ReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := h.service.Scan(c.Request.Context())
		response.Handle(c, report, err)
	}
}
