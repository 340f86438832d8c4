package venue

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ksred/klear-exec/internal/retry"
	"github.com/ksred/klear-exec/internal/rules"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	KuCoinBaseURL = "https://api.kucoin.com"

	kucoinOK            = "200000"
	kucoinOrderNotExist = "400100"
)

// KuCoinConfig holds credentials for the KuCoin spot REST API
type KuCoinConfig struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	Passphrase string
	Timeout    time.Duration
}

// KuCoin is a Venue backed by the KuCoin spot REST API
type KuCoin struct {
	baseURL    string
	signer     *signer
	httpClient *http.Client
	now        func() time.Time
	policy     retry.Policy
}

// NewKuCoin creates a KuCoin client
func NewKuCoin(cfg KuCoinConfig) *KuCoin {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = KuCoinBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KuCoin{
		baseURL:    baseURL,
		signer:     newSigner(cfg.APIKey, cfg.APISecret, cfg.Passphrase),
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
		policy:     retry.DefaultPolicy,
	}
}

type signer struct {
	key        string
	secret     []byte
	passphrase string
}

func newSigner(key, secret, passphrase string) *signer {
	return &signer{key: key, secret: []byte(secret), passphrase: passphrase}
}

func (s *signer) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// headers signs timestamp + method + path(with query) + body. The passphrase
// is signed too (API key version 2).
func (s *signer) headers(ts time.Time, method, path, body string) map[string]string {
	stamp := strconv.FormatInt(ts.UnixMilli(), 10)
	return map[string]string{
		"KC-API-KEY":         s.key,
		"KC-API-SIGN":        s.sign(stamp + method + path + body),
		"KC-API-TIMESTAMP":   stamp,
		"KC-API-PASSPHRASE":  s.sign(s.passphrase),
		"KC-API-KEY-VERSION": "2",
		"Content-Type":       "application/json",
	}
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// apiError is a non-success code from KuCoin on a read call
type apiError struct {
	Status int
	Code   string
	Msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("kucoin error: status=%d code=%s msg=%s", e.Status, e.Code, e.Msg)
}

// do performs one request. Transport failures and 5xx come back as plain
// errors; decoded KuCoin error codes as *apiError.
func (k *KuCoin) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, k.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for name, value := range k.signer.headers(k.now(), method, path, string(body)) {
		req.Header.Set(name, value)
	}

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("kucoin unavailable: status=%d body=%s", resp.StatusCode, string(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err)
	}
	if env.Code != kucoinOK {
		return &apiError{Status: resp.StatusCode, Code: env.Code, Msg: env.Msg}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	return nil
}

// get retries transport failures with backoff; API errors are final
func (k *KuCoin) get(ctx context.Context, path string, out interface{}) error {
	return retry.Do(ctx, k.policy, func(ctx context.Context) error {
		err := k.do(ctx, http.MethodGet, path, nil, out)
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			return retry.Permanent(err)
		}
		return err
	})
}

type placeOrderBody struct {
	ClientOid string `json:"clientOid"`
	Side      string `json:"side"`
	Symbol    string `json:"symbol"`
	Type      string `json:"type"`
	Price     string `json:"price,omitempty"`
	Size      string `json:"size"`
}

// PlaceOrder submits an order once. It is never retried here: the caller
// reconciles by client order id.
func (k *KuCoin) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	body := placeOrderBody{
		ClientOid: req.ClientOrderID,
		Side:      strings.ToLower(string(req.Side)),
		Symbol:    req.Symbol,
		Type:      strings.ToLower(string(req.Kind)),
		Size:      req.Quantity.String(),
	}
	if req.Kind == types.OrderKindLimit {
		body.Price = req.Price.String()
	}

	var data struct {
		OrderID string `json:"orderId"`
	}
	err := k.do(ctx, http.MethodPost, "/api/v1/orders", body, &data)
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return OrderAck{}, &RejectionError{Code: apiErr.Code, Message: apiErr.Msg}
	}
	if err != nil {
		return OrderAck{}, err
	}

	log.Info().
		Str("component", "kucoin").
		Str("client_order_id", req.ClientOrderID).
		Str("exchange_order_id", data.OrderID).
		Msg("order placed")
	return OrderAck{ExchangeOrderID: data.OrderID}, nil
}

type kucoinOrder struct {
	ID          string          `json:"id"`
	ClientOid   string          `json:"clientOid"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	DealSize    decimal.Decimal `json:"dealSize"`
	DealFunds   decimal.Decimal `json:"dealFunds"`
	Fee         decimal.Decimal `json:"fee"`
	IsActive    bool            `json:"isActive"`
	CancelExist bool            `json:"cancelExist"`
}

func (o kucoinOrder) details() *OrderDetails {
	side, _ := types.ParseSide(o.Side)
	d := &OrderDetails{
		ExchangeOrderID: o.ID,
		ClientOrderID:   o.ClientOid,
		Symbol:          o.Symbol,
		Side:            side,
		FilledQuantity:  o.DealSize,
		Fee:             o.Fee,
	}
	if o.DealSize.IsPositive() {
		d.AveragePrice = o.DealFunds.DivRound(o.DealSize, 12)
	}
	switch {
	case o.IsActive && o.DealSize.IsPositive():
		d.Status = StatusPartiallyFilled
	case o.IsActive:
		d.Status = StatusNew
	case o.CancelExist && o.DealSize.IsPositive():
		d.Status = StatusPartiallyFilled
	case o.CancelExist:
		d.Status = StatusCanceled
	default:
		d.Status = StatusFilled
	}
	return d
}

func (k *KuCoin) order(ctx context.Context, path string) (*OrderDetails, error) {
	var o kucoinOrder
	err := k.get(ctx, path, &o)
	var apiErr *apiError
	if errors.As(err, &apiErr) && (apiErr.Code == kucoinOrderNotExist || apiErr.Status == http.StatusNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.ID == "" {
		return nil, ErrOrderNotFound
	}
	return o.details(), nil
}

// OrderByClientID looks an order up by the client order id it was placed with
func (k *KuCoin) OrderByClientID(ctx context.Context, clientOrderID string) (*OrderDetails, error) {
	return k.order(ctx, "/api/v1/order/client-order/"+url.PathEscape(clientOrderID))
}

// OrderDetails looks an order up by its exchange id
func (k *KuCoin) OrderDetails(ctx context.Context, exchangeOrderID string) (*OrderDetails, error) {
	return k.order(ctx, "/api/v1/orders/"+url.PathEscape(exchangeOrderID))
}

// AvailableBalance sums the available amount of asset across trade accounts
func (k *KuCoin) AvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	var accounts []struct {
		Currency  string          `json:"currency"`
		Type      string          `json:"type"`
		Available decimal.Decimal `json:"available"`
	}
	q := url.Values{}
	q.Set("currency", asset)
	q.Set("type", "trade")
	if err := k.get(ctx, "/api/v1/accounts?"+q.Encode(), &accounts); err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, a := range accounts {
		if a.Currency == asset && a.Type == "trade" {
			total = total.Add(a.Available)
		}
	}
	return total, nil
}

// SymbolRules loads trading rules for every enabled symbol
func (k *KuCoin) SymbolRules(ctx context.Context) (map[string]rules.InstrumentRules, error) {
	var symbols []struct {
		Symbol         string          `json:"symbol"`
		BaseIncrement  decimal.Decimal `json:"baseIncrement"`
		PriceIncrement decimal.Decimal `json:"priceIncrement"`
		BaseMinSize    decimal.Decimal `json:"baseMinSize"`
		BaseMaxSize    decimal.Decimal `json:"baseMaxSize"`
		MinFunds       decimal.Decimal `json:"minFunds"`
		EnableTrading  bool            `json:"enableTrading"`
	}
	if err := k.get(ctx, "/api/v2/symbols", &symbols); err != nil {
		return nil, err
	}

	out := make(map[string]rules.InstrumentRules, len(symbols))
	for _, s := range symbols {
		if !s.EnableTrading {
			continue
		}
		out[s.Symbol] = rules.InstrumentRules{
			PriceIncrement:    s.PriceIncrement,
			QuantityIncrement: s.BaseIncrement,
			MinNotional:       s.MinFunds,
			MinQuantity:       s.BaseMinSize,
			MaxQuantity:       s.BaseMaxSize,
		}
	}
	return out, nil
}
