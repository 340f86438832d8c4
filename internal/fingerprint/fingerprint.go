package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Length is the number of hex characters in a token. It fits the
// client order id limits of the venues we talk to.
const Length = 32

// Token identifies one logical order attempt
type Token string

func (t Token) String() string {
	return string(t)
}

// Generator derives tokens from order fields and a time bucket
type Generator struct {
	now func() time.Time
}

// NewGenerator creates a generator reading the wall clock
func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// NewGeneratorWithClock creates a generator with an injected clock
func NewGeneratorWithClock(now func() time.Time) *Generator {
	return &Generator{now: now}
}

// Bucket returns the time bucket for nowMs. Width <= 0 disables bucketing and
// yields the raw millisecond timestamp, making every call unique.
func Bucket(nowMs int64, width time.Duration) string {
	widthMs := width.Milliseconds()
	if widthMs <= 0 {
		return "nb-" + strconv.FormatInt(nowMs, 10)
	}
	return strconv.FormatInt(nowMs/widthMs*widthMs, 10)
}

// Make returns the token for the given already-quantized order fields.
// Identical inputs inside one bucket always collide; that is the dedupe.
func (g *Generator) Make(symbol, side string, price, qty decimal.Decimal, strategy string, bucketWidth time.Duration) Token {
	if strategy == "" {
		strategy = "default"
	}
	bucket := Bucket(g.now().UnixMilli(), bucketWidth)

	raw := strings.Join([]string{
		symbol,
		side,
		price.String(),
		qty.String(),
		strategy,
		bucket,
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return Token(hex.EncodeToString(sum[:])[:Length])
}
