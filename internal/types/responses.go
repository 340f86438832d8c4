package types

import "github.com/shopspring/decimal"

// ResultKind classifies the outcome of a submission
type ResultKind string

const (
	ResultAccepted      ResultKind = "ACCEPTED"
	ResultDuplicate     ResultKind = "DUPLICATE"
	ResultRejectedLocal ResultKind = "REJECTED_LOCAL"
	ResultFailed        ResultKind = "FAILED"
)

// SubmissionResult is returned for every call to Submit
type SubmissionResult struct {
	Kind            ResultKind       `json:"kind"`
	Fingerprint     string           `json:"fingerprint,omitempty"`
	ExchangeOrderID string           `json:"exchange_order_id,omitempty"`
	State           string           `json:"state,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	Error           string           `json:"error,omitempty"`
	Price           decimal.Decimal  `json:"price"`
	Quantity        decimal.Decimal  `json:"quantity"`
	Fill            *Fill            `json:"fill,omitempty"`
	RealizedPnL     *decimal.Decimal `json:"realized_pnl,omitempty"`
}
