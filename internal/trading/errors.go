package trading

import (
	"errors"
	"fmt"

	"github.com/ksred/klear-exec/internal/ledger"
)

var (
	// ErrVenueTransport means the venue outcome is unknown and reconciliation did not find the order
	ErrVenueTransport = errors.New("venue transport error")
	// ErrVenueRejected means the venue explicitly refused the order
	ErrVenueRejected = errors.New("venue rejected order")
	// ErrPersistence means the ledger was unavailable before the venue was contacted
	ErrPersistence = errors.New("ledger unavailable")
)

// SubmissionError carries what a caller needs for manual reconciliation
type SubmissionError struct {
	Fingerprint string
	LastState   ledger.State
	Err         error
}

func (e *SubmissionError) Error() string {
	if e.Fingerprint == "" {
		return fmt.Sprintf("submission failed: %v", e.Err)
	}
	if e.LastState == "" {
		return fmt.Sprintf("submission %s failed: %v", e.Fingerprint, e.Err)
	}
	return fmt.Sprintf("submission %s failed in state %s: %v", e.Fingerprint, e.LastState, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}
