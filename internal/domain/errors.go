package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the execution core. Validation failures are returned
// synchronously and never retried; integrity faults are reported and
// escalated to the risk guard, never silently corrected.
var (
	// ErrTradingHalted: the risk guard disabled new submissions.
	ErrTradingHalted = errors.New("trading halted")

	// ErrDuplicateClientOrderID: the client order id maps to a live order.
	ErrDuplicateClientOrderID = errors.New("duplicate client order id")

	// ErrBelowMinimum: quantized quantity or notional is below the venue
	// minimum.
	ErrBelowMinimum = errors.New("below venue minimum")

	// ErrOverfillDetected: an event would push cumulative executed
	// quantity past the requested quantity. Data-consistency fault.
	ErrOverfillDetected = errors.New("overfill detected")

	// ErrNoLiquidity: no opposing price is known to fill a market order.
	ErrNoLiquidity = errors.New("no liquidity")

	// ErrStreamDisconnected: a push stream dropped; reconnect and
	// reconcile before trusting deltas again.
	ErrStreamDisconnected = errors.New("stream disconnected")

	// ErrStreamStale: the private stream heartbeat is older than the
	// configured bound; new submissions are blocked.
	ErrStreamStale = errors.New("private stream stale")

	// ErrReconciliationTimeout: the open-orders diff did not complete in
	// time. Surfaced to the risk guard as a potential trip condition.
	ErrReconciliationTimeout = errors.New("reconciliation timeout")

	// ErrSymbolCooldown: rejected-order burst put the symbol in cooldown;
	// opening orders are refused, reduce-only passes.
	ErrSymbolCooldown = errors.New("symbol in reject cooldown")

	// ErrUnknownOrder: no order is tracked under the given id.
	ErrUnknownOrder = errors.New("unknown order")

	// ErrUnknownInstrument: no spec is cached for the symbol. Orders for
	// unconstrained instruments are refused outright.
	ErrUnknownInstrument = errors.New("unknown instrument")

	// ErrInvalidInstrument: the venue returned a spec without usable
	// tick, step, or minimum constraints.
	ErrInvalidInstrument = errors.New("invalid instrument spec")
)

// TransientError marks a failure that is safe to retry: network timeouts,
// rate limits, disconnects. The retry policy keys off IsRetryable.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// VenueRejection is a terminal order rejection from the venue. The order
// moves to REJECTED and the failure is never retried.
type VenueRejection struct {
	Code   string
	Reason string
}

func (e *VenueRejection) Error() string {
	return fmt.Sprintf("venue rejection %s: %s", e.Code, e.Reason)
}

// IsRetryable classifies err for the retry policy. Only transient transport
// failures qualify; validation failures and venue rejections are terminal.
func IsRetryable(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, ErrStreamDisconnected)
}
