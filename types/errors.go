package types

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ERROR TAXONOMY - Every failure keeps its class
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrCycleInFlight means StartCycle was called while a cycle is running
	ErrCycleInFlight = errors.New("cycle already in flight")

	// ErrOrderOutstanding means a ticker already has a live order
	ErrOrderOutstanding = errors.New("order already outstanding for ticker")

	// ErrZeroLotQuantity means the balance solver could not give both legs
	// at least one lot without breaking the deviation cap
	ErrZeroLotQuantity = errors.New("balanced quantity rounds to zero lots")

	// ErrHalted means the governor has latched a permanent halt
	ErrHalted = errors.New("trading halted by risk governor")
)

// ConfigError is fatal at startup: the process must not trade on it
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Msg)
}

// TransientError wraps a network or venue hiccup worth a bounded retry
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// OrderRejectedError means the venue refused or killed an order
type OrderRejectedError struct {
	Ticker string
	Reason string
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("order rejected for %s: %s", e.Ticker, e.Reason)
}

// VerifyTimeoutError means position verification polls were exhausted
// without the expected state appearing
type VerifyTimeoutError struct {
	Phase    Phase
	Attempts int
}

func (e *VerifyTimeoutError) Error() string {
	return fmt.Sprintf("position verification timed out in %s after %d attempts", e.Phase, e.Attempts)
}

// RiskBreachError latches a permanent halt; only an external reset clears it
type RiskBreachError struct {
	Reason string
}

func (e *RiskBreachError) Error() string {
	return fmt.Sprintf("risk breach: %s", e.Reason)
}

// AsymmetricFillError means one leg opened and the other did not.
// Recoverable: the open leg gets flattened.
type AsymmetricFillError struct {
	OpenTicker string
	FlatTicker string
}

func (e *AsymmetricFillError) Error() string {
	return fmt.Sprintf("asymmetric fill: %s open, %s flat", e.OpenTicker, e.FlatTicker)
}

// EmergencyFlattenError means the last-resort close could not verify a flat
// position in time. Terminal; a human looks at this.
type EmergencyFlattenError struct {
	Ticker    string
	Remaining decimal.Decimal
}

func (e *EmergencyFlattenError) Error() string {
	return fmt.Sprintf("emergency flatten failed for %s: %s still open", e.Ticker, e.Remaining.String())
}

// InvalidTransitionError guards the cycle state machine
type InvalidTransitionError struct {
	From Phase
	To   Phase
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition %s -> %s", e.From, e.To)
}
