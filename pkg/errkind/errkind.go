// Package errkind gives the four error kinds of the error-handling
// design (§7) distinct Go types so call sites can `errors.As` to decide
// retry vs. abort vs. driver-notify without string-matching.
package errkind

import "fmt"

// Transient wraps a recoverable error: RPC timeout, solver 5xx/timeout,
// DB deadlock. The nearest loop (indexer tick, auction tick, competition
// runner) absorbs it and retries with backoff.
type Transient struct{ Err error }

func (e *Transient) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *Transient) Unwrap() error { return e.Err }

// Fatal wraps a configuration or programming error: malformed config,
// missing deployment address, invalid clearing price. Surfacing one at
// runtime aborts the enclosing task.
type Fatal struct{ Err error }

func (e *Fatal) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *Fatal) Unwrap() error { return e.Err }

// DataInconsistency wraps a mismatch between expected and observed
// on-chain/DB state: e.g. a settlement event with no matching
// auction_transaction row. Logged at error, skipped, alert counter
// incremented; never fatal.
type DataInconsistency struct{ Err error }

func (e *DataInconsistency) Error() string { return fmt.Sprintf("data inconsistency: %v", e.Err) }
func (e *DataInconsistency) Unwrap() error { return e.Err }

// Rejection wraps a business rejection visible to a solver driver via
// /notify. Never logged as an error.
type Rejection struct{ Err error }

func (e *Rejection) Error() string { return fmt.Sprintf("rejected: %v", e.Err) }
func (e *Rejection) Unwrap() error { return e.Err }

func NewTransient(format string, args ...any) error {
	return &Transient{Err: fmt.Errorf(format, args...)}
}

func NewFatal(format string, args ...any) error {
	return &Fatal{Err: fmt.Errorf(format, args...)}
}

func NewDataInconsistency(format string, args ...any) error {
	return &DataInconsistency{Err: fmt.Errorf(format, args...)}
}

func NewRejection(format string, args ...any) error {
	return &Rejection{Err: fmt.Errorf(format, args...)}
}
