package speedtest

import (
	"errors"
	"fmt"
)

var (
	// ErrCatalogUnreachable indicates no catalog source could be retrieved.
	ErrCatalogUnreachable = errors.New("catalog unreachable")
	// ErrCatalogMalformed indicates a catalog response could not be parsed.
	ErrCatalogMalformed = errors.New("catalog malformed")

	// ErrNoneAvailable indicates no server has valid latency statistics.
	ErrNoneAvailable = errors.New("no server available for selection")

	// ErrAllStreamsFailed indicates every stream of a session failed.
	ErrAllStreamsFailed = errors.New("all streams failed")
	// ErrNoServerAvailable indicates throughput fallback was exhausted.
	ErrNoServerAvailable = errors.New("no server available for throughput test")
	// ErrTimeout indicates a session delivered no data within its window.
	ErrTimeout = errors.New("throughput test timed out")

	// ErrCancelled indicates the caller cancelled the run.
	ErrCancelled = errors.New("speedtest cancelled")
)

// CatalogError wraps a catalog failure with its kind (ErrCatalogUnreachable
// or ErrCatalogMalformed) and the underlying cause.
type CatalogError struct {
	Kind   error
	Source string
	Err    error
}

func (e *CatalogError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%v (%s): %v", e.Kind, e.Source, e.Err)
}

func (e *CatalogError) Unwrap() []error { return []error{e.Kind, e.Err} }

// SelectorError is returned by Select when no server qualifies.
type SelectorError struct {
	Candidates int
}

func (e *SelectorError) Error() string {
	return fmt.Sprintf("%v (%d candidates, none reachable)", ErrNoneAvailable, e.Candidates)
}

func (e *SelectorError) Unwrap() error { return ErrNoneAvailable }

// ThroughputError describes a failed session or an exhausted fallback list.
type ThroughputError struct {
	Kind   error
	Dir    TransferKind
	Server string
	Err    error
}

func (e *ThroughputError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Dir, e.Kind)
	if e.Server != "" {
		msg += " (server " + e.Server + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ThroughputError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// cancelled converts a context error into ErrCancelled while keeping the cause.
func cancelled(cause error) error {
	if cause == nil {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
