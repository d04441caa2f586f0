package ingest

import (
	"errors"
	"fmt"
)

// Kind classifies why a job attempt failed.
type Kind string

const (
	KindConfig     Kind = "config"     // blob flow disabled or bucket missing
	KindInput      Kind = "input"      // job payload cannot be routed to fragments
	KindStorage    Kind = "storage"    // listing or downloading a fragment failed
	KindValidation Kind = "validation" // a fragment matched neither event schema
	KindMerge      Kind = "merge"      // the merge/persist call failed
	KindUnknown    Kind = "unknown"
)

// Error is returned for every failed attempt. Processor never retries; the
// queue layer decides based on Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return KindUnknown
}

// IsPermanent reports whether redelivering the same job cannot succeed
// without an operator or producer change.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindConfig, KindInput, KindValidation:
		return true
	default:
		return false
	}
}
