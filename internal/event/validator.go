package event

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"
)

//go:embed schema.cue
var schemaSource string

// ValidationError reports a fragment that matched neither accepted shape.
// Both schema violations are kept.
type ValidationError struct {
	Key       string
	BatchErr  error
	SingleErr error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("fragment %s matches neither event schema: batch: %s; single: %s",
		e.Key, details(e.BatchErr), details(e.SingleErr))
}

func details(err error) string {
	if err == nil {
		return "<nil>"
	}
	d := strings.TrimSpace(cueerrors.Details(err, nil))
	if d == "" {
		return err.Error()
	}
	return strings.ReplaceAll(d, "\n", "; ")
}

// Validator checks fragment content against the batch and single event schemas.
// It is safe for concurrent use; CUE evaluation is serialized.
type Validator struct {
	mu     sync.Mutex
	ctx    *cue.Context
	batch  cue.Value
	single cue.Value
}

// NewValidator compiles the embedded event schema.
func NewValidator() (*Validator, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("event: compile schema: %w", err)
	}
	batch := schema.LookupPath(cue.ParsePath("#Batch"))
	if err := batch.Err(); err != nil {
		return nil, fmt.Errorf("event: lookup #Batch: %w", err)
	}
	single := schema.LookupPath(cue.ParsePath("#Event"))
	if err := single.Err(); err != nil {
		return nil, fmt.Errorf("event: lookup #Event: %w", err)
	}
	return &Validator{ctx: ctx, batch: batch, single: single}, nil
}

// ParseFragment validates one fragment's content, trying the batch shape first
// and the single event shape second. Exactly one shape is accepted per fragment.
func (v *Validator) ParseFragment(key string, data []byte) ([]Event, error) {
	batchErr := v.check(v.batch, key, data)
	if batchErr == nil {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, &ValidationError{Key: key, BatchErr: err, SingleErr: err}
		}
		events := make([]Event, 0, len(items))
		for i, item := range items {
			ev, err := decode(item)
			if err != nil {
				return nil, &ValidationError{Key: key, BatchErr: fmt.Errorf("element %d: %w", i, err), SingleErr: err}
			}
			events = append(events, ev)
		}
		return events, nil
	}

	singleErr := v.check(v.single, key, data)
	if singleErr == nil {
		ev, err := decode(json.RawMessage(data))
		if err != nil {
			return nil, &ValidationError{Key: key, BatchErr: batchErr, SingleErr: err}
		}
		return []Event{ev}, nil
	}

	return nil, &ValidationError{Key: key, BatchErr: batchErr, SingleErr: singleErr}
}

func (v *Validator) check(schema cue.Value, key string, data []byte) error {
	expr, err := cuejson.Extract(key, data)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	val := v.ctx.BuildExpr(expr)
	if err := val.Err(); err != nil {
		return err
	}
	return schema.Unify(val).Validate(cue.Concrete(true))
}
