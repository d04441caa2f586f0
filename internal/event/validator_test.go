package event

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator() error: %v", err)
	}
	return v
}

func TestParseFragment(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name    string
		data    string
		wantIDs []string
		wantErr bool
	}{
		{
			name:    "single event",
			data:    `{"type":"trace-create","id":"t1"}`,
			wantIDs: []string{"t1"},
		},
		{
			name:    "single event with body and extra fields",
			data:    `{"type":"span-update","id":"s1","timestamp":"2024-05-01T12:00:00Z","body":{"name":"llm"},"metadata":{"sdk":"py"},"extra":1}`,
			wantIDs: []string{"s1"},
		},
		{
			name:    "batch keeps element order",
			data:    `[{"type":"trace-create","id":"t2"},{"type":"trace-create","id":"t3"},{"type":"trace-create","id":"t4"}]`,
			wantIDs: []string{"t2", "t3", "t4"},
		},
		{
			name:    "empty batch",
			data:    `[]`,
			wantIDs: []string{},
		},
		{
			name:    "unexpected shape",
			data:    `{"unexpected":"shape"}`,
			wantErr: true,
		},
		{
			name:    "unknown event type",
			data:    `{"type":"trace-delete","id":"t1"}`,
			wantErr: true,
		},
		{
			name:    "batch with one malformed element",
			data:    `[{"type":"trace-create","id":"t1"},{"id":"t2"}]`,
			wantErr: true,
		},
		{
			name:    "empty id",
			data:    `{"type":"trace-create","id":""}`,
			wantErr: true,
		},
		{
			name:    "body is not an object",
			data:    `{"type":"trace-create","id":"t1","body":"text"}`,
			wantErr: true,
		},
		{
			name:    "scalar content",
			data:    `42`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			data:    `{"type":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := v.ParseFragment("p1/trace/b1/frag.json", []byte(tt.data))
			if tt.wantErr {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("ParseFragment() error = %v, want *ValidationError", err)
				}
				if verr.Key != "p1/trace/b1/frag.json" {
					t.Errorf("ValidationError.Key = %q, want %q", verr.Key, "p1/trace/b1/frag.json")
				}
				if verr.BatchErr == nil || verr.SingleErr == nil {
					t.Errorf("ValidationError should carry both schema errors, got batch=%v single=%v", verr.BatchErr, verr.SingleErr)
				}
				if events != nil {
					t.Errorf("ParseFragment() events = %v, want nil on failure", events)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFragment() unexpected error: %v", err)
			}
			if len(events) != len(tt.wantIDs) {
				t.Fatalf("ParseFragment() returned %d events, want %d", len(events), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if events[i].ID != id {
					t.Errorf("events[%d].ID = %q, want %q", i, events[i].ID, id)
				}
			}
		})
	}
}

func TestValidationErrorMessage(t *testing.T) {
	v := newTestValidator(t)

	_, err := v.ParseFragment("p1/trace/b1/bad.json", []byte(`{"unexpected":"shape"}`))
	if err == nil {
		t.Fatal("ParseFragment() expected error, got nil")
	}
	msg := err.Error()
	for _, want := range []string{"p1/trace/b1/bad.json", "batch:", "single:"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message %q does not contain %q", msg, want)
		}
	}
}

func TestParseFragmentKeepsRawRecord(t *testing.T) {
	v := newTestValidator(t)

	events, err := v.ParseFragment("k", []byte(`{"type":"trace-create","id":"t1","custom":{"a":1}}`))
	if err != nil {
		t.Fatalf("ParseFragment() unexpected error: %v", err)
	}

	out, err := json.Marshal(events)
	if err != nil {
		t.Fatalf("json.Marshal() error: %v", err)
	}
	if !strings.Contains(string(out), `"custom":{"a":1}`) {
		t.Errorf("marshaled events %s lost the custom field", out)
	}
}

func TestParseFragmentConcurrent(t *testing.T) {
	v := newTestValidator(t)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data := `[{"type":"trace-create","id":"a"},{"type":"score-create","id":"b"}]`
			if i%2 == 0 {
				data = `{"type":"generation-create","id":"g"}`
			}
			if _, err := v.ParseFragment("k", []byte(data)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("ParseFragment() concurrent error: %v", err)
	}
}

func TestEntityType(t *testing.T) {
	tests := []struct {
		eventType string
		expected  string
		wantErr   bool
	}{
		{eventType: "trace-create", expected: EntityTrace},
		{eventType: "span-create", expected: EntityObservation},
		{eventType: "generation-update", expected: EntityObservation},
		{eventType: "event-create", expected: EntityObservation},
		{eventType: "score-create", expected: EntityScore},
		{eventType: "sdk-log", expected: EntitySDKLog},
		{eventType: "dataset-run-item-create", expected: EntityDatasetRunItem},
		{eventType: "unknown", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			got, err := EntityTypeOf(tt.eventType)
			if tt.wantErr {
				if err == nil {
					t.Error("EntityTypeOf() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("EntityTypeOf() unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("EntityTypeOf() = %q, want %q", got, tt.expected)
			}
			if ev := (Event{Type: tt.eventType}); ev.EntityType() != tt.expected {
				t.Errorf("Event.EntityType() = %q, want %q", ev.EntityType(), tt.expected)
			}
		})
	}
}
