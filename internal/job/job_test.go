package job

import (
	"errors"
	"testing"
	"time"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantErr     error
		wantAnyErr  bool
		wantProject string
		wantBody    string
		wantType    string
	}{
		{
			name:        "complete payload",
			body:        `{"id":"job-1","timestamp":"2024-05-01T12:00:00Z","authCheck":{"scope":{"projectId":"p1"}},"data":{"type":"trace-create","eventBodyId":"b1"}}`,
			wantProject: "p1",
			wantBody:    "b1",
			wantType:    "trace-create",
		},
		{
			name:        "payload with trace headers and file key",
			body:        `{"authCheck":{"scope":{"projectId":"p2"}},"data":{"type":"span-update","eventBodyId":"b2","fileKey":"f1.json"},"traceHeaders":{"traceparent":"00-abc-def-01"}}`,
			wantProject: "p2",
			wantBody:    "b2",
			wantType:    "span-update",
		},
		{
			name:    "missing project",
			body:    `{"data":{"type":"trace-create","eventBodyId":"b1"}}`,
			wantErr: ErrMissingProject,
		},
		{
			name:    "missing event body",
			body:    `{"authCheck":{"scope":{"projectId":"p1"}},"data":{"type":"trace-create"}}`,
			wantErr: ErrMissingEventBody,
		},
		{
			name:       "not json",
			body:       `not-json`,
			wantAnyErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, err := Decode([]byte(tt.body))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Decode() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if tt.wantAnyErr {
				if err == nil {
					t.Fatal("Decode() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() unexpected error: %v", err)
			}
			if j.ProjectID() != tt.wantProject {
				t.Errorf("ProjectID() = %q, want %q", j.ProjectID(), tt.wantProject)
			}
			if j.EventBodyID() != tt.wantBody {
				t.Errorf("EventBodyID() = %q, want %q", j.EventBodyID(), tt.wantBody)
			}
			if j.Data.Type != tt.wantType {
				t.Errorf("Data.Type = %q, want %q", j.Data.Type, tt.wantType)
			}
		})
	}
}

func TestDecodeTimestamp(t *testing.T) {
	j, err := Decode([]byte(`{"timestamp":"2024-05-01T12:00:00Z","authCheck":{"scope":{"projectId":"p1"}},"data":{"type":"trace-create","eventBodyId":"b1"}}`))
	if err != nil {
		t.Fatalf("Decode() unexpected error: %v", err)
	}
	want := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if !j.EnqueuedAt().Equal(want) {
		t.Errorf("EnqueuedAt() = %v, want %v", j.EnqueuedAt(), want)
	}
}

func TestEventTypePrefix(t *testing.T) {
	tests := []struct {
		name     string
		typ      string
		expected string
		wantErr  bool
	}{
		{name: "create tag", typ: "trace-create", expected: "trace"},
		{name: "multi dash tag", typ: "dataset-run-item-create", expected: "dataset"},
		{name: "no separator", typ: "trace", expected: "trace"},
		{name: "empty type", typ: "", wantErr: true},
		{name: "leading separator", typ: "-create", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := Job{Data: Data{Type: tt.typ}}
			got, err := j.EventTypePrefix()
			if tt.wantErr {
				if !errors.Is(err, ErrNoTypePrefix) {
					t.Errorf("EventTypePrefix() error = %v, want %v", err, ErrNoTypePrefix)
				}
				return
			}
			if err != nil {
				t.Fatalf("EventTypePrefix() unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("EventTypePrefix() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestFragmentPrefix(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		expected string
	}{
		{name: "no base prefix", base: "", expected: "p1/trace/b1/"},
		{name: "with base prefix", base: "events/", expected: "events/p1/trace/b1/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FragmentPrefix(tt.base, "p1", "trace", "b1"); got != tt.expected {
				t.Errorf("FragmentPrefix() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestNewDeadLetter(t *testing.T) {
	j := Job{
		ID:        "job-1",
		AuthCheck: AuthCheck{Scope: Scope{ProjectID: "p1"}},
		Data:      Data{Type: "trace-create", EventBodyID: "b1"},
	}

	before := time.Now()
	dl := NewDeadLetter(j, 3, "fragment p1/trace/b1/a.json rejected", "validation")
	after := time.Now()

	if dl.Type != DLQType {
		t.Errorf("NewDeadLetter() Type = %q, want %q", dl.Type, DLQType)
	}
	if dl.Version != "v1" {
		t.Errorf("NewDeadLetter() Version = %q, want %q", dl.Version, "v1")
	}
	if dl.Attempt != 3 {
		t.Errorf("NewDeadLetter() Attempt = %d, want %d", dl.Attempt, 3)
	}
	if dl.Reason != "validation" {
		t.Errorf("NewDeadLetter() Reason = %q, want %q", dl.Reason, "validation")
	}
	if dl.Job.ProjectID() != "p1" {
		t.Errorf("NewDeadLetter() Job.ProjectID() = %q, want %q", dl.Job.ProjectID(), "p1")
	}

	parsed, err := time.Parse(time.RFC3339Nano, dl.At)
	if err != nil {
		t.Fatalf("NewDeadLetter() At timestamp parse error: %v", err)
	}
	if parsed.Before(before.Truncate(time.Second)) || parsed.After(after) {
		t.Errorf("NewDeadLetter() At timestamp %v not between %v and %v", parsed, before, after)
	}
}
