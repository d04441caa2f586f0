package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TypeSeparator splits an event type tag into its entity prefix and action,
// e.g. "trace-create" -> "trace".
const TypeSeparator = "-"

var (
	ErrMissingProject   = errors.New("job: authCheck.scope.projectId is required")
	ErrMissingEventBody = errors.New("job: data.eventBodyId is required")
	ErrNoTypePrefix     = errors.New("job: event type prefix not derivable")
)

type Scope struct {
	ProjectID string `json:"projectId"`
}

type AuthCheck struct {
	Scope Scope `json:"scope"`
}

type Data struct {
	Type        string `json:"type"`
	EventBodyID string `json:"eventBodyId"`
	FileKey     string `json:"fileKey,omitempty"` // set by producers that upload a single fragment
}

// Job is one unit of ingestion work as published on the queue.
type Job struct {
	ID           string            `json:"id,omitempty"`
	Timestamp    time.Time         `json:"timestamp"` // enqueue time
	AuthCheck    AuthCheck         `json:"authCheck"`
	Data         Data              `json:"data"`
	TraceHeaders map[string]string `json:"traceHeaders,omitempty"` // OTel trace propagation headers
}

// Decode parses a queue payload and checks the fields every attempt depends on.
func Decode(body []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(body, &j); err != nil {
		return Job{}, fmt.Errorf("job: decode payload: %w", err)
	}
	if j.ProjectID() == "" {
		return Job{}, ErrMissingProject
	}
	if j.EventBodyID() == "" {
		return Job{}, ErrMissingEventBody
	}
	return j, nil
}

func (j Job) ProjectID() string { return j.AuthCheck.Scope.ProjectID }

func (j Job) EventBodyID() string { return j.Data.EventBodyID }

func (j Job) EnqueuedAt() time.Time { return j.Timestamp }

// EventTypePrefix returns the part of the type tag before the first separator.
// A tag without a separator is its own prefix.
func (j Job) EventTypePrefix() (string, error) {
	prefix, _, _ := strings.Cut(j.Data.Type, TypeSeparator)
	if prefix == "" {
		return "", fmt.Errorf("%w from type %q", ErrNoTypePrefix, j.Data.Type)
	}
	return prefix, nil
}

// FragmentPrefix is the storage prefix all fragments of one event body live under:
// <base><projectId>/<typePrefix>/<eventBodyId>/
func FragmentPrefix(base, projectID, typePrefix, eventBodyID string) string {
	return fmt.Sprintf("%s%s/%s/%s/", base, projectID, typePrefix, eventBodyID)
}
