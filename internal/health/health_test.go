package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
)

type mockPinger struct {
	err   error
	delay time.Duration
}

func (m *mockPinger) PingContext(ctx context.Context) error {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.err
}

type mockConsumer struct {
	connections int
}

func (m *mockConsumer) Stats() *nsq.ConsumerStats {
	return &nsq.ConsumerStats{Connections: m.connections}
}

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name               string
		db                 Pinger
		consumer           ConsumerStats
		expectedStatusCode int
		expectedStatus     Status
	}{
		{
			name:               "healthy with no dependencies",
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Database: true, Queue: true},
		},
		{
			name:               "healthy with working database and consumer",
			db:                 &mockPinger{},
			consumer:           &mockConsumer{connections: 1},
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Database: true, Queue: true},
		},
		{
			name:               "database ping fails",
			db:                 &mockPinger{err: errors.New("connection refused")},
			consumer:           &mockConsumer{connections: 1},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus:     Status{OK: false, Message: "db ping failed", Database: false, Queue: true},
		},
		{
			name:               "database ping times out",
			db:                 &mockPinger{delay: 3 * time.Second},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus:     Status{OK: false, Message: "db ping failed", Database: false, Queue: true},
		},
		{
			name:               "consumer has no connections",
			db:                 &mockPinger{},
			consumer:           &mockConsumer{},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus:     Status{OK: false, Message: "no nsqd connections", Database: true, Queue: false},
		},
		{
			name:               "both unhealthy keeps first message",
			db:                 &mockPinger{err: errors.New("down")},
			consumer:           &mockConsumer{},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus:     Status{OK: false, Message: "db ping failed", Database: false, Queue: false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			w := httptest.NewRecorder()

			HTTPHandler(tt.db, tt.consumer)(w, req)

			if w.Code != tt.expectedStatusCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.expectedStatusCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}

			var got Status
			if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
				t.Fatalf("decoding response: %v", err)
			}
			if got != tt.expectedStatus {
				t.Errorf("status = %+v, want %+v", got, tt.expectedStatus)
			}
		})
	}
}
