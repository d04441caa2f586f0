package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/nsqio/go-nsq"
)

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Database bool   `json:"database"`
	Queue    bool   `json:"queue"`
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ConsumerStats is satisfied by *nsq.Consumer.
type ConsumerStats interface {
	Stats() *nsq.ConsumerStats
}

// HTTPHandler reports whether the worker can reach its database and holds at
// least one nsqd connection. Nil dependencies count as healthy.
func HTTPHandler(db Pinger, consumer ConsumerStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Database: true, Queue: true}

		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
			}
		}
		if consumer != nil {
			if s := consumer.Stats(); s == nil || s.Connections == 0 {
				st.OK = false
				st.Queue = false
				if st.Message == "ok" {
					st.Message = "no nsqd connections"
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
