package job

import "time"

const DLQType = "ingestion.dlq"

type DeadLetter struct {
	Type      string `json:"type"`    // "ingestion.dlq"
	Version   string `json:"version"` // schema version
	At        string `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason    string `json:"reason"`  // error kind or human/debug text
	Attempt   int    `json:"attempt"` // attempt count when DLQ'd
	LastError string `json:"last_error,omitempty"`
	Job       Job    `json:"job"`           // decoded job, zero when the payload was unreadable
	Raw       string `json:"raw,omitempty"` // original payload when it could not be decoded
}

func NewDeadLetter(j Job, attempt int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:      DLQType,
		Version:   "v1",
		At:        time.Now().Format(time.RFC3339Nano),
		Reason:    reason,
		Attempt:   attempt,
		LastError: lastErr,
		Job:       j,
	}
}
