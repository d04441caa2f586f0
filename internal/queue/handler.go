// Package queue adapts the ingestion processor to NSQ: it decodes jobs,
// acknowledges, requeues with backoff, and dead-letters failed jobs.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_ingest/internal/ingest"
	"github.com/austindbirch/harbor_ingest/internal/job"
	"github.com/austindbirch/harbor_ingest/internal/logging"
	"github.com/austindbirch/harbor_ingest/internal/metrics"
)

const (
	OutcomeFinished = "finished"
	OutcomeRequeued = "requeued"
	OutcomeDead     = "dead"
)

// JobProcessor runs one attempt of an ingestion job.
type JobProcessor interface {
	Process(ctx context.Context, j job.Job) error
}

// Publisher publishes a message body to a topic. *nsq.Producer satisfies it.
type Publisher interface {
	Publish(topic string, body []byte) error
}

type HandlerOptions struct {
	MaxAttempts int
	Backoff     []time.Duration
	JitterPct   float64
	DLQTopic    string
}

// Handler is an nsq.Handler for the ingestion topic.
type Handler struct {
	proc JobProcessor
	dlq  Publisher // nil disables DLQ publishing
	log  *logging.Logger
	opts HandlerOptions
}

func NewHandler(proc JobProcessor, dlq Publisher, log *logging.Logger, opts HandlerOptions) *Handler {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &Handler{proc: proc, dlq: dlq, log: log, opts: opts}
}

// HandleMessage always responds to the message itself and returns nil, so
// go-nsq never applies its own requeue policy.
func (h *Handler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	defer func() {
		if !m.HasResponded() {
			h.log.Plain().Warn("message had no response, finishing")
			m.Finish()
		}
	}()

	ctx := context.Background()
	attempt := int(m.Attempts)

	j, err := job.Decode(m.Body)
	if err != nil {
		h.log.Plain().WithError(err).WithField("attempt", attempt).Error("bad job payload")
		dl := job.NewDeadLetter(job.Job{}, attempt, err.Error(), string(ingest.KindInput))
		dl.Raw = string(m.Body)
		h.publishDeadLetter(ctx, dl)
		m.Finish()
		metrics.RecordQueueOutcome(OutcomeDead)
		return nil
	}

	err = h.proc.Process(ctx, j)
	entry := h.log.WithContext(ctx).
		WithProject(j.ProjectID()).
		WithEventBody(j.EventBodyID()).
		WithJob(j.ID).
		WithField("attempt", attempt)

	switch {
	case err == nil:
		m.Finish()
		metrics.RecordQueueOutcome(OutcomeFinished)

	case ingest.IsPermanent(err) || attempt >= h.opts.MaxAttempts:
		reason := string(ingest.KindOf(err))
		if !ingest.IsPermanent(err) {
			reason = fmt.Sprintf("max attempts reached (%d)", attempt)
		}
		entry.WithField("reason", reason).Warn("dead-lettering ingestion job")
		h.publishDeadLetter(ctx, job.NewDeadLetter(j, attempt, err.Error(), reason))
		m.Finish()
		metrics.RecordQueueOutcome(OutcomeDead)

	default:
		delay := computeDelay(attempt, h.opts.Backoff, h.opts.JitterPct)
		entry.WithField("delay", delay.String()).Info("requeue ingestion job")
		m.Requeue(delay)
		metrics.RecordQueueOutcome(OutcomeRequeued)
	}
	return nil
}

func (h *Handler) publishDeadLetter(ctx context.Context, dl job.DeadLetter) {
	if h.dlq == nil || h.opts.DLQTopic == "" {
		return
	}
	b, err := json.Marshal(dl)
	if err != nil {
		h.log.WithContext(ctx).WithError(err).Error("dlq marshal failed")
		return
	}
	if err := h.dlq.Publish(h.opts.DLQTopic, b); err != nil {
		h.log.WithContext(ctx).WithJob(dl.Job.ID).WithError(err).Error("dlq publish failed")
		return
	}
	h.log.WithContext(ctx).WithJob(dl.Job.ID).WithField("topic", h.opts.DLQTopic).Info("dlq published")
}
