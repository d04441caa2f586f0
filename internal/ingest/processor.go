// Package ingest assembles buffered event fragments into batches and hands
// them to the merge/persist step, one queue job at a time.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_ingest/internal/config"
	"github.com/austindbirch/harbor_ingest/internal/event"
	"github.com/austindbirch/harbor_ingest/internal/job"
	"github.com/austindbirch/harbor_ingest/internal/logging"
	"github.com/austindbirch/harbor_ingest/internal/metrics"
	"github.com/austindbirch/harbor_ingest/internal/notify"
	"github.com/austindbirch/harbor_ingest/internal/tracing"
)

const defaultDepthTimeout = 2 * time.Second

// Merger reconciles an assembled batch with stored state and persists it.
type Merger interface {
	Merge(ctx context.Context, entityType, projectID, eventBodyID string, events []event.Event) error
}

// DepthReader reports how many jobs are waiting in the ingestion queue.
type DepthReader interface {
	Depth(ctx context.Context) (int64, error)
}

// Notifier announces merged batches to downstream consumers.
type Notifier interface {
	BatchMerged(ctx context.Context, m notify.BatchMerged) error
}

type Option func(*Processor)

func WithDepthReader(d DepthReader) Option {
	return func(p *Processor) { p.depth = d }
}

func WithDepthTimeout(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.depthTimeout = d
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(p *Processor) { p.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// Processor runs one attempt per queue job: config check, assembly, merge and
// telemetry. Every failure is logged, traced and returned unchanged to the caller.
type Processor struct {
	blob      config.Blob
	assembler *Assembler
	merger    Merger
	log       *logging.Logger

	depth        DepthReader
	depthTimeout time.Duration
	notifier     Notifier
	now          func() time.Time

	bg sync.WaitGroup
}

func NewProcessor(blob config.Blob, assembler *Assembler, merger Merger, log *logging.Logger, opts ...Option) *Processor {
	p := &Processor{
		blob:         blob,
		assembler:    assembler,
		merger:       merger,
		log:          log,
		depthTimeout: defaultDepthTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process handles one job attempt.
func (p *Processor) Process(ctx context.Context, j job.Job) (err error) {
	start := p.now()
	metrics.RecordJobStarted()

	ctx = tracing.ExtractJobHeaders(ctx, j.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "ingest.process",
		attribute.String("job_id", j.ID),
		attribute.String("project_id", j.ProjectID()),
		attribute.String("event_type", j.Data.Type),
		attribute.String("event_body_id", j.EventBodyID()),
	)
	defer span.End()

	startLog := p.entry(ctx, j).WithField("payload", j.Data)
	if j.Data.FileKey != "" {
		span.SetAttributes(attribute.String("file_key", j.Data.FileKey))
		startLog = startLog.WithField("file_key", j.Data.FileKey)
	}
	startLog.Info("processing ingestion job")

	defer func() {
		if err == nil {
			return
		}
		kind := KindOf(err)
		metrics.RecordJobFailed(string(kind))
		span.SetAttributes(attribute.String("error.kind", string(kind)))
		tracing.SetSpanError(ctx, err)
		p.entry(ctx, j).WithField("kind", kind).WithError(err).Error("ingestion job failed")
	}()

	if !j.EnqueuedAt().IsZero() {
		metrics.RecordQueueWait(start.Sub(j.EnqueuedAt()))
	}
	p.sampleQueueDepth(ctx)

	if err := p.blob.Check(); err != nil {
		return newError(KindConfig, "check blob config", err)
	}

	events, err := p.assembler.Assemble(ctx, j)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		metrics.RecordJobSkipped()
		tracing.AddSpanEvent(ctx, "batch.empty")
		p.entry(ctx, j).Warn("no events assembled from fragments, skipping merge")
	} else {
		entityType := events[0].EntityType()
		tracing.AddSpanEvent(ctx, "merge.start",
			attribute.String("entity_type", entityType),
			attribute.Int("events", len(events)),
		)
		if err := p.merger.Merge(ctx, entityType, j.ProjectID(), j.EventBodyID(), events); err != nil {
			return newError(KindMerge, fmt.Sprintf("merge %s", entityType), err)
		}
		metrics.RecordBatchSize(len(events))
		p.notifyMerged(ctx, j, entityType, len(events))
	}

	metrics.RecordProcessing(p.now().Sub(start))
	tracing.AddSpanEvent(ctx, "job.completed")
	return nil
}

// Wait blocks until background telemetry started by Process has finished.
func (p *Processor) Wait() {
	p.bg.Wait()
}

func (p *Processor) entry(ctx context.Context, j job.Job) *logging.LogEntry {
	return p.log.WithContext(ctx).
		WithProject(j.ProjectID()).
		WithEventBody(j.EventBodyID()).
		WithJob(j.ID)
}

// sampleQueueDepth reads the queue depth in the background. Failures are
// logged at debug level and dropped.
func (p *Processor) sampleQueueDepth(ctx context.Context) {
	if p.depth == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.log.WithContext(ctx).WithField("panic", fmt.Sprint(r)).Debug("queue depth read panicked")
			}
		}()

		dctx, cancel := context.WithTimeout(ctx, p.depthTimeout)
		defer cancel()

		depth, err := p.depth.Depth(dctx)
		if err != nil {
			p.log.WithContext(ctx).WithError(err).Debug("queue depth unavailable")
			return
		}
		metrics.UpdateQueueDepth(float64(depth))
		p.log.WithContext(ctx).WithField("queue_depth", depth).Debug("ingestion queue depth")
	}()
}

func (p *Processor) notifyMerged(ctx context.Context, j job.Job, entityType string, n int) {
	if p.notifier == nil {
		return
	}
	msg := notify.BatchMerged{
		ProjectID:   j.ProjectID(),
		EntityType:  entityType,
		EventBodyID: j.EventBodyID(),
		Events:      n,
		MergedAt:    p.now().UTC(),
	}
	if err := p.notifier.BatchMerged(ctx, msg); err != nil {
		p.entry(ctx, j).WithError(err).Warn("merge notification failed")
	}
}
