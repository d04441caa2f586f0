package ingest

import (
	"context"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/harbor_ingest/internal/event"
	"github.com/austindbirch/harbor_ingest/internal/job"
	"github.com/austindbirch/harbor_ingest/internal/logging"
	"github.com/austindbirch/harbor_ingest/internal/tracing"
)

const defaultFetchConcurrency = 16

// FragmentStore lists and downloads fragment objects. blob.S3Store implements it.
type FragmentStore interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Download(ctx context.Context, key string) ([]byte, error)
}

// FragmentParser validates one fragment. event.Validator implements it.
type FragmentParser interface {
	ParseFragment(key string, data []byte) ([]event.Event, error)
}

type AssemblerOptions struct {
	Prefix      string // configured key prefix in front of <projectId>/...
	Concurrency int    // max concurrent fragment downloads per job
}

// Assembler turns the fragments of one event body into an ordered event batch.
type Assembler struct {
	store  FragmentStore
	parser FragmentParser
	log    *logging.Logger
	opts   AssemblerOptions
}

func NewAssembler(store FragmentStore, parser FragmentParser, log *logging.Logger, opts AssemblerOptions) *Assembler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultFetchConcurrency
	}
	return &Assembler{store: store, parser: parser, log: log, opts: opts}
}

// Assemble lists the job's fragments, downloads and validates them concurrently
// and flattens the result in listing order. Any fragment failure fails the whole
// batch. An empty result is not an error.
func (a *Assembler) Assemble(ctx context.Context, j job.Job) ([]event.Event, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.assemble",
		attribute.String("project_id", j.ProjectID()),
		attribute.String("event_body_id", j.EventBodyID()),
	)
	defer span.End()

	typePrefix, err := j.EventTypePrefix()
	if err != nil {
		return nil, newError(KindInput, "derive event type", err)
	}

	prefix := job.FragmentPrefix(a.opts.Prefix, j.ProjectID(), typePrefix, j.EventBodyID())
	keys, err := a.store.List(ctx, prefix)
	if err != nil {
		return nil, newError(KindStorage, "list "+prefix, err)
	}
	tracing.AddSpanEvent(ctx, "fragments.listed",
		attribute.String("prefix", prefix),
		attribute.Int("fragments", len(keys)),
	)

	results := make([][]event.Event, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)
	for i, key := range keys {
		g.Go(func() error {
			data, err := a.store.Download(gctx, key)
			if err != nil {
				return newError(KindStorage, "download "+key, err)
			}
			a.log.WithContext(gctx).
				WithProject(j.ProjectID()).
				WithEventBody(j.EventBodyID()).
				WithFields(map[string]any{"key": key, "size": humanize.Bytes(uint64(len(data)))}).
				Debug("fragment downloaded")

			events, err := a.parser.ParseFragment(key, data)
			if err != nil {
				return newError(KindValidation, "validate "+key, err)
			}
			results[i] = events
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}

	total := 0
	for _, r := range results {
		total += len(r)
	}
	batch := make([]event.Event, 0, total)
	for _, r := range results {
		batch = append(batch, r...)
	}
	span.SetAttributes(attribute.Int("events", len(batch)))
	return batch, nil
}
