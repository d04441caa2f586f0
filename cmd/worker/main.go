package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_ingest/internal/blob"
	"github.com/austindbirch/harbor_ingest/internal/config"
	"github.com/austindbirch/harbor_ingest/internal/db"
	"github.com/austindbirch/harbor_ingest/internal/event"
	"github.com/austindbirch/harbor_ingest/internal/health"
	"github.com/austindbirch/harbor_ingest/internal/ingest"
	"github.com/austindbirch/harbor_ingest/internal/logging"
	"github.com/austindbirch/harbor_ingest/internal/merge"
	"github.com/austindbirch/harbor_ingest/internal/metrics"
	"github.com/austindbirch/harbor_ingest/internal/notify"
	"github.com/austindbirch/harbor_ingest/internal/queue"
	"github.com/austindbirch/harbor_ingest/internal/tracing"
)

const serviceName = "harbor-ingest-worker"

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New(serviceName)
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	// DB connect + schema
	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	if err := merge.Migrate(pool); err != nil {
		logger.Plain().WithError(err).Fatal("db migrations failed")
	}

	// Fragment storage. Without a bucket every job fails its config check.
	var store ingest.FragmentStore
	if cfg.Blob.Bucket != "" {
		s3store, err := blob.NewS3Store(ctx, blob.S3Options{
			Bucket:   cfg.Blob.Bucket,
			Region:   cfg.Blob.Region,
			Endpoint: cfg.Blob.Endpoint,
		})
		if err != nil {
			logger.Plain().WithError(err).Fatal("blob store init failed")
		}
		store = s3store
	}
	if err := cfg.Blob.Check(); err != nil {
		logger.Plain().WithError(err).Warn("blob event ingestion not configured, jobs will be dead-lettered")
	}

	validator, err := event.NewValidator()
	if err != nil {
		logger.Plain().WithError(err).Fatal("event schema compile failed")
	}

	assembler := ingest.NewAssembler(store, validator, logger, ingest.AssemblerOptions{
		Prefix:      cfg.Blob.Prefix,
		Concurrency: cfg.Worker.FetchConcurrency,
	})

	opts := []ingest.Option{
		ingest.WithDepthReader(queue.NewNSQDepthReader(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.IngestionTopic, cfg.NSQ.WorkerChannel)),
		ingest.WithDepthTimeout(cfg.Worker.DepthTimeout),
	}
	if cfg.NATS.URL != "" {
		pub, err := notify.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nats connect failed")
		}
		defer pub.Close()
		opts = append(opts, ingest.WithNotifier(pub))
	}

	processor := ingest.NewProcessor(cfg.Blob, assembler, merge.NewPostgresMerger(pool), logger, opts...)

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// NSQ consumer
	consumer, err := nsq.NewConsumer(cfg.NSQ.IngestionTopic, cfg.NSQ.WorkerChannel, consumerConfig(cfg))
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}

	// DLQ producer
	var dlqProducer *nsq.Producer
	if cfg.Worker.PublishDLQ {
		dlqProducer, err = nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		defer dlqProducer.Stop()
	}

	consumer.AddHandler(queue.NewHandler(processor, dlqPublisher(dlqProducer), logger, queue.HandlerOptions{
		MaxAttempts: cfg.Worker.MaxAttempts,
		Backoff:     cfg.Worker.BackoffSchedule,
		JitterPct:   cfg.Worker.JitterPercent,
		DLQTopic:    cfg.NSQ.DLQTopic,
	}))

	// HTTP health/metrics
	httpSrv := &http.Server{
		Addr:              cfg.Worker.HTTPPort,
		Handler:           newMux(reg, pool, consumer),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	// Connecting directly to nsqd forces channel creation
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().WithFields(map[string]any{
		"topic":   cfg.NSQ.IngestionTopic,
		"channel": cfg.NSQ.WorkerChannel,
	}).Info("worker service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down worker service")
	consumer.Stop()
	<-consumer.StopChan
	processor.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker service stopped")
}

func consumerConfig(cfg config.Config) *nsq.Config {
	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.NSQ.MaxInFlight
	if conf.MaxInFlight <= 0 {
		conf.MaxInFlight = 1
	}
	// The handler owns retries, so nsq must not give up before it does.
	if cfg.Worker.MaxAttempts > 0 {
		conf.MaxAttempts = uint16(cfg.Worker.MaxAttempts) + 1
	}
	return conf
}

func newMux(reg *prometheus.Registry, pool *sql.DB, consumer health.ConsumerStats) *http.ServeMux {
	mux := http.NewServeMux()
	var pinger health.Pinger
	if pool != nil {
		pinger = pool
	}
	mux.HandleFunc("/healthz", health.HTTPHandler(pinger, consumer))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// dlqPublisher keeps a nil producer from becoming a non-nil interface.
func dlqPublisher(p *nsq.Producer) queue.Publisher {
	if p == nil {
		return nil
	}
	return p
}
