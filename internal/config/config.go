package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	ErrBlobDisabled  = errors.New("config: blob event ingestion is disabled (BLOB_EVENTS_ENABLED)")
	ErrBucketMissing = errors.New("config: blob event bucket is not set (BLOB_EVENTS_BUCKET)")
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	NsqdHTTPAddr   string // e.g. nsqd:4151, used for /stats
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	IngestionTopic string // NSQ topic carrying ingestion jobs
	DLQTopic       string // Dead letter queue topic
	WorkerChannel  string // NSQ channel name for workers
	MaxInFlight    int    // concurrent jobs per worker
}

// Blob describes where event fragments are stored.
type Blob struct {
	Enabled  bool   // feature flag for the blob-backed ingestion flow
	Bucket   string // bucket holding event fragments
	Prefix   string // key prefix prepended to <projectId>/<type>/<eventBodyId>/
	Region   string
	Endpoint string // custom S3 endpoint (MinIO), enables path-style
}

type Worker struct {
	MaxAttempts      int             // Maximum processing attempts before dead-lettering
	BackoffSchedule  []time.Duration // Retry backoff durations
	JitterPercent    float64         // Backoff jitter percentage (0.0-1.0)
	PublishDLQ       bool            // Whether to publish dead-lettered jobs to the DLQ topic
	HTTPPort         string          // Worker HTTP metrics/health port
	FetchConcurrency int             // Max fragments downloaded at once per job
	DepthTimeout     time.Duration   // Timeout for the best-effort queue depth read
}

type NATS struct {
	URL     string // empty disables merge notifications
	Subject string
}

type Config struct {
	AppName  string
	LogLevel string
	DB       DB
	NSQ      NSQ
	Blob     Blob
	Worker   Worker
	NATS     NATS
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func defaultBackoff() []time.Duration {
	return []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second, 1 * time.Minute, 4 * time.Minute, 10 * time.Minute}
}

func parseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return defaultBackoff()
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil {
			durations = append(durations, d)
		}
	}

	if len(durations) == 0 {
		// Fallback to default if parsing failed
		return defaultBackoff()
	}

	return durations
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "harbor-ingest"),
		LogLevel: getenv("LOG_LEVEL", "info"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "ingestion"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			IngestionTopic: getenv("NSQ_INGESTION_TOPIC", "ingestion"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "ingestion_dlq"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
			MaxInFlight:    getenvInt("NSQ_MAX_IN_FLIGHT", 50),
		},
		Blob: Blob{
			Enabled:  getenvBool("BLOB_EVENTS_ENABLED", false),
			Bucket:   getenv("BLOB_EVENTS_BUCKET", ""),
			Prefix:   getenv("BLOB_EVENTS_PREFIX", ""),
			Region:   getenv("BLOB_EVENTS_REGION", "us-east-1"),
			Endpoint: getenv("BLOB_EVENTS_ENDPOINT", ""),
		},
		Worker: Worker{
			MaxAttempts:      getenvInt("MAX_ATTEMPTS", 6),
			BackoffSchedule:  parseBackoffSchedule(getenv("BACKOFF_SCHEDULE", "")),
			JitterPercent:    getenvFloat("BACKOFF_JITTER_PCT", 0.25),
			PublishDLQ:       getenvBool("PUBLISH_DLQ_TOPIC", false),
			HTTPPort:         ":" + getenv("WORKER_HTTP_PORT", "8083"),
			FetchConcurrency: getenvInt("FETCH_CONCURRENCY", 16),
			DepthTimeout:     getenvDuration("QUEUE_DEPTH_TIMEOUT", 2*time.Second),
		},
		NATS: NATS{
			URL:     getenv("NATS_URL", ""),
			Subject: getenv("NATS_MERGED_SUBJECT", "ingestion.batch.merged"),
		},
	}
}

// Check reports whether the blob-backed flow may run. Both the feature flag and
// the bucket are required.
func (b Blob) Check() error {
	if !b.Enabled {
		return ErrBlobDisabled
	}
	if b.Bucket == "" {
		return ErrBucketMissing
	}
	return nil
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
