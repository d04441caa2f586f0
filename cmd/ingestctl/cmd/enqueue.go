package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_ingest/internal/job"
	"github.com/austindbirch/harbor_ingest/internal/tracing"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Publish an ingestion job for an event body",
	Long: `Publishes one ingestion job to the ingestion topic. The worker will assemble
and merge whatever fragments are stored for the event body when it claims the job.`,
	Example: `  ingestctl enqueue --project p1 --type trace-create --body b1
  ingestctl enqueue --project p1 --type score-create --body s9 --nsqd nsqd:4150 --topic ingestion`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fileKey, _ := cmd.Flags().GetString("file-key")
		j, body, err := buildJob(cmd.Context(), flagString(cmd, "project"), flagString(cmd, "type"), flagString(cmd, "body"), fileKey, time.Now())
		if err != nil {
			return err
		}

		addr := stringSetting(cmd, "nsqd", "nsqd_tcp_addr", "127.0.0.1:4150")
		topic := stringSetting(cmd, "topic", "nsq_ingestion_topic", "ingestion")

		producer, err := nsq.NewProducer(addr, nsq.NewConfig())
		if err != nil {
			return fmt.Errorf("failed to create producer: %w", err)
		}
		defer producer.Stop()

		done := make(chan *nsq.ProducerTransaction, 1)
		if err := producer.PublishAsync(topic, body, done); err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
		select {
		case tx := <-done:
			if tx.Error != nil {
				return fmt.Errorf("publish failed: %w", tx.Error)
			}
		case <-time.After(timeout):
			return fmt.Errorf("publish to %s timed out after %s", addr, timeout)
		}

		if outputJSON {
			return printOutput(cmd.OutOrStdout(), j)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Enqueued job %s on %s (project=%s type=%s body=%s)\n",
			j.ID, topic, j.ProjectID(), j.Data.Type, j.EventBodyID())
		return nil
	},
}

// buildJob creates the queue payload and checks it decodes the way the worker
// will decode it.
func buildJob(ctx context.Context, projectID, eventType, eventBodyID, fileKey string, now time.Time) (job.Job, []byte, error) {
	j := job.Job{
		ID:           uuid.NewString(),
		Timestamp:    now.UTC(),
		AuthCheck:    job.AuthCheck{Scope: job.Scope{ProjectID: projectID}},
		Data:         job.Data{Type: eventType, EventBodyID: eventBodyID, FileKey: fileKey},
		TraceHeaders: tracing.InjectJobHeaders(ctx),
	}
	if _, err := j.EventTypePrefix(); err != nil {
		return job.Job{}, nil, err
	}

	body, err := json.Marshal(j)
	if err != nil {
		return job.Job{}, nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	if _, err := job.Decode(body); err != nil {
		return job.Job{}, nil, err
	}
	return j, body, nil
}

func init() {
	enqueueCmd.Flags().String("project", "", "project id (required)")
	enqueueCmd.Flags().String("type", "", "event type, e.g. trace-create (required)")
	enqueueCmd.Flags().String("body", "", "event body id (required)")
	enqueueCmd.Flags().String("file-key", "", "optional key of the fragment that triggered the job")
	enqueueCmd.Flags().String("nsqd", "", "nsqd TCP address (env NSQD_TCP_ADDR)")
	enqueueCmd.Flags().String("topic", "", "ingestion topic (env NSQ_INGESTION_TOPIC)")
	_ = enqueueCmd.MarkFlagRequired("project")
	_ = enqueueCmd.MarkFlagRequired("type")
	_ = enqueueCmd.MarkFlagRequired("body")

	rootCmd.AddCommand(enqueueCmd)
}
