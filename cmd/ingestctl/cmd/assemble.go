package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_ingest/internal/blob"
	"github.com/austindbirch/harbor_ingest/internal/event"
	"github.com/austindbirch/harbor_ingest/internal/ingest"
	"github.com/austindbirch/harbor_ingest/internal/job"
	"github.com/austindbirch/harbor_ingest/internal/logging"
)

type assembleResult struct {
	Prefix     string        `json:"prefix"`
	EntityType string        `json:"entityType,omitempty"`
	Count      int           `json:"count"`
	Events     []event.Event `json:"events,omitempty"`
}

var assembleCmd = &cobra.Command{
	Use:   "assemble",
	Short: "Assemble an event body's fragments without merging them",
	Long: `Lists, downloads and validates every fragment stored for one event body and
prints the resulting batch. Nothing is merged or persisted.`,
	Example: `  ingestctl assemble --project p1 --type trace-create --body b1 --bucket events
  ingestctl assemble --project p1 --type span-update --body b1 --events --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		j := job.Job{
			AuthCheck: job.AuthCheck{Scope: job.Scope{ProjectID: flagString(cmd, "project")}},
			Data: job.Data{
				Type:        flagString(cmd, "type"),
				EventBodyID: flagString(cmd, "body"),
			},
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		store, err := blob.NewS3Store(ctx, blob.S3Options{
			Bucket:   stringSetting(cmd, "bucket", "blob_events_bucket", ""),
			Region:   stringSetting(cmd, "region", "blob_events_region", "us-east-1"),
			Endpoint: stringSetting(cmd, "endpoint", "blob_events_endpoint", ""),
		})
		if err != nil {
			return err
		}

		concurrency, _ := cmd.Flags().GetInt("concurrency")
		withEvents, _ := cmd.Flags().GetBool("events")
		res, err := assemble(ctx, store, j, stringSetting(cmd, "prefix", "blob_events_prefix", ""), concurrency, withEvents)
		if err != nil {
			return err
		}
		if outputJSON {
			return printOutput(cmd.OutOrStdout(), res)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d event(s)", res.Prefix, res.Count)
		if res.EntityType != "" {
			fmt.Fprintf(cmd.OutOrStdout(), " -> %s", res.EntityType)
		}
		fmt.Fprintln(cmd.OutOrStdout())
		for _, e := range res.Events {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s %s\n", e.Type, e.ID)
		}
		return nil
	},
}

func assemble(ctx context.Context, store ingest.FragmentStore, j job.Job, prefix string, concurrency int, withEvents bool) (assembleResult, error) {
	typePrefix, err := j.EventTypePrefix()
	if err != nil {
		return assembleResult{}, err
	}
	validator, err := event.NewValidator()
	if err != nil {
		return assembleResult{}, err
	}

	log := logging.NewWithWriter("ingestctl", os.Stderr, logging.LevelWarn)
	asm := ingest.NewAssembler(store, validator, log, ingest.AssemblerOptions{Prefix: prefix, Concurrency: concurrency})

	events, err := asm.Assemble(ctx, j)
	if err != nil {
		return assembleResult{}, err
	}

	res := assembleResult{
		Prefix: job.FragmentPrefix(prefix, j.ProjectID(), typePrefix, j.EventBodyID()),
		Count:  len(events),
	}
	if len(events) > 0 {
		res.EntityType = events[0].EntityType()
	}
	if withEvents {
		res.Events = events
	}
	return res, nil
}

func flagString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func init() {
	assembleCmd.Flags().String("project", "", "project id (required)")
	assembleCmd.Flags().String("type", "", "event type, e.g. trace-create (required)")
	assembleCmd.Flags().String("body", "", "event body id (required)")
	assembleCmd.Flags().String("bucket", "", "fragment bucket (env BLOB_EVENTS_BUCKET)")
	assembleCmd.Flags().String("prefix", "", "key prefix (env BLOB_EVENTS_PREFIX)")
	assembleCmd.Flags().String("region", "", "bucket region (env BLOB_EVENTS_REGION)")
	assembleCmd.Flags().String("endpoint", "", "custom S3 endpoint (env BLOB_EVENTS_ENDPOINT)")
	assembleCmd.Flags().Int("concurrency", 16, "max concurrent fragment downloads")
	assembleCmd.Flags().Bool("events", false, "include the assembled events in the output")
	_ = assembleCmd.MarkFlagRequired("project")
	_ = assembleCmd.MarkFlagRequired("type")
	_ = assembleCmd.MarkFlagRequired("body")

	rootCmd.AddCommand(assembleCmd)
}
