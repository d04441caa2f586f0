package cmd

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_ingest/internal/queue"
)

var depthCmd = &cobra.Command{
	Use:   "depth",
	Short: "Show the ingestion queue backlog",
	Long:  `Reads nsqd stats and prints how many ingestion jobs are waiting for the worker channel.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := stringSetting(cmd, "nsqd-http", "nsqd_http_addr", "127.0.0.1:4151")
		topic := stringSetting(cmd, "topic", "nsq_ingestion_topic", "ingestion")
		channel := stringSetting(cmd, "channel", "nsq_worker_channel", "workers")

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		depth, err := queue.NewNSQDepthReader(addr, topic, channel).Depth(ctx)
		if err != nil {
			return err
		}

		if outputJSON {
			return printOutput(cmd.OutOrStdout(), map[string]any{
				"topic":   topic,
				"channel": channel,
				"depth":   depth,
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: %s job(s) waiting\n", topic, channel, humanize.Comma(depth))
		return nil
	},
}

func init() {
	depthCmd.Flags().String("nsqd-http", "", "nsqd HTTP address (env NSQD_HTTP_ADDR)")
	depthCmd.Flags().String("topic", "", "ingestion topic (env NSQ_INGESTION_TOPIC)")
	depthCmd.Flags().String("channel", "", "worker channel (env NSQ_WORKER_CHANNEL)")

	rootCmd.AddCommand(depthCmd)
}
