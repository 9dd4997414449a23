package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/siteoptics/audit-worker/internal/queue"
	"github.com/siteoptics/audit-worker/internal/resilience"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered messages",
	Long:  "Messages the worker could not process are parked in the dead letter queue. List them to see what went wrong, then replay the due ones once the cause is fixed.",
}

// -- dlq list --

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List parked messages",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("dlq"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		queueName, _ := cmd.Flags().GetString("queue")
		errorType, _ := cmd.Flags().GetString("error-type")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := st.ListDLQ(ctx, resilience.DLQFilter{
			Queue:     queueName,
			ErrorType: errorType,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}

		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Dead letter queue is empty.")
			return nil
		}

		formatDLQList(os.Stdout, entries)
		return nil
	},
}

// -- dlq replay --

var dlqReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Republish the messages due for retry",
	Long:  "Replays every parked message whose retry is due: a successful publish removes the entry, a failed one is rescheduled with a doubled backoff. Poison and exhausted entries are never picked up.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("dlq"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		q, err := queue.Dial(ctx, cfg.Queue)
		if err != nil {
			return err
		}
		defer q.Close() //nolint:errcheck

		queueName, _ := cmd.Flags().GetString("queue")
		limit, _ := cmd.Flags().GetInt("limit")
		backoff, _ := cmd.Flags().GetDuration("backoff")

		report, err := resilience.ReplayDLQ(ctx, st, q,
			resilience.DLQFilter{Queue: queueName, Limit: limit},
			backoff, time.Now().UTC())
		if err != nil {
			return eris.Wrap(err, "dlq replay")
		}

		fmt.Printf("Replayed %d messages, %d failed.\n", report.Replayed, report.Failed)
		return nil
	},
}

func init() {
	dlqListCmd.Flags().String("queue", "", "filter by origin queue")
	dlqListCmd.Flags().String("error-type", "", "filter by error type: transient or permanent")
	dlqListCmd.Flags().Int("limit", 50, "max number of entries to display")

	dlqReplayCmd.Flags().String("queue", "", "replay only entries from this queue")
	dlqReplayCmd.Flags().Int("limit", 100, "max number of entries to replay in one sweep")
	dlqReplayCmd.Flags().Duration("backoff", resilience.DefaultReplayBackoff, "base delay before a failed replay is retried")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqReplayCmd)
	rootCmd.AddCommand(dlqCmd)
}

// formatDLQList writes a tabular view of parked entries to w.
func formatDLQList(out io.Writer, entries []resilience.DLQEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tQUEUE\tAUDIT\tTYPE\tRETRIES\tNEXT RETRY\tERROR")
	_, _ = fmt.Fprintln(w, "--\t-----\t-----\t----\t-------\t----------\t-----")

	for _, e := range entries {
		msg := e.Error
		if len(msg) > 40 {
			msg = msg[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			truncateID(e.ID),
			e.Queue,
			truncateID(e.AuditID),
			e.ErrorType,
			e.RetryCount,
			e.MaxRetries,
			e.NextRetryAt.Format("2006-01-02 15:04"),
			msg,
		)
	}
	_ = w.Flush()
}
