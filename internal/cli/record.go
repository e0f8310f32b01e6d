package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/flakeguard/internal/core/domain"
	"github.com/vietddude/flakeguard/internal/core/flakiness"
	"github.com/vietddude/flakeguard/internal/core/worker"
)

var (
	recordRunID  string
	recordDirect bool
)

var recordCmd = &cobra.Command{
	Use:   "record <testId> <passed|failed>",
	Short: "Record the final outcome of a test",
	Long: `Record appends the final outcome of a test to this worker's log, which the
aggregator later merges into the history store. With --direct the outcome is written
to the history store immediately.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		app := openApp(ctx)
		defer func() { _ = app.Close() }()

		if recordDirect {
			exitOn(app, "Failed to record outcome", recordOutcome(ctx, app.Tracker(), args[0], args[1]))
			return
		}

		runID := recordRunID
		if runID == "" {
			runID = os.Getenv("FLAKEGUARD_RUN_ID")
		}
		wl, err := app.OpenWorkLog(runID)
		exitOn(app, "Failed to open worklog", err)
		err = recordOutcome(ctx, wl, args[0], args[1])
		if cerr := wl.Close(); err == nil {
			err = cerr
		}
		exitOn(app, "Failed to record outcome", err)
	},
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Merge pending worker logs into the history store once",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		app := openApp(cmd.Context())
		defer func() { _ = app.Close() }()
		exitOn(app, "Failed to merge worker logs", aggregate(cmd.Context(), cmd.OutOrStdout(), app.Aggregator()))
	},
}

func init() {
	recordCmd.Flags().StringVar(&recordRunID, "run-id", "", "run identifier (default $FLAKEGUARD_RUN_ID or a new UUID)")
	recordCmd.Flags().BoolVar(&recordDirect, "direct", false, "write to the history store instead of the worker log")

	rootCmd.AddCommand(recordCmd, aggregateCmd)
}

func recordOutcome(ctx context.Context, rec flakiness.Recorder, testID, outcome string) error {
	o, err := domain.ParseOutcome(outcome)
	if err != nil {
		return err
	}
	return rec.RecordOutcome(ctx, testID, o)
}

func aggregate(ctx context.Context, w io.Writer, agg *worker.Aggregator) error {
	stats, err := agg.MergeOnce(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "merged %d records from %d logs (%d torn)\n", stats.Records, stats.Files, stats.Torn)
	return err
}
