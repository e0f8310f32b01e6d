package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/flakeguard/internal/core/domain"
	"github.com/vietddude/flakeguard/internal/core/flakiness"
	"github.com/vietddude/flakeguard/internal/infra/storage"
)

var (
	flakyAll    bool
	flakyFormat string
	classifyFmt string
)

var flakyCmd = &cobra.Command{
	Use:   "flaky",
	Short: "Print the quarantine list consumed by CI gating",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		app := openApp(cmd.Context())
		defer func() { _ = app.Close() }()
		exitOn(app, "Failed to list flaky tests", writeFlaky(cmd.Context(), cmd.OutOrStdout(), app.Tracker(), flakyAll, flakyFormat))
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify <testId>",
	Short: "Print the stability state and flakiness score of one test",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		app := openApp(cmd.Context())
		defer func() { _ = app.Close() }()
		exitOn(app, "Failed to classify test", writeClassification(cmd.Context(), cmd.OutOrStdout(), app.Tracker(), args[0], classifyFmt))
	},
}

var quarantineCmd = &cobra.Command{
	Use:   "quarantine <testId>",
	Short: "Quarantine a test regardless of its score",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		app := openApp(cmd.Context())
		defer func() { _ = app.Close() }()
		exitOn(app, "Failed to quarantine test", app.Tracker().Quarantine(cmd.Context(), args[0]))
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s quarantined\n", args[0])
	},
}

var unquarantineCmd = &cobra.Command{
	Use:   "unquarantine <testId>",
	Short: "Lift quarantine and re-classify a test from its history",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		app := openApp(cmd.Context())
		defer func() { _ = app.Close() }()
		tracker := app.Tracker()
		exitOn(app, "Failed to unquarantine test", tracker.Unquarantine(cmd.Context(), args[0]))
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", args[0], tracker.Classify(cmd.Context(), args[0]))
	},
}

func init() {
	flakyCmd.Flags().BoolVar(&flakyAll, "all", false, "list every flaky or quarantined test")
	flakyCmd.Flags().StringVar(&flakyFormat, "format", "json", "output format: json or table")
	classifyCmd.Flags().StringVar(&classifyFmt, "format", "table", "output format: json or table")

	rootCmd.AddCommand(flakyCmd, classifyCmd, quarantineCmd, unquarantineCmd)
}

// flakyQuerier is the part of the tracker the flaky command reads.
type flakyQuerier interface {
	Quarantined(ctx context.Context) ([]domain.QuarantineRecord, error)
	Flaky(ctx context.Context) ([]*domain.TestHistoryEntry, error)
}

func writeFlaky(ctx context.Context, w io.Writer, q flakyQuerier, all bool, format string) error {
	var records []domain.QuarantineRecord
	if all {
		entries, err := q.Flaky(ctx)
		if err != nil {
			return err
		}
		records = make([]domain.QuarantineRecord, 0, len(entries))
		for _, e := range entries {
			records = append(records, domain.QuarantineRecordOf(e))
		}
	} else {
		var err error
		if records, err = q.Quarantined(ctx); err != nil {
			return err
		}
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case "table":
		tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
		_, _ = fmt.Fprintln(tw, "TEST\tSTATE\tSCORE\tQUARANTINED SINCE")
		for _, r := range records {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\n", r.TestID, r.State, r.FlakinessScore, since(r.QuarantinedSince))
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown format %q: want json or table", format)
	}
}

func writeClassification(ctx context.Context, w io.Writer, tracker *flakiness.Tracker, testID, format string) error {
	entry, err := tracker.Entry(ctx, testID)
	if errors.Is(err, storage.ErrNotFound) {
		entry = domain.NewTestHistoryEntry(testID)
	} else if err != nil {
		return err
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entry)
	case "table":
		fails := 0
		for _, r := range entry.History {
			if r.Outcome == domain.OutcomeFailed {
				fails++
			}
		}
		tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
		_, _ = fmt.Fprintln(tw, "TEST\tSTATE\tSCORE\tRUNS\tFAILURES\tQUARANTINED SINCE")
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%.2f\t%d\t%d\t%s\n",
			entry.TestID, entry.State, entry.FlakinessScore, len(entry.History), fails, since(entry.QuarantinedSince))
		_, _ = fmt.Fprintf(tw, "\n%s\n", flakiness.StateDescription(entry.State))
		return tw.Flush()
	default:
		return fmt.Errorf("unknown format %q: want json or table", format)
	}
}

func since(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
