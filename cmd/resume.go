package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/hashicorp/go-metrics"
	"github.com/spf13/cobra"

	"github.com/bnema/rq/internal/application"
)

type resumeOutput struct {
	Report application.Report  `json:"report"`
	Stats  map[string]float64  `json:"stats,omitempty"`
	Errors []reportedErrorJSON `json:"errors,omitempty"`
}

type reportedErrorJSON struct {
	RequestID string `json:"request_id"`
	Stage     string `json:"stage"`
	Error     string `json:"error"`
}

func newResumeCmd(app *app) *cobra.Command {
	var (
		stats  bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Send every request left in the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := app.openSession(cmd, sessionOptions{journal: true})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			stop := context.AfterFunc(cmd.Context(), func() { s.coordinator.Interrupt() })
			defer stop()

			var report application.Report
			if asJSON {
				report, err = s.coordinator.Resume(cmd.Context())
			} else {
				report, err = runResumeSpinner(cmd.Context(), cmd.ErrOrStderr(), s.coordinator.Resume)
			}
			if err != nil {
				return err
			}

			if asJSON {
				out := resumeOutput{Report: report}
				if stats {
					out.Stats = counters(s.metrics)
				}
				for _, reported := range s.errors.Entries() {
					out.Errors = append(out.Errors, reportedErrorJSON{RequestID: reported.RequestID, Stage: reported.Stage, Error: errorText(reported.Err)})
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			rendered, err := app.reportRender(report)
			if err != nil {
				return fmt.Errorf("render report: %w", err)
			}
			if err := writeLine(cmd.OutOrStdout(), "%s", rendered); err != nil {
				return err
			}
			for _, reported := range s.errors.Entries() {
				if err := writeLine(cmd.OutOrStdout(), "  %s %s: %s", shortRequestID(reported.RequestID), reported.Stage, errorText(reported.Err)); err != nil {
					return err
				}
			}
			if stats {
				return writeStats(cmd.OutOrStdout(), counters(s.metrics))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&stats, "stats", false, "Print pool, gate and delivery counters")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")

	return cmd
}

// counters flattens every counter the in-memory sink has seen into
// name;label=value keys.
func counters(sink *metrics.InmemSink) map[string]float64 {
	out := map[string]float64{}
	for _, interval := range sink.Data() {
		interval.RLock()
		for key, value := range interval.Counters {
			out[key] += value.Sum
		}
		interval.RUnlock()
	}
	return out
}

func writeStats(w io.Writer, stats map[string]float64) error {
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	slices.Sort(names)

	if err := writeLine(w, "\nCounters"); err != nil {
		return err
	}
	for _, name := range names {
		if err := writeLine(w, "  %-48s %g", name, stats[name]); err != nil {
			return err
		}
	}
	return nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func shortRequestID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
