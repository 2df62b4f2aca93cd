package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	journalview "github.com/bnema/rq/internal/adapters/render/journal"
	"github.com/bnema/rq/internal/application"
)

type pendingJSON struct {
	ID           string    `json:"id"`
	Identity     string    `json:"identity,omitempty"`
	Method       string    `json:"method,omitempty"`
	Target       string    `json:"target,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	AttemptCount int       `json:"attempt_count"`
	RequiresAuth bool      `json:"requires_auth"`
	Parts        int       `json:"parts"`
	Bytes        int       `json:"bytes"`
	Error        string    `json:"error,omitempty"`
}

func newJournalCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the request journal",
	}

	cmd.AddCommand(newJournalListCmd(app), newJournalClearCmd(app))

	return cmd
}

func newJournalListCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List journaled requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := app.openSession(cmd, sessionOptions{journal: true})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			pending, err := s.coordinator.Pending(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				out := make([]pendingJSON, 0, len(pending))
				for _, summary := range pending {
					out = append(out, toPendingJSON(summary))
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			rendered, err := app.pendingRender(pending, journalview.RenderOptions{
				Now:         app.now(),
				MaxAttempts: app.cfg.GetInt(keyResumeMaxAttempts),
			})
			if err != nil {
				return fmt.Errorf("render journal: %w", err)
			}
			return writeLine(cmd.OutOrStdout(), "%s", rendered)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON output")

	return cmd
}

func newJournalClearCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every journaled request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := app.openSession(cmd, sessionOptions{journal: true})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			if err := s.coordinator.Clear(cmd.Context()); err != nil {
				return err
			}
			return writeLine(cmd.OutOrStdout(), "Journal cleared")
		},
	}
}

func toPendingJSON(summary application.PendingSummary) pendingJSON {
	out := pendingJSON{
		ID:           summary.ID,
		Identity:     summary.Identity,
		Method:       string(summary.Method),
		Target:       summary.Target,
		CreatedAt:    summary.CreatedAt,
		AttemptCount: summary.AttemptCount,
		RequiresAuth: summary.RequiresAuth,
		Parts:        summary.Parts,
		Bytes:        summary.Bytes,
	}
	if summary.Err != nil {
		out.Error = summary.Err.Error()
	}
	return out
}
