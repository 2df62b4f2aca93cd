package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "rq",
		Short:         "rq: authenticated, resumable outbound requests",
		Long:          "rq journals outbound HTTP requests before sending them, signs them in behind a single shared login, and replays whatever was left behind when a run was interrupted.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	app, err := wireApp()
	if err != nil {
		rootCmd.RunE = func(_ *cobra.Command, _ []string) error {
			return err
		}
		return rootCmd
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newLoginCmd(app),
		newLogoutCmd(app),
		newWhoamiCmd(app),
		newSubmitCmd(app),
		newResumeCmd(app),
		newJournalCmd(app),
	)

	return rootCmd
}
