package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bnema/rq/internal/application"
	"github.com/bnema/rq/internal/domain"
)

func newLoginCmd(app *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with the configured flow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogin(cmd, app, "", force)
		},
	}

	cmd.PersistentFlags().BoolVar(&force, "force", false, "Sign in again even when already signed in")
	cmd.AddCommand(
		newLoginFlowCmd(app, flowBrowser, "Sign in through a browser", &force),
		newLoginFlowCmd(app, flowDevice, "Sign in with a device code", &force),
	)

	return cmd
}

func newLoginFlowCmd(app *app, flow, short string, force *bool) *cobra.Command {
	return &cobra.Command{
		Use:   flow,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogin(cmd, app, flow, *force)
		},
	}
}

func runLogin(cmd *cobra.Command, app *app, flow string, force bool) error {
	s, err := app.openSession(cmd, sessionOptions{flow: flow})
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if current, ok := s.gate.Current().(domain.Authenticated); ok {
		if !force {
			return writeLine(cmd.OutOrStdout(), "Already signed in as %s", current.ID)
		}
		if err := s.gate.Logout(cmd.Context()); err != nil {
			return err
		}
	}

	actor, err := application.ScheduleUnlock(cmd.Context(), s.gate, func(_ context.Context, actor domain.Authenticated) (domain.Authenticated, error) {
		return actor, nil
	})
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}

	return writeLine(cmd.OutOrStdout(), "Signed in as %s", actor.ID)
}

func newLogoutCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := app.openSession(cmd, sessionOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			previous := s.gate.Current()
			if err := s.gate.Logout(cmd.Context()); err != nil {
				return err
			}
			if !previous.IsAuthenticated() {
				return writeLine(cmd.OutOrStdout(), "Not signed in")
			}
			return writeLine(cmd.OutOrStdout(), "Signed out %s", actorLabel(previous))
		},
	}
}

func newWhoamiCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := app.openSession(cmd, sessionOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			actor := s.gate.Current()
			if !actor.IsAuthenticated() {
				return writeLine(cmd.OutOrStdout(), "Not signed in")
			}
			authenticated, _ := actor.(domain.Authenticated)
			if authenticated.AvatarRef != "" {
				return writeLine(cmd.OutOrStdout(), "%s (avatar %s)", authenticated.ID, authenticated.AvatarRef)
			}
			return writeLine(cmd.OutOrStdout(), "%s", authenticated.ID)
		},
	}
}
