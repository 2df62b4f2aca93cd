package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	authadapter "github.com/bnema/rq/internal/adapters/auth"
	credentialstore "github.com/bnema/rq/internal/adapters/credentials/toml"
	"github.com/bnema/rq/internal/adapters/errsink"
	badgerjournal "github.com/bnema/rq/internal/adapters/journal/badger"
	sqlitejournal "github.com/bnema/rq/internal/adapters/journal/sqlite"
	journalview "github.com/bnema/rq/internal/adapters/render/journal"
	chainstore "github.com/bnema/rq/internal/adapters/secrets/chain"
	filestore "github.com/bnema/rq/internal/adapters/secrets/file"
	"github.com/bnema/rq/internal/adapters/transport"
	"github.com/bnema/rq/internal/application"
	"github.com/bnema/rq/internal/buffer"
	"github.com/bnema/rq/internal/codec"
	"github.com/bnema/rq/internal/domain"
	"github.com/bnema/rq/internal/ports"
)

type app struct {
	cfg            *viper.Viper
	httpClient     *http.Client
	now            func() time.Time
	pendingRender  func([]application.PendingSummary, journalview.RenderOptions) (string, error)
	reportRender   func(application.Report) (string, error)
	openBrowserURL func(cmd *cobra.Command, authURL string) error
}

func wireApp() (*app, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	cfg, err := loadConfig(homeDir)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:            cfg,
		httpClient:     http.DefaultClient,
		now:            time.Now,
		pendingRender:  journalview.Render,
		reportRender:   journalview.RenderReport,
		openBrowserURL: printAuthorizationURL,
	}, nil
}

// session holds the components one command invocation works with. The
// journal and coordinator exist only when the command asked for them.
type session struct {
	logger      *slog.Logger
	metrics     *metrics.InmemSink
	errors      *errsink.Collector
	credentials *credentialstore.Store
	gate        *application.Gate
	journal     ports.Journal
	coordinator *application.Coordinator
}

type sessionOptions struct {
	journal bool
	flow    string
}

func (a *app) openSession(cmd *cobra.Command, opts sessionOptions) (*session, error) {
	ctx := cmd.Context()

	level, err := parseLogLevel(a.cfg.GetString(keyLogLevel))
	if err != nil {
		return nil, err
	}
	s := &session{
		logger:  slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})),
		metrics: metrics.NewInmemSink(time.Minute, time.Minute),
		errors:  errsink.NewCollector(a.cfg.GetInt(keyErrorsCollectLimit)),
	}

	secrets, err := a.secretStore()
	if err != nil {
		return nil, err
	}
	s.credentials, err = credentialstore.NewStore(a.cfg, secrets, ports.SystemClock{})
	if err != nil {
		return nil, fmt.Errorf("wire credential store: %w", err)
	}

	authorizer, authenticator, err := a.authFlow(cmd, opts.flow)
	if err != nil {
		return nil, err
	}
	s.gate, err = application.NewGate(ctx, s.credentials, authorizer, authenticator,
		application.WithGateLogger(s.logger),
		application.WithGateMetricSink(s.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("wire authentication gate: %w", err)
	}

	if !opts.journal {
		return s, nil
	}

	pool, err := buffer.NewPool(a.cfg.GetInt(keyPoolChunkSize), a.cfg.GetInt(keyPoolCapacity), buffer.WithMetricSink(s.metrics))
	if err != nil {
		return nil, fmt.Errorf("wire buffer pool: %w", err)
	}
	s.journal, err = a.openJournal(ctx, s.logger)
	if err != nil {
		return nil, err
	}
	sender, err := transport.New(transport.Options{
		BaseURL: a.cfg.GetString(keyTransportBaseURL),
		Client:  a.httpClient,
		Timeout: a.cfg.GetDuration(keyTransportTimeout),
		Logger:  s.logger,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("wire transport: %w", err), s.journal.Close())
	}

	s.coordinator = application.NewCoordinator(s.journal, codec.New(pool), s.gate, sender,
		application.CoordinatorConfig{
			MaxAttempts: a.cfg.GetInt(keyResumeMaxAttempts),
			ReuseTTL:    a.cfg.GetDuration(keyResumeReuseTTL),
			Rate:        rate.Limit(a.cfg.GetFloat64(keyResumeRate)),
			Burst:       1,
		},
		application.WithCoordinatorLogger(s.logger),
		application.WithCoordinatorMetricSink(s.metrics),
		application.WithErrorSink(errsink.Fanout{errsink.NewLog(s.logger, slog.LevelWarn), s.errors}),
	)
	return s, nil
}

func (s *session) Close() error {
	if s.journal == nil {
		return nil
	}
	return s.journal.Close()
}

func (a *app) secretStore() (ports.SecretStore, error) {
	dir := a.cfg.GetString(keySecretsDir)
	switch backend := a.cfg.GetString(keySecretsBackend); backend {
	case secretsChain:
		store, err := chainstore.NewPassFirstWithFileFallback(a.cfg.GetString(keySecretsPassPrefix), dir)
		if err != nil {
			return nil, fmt.Errorf("wire secret store chain: %w", err)
		}
		return store, nil
	case secretsFile:
		return filestore.NewStore(dir), nil
	default:
		return nil, fmt.Errorf("unsupported %s %q", keySecretsBackend, backend)
	}
}

func (a *app) openJournal(ctx context.Context, logger *slog.Logger) (ports.Journal, error) {
	path := a.cfg.GetString(keyJournalPath)
	switch backend := a.cfg.GetString(keyJournalBackend); backend {
	case backendBadger:
		journal, err := badgerjournal.Open(badgerjournal.Options{Path: path, SyncWrites: true, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("open badger journal: %w", err)
		}
		return journal, nil
	case backendSQLite:
		journal, err := sqlitejournal.Open(ctx, path, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite journal: %w", err)
		}
		return journal, nil
	default:
		return nil, fmt.Errorf("unsupported %s %q", keyJournalBackend, backend)
	}
}

func (a *app) issuer() authadapter.Issuer {
	return authadapter.Issuer{
		BaseURL:    a.cfg.GetString(keyAuthIssuer),
		ClientID:   a.cfg.GetString(keyAuthClientID),
		Scopes:     a.cfg.GetStringSlice(keyAuthScopes),
		HTTPClient: a.httpClient,
	}
}

// authFlow picks the authorizer and authenticator pair. An empty flow uses
// the configured one.
func (a *app) authFlow(cmd *cobra.Command, flow string) (ports.Authorizer, ports.Authenticator, error) {
	if flow == "" {
		flow = a.cfg.GetString(keyAuthFlow)
	}
	issuer := a.issuer()
	timeout := a.cfg.GetDuration(keyAuthTimeout)

	switch flow {
	case flowBrowser:
		authorizer := authadapter.BrowserAuthorizer{
			Issuer:     issuer,
			ListenAddr: a.cfg.GetString(keyAuthListen),
			Timeout:    timeout,
			Notify: func(authURL string) error {
				return a.openBrowserURL(cmd, authURL)
			},
		}
		return authorizer, authadapter.TokenAuthenticator{Issuer: issuer}, nil
	case flowDevice:
		authorizer := authadapter.DeviceAuthorizer{
			Issuer: issuer,
			Notify: func(code authadapter.DeviceCode) error {
				return writeLine(cmd.ErrOrStderr(), "Visit %s and enter code %s", code.VerificationURL, code.UserCode)
			},
		}
		return authorizer, authadapter.DeviceAuthenticator{Issuer: issuer, Timeout: timeout}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported auth flow %q", flow)
	}
}

func printAuthorizationURL(cmd *cobra.Command, authURL string) error {
	return writeLine(cmd.ErrOrStderr(), "Open this URL to sign in:\n%s", authURL)
}

func writeLine(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format+"\n", args...)
	return err
}

func actorLabel(actor domain.Actor) string {
	if id := domain.ActorID(actor); id != "" {
		return id
	}
	return "anonymous"
}
