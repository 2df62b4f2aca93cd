package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bnema/rq/internal/application"
)

const (
	configDirName  = ".rq"
	configFileName = "config.toml"
	envPrefix      = "RQ"

	keyJournalBackend     = "journal.backend"
	keyJournalPath        = "journal.path"
	keyPoolChunkSize      = "pool.chunk_size"
	keyPoolCapacity       = "pool.capacity"
	keyAuthIssuer         = "auth.issuer"
	keyAuthClientID       = "auth.client_id"
	keyAuthScopes         = "auth.scopes"
	keyAuthListen         = "auth.listen"
	keyAuthTimeout        = "auth.timeout"
	keyAuthFlow           = "auth.flow"
	keyTransportBaseURL   = "transport.base_url"
	keyTransportTimeout   = "transport.timeout"
	keyResumeMaxAttempts  = "resume.max_attempts"
	keyResumeRate         = "resume.rate"
	keyResumeReuseTTL     = "resume.reuse_ttl"
	keySecretsBackend     = "secrets.backend"
	keySecretsDir         = "secrets.dir"
	keySecretsPassPrefix  = "secrets.pass_prefix"
	keyLogLevel           = "log.level"
	keyErrorsCollectLimit = "errors.collect_limit"

	backendBadger = "badger"
	backendSQLite = "sqlite"

	secretsChain = "chain"
	secretsFile  = "file"

	flowBrowser = "browser"
	flowDevice  = "device"
)

// loadConfig reads ~/.rq/config.toml when it exists. RQ_* variables
// override file values, with dots in keys written as underscores.
func loadConfig(homeDir string) (*viper.Viper, error) {
	dir := filepath.Join(homeDir, configDirName)

	cfg := viper.New()
	cfg.SetConfigFile(filepath.Join(dir, configFileName))
	cfg.SetConfigType("toml")
	cfg.SetEnvPrefix(envPrefix)
	cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cfg.AutomaticEnv()

	cfg.SetDefault(keyJournalBackend, backendBadger)
	cfg.SetDefault(keyPoolChunkSize, 4096)
	cfg.SetDefault(keyPoolCapacity, 0)
	cfg.SetDefault(keyAuthIssuer, "https://auth.example.com")
	cfg.SetDefault(keyAuthClientID, "rq-cli")
	cfg.SetDefault(keyAuthScopes, []string{"openid", "profile", "offline_access"})
	cfg.SetDefault(keyAuthListen, "127.0.0.1:0")
	cfg.SetDefault(keyAuthTimeout, 5*time.Minute)
	cfg.SetDefault(keyAuthFlow, flowBrowser)
	cfg.SetDefault(keyTransportTimeout, 60*time.Second)
	cfg.SetDefault(keyResumeMaxAttempts, application.DefaultMaxAttempts)
	cfg.SetDefault(keyResumeRate, 10.0)
	cfg.SetDefault(keyResumeReuseTTL, application.DefaultReuseTTL)
	cfg.SetDefault(keySecretsBackend, secretsChain)
	cfg.SetDefault(keySecretsDir, filepath.Join(dir, "secrets"))
	cfg.SetDefault(keySecretsPassPrefix, "rq")
	cfg.SetDefault(keyLogLevel, "warn")
	cfg.SetDefault(keyErrorsCollectLimit, 100)

	if err := cfg.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if cfg.GetString(keyJournalPath) == "" {
		cfg.Set(keyJournalPath, defaultJournalPath(dir, cfg.GetString(keyJournalBackend)))
	}
	return cfg, nil
}

func defaultJournalPath(dir, backend string) string {
	if backend == backendSQLite {
		return filepath.Join(dir, "journal.db")
	}
	return filepath.Join(dir, "journal")
}

func parseLogLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, fmt.Errorf("parse %s: %w", keyLogLevel, err)
	}
	return level, nil
}
