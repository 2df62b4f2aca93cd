package toml

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/bnema/rq/internal/domain"
	"github.com/bnema/rq/internal/ports"
)

const (
	PathKey = "credentials.path"

	fileMode        = 0o600
	dirMode         = 0o700
	configDir       = ".rq"
	credentialsFile = "credentials.toml"
	tempFilePattern = ".credentials-*.toml.tmp"
)

// Store remembers the current actor. Metadata lives in a TOML file; the
// access token lives in a secret store and the file only references it.
type Store struct {
	path    string
	secrets ports.SecretStore
	clock   ports.Clock
	mu      *sync.RWMutex
	rename  func(oldpath, newpath string) error
}

var (
	lockRegistryMu sync.Mutex
	pathLockMap    = map[string]*sync.RWMutex{}
)

var _ ports.CredentialStore = (*Store)(nil)

func NewStore(cfg *viper.Viper, secrets ports.SecretStore, clock ports.Clock) (*Store, error) {
	if secrets == nil {
		return nil, errors.New("secret store is nil")
	}
	if cfg == nil {
		cfg = viper.New()
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	cfg.SetDefault(PathKey, filepath.Join(homeDir, configDir, credentialsFile))

	path := cfg.GetString(PathKey)
	if path == "" {
		return nil, errors.New("credentials path is empty")
	}
	path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials path: %w", err)
	}
	path = filepath.Clean(path)

	return &Store{path: path, secrets: secrets, clock: clock, mu: lockForPath(path), rename: os.Rename}, nil
}

func (s *Store) Path() string {
	return s.path
}

// Current returns the remembered actor. A file whose token has gone missing
// from the secret store reads as Unauthenticated.
func (s *Store) Current(ctx context.Context) (domain.Actor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	file, err := s.readSchema()
	if err != nil {
		return nil, err
	}
	if file.Actor == nil || file.Actor.ID == "" {
		return domain.Unauthenticated{}, nil
	}

	token, err := s.secrets.Get(ctx, file.Actor.SecretRef)
	if errors.Is(err, domain.ErrSecretNotFound) {
		return domain.Unauthenticated{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load access token: %w", err)
	}

	return domain.Authenticated{
		ID:          file.Actor.ID,
		AccessToken: token,
		AvatarRef:   file.Actor.AvatarRef,
	}, nil
}

// Remember persists actor. Remembering Unauthenticated forgets the stored
// actor and deletes its token.
func (s *Store) Remember(ctx context.Context, actor domain.Actor) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch a := actor.(type) {
	case domain.Authenticated:
		return s.remember(ctx, a)
	case domain.Unauthenticated, nil:
		return s.forget(ctx)
	default:
		return fmt.Errorf("remember actor: unsupported actor %T", actor)
	}
}

func (s *Store) remember(ctx context.Context, actor domain.Authenticated) error {
	if actor.ID == "" {
		return errors.New("actor id is required")
	}
	if actor.AccessToken == "" {
		return errors.New("access token is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.readSchema()
	if err != nil {
		return err
	}

	ref := SecretRef(actor.ID)
	previousToken, err := s.secrets.Get(ctx, ref)
	hadPrevious := err == nil
	if err != nil && !errors.Is(err, domain.ErrSecretNotFound) {
		return fmt.Errorf("load previous access token: %w", err)
	}

	if err := s.secrets.Put(ctx, ref, actor.AccessToken); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}

	previous := file.Actor
	file.Actor = &actorSchema{
		ID:        actor.ID,
		AvatarRef: actor.AvatarRef,
		SecretRef: ref,
		UpdatedAt: s.clock.Now().UTC().Format(time.RFC3339),
	}
	if err := s.writeSchema(file); err != nil {
		return errors.Join(err, s.rollback(ctx, ref, previousToken, hadPrevious))
	}

	if previous != nil && previous.SecretRef != "" && previous.SecretRef != ref {
		if err := s.secrets.Delete(ctx, previous.SecretRef); err != nil {
			return fmt.Errorf("delete previous access token: %w", err)
		}
	}
	return nil
}

func (s *Store) rollback(ctx context.Context, ref string, previousToken string, hadPrevious bool) error {
	// The metadata write already failed; the rollback must still run.
	ctx = context.WithoutCancel(ctx)
	if hadPrevious {
		if err := s.secrets.Put(ctx, ref, previousToken); err != nil {
			return fmt.Errorf("rollback restore access token: %w", err)
		}
		return nil
	}
	if err := s.secrets.Delete(ctx, ref); err != nil {
		return fmt.Errorf("rollback delete access token: %w", err)
	}
	return nil
}

func (s *Store) forget(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.readSchema()
	if err != nil {
		return err
	}
	if file.Actor == nil {
		return nil
	}

	ref := file.Actor.SecretRef
	file.Actor = nil
	if err := s.writeSchema(file); err != nil {
		return err
	}
	if ref == "" {
		return nil
	}
	if err := s.secrets.Delete(ctx, ref); err != nil {
		return fmt.Errorf("delete access token: %w", err)
	}
	return nil
}

// SecretRef is the secret store key holding the access token of actorID.
func SecretRef(actorID string) string {
	return "actors/" + url.PathEscape(actorID) + "/access_token"
}

func (s *Store) readSchema() (fileSchema, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return fileSchema{Version: currentSchemaVersion}, nil
	}
	if err != nil {
		return fileSchema{}, fmt.Errorf("read credentials file: %w", err)
	}

	var file fileSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return fileSchema{}, fmt.Errorf("decode credentials file: %w", err)
	}
	if err := file.validateVersion(); err != nil {
		return fileSchema{}, err
	}
	file.applyDefaults()

	return file, nil
}

func (s *Store) writeSchema(file fileSchema) error {
	file.applyDefaults()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode credentials file: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp credentials file: %w", err)
	}
	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if err := tempFile.Chmod(fileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp credentials file: %w", err)
	}
	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp credentials file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp credentials file: %w", err)
	}
	if err := s.rename(tempName, s.path); err != nil {
		return fmt.Errorf("replace credentials file: %w", err)
	}
	cleanup = false

	return nil
}

func lockForPath(path string) *sync.RWMutex {
	lockRegistryMu.Lock()
	defer lockRegistryMu.Unlock()

	if mu, ok := pathLockMap[path]; ok {
		return mu
	}
	mu := &sync.RWMutex{}
	pathLockMap[path] = mu
	return mu
}
