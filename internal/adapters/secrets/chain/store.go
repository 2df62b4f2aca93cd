package chain

import (
	"context"
	"errors"
	"fmt"

	filestore "github.com/bnema/rq/internal/adapters/secrets/file"
	passstore "github.com/bnema/rq/internal/adapters/secrets/pass"
	"github.com/bnema/rq/internal/domain"
	"github.com/bnema/rq/internal/ports"
)

// Store layers secret backends in order of preference. Writes land in the
// first backend that accepts them; reads take the first backend that has
// the key; deletes reach every backend so a key never survives in a
// fallback.
type Store struct {
	backends []ports.SecretStore
}

var _ ports.SecretStore = (*Store)(nil)

var errNoBackends = errors.New("secret store chain has no backends")

func NewStore(backends ...ports.SecretStore) (*Store, error) {
	var kept []ports.SecretStore
	for i, backend := range backends {
		if backend == nil {
			return nil, fmt.Errorf("secret backend %d is nil", i)
		}
		kept = append(kept, backend)
	}
	if len(kept) == 0 {
		return nil, errNoBackends
	}
	return &Store{backends: kept}, nil
}

// NewPassFirstWithFileFallback prefers pass and falls back to plain files
// below fileRoot when pass is missing or failing.
func NewPassFirstWithFileFallback(passPrefix string, fileRoot string) (*Store, error) {
	return NewStore(passstore.NewStore(passPrefix), filestore.NewStore(fileRoot))
}

func (s *Store) Put(ctx context.Context, key string, value string) error {
	var errs []error
	for i, backend := range s.backends {
		err := backend.Put(ctx, key, value)
		if err == nil {
			return nil
		}
		if isContextError(err) {
			return err
		}
		errs = append(errs, fmt.Errorf("backend %d put: %w", i, err))
	}
	return errors.Join(errs...)
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var errs []error
	missing := 0
	for i, backend := range s.backends {
		value, err := backend.Get(ctx, key)
		if err == nil {
			return value, nil
		}
		if isContextError(err) {
			return "", err
		}
		if errors.Is(err, domain.ErrSecretNotFound) {
			missing++
		}
		errs = append(errs, fmt.Errorf("backend %d get: %w", i, err))
	}
	if missing == len(s.backends) {
		return "", fmt.Errorf("%w: %q", domain.ErrSecretNotFound, key)
	}
	return "", errors.Join(errs...)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	var errs []error
	for i, backend := range s.backends {
		err := backend.Delete(ctx, key)
		if err == nil {
			continue
		}
		if isContextError(err) {
			return err
		}
		errs = append(errs, fmt.Errorf("backend %d delete: %w", i, err))
	}
	return errors.Join(errs...)
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
