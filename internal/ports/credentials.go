package ports

import (
	"context"

	"github.com/bnema/rq/internal/domain"
)

// Authorizer obtains a fresh authorization code, usually by waiting on a
// human in a browser or on another device.
type Authorizer interface {
	Authorize(ctx context.Context) (domain.AuthorizationCode, error)
}

// Authenticator exchanges a code for an authenticated actor. Every call
// consumes its code.
type Authenticator interface {
	Authenticate(ctx context.Context, code domain.AuthorizationCode) (domain.Authenticated, error)
}

// CredentialStore persists the current actor. Remembering Unauthenticated
// forgets any stored credential.
type CredentialStore interface {
	Current(ctx context.Context) (domain.Actor, error)
	Remember(ctx context.Context, actor domain.Actor) error
}
