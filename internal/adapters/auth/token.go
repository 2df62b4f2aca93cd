package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/bnema/rq/internal/domain"
	"github.com/bnema/rq/internal/ports"
)

// TokenAuthenticator redeems codes produced by BrowserAuthorizer.
type TokenAuthenticator struct {
	Issuer Issuer
}

var _ ports.Authenticator = TokenAuthenticator{}

func (a TokenAuthenticator) Authenticate(ctx context.Context, code domain.AuthorizationCode) (domain.Authenticated, error) {
	if err := a.Issuer.validate(); err != nil {
		return domain.Authenticated{}, err
	}
	if code.Value == "" {
		return domain.Authenticated{}, errors.New("authorization code is required")
	}
	if code.Verifier == "" {
		return domain.Authenticated{}, errors.New("code verifier is required")
	}
	if code.RedirectURI == "" {
		return domain.Authenticated{}, errors.New("redirect uri is required")
	}

	values := url.Values{}
	values.Set("grant_type", "authorization_code")
	values.Set("code", code.Value)
	values.Set("redirect_uri", code.RedirectURI)
	values.Set("client_id", a.Issuer.ClientID)
	values.Set("code_verifier", code.Verifier)

	var tokens Tokens
	if err := a.Issuer.postForm(ctx, tokenPath, values, &tokens); err != nil {
		return domain.Authenticated{}, fmt.Errorf("exchange authorization code: %w", err)
	}
	return ActorFromTokens(tokens)
}
