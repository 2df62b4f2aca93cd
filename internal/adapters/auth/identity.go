package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bnema/rq/internal/domain"
)

// ActorFromTokens builds the authenticated actor from a token response. The
// identity comes from the id_token subject; the token signature is trusted
// because the token was received directly from the issuer over TLS.
func ActorFromTokens(tokens Tokens) (domain.Authenticated, error) {
	if tokens.AccessToken == "" {
		return domain.Authenticated{}, errors.New("token response missing access token")
	}
	if tokens.IDToken == "" {
		return domain.Authenticated{}, errors.New("token response missing id token")
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokens.IDToken, claims); err != nil {
		return domain.Authenticated{}, fmt.Errorf("parse id token: %w", err)
	}

	subject, err := claims.GetSubject()
	if err != nil {
		return domain.Authenticated{}, fmt.Errorf("read id token subject: %w", err)
	}
	if subject == "" {
		return domain.Authenticated{}, errors.New("id token has no subject")
	}
	picture, _ := claims["picture"].(string)

	return domain.Authenticated{
		ID:          subject,
		AccessToken: tokens.AccessToken,
		AvatarRef:   picture,
	}, nil
}
