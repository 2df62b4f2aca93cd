package domain

import "time"

// Actor is the current identity. It is either Unauthenticated or
// Authenticated; values are immutable and replaced as a whole.
type Actor interface {
	IsAuthenticated() bool
	isActor()
}

type Unauthenticated struct{}

func (Unauthenticated) IsAuthenticated() bool { return false }
func (Unauthenticated) isActor()              {}

type Authenticated struct {
	ID          string
	AccessToken string
	// AvatarRef points at the profile picture advertised by the issuer, if any.
	AvatarRef string
}

func (Authenticated) IsAuthenticated() bool { return true }
func (Authenticated) isActor()              {}

// ActorID returns the identity of an authenticated actor and "" otherwise.
func ActorID(actor Actor) string {
	if authenticated, ok := actor.(Authenticated); ok {
		return authenticated.ID
	}
	return ""
}

// AuthorizationCode is obtained out of band and exchanged exactly once.
type AuthorizationCode struct {
	Value string
	// Verifier and RedirectURI carry the PKCE context of the flow that
	// produced the code. Device codes leave them empty.
	Verifier    string
	RedirectURI string
	// Interval is the polling interval a device code asks for.
	Interval time.Duration
}
