package transport

import (
	"context"
	"time"
)

// Session is an authenticated session as issued by the identity provider.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// AuthProvider is the contract the external identity layer must satisfy.
// Its own login flows (magic links, password reset) are out of scope; the
// transport only consumes tokens and asks for a refresh on 401.
type AuthProvider interface {
	// IsAuthenticated reports whether a usable session exists.
	IsAuthenticated(ctx context.Context) bool

	// AccessToken returns the current access token. The second return is
	// false when no token is available; requests then proceed
	// unauthenticated and may be rejected upstream.
	AccessToken(ctx context.Context) (string, bool)

	// RefreshSession exchanges the current session for a fresh one.
	// A nil session with nil error means the provider could not refresh.
	RefreshSession(ctx context.Context) (*Session, error)
}
