package identity

import (
	"context"
	"strings"
	"time"
)

// Claims is the minimal identity envelope propagated across HTTP and WS.
type Claims struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
}

// Provider verifies a bearer token.
type Provider interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// Issuer mints access tokens. Production deployments receive tokens from the
// external identity service; issuers exist for local runs, smoke tools and tests.
type Issuer interface {
	Issue(userID, sessionID string, now time.Time) (token string, exp time.Time, err error)
}

// BearerToken extracts the credential from an Authorization header value.
// A bare token without the "Bearer " prefix is accepted as-is.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) >= 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, token string) (Claims, error)

// Verify implements Provider.
func (f ProviderFunc) Verify(ctx context.Context, token string) (Claims, error) {
	return f(ctx, token)
}
