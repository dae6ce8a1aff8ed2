package cortex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials is implemented by token providers. The HTTPClient only
// consumes them: it reads the current access token, asks whether it has
// expired and refreshes it when needed. How the token was first obtained is
// up to the implementation.
type Credentials interface {
	GetCredentials(ctx context.Context) (ReadOnlyCredentials, error)
	JWTIsExpired() bool
	Refresh(ctx context.Context) (string, error)
}

// ReadOnlyCredentials is a snapshot of the token material held by a
// Credentials implementation.
type ReadOnlyCredentials struct {
	AccessToken string
}

// String never prints the token.
func (c ReadOnlyCredentials) String() string {
	if c.AccessToken == "" {
		return "ReadOnlyCredentials(access_token=<empty>)"
	}
	return "ReadOnlyCredentials(access_token=<redacted>)"
}

// RefreshFunc obtains a new access token.
type RefreshFunc func(ctx context.Context) (string, error)

// TokenCredentials holds a bearer token in memory and decides expiry from its
// JWT "exp" claim. Tokens that are not JWTs, or carry no exp claim, never
// expire from the client's point of view.
type TokenCredentials struct {
	mu          sync.RWMutex
	accessToken string
	refresh     RefreshFunc
	leeway      time.Duration
	now         func() time.Time
}

// NewTokenCredentials returns credentials seeded with accessToken. refresh may
// be nil, in which case Refresh fails with a *PartialCredentialsError.
func NewTokenCredentials(accessToken string, refresh RefreshFunc) *TokenCredentials {
	return &TokenCredentials{
		accessToken: accessToken,
		refresh:     refresh,
		leeway:      30 * time.Second,
		now:         time.Now,
	}
}

// WithLeeway sets how long before exp a token is already treated as expired.
func (c *TokenCredentials) WithLeeway(d time.Duration) *TokenCredentials {
	c.mu.Lock()
	c.leeway = d
	c.mu.Unlock()
	return c
}

// GetCredentials returns the current access token. It fails only when there
// is neither a token nor a way to refresh one.
func (c *TokenCredentials) GetCredentials(_ context.Context) (ReadOnlyCredentials, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.accessToken == "" && c.refresh == nil {
		return ReadOnlyCredentials{}, &PartialCredentialsError{Missing: "access token and refresh function"}
	}
	return ReadOnlyCredentials{AccessToken: c.accessToken}, nil
}

// JWTIsExpired reports whether the token's exp claim falls within the
// leeway. Tokens that are not JWTs or carry no exp never expire.
func (c *TokenCredentials) JWTIsExpired() bool {
	c.mu.RLock()
	token, leeway, now := c.accessToken, c.leeway, c.now
	c.mu.RUnlock()

	exp, ok := tokenExpiry(token)
	if !ok {
		return false
	}
	return !now().Add(leeway).Before(exp)
}

// Refresh obtains a new token from the refresh function and stores it.
func (c *TokenCredentials) Refresh(ctx context.Context) (string, error) {
	c.mu.RLock()
	refresh := c.refresh
	c.mu.RUnlock()
	if refresh == nil {
		return "", &PartialCredentialsError{Missing: "refresh function"}
	}

	token, err := refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh access token: %w", err)
	}
	if token == "" {
		return "", newError(KindGeneric, "refresh returned an empty access token")
	}

	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
	return token, nil
}

func (c *TokenCredentials) String() string {
	return "TokenCredentials(access_token=<redacted>)"
}

// tokenExpiry extracts the exp claim without verifying the signature; the
// client is never in a position to verify it.
func tokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
