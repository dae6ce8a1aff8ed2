package cortex

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mintToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "tester",
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

func TestTokenCredentials_Expiry(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		token   string
		leeway  time.Duration
		expired bool
	}{
		{name: "valid", token: mintToken(t, now.Add(time.Hour)), expired: false},
		{name: "expired", token: mintToken(t, now.Add(-time.Minute)), expired: true},
		{name: "within leeway", token: mintToken(t, now.Add(10*time.Second)), leeway: 30 * time.Second, expired: true},
		{name: "opaque token", token: "not-a-jwt", expired: false},
		{name: "empty", token: "", expired: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds := NewTokenCredentials(tt.token, nil).WithLeeway(tt.leeway)
			creds.now = func() time.Time { return now }
			assert.Equal(t, tt.expired, creds.JWTIsExpired())
		})
	}
}

func TestTokenCredentials_Refresh(t *testing.T) {
	calls := 0
	creds := NewTokenCredentials("old", func(context.Context) (string, error) {
		calls++
		return "new", nil
	})

	token, err := creds.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", token)
	assert.Equal(t, 1, calls)

	ro, err := creds.GetCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", ro.AccessToken)
}

func TestTokenCredentials_RefreshErrors(t *testing.T) {
	_, err := NewTokenCredentials("tok", nil).Refresh(context.Background())
	var partial *PartialCredentialsError
	assert.ErrorAs(t, err, &partial)

	cause := errors.New("idp down")
	_, err = NewTokenCredentials("", func(context.Context) (string, error) { return "", cause }).Refresh(context.Background())
	assert.ErrorIs(t, err, cause)

	_, err = NewTokenCredentials("", func(context.Context) (string, error) { return "", nil }).Refresh(context.Background())
	assert.ErrorIs(t, err, ErrCortex)
}

func TestTokenCredentials_Partial(t *testing.T) {
	_, err := NewTokenCredentials("", nil).GetCredentials(context.Background())
	var partial *PartialCredentialsError
	require.ErrorAs(t, err, &partial)
	assert.ErrorIs(t, err, ErrCortex)
}

func TestCredentials_StringRedacted(t *testing.T) {
	creds := NewTokenCredentials("super-secret", nil)
	assert.NotContains(t, creds.String(), "super-secret")
	assert.NotContains(t, ReadOnlyCredentials{AccessToken: "super-secret"}.String(), "super-secret")
}
