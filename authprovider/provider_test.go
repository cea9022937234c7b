package authprovider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/opencreds/wallet-session-coordinator/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Issuer:        "https://auth.opencreds.test",
		Audience:      "wallet-session",
		TokenTTL:      5 * time.Minute,
		SigningSecret: []byte("0123456789abcdef0123456789abcdef"),
		Log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestSimpleProvider_SignInAndToken(t *testing.T) {
	provider, err := NewSimpleProvider(testConfig())
	require.NoError(t, err)
	ctx := context.Background()

	_, signedIn := provider.CurrentUser()
	assert.False(t, signedIn, "fresh provider should have no identity")

	_, err = provider.IDToken(ctx, false)
	assert.ErrorIs(t, err, interfaces.ErrNotAuthenticated)

	require.NoError(t, provider.SignInWithEmail(ctx, "user-1", "a@example.com"))
	user, signedIn := provider.CurrentUser()
	assert.True(t, signedIn)
	assert.Equal(t, "user-1", user.UID)
	assert.Equal(t, "a@example.com", user.Email)

	token, err := provider.IDToken(ctx, false)
	require.NoError(t, err)

	claims, err := VerifyIDToken(token, testConfig().SigningSecret, testConfig().Issuer)
	require.NoError(t, err, "issued token should verify")
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "a@example.com", claims.Email)

	cached, err := provider.IDToken(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, token, cached, "unexpired token should be reused")
}

func TestSimpleProvider_VerifyRejectsBadTokens(t *testing.T) {
	provider, err := NewSimpleProvider(testConfig())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, provider.SignInWithPhone(ctx, "user-2", "+15550100"))
	token, err := provider.IDToken(ctx, false)
	require.NoError(t, err)

	_, err = VerifyIDToken(token, []byte("another-secret-another-secret-xx"), testConfig().Issuer)
	assert.Error(t, err, "wrong secret must fail verification")

	_, err = VerifyIDToken(token, testConfig().SigningSecret, "https://other.issuer")
	assert.Error(t, err, "wrong issuer must fail verification")
}

func TestSimpleProvider_SubscribeAndSignOut(t *testing.T) {
	provider, err := NewSimpleProvider(testConfig())
	require.NoError(t, err)
	ctx := context.Background()

	var events []bool
	cancel := provider.Subscribe(func(_ interfaces.AuthUser, signedIn bool) {
		events = append(events, signedIn)
	})

	require.NoError(t, provider.SignInWithEmail(ctx, "user-3", "c@example.com"))
	require.NoError(t, provider.SignOut(ctx))
	assert.Equal(t, []bool{true, false}, events)

	cancel()
	require.NoError(t, provider.SignInWithEmail(ctx, "user-3", "c@example.com"))
	assert.Len(t, events, 2, "cancelled subscription should not fire")
}

func TestSimpleProvider_SignOutFailureStillClearsIdentity(t *testing.T) {
	provider, err := NewSimpleProvider(testConfig())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, provider.SignInWithEmail(ctx, "user-4", "d@example.com"))
	provider.SignOutErr = errors.New("network down")

	err = provider.SignOut(ctx)
	assert.Error(t, err)

	_, signedIn := provider.CurrentUser()
	assert.False(t, signedIn, "identity must be cleared even when sign-out fails")
}
