package cleanup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencreds/wallet-session-coordinator/session"
	"github.com/opencreds/wallet-session-coordinator/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingStore struct {
	name  string
	order *[]string
	panic bool
}

func (r *recordingStore) Reset() {
	*r.order = append(*r.order, r.name)
	if r.panic {
		panic("store exploded during reset")
	}
}

func TestRunClearsEverythingInOrder(t *testing.T) {
	ctx := context.Background()
	var order []string

	docs := storage.NewMemoryDocumentStore()
	require.NoError(t, docs.Put(ctx, "credentials", "c1", []byte(`{}`)))
	strategyDocs := storage.NewMemoryDocumentStore()
	require.NoError(t, strategyDocs.Put(ctx, "index", "i1", []byte(`{}`)))

	volatile := storage.NewMemoryVolatileStore()
	volatile.Set("pending_push_token", "tok")

	secure := storage.NewMemorySecureStore()
	require.NoError(t, secure.Set(ctx, session.PrivateKeyName, []byte("key")))
	aux := storage.NewMemorySecureStore()
	require.NoError(t, aux.Set(ctx, "backup_share", []byte("share")))

	users := session.NewCurrentUserStore()
	users.Set(&session.CurrentUser{UID: "u1"})

	nativeSignedOut := false

	o := NewOrchestrator(Config{
		Log:           testLogger(),
		QueryCaches:   []Resettable{&recordingStore{name: "cache", order: &order}},
		SessionStores: []Resettable{&recordingStore{name: "wallet", order: &order}},
		NativeSignOut: func(ctx context.Context) error {
			order = append(order, "native")
			nativeSignedOut = true
			return nil
		},
		TokenCache:    &recordingStore{name: "token", order: &order},
		Documents:     docs,
		CurrentUser:   users,
		Volatile:      volatile,
		Secure:        secure,
		AuxSecure:     aux,
		AuxSecureKeys: []string{"backup_share"},
		StrategyDocs:  strategyDocs,
	})

	o.Run(ctx)

	assert.Equal(t, []string{"cache", "wallet", "native", "token"}, order)
	assert.True(t, nativeSignedOut)
	assert.Equal(t, 0, docs.Len())
	assert.Equal(t, 0, strategyDocs.Len())
	_, hasUser := users.Get()
	assert.False(t, hasUser)
	assert.Equal(t, 0, secure.Len())
	assert.Equal(t, 0, aux.Len())

	// The bulk-cleared volatile store keeps exactly the onboarding flag.
	_, hasToken := volatile.Get("pending_push_token")
	assert.False(t, hasToken)
	seen, ok := volatile.Get(OnboardingSeenName)
	require.True(t, ok, "logout must not re-onboard the user")
	assert.Equal(t, "true", seen)
}

func TestFailingStepsNeverAbortTheSweep(t *testing.T) {
	ctx := context.Background()
	var order []string

	secure := storage.NewMemorySecureStore()
	require.NoError(t, secure.Set(ctx, session.PrivateKeyName, []byte("key")))
	secure.FailClear = true

	docs := storage.NewMemoryDocumentStore()
	require.NoError(t, docs.Put(ctx, "credentials", "c1", []byte(`{}`)))

	o := NewOrchestrator(Config{
		Log:         testLogger(),
		QueryCaches: []Resettable{&recordingStore{name: "cache", order: &order, panic: true}},
		NativeSignOut: func(ctx context.Context) error {
			order = append(order, "native")
			return errors.New("native layer gone")
		},
		Documents:    docs,
		Secure:       secure,
		StrategyDocs: docs,
	})

	// Panicking cache, failing sign-out, failing secure clear: the sweep
	// still reaches the last step.
	o.Run(ctx)

	assert.Equal(t, []string{"cache", "native"}, order)
	assert.Equal(t, 0, docs.Len(), "later steps must run despite earlier failures")
	assert.Equal(t, 1, secure.Len(), "the failing clear leaves the entry, but only logs")
}

func TestRunWithNothingConfigured(t *testing.T) {
	o := NewOrchestrator(Config{Log: testLogger()})
	// Must not panic on an empty configuration.
	o.Run(context.Background())
}
