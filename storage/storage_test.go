package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/opencreds/wallet-session-coordinator/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemorySecureStore_RoundTrip(t *testing.T) {
	store := NewMemorySecureStore()
	ctx := context.Background()

	_, err := store.Get(ctx, "private_key")
	assert.ErrorIs(t, err, interfaces.ErrShareUnavailable, "absent entry should report unavailable")

	require.NoError(t, store.Set(ctx, "private_key", []byte("material")))
	value, err := store.Get(ctx, "private_key")
	require.NoError(t, err)
	assert.Equal(t, []byte("material"), value)

	// The store must hold its own copy.
	value[0] = 'X'
	again, err := store.Get(ctx, "private_key")
	require.NoError(t, err)
	assert.Equal(t, []byte("material"), again)

	require.NoError(t, store.Clear(ctx, "private_key"))
	_, err = store.Get(ctx, "private_key")
	assert.ErrorIs(t, err, interfaces.ErrShareUnavailable)

	assert.NoError(t, store.Clear(ctx, "never_stored"), "clearing an absent entry is not an error")
}

func TestFileSecureStore_RoundTrip(t *testing.T) {
	store, err := NewFileSecureStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Get(ctx, "device_share")
	assert.ErrorIs(t, err, interfaces.ErrShareUnavailable)

	require.NoError(t, store.Set(ctx, "device_share", []byte{1, 2, 3}))
	value, err := store.Get(ctx, "device_share")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, value)

	require.NoError(t, store.Set(ctx, "device_share", []byte{4, 5}), "overwrite should succeed")
	value, err = store.Get(ctx, "device_share")
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, value)

	require.NoError(t, store.Clear(ctx, "device_share"))
	_, err = store.Get(ctx, "device_share")
	assert.ErrorIs(t, err, interfaces.ErrShareUnavailable)
}

func TestSecureStoreFactory_Schemes(t *testing.T) {
	factory := NewSecureStoreFactory(testLogger())

	memStore, err := factory.SecureStoreFor("mem://")
	require.NoError(t, err)
	assert.Equal(t, "mem://", memStore.LocationURI())

	fileStore, err := factory.SecureStoreFor("file://" + t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, fileStore.LocationURI(), "file://")

	s3Store, err := factory.SecureStoreFor("s3://backups/wallet?region=eu-west-1")
	require.NoError(t, err)
	assert.Contains(t, s3Store.LocationURI(), "s3://backups")

	vaultStore, err := factory.SecureStoreFor("vault://vault.local:8200/secret/wallet?token=dev")
	require.NoError(t, err)
	assert.Contains(t, vaultStore.LocationURI(), "vault://")

	_, err = factory.SecureStoreFor("vault://vault.local:8200/secret")
	assert.Error(t, err, "vault URI without data path should be rejected")

	_, err = factory.SecureStoreFor("s3://?region=eu-west-1")
	assert.Error(t, err, "s3 URI without bucket should be rejected")

	_, err = factory.SecureStoreFor("ftp://example.com")
	assert.Error(t, err, "unsupported scheme should be rejected")
}

func TestMemoryDocumentStore(t *testing.T) {
	store := NewMemoryDocumentStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "profiles", "user-1", []byte(`{"name":"a"}`)))
	require.NoError(t, store.Put(ctx, "credentials", "cred-1", []byte(`{}`)))
	assert.Equal(t, 2, store.Len())

	doc, err := store.Get(ctx, "profiles", "user-1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"name":"a"}`), doc)

	require.NoError(t, store.ClearAll(ctx))
	assert.Equal(t, 0, store.Len())
	_, err = store.Get(ctx, "profiles", "user-1")
	assert.Error(t, err)
}

func TestMemoryVolatileStore(t *testing.T) {
	store := NewMemoryVolatileStore()
	store.Set("redirect_marker", "/home")
	store.Set("chat_flag", "1")

	value, ok := store.Get("redirect_marker")
	assert.True(t, ok)
	assert.Equal(t, "/home", value)

	store.Delete("chat_flag")
	_, ok = store.Get("chat_flag")
	assert.False(t, ok)

	store.Clear()
	assert.Equal(t, 0, store.Len())
}
