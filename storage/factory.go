package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// SecureStoreFactory creates secure-store backends from URI strings.
type SecureStoreFactory struct {
	log *slog.Logger
}

// NewSecureStoreFactory creates a new factory instance.
func NewSecureStoreFactory(log *slog.Logger) *SecureStoreFactory {
	return &SecureStoreFactory{log: log}
}

// SecureStoreFor creates a secure store from a location URI.
//
// Supported schemes:
//   - mem:// - In-memory storage, lost on exit
//   - file:// - Local filesystem storage with owner-only permissions
//   - vault:// - HashiCorp Vault KV v2 (host/mount/path, ?token= query param)
//   - s3:// - Amazon S3 or compatible object storage (?region=, ?endpoint=)
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (f *SecureStoreFactory) SecureStoreFor(locationURI string) (NamedSecureStore, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid store location URI: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "mem":
		return &namedMemoryStore{MemorySecureStore: NewMemorySecureStore()}, nil
	case "file":
		return NewFileSecureStore(u.Host+u.Path, f.log)
	case "vault":
		return f.createVaultStore(u)
	case "s3":
		return f.createS3Store(u)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", u.Scheme)
	}
}

// NamedSecureStore is a SecureStore that can report its location URI.
type NamedSecureStore interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Set(ctx context.Context, name string, value []byte) error
	Clear(ctx context.Context, name string) error
	LocationURI() string
}

// namedMemoryStore adds a location URI to the in-memory store so the factory
// can return it behind NamedSecureStore.
type namedMemoryStore struct {
	*MemorySecureStore
}

func (namedMemoryStore) LocationURI() string {
	return "mem://"
}

// createVaultStore parses vault://host:port/mount/path?token=...
func (f *SecureStoreFactory) createVaultStore(u *url.URL) (NamedSecureStore, error) {
	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(parts) < 2 {
		return nil, fmt.Errorf("vault URI must include mount and data path: %s", u.String())
	}

	scheme := "https"
	if u.Query().Get("insecure") == "true" {
		scheme = "http"
	}

	return NewVaultSecureStore(
		fmt.Sprintf("%s://%s", scheme, u.Host),
		parts[0],
		parts[1],
		u.Query().Get("token"),
		f.log,
	)
}

// createS3Store parses s3://bucket/prefix?region=...&endpoint=...
func (f *SecureStoreFactory) createS3Store(u *url.URL) (NamedSecureStore, error) {
	bucket := u.Host
	if bucket == "" {
		return nil, fmt.Errorf("s3 URI must include a bucket: %s", u.String())
	}

	region := u.Query().Get("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3SecureStore(
		bucket,
		strings.TrimPrefix(u.Path, "/"),
		region,
		u.Query().Get("endpoint"),
		accessKey,
		secretKey,
		f.log,
	)
}
