package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/opencreds/wallet-session-coordinator/interfaces"
)

// VaultSecureStore implements a SecureStore using HashiCorp Vault's KV v2
// engine. Intended for server-side deployments of the relay and share
// tooling rather than end-user devices.
type VaultSecureStore struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultSecureStore creates a Vault-backed secure store.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: Vault mount path (e.g. "secret")
//   - dataPath: Path within the mount (e.g. "wallet-session")
//   - token: Vault token to authenticate with
//   - log: Structured logger for operational insights
func NewVaultSecureStore(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultSecureStore, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{Timeout: 30 * time.Second}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.TrimSuffix(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultSecureStore{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", address, mountPath, dataPath),
	}, nil
}

// secretPath builds the KV v2 data path for an entry.
func (s *VaultSecureStore) secretPath(name string) string {
	return fmt.Sprintf("%s/data/%s/%s", s.mountPath, s.dataPath, name)
}

// Get reads an entry, returning ErrShareUnavailable when absent.
func (s *VaultSecureStore) Get(ctx context.Context, name string) ([]byte, error) {
	secret, err := s.client.Logical().ReadWithContext(ctx, s.secretPath(name))
	if err != nil {
		s.log.Error("Failed to read from Vault", slog.String("name", name), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrShareUnavailable
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid data format in Vault response for %s", name)
	}

	encoded, ok := data["value"].(string)
	if !ok {
		return nil, interfaces.ErrShareUnavailable
	}

	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid encoding in Vault entry %s: %w", name, err)
	}
	return value, nil
}

// Set writes an entry through the KV v2 API.
func (s *VaultSecureStore) Set(ctx context.Context, name string, value []byte) error {
	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"value": base64.StdEncoding.EncodeToString(value),
		},
	}

	if _, err := s.client.Logical().WriteWithContext(ctx, s.secretPath(name), payload); err != nil {
		s.log.Error("Failed to write to Vault", slog.String("name", name), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

// Clear deletes all versions of an entry.
func (s *VaultSecureStore) Clear(ctx context.Context, name string) error {
	metadataPath := fmt.Sprintf("%s/metadata/%s/%s", s.mountPath, s.dataPath, name)
	if _, err := s.client.Logical().DeleteWithContext(ctx, metadataPath); err != nil {
		s.log.Error("Failed to delete from Vault", slog.String("name", name), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

// LocationURI returns the store's identifying URI.
func (s *VaultSecureStore) LocationURI() string {
	return s.locationURI
}
