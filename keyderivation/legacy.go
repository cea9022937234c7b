package keyderivation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/opencreds/wallet-session-coordinator/interfaces"
)

// LegacyStrategy is the single-factor custodial scheme. It exists only so
// pre-existing accounts can have their key extracted and re-wrapped under the
// distributed scheme; it never caches anything on the device.
type LegacyStrategy struct {
	svc CustodialService
	log *slog.Logger
}

// NewLegacyStrategy creates the custodial extraction strategy.
func NewLegacyStrategy(svc CustodialService, log *slog.Logger) *LegacyStrategy {
	return &LegacyStrategy{svc: svc, log: log}
}

// GetLocalKey always reports no share: the custodial scheme has no device
// half.
func (s *LegacyStrategy) GetLocalKey(ctx context.Context) (interfaces.DeviceShare, error) {
	return nil, interfaces.ErrShareUnavailable
}

// StoreLocalKey is not supported by the custodial scheme.
func (s *LegacyStrategy) StoreLocalKey(ctx context.Context, share interfaces.DeviceShare) error {
	return fmt.Errorf("legacy custodial strategy does not hold device shares")
}

// DeriveOrReconstruct fetches the whole custodial key from escrow.
func (s *LegacyStrategy) DeriveOrReconstruct(ctx context.Context, idToken, uid string) (interfaces.PrivateKey, error) {
	key, err := s.svc.LegacyKey(ctx, idToken, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch custodial key: %w", err)
	}

	s.log.Debug("Extracted legacy custodial key", "uid", uid)
	return interfaces.PrivateKey(key), nil
}

// ExtractLegacyKey is the migration entry point: it returns the custodial key
// so the coordinator can feed it through SetMigrationData.
func (s *LegacyStrategy) ExtractLegacyKey(ctx context.Context, idToken, uid string) (interfaces.LegacyKey, error) {
	key, err := s.svc.LegacyKey(ctx, idToken, uid)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// CustodialClient is the HTTP client for the legacy key escrow.
type CustodialClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewCustodialClient creates a client for the legacy escrow API.
func NewCustodialClient(baseURL string, timeout ...time.Duration) *CustodialClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &CustodialClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

// LegacyKey fetches the custodial key for an account.
func (c *CustodialClient) LegacyKey(ctx context.Context, idToken, uid string) (interfaces.LegacyKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/custodial/%s/key", c.baseURL, uid), bytes.NewBuffer(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+idToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("custodial service request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, interfaces.ErrNoKeyRecord
	case http.StatusUnauthorized:
		return nil, interfaces.ErrNotAuthenticated
	default:
		return nil, fmt.Errorf("custodial service returned status %d", resp.StatusCode)
	}

	var body struct {
		Key string `json:"key"` // base64 encoded
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	key, err := base64.StdEncoding.DecodeString(body.Key)
	if err != nil {
		return nil, fmt.Errorf("invalid key encoding: %w", err)
	}
	return interfaces.LegacyKey(key), nil
}
