// Package keyderivation implements the pluggable key derivation strategies:
// a distributed 2-of-2 secret-sharing strategy backed by a server-held share,
// and the legacy single-factor custodial strategy kept only for migrating
// pre-existing accounts. It also provides the account classifier that routes a
// freshly authenticated account into setup, migration, or recovery.
package keyderivation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/opencreds/wallet-session-coordinator/interfaces"
)

// AccountRecord describes the server-side key record for an account.
type AccountRecord struct {
	Kind interfaces.AccountRecordKind `json:"kind"`
	// DID is the identity the account is expected to reconstruct to. Empty
	// for RecordNone.
	DID interfaces.DID `json:"did"`
}

// ShareService is the backend holding the server half of each distributed
// secret and the per-account record used for classification.
type ShareService interface {
	// AccountRecord returns the record for an account, or a RecordNone record
	// when the account has never installed a key.
	AccountRecord(ctx context.Context, idToken, uid string) (AccountRecord, error)

	// ServerShare returns the server-held share for an account.
	ServerShare(ctx context.Context, idToken, uid string) (interfaces.DeviceShare, error)

	// PutServerShare records the server share and expected DID for an
	// account, replacing any previous record. Keyed by uid, so re-installing
	// a key never creates a duplicate record.
	PutServerShare(ctx context.Context, idToken, uid string, share interfaces.DeviceShare, did interfaces.DID) error
}

// CustodialService fetches whole legacy keys from the old single-factor
// key escrow. Consumed only by the migration path.
type CustodialService interface {
	LegacyKey(ctx context.Context, idToken, uid string) (interfaces.LegacyKey, error)
}

// ShareServiceClient is the HTTP client for the share service. Requests are
// authenticated with the federated ID token as a bearer credential.
type ShareServiceClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewShareServiceClient creates a client for the share service API.
func NewShareServiceClient(baseURL string, timeout ...time.Duration) *ShareServiceClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &ShareServiceClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

type accountRecordResponse struct {
	Kind string `json:"kind"`
	DID  string `json:"did"`
}

type serverShareResponse struct {
	Share string `json:"share"` // base64 encoded
}

type putShareRequest struct {
	Share string `json:"share"` // base64 encoded
	DID   string `json:"did"`
}

// AccountRecord fetches the classification record for an account.
func (c *ShareServiceClient) AccountRecord(ctx context.Context, idToken, uid string) (AccountRecord, error) {
	var resp accountRecordResponse
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/accounts/%s/record", uid), idToken, nil, &resp); err != nil {
		return AccountRecord{}, err
	}

	record := AccountRecord{DID: interfaces.DID(resp.DID)}
	switch resp.Kind {
	case "none", "":
		record.Kind = interfaces.RecordNone
	case "legacy":
		record.Kind = interfaces.RecordLegacy
	case "distributed":
		record.Kind = interfaces.RecordDistributed
	default:
		return AccountRecord{}, fmt.Errorf("unknown account record kind %q", resp.Kind)
	}
	return record, nil
}

// ServerShare fetches the server-held share for an account.
func (c *ShareServiceClient) ServerShare(ctx context.Context, idToken, uid string) (interfaces.DeviceShare, error) {
	var resp serverShareResponse
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/accounts/%s/share", uid), idToken, nil, &resp); err != nil {
		return nil, err
	}

	share, err := base64.StdEncoding.DecodeString(resp.Share)
	if err != nil {
		return nil, fmt.Errorf("invalid share encoding: %w", err)
	}
	return interfaces.DeviceShare(share), nil
}

// PutServerShare uploads the server share and expected DID for an account.
func (c *ShareServiceClient) PutServerShare(ctx context.Context, idToken, uid string, share interfaces.DeviceShare, did interfaces.DID) error {
	req := putShareRequest{
		Share: base64.StdEncoding.EncodeToString(share),
		DID:   did.String(),
	}
	return c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/api/accounts/%s/share", uid), idToken, req, nil)
}

func (c *ShareServiceClient) doJSON(ctx context.Context, method, path, idToken string, body, out any) error {
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = &bytes.Buffer{}
		if err := json.NewEncoder(reqBody).Encode(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+idToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("share service request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
	case http.StatusNotFound:
		return interfaces.ErrNoKeyRecord
	case http.StatusUnauthorized:
		return interfaces.ErrNotAuthenticated
	default:
		return fmt.Errorf("share service returned status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
