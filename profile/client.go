// Package profile fetches the user's network profile and syncs device push
// tokens. Nothing here gates the session: callers treat every failure as
// absent data and retry in the background or not at all.
package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/opencreds/wallet-session-coordinator/interfaces"
)

// Profile is the network profile projection used by the session layer.
type Profile struct {
	ID          string `json:"profileId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	Image       string `json:"image,omitempty"`
}

// Client is the HTTP client for the profile service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a profile service client.
func NewClient(baseURL string, timeout ...time.Duration) *Client {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

// CachedProfileID returns the caller's profile id from the service's cheap
// lookup endpoint. The canonical profile is refetched by id afterwards.
func (c *Client) CachedProfileID(ctx context.Context, idToken string) (string, error) {
	var resp struct {
		ProfileID string `json:"profileId"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/profile/id", idToken, nil, &resp); err != nil {
		return "", err
	}
	if resp.ProfileID == "" {
		return "", interfaces.ErrNoKeyRecord
	}
	return resp.ProfileID, nil
}

// Profile fetches the canonical profile by id.
func (c *Client) Profile(ctx context.Context, idToken, profileID string) (*Profile, error) {
	var out Profile
	if err := c.doJSON(ctx, http.MethodGet, "/api/profiles/"+profileID, idToken, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SyncPushToken registers the device's push-notification token.
func (c *Client) SyncPushToken(ctx context.Context, idToken, deviceToken string) error {
	body := map[string]string{"token": deviceToken}
	return c.doJSON(ctx, http.MethodPost, "/api/profile/push-token", idToken, body, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path, idToken string, body, out any) error {
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		if err := json.NewEncoder(reqBody).Encode(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
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
		return fmt.Errorf("profile service request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
	case http.StatusNotFound:
		return interfaces.ErrNoKeyRecord
	case http.StatusUnauthorized:
		return interfaces.ErrNotAuthenticated
	default:
		return fmt.Errorf("profile service returned status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
