package relay

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

// Client is the HTTP client for a relay server. It implements
// interfaces.Relay.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a relay client.
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

// BaseURL returns the relay endpoint this client talks to. The requester
// embeds it in the QR payload so the approver knows where to publish.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateSession implements interfaces.Relay.
func (c *Client) CreateSession(ctx context.Context) (interfaces.LinkSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/link/session", bytes.NewBuffer(nil))
	if err != nil {
		return interfaces.LinkSession{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return interfaces.LinkSession{}, fmt.Errorf("relay request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return interfaces.LinkSession{}, fmt.Errorf("relay returned status %d", resp.StatusCode)
	}

	var sess interfaces.LinkSession
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return interfaces.LinkSession{}, fmt.Errorf("failed to decode session: %w", err)
	}
	return sess, nil
}

// PublishShare implements interfaces.Relay.
func (c *Client) PublishShare(ctx context.Context, sessionID string, sealed []byte) error {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(publishShareRequest{
		Share: base64.StdEncoding.EncodeToString(sealed),
	}); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/link/session/%s/share", c.baseURL, sessionID), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("relay request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return interfaces.ErrSessionNotFound
	case http.StatusGone:
		return interfaces.ErrSessionExpired
	default:
		return fmt.Errorf("relay returned status %d", resp.StatusCode)
	}
}

// FetchShare implements interfaces.Relay.
func (c *Client) FetchShare(ctx context.Context, sessionID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/link/session/%s/share", c.baseURL, sessionID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, interfaces.ErrShareUnavailable
	case http.StatusNotFound:
		return nil, interfaces.ErrSessionNotFound
	case http.StatusGone:
		return nil, interfaces.ErrSessionExpired
	default:
		return nil, fmt.Errorf("relay returned status %d", resp.StatusCode)
	}

	var body fetchShareResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	sealed, err := base64.StdEncoding.DecodeString(body.Share)
	if err != nil {
		return nil, fmt.Errorf("invalid share encoding: %w", err)
	}
	return sealed, nil
}
