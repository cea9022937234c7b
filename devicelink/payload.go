// Package devicelink implements QR-based device pairing: an already-ready
// device (the approver) hands its device share to a freshly signed-in device
// (the requester) through a relay. Only a sealed share ever crosses the
// relay; the full private key and the pairing secret never leave the two
// devices.
package devicelink

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/opencreds/wallet-session-coordinator/cryptoutils"
)

// QRPayload is what the requester renders as a QR code and the approver
// scans. The pairing secret travels only inside this payload, over the
// visual channel, never through the relay.
type QRPayload struct {
	SessionID string `json:"sid"`
	ShortCode string `json:"code"`
	RelayURL  string `json:"relay"`
	Secret    []byte `json:"secret"`
}

// Encode serializes the payload for QR rendering.
func (p QRPayload) Encode() (string, error) {
	if p.SessionID == "" || len(p.Secret) == 0 {
		return "", fmt.Errorf("incomplete pairing payload")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding pairing payload: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodePayload parses a scanned QR payload.
func DecodePayload(encoded string) (QRPayload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return QRPayload{}, fmt.Errorf("malformed pairing payload: %w", err)
	}

	var p QRPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return QRPayload{}, fmt.Errorf("malformed pairing payload: %w", err)
	}
	if p.SessionID == "" || p.RelayURL == "" {
		return QRPayload{}, fmt.Errorf("pairing payload missing session routing")
	}
	if len(p.Secret) != cryptoutils.PairingSecretSize {
		return QRPayload{}, fmt.Errorf("pairing payload secret has wrong size %d", len(p.Secret))
	}
	return p, nil
}
