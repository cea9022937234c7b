package devicelink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opencreds/wallet-session-coordinator/cryptoutils"
	"github.com/opencreds/wallet-session-coordinator/interfaces"
)

// ErrNotConfirmed is returned when the approval gate rejects the pairing.
var ErrNotConfirmed = errors.New("pairing not confirmed")

// LocalShareSource is the slice of the derivation strategy the approver
// reads from. It only ever sees the device share, never the full key.
type LocalShareSource interface {
	GetLocalKey(ctx context.Context) (interfaces.DeviceShare, error)
}

// Approver runs on the device that already holds a working session. It
// publishes this device's share, sealed under the scanned pairing secret,
// to the relay session the requester opened.
type Approver struct {
	relay  interfaces.Relay
	shares LocalShareSource
	log    *slog.Logger

	// Confirm gates the handover, typically a user prompt showing the
	// session short code. A nil gate approves unconditionally.
	Confirm func(session QRPayload) bool
}

// NewApprover creates an approver over a relay and a local share source.
func NewApprover(relay interfaces.Relay, shares LocalShareSource, log *slog.Logger) *Approver {
	return &Approver{relay: relay, shares: shares, log: log}
}

// Approve seals this device's share under the payload's pairing secret and
// publishes it. The approver's own session is untouched either way.
func (a *Approver) Approve(ctx context.Context, payload QRPayload) error {
	if a.Confirm != nil && !a.Confirm(payload) {
		a.log.Info("Pairing declined", "sessionID", payload.SessionID, "code", payload.ShortCode)
		return ErrNotConfirmed
	}

	share, err := a.shares.GetLocalKey(ctx)
	if err != nil {
		return fmt.Errorf("reading local share for pairing: %w", err)
	}
	defer cryptoutils.WipeBytes(share)

	sealed, err := cryptoutils.SealShare(payload.Secret, share)
	if err != nil {
		return fmt.Errorf("sealing share for transit: %w", err)
	}

	if err := a.relay.PublishShare(ctx, payload.SessionID, sealed); err != nil {
		return fmt.Errorf("publishing sealed share: %w", err)
	}

	a.log.Info("Share published for pairing", "sessionID", payload.SessionID, "code", payload.ShortCode)
	return nil
}

// ApproveScanned decodes a raw scanned QR string and approves it.
func (a *Approver) ApproveScanned(ctx context.Context, encoded string) error {
	payload, err := DecodePayload(encoded)
	if err != nil {
		return err
	}
	return a.Approve(ctx, payload)
}
