package devicelink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opencreds/wallet-session-coordinator/cryptoutils"
	"github.com/opencreds/wallet-session-coordinator/interfaces"
)

// defaultPollInterval is how often the requester asks the relay for the
// sealed share while the QR code is on screen.
const defaultPollInterval = 2 * time.Second

// ShareSink is the slice of the derivation strategy the requester writes
// the received share into.
type ShareSink interface {
	StoreLocalKey(ctx context.Context, share interfaces.DeviceShare) error
}

// SessionInitializer re-evaluates the session once the share is in place.
type SessionInitializer interface {
	Initialize(ctx context.Context) error
}

// RelayEndpoint is a relay whose public URL can be embedded in a QR payload.
type RelayEndpoint interface {
	interfaces.Relay
	BaseURL() string
}

// Requester runs on the device that needs a share. It opens a relay session,
// renders it as a QR payload, polls for the approver's sealed share, and
// commits the opened share through the handoff store into secure storage.
// Polling never touches session state; only a committed share does, through
// the coordinator's own re-evaluation.
type Requester struct {
	relay   RelayEndpoint
	sink    ShareSink
	session SessionInitializer
	handoff HandoffStore
	log     *slog.Logger

	// PollInterval overrides the relay polling cadence. Zero means default.
	PollInterval time.Duration

	secret []byte
	link   interfaces.LinkSession
}

// NewRequester creates a requester. The handoff store may be nil, in which
// case an in-memory one is used.
func NewRequester(relay RelayEndpoint, sink ShareSink, session SessionInitializer, handoff HandoffStore, log *slog.Logger) *Requester {
	if handoff == nil {
		handoff = NewMemoryHandoff()
	}
	return &Requester{relay: relay, sink: sink, session: session, handoff: handoff, log: log}
}

// Begin opens a relay session and returns the payload to render as a QR
// code. The pairing secret is generated here and kept device-local.
func (r *Requester) Begin(ctx context.Context) (QRPayload, error) {
	secret, err := cryptoutils.NewPairingSecret()
	if err != nil {
		return QRPayload{}, fmt.Errorf("generating pairing secret: %w", err)
	}

	link, err := r.relay.CreateSession(ctx)
	if err != nil {
		return QRPayload{}, fmt.Errorf("opening pairing session: %w", err)
	}

	r.secret = secret
	r.link = link
	r.log.Info("Pairing session opened", "sessionID", link.ID, "code", link.ShortCode, "expiresAt", link.ExpiresAt)

	return QRPayload{
		SessionID: link.ID,
		ShortCode: link.ShortCode,
		RelayURL:  r.relay.BaseURL(),
		Secret:    secret,
	}, nil
}

// Await polls the relay until the approver publishes, the session expires,
// or the context is canceled. On success the opened share is committed and
// the session re-evaluated, completing recovery on this device.
func (r *Requester) Await(ctx context.Context) error {
	if len(r.secret) == 0 {
		return errors.New("pairing not started")
	}
	defer r.reset()

	// A share staged by an earlier, interrupted exchange takes precedence:
	// the relay already delivered it one-shot, so the staged copy is the
	// only one left.
	if applied, err := r.applyStaged(ctx); applied {
		return err
	}

	interval := r.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Pairing canceled", "sessionID", r.link.ID)
			return ctx.Err()
		case <-ticker.C:
		}

		sealed, err := r.relay.FetchShare(ctx, r.link.ID)
		switch {
		case err == nil:
			return r.commit(ctx, sealed)
		case errors.Is(err, interfaces.ErrShareUnavailable):
			continue
		case errors.Is(err, interfaces.ErrSessionExpired), errors.Is(err, interfaces.ErrSessionNotFound):
			r.log.Warn("Pairing session expired before approval", "sessionID", r.link.ID)
			return interfaces.ErrSessionExpired
		default:
			return fmt.Errorf("polling pairing session: %w", err)
		}
	}
}

// commit opens the sealed share, stages it, and applies it: erase the staged
// copy first, then store, then re-initialize the session.
func (r *Requester) commit(ctx context.Context, sealed []byte) error {
	share, err := cryptoutils.OpenShare(r.secret, sealed)
	if err != nil {
		// A share sealed under a different secret means the relay session
		// was crossed with another pairing. Do not retry into it.
		return fmt.Errorf("opening sealed share: %w", err)
	}

	r.handoff.Stage(share)
	cryptoutils.WipeBytes(share)

	applied, err := r.applyStaged(ctx)
	if err != nil {
		return err
	}
	if !applied {
		return errors.New("staged share vanished before apply")
	}
	return nil
}

// Resume applies a share left staged by an exchange that died between
// receipt and apply. The relay delivery is one-shot, so the staged copy is
// the only one left; call this when the requester starts, before opening a
// new pairing session. It reports whether a share was recovered.
func (r *Requester) Resume(ctx context.Context) (bool, error) {
	return r.applyStaged(ctx)
}

// applyStaged consumes the staged share, stores it, and re-evaluates the
// session. Returns false when nothing was staged.
func (r *Requester) applyStaged(ctx context.Context) (bool, error) {
	staged, ok := r.handoff.Consume()
	if !ok {
		return false, nil
	}
	defer cryptoutils.WipeBytes(staged)

	if err := r.sink.StoreLocalKey(ctx, staged); err != nil {
		return true, fmt.Errorf("storing received share: %w", err)
	}

	r.log.Info("Paired share committed")

	if r.session != nil {
		if err := r.session.Initialize(ctx); err != nil {
			return true, fmt.Errorf("re-evaluating session after pairing: %w", err)
		}
	}
	return true, nil
}

// reset discards pairing material once the exchange ends, either way.
func (r *Requester) reset() {
	cryptoutils.WipeBytes(r.secret)
	r.secret = nil
	r.handoff.Discard()
}
