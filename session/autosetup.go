package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opencreds/wallet-session-coordinator/cryptoutils"
	"github.com/opencreds/wallet-session-coordinator/interfaces"
)

// attemptTimeout bounds one acquisition attempt end to end.
const attemptTimeout = 60 * time.Second

// AutoSetup watches coordinator transitions and performs the asynchronous
// key acquisition step each non-ready state needs: key generation for setup,
// legacy extraction and re-wrap for migration, share reconstruction for
// recovery. At most one attempt runs per state episode; failed attempts wait
// for an explicit Retry, never a silent re-run.
type AutoSetup struct {
	c   *Coordinator
	log *slog.Logger

	// OnReady and OnError report terminal attempt outcomes to the embedding
	// application. Both are optional.
	OnReady func(key interfaces.PrivateKey, did interfaces.DID)
	OnError func(message string)
}

// NewAutoSetup creates the driver and subscribes it to the coordinator.
func NewAutoSetup(c *Coordinator, log *slog.Logger) *AutoSetup {
	a := &AutoSetup{c: c, log: log}
	c.Subscribe(a.handleTransition)
	return a
}

func (a *AutoSetup) handleTransition(state State) {
	switch state.Phase {
	case PhaseNeedsSetup, PhaseNeedsMigration, PhaseNeedsRecovery:
	default:
		return
	}

	if !a.c.beginAttempt(state.Episode) {
		// Another attempt for this episode is in flight; incidental
		// re-evaluations must not double it.
		return
	}

	go a.attempt(state)
}

func (a *AutoSetup) attempt(state State) {
	ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
	defer cancel()

	idToken, err := a.c.idToken(ctx)
	if err != nil {
		a.fail(state.Episode, fmt.Sprintf("could not obtain identity token: %v", err), true)
		return
	}

	switch state.Phase {
	case PhaseNeedsSetup:
		a.attemptSetup(ctx, state, idToken)
	case PhaseNeedsMigration:
		a.attemptMigration(ctx, state, idToken)
	case PhaseNeedsRecovery:
		a.attemptRecovery(ctx, state, idToken)
	}
}

// attemptSetup generates a fresh key and installs it through the strategy's
// internal install path.
func (a *AutoSetup) attemptSetup(ctx context.Context, state State, idToken string) {
	if a.c.cfg.Installer == nil {
		a.fail(state.Episode, "no key installer configured", false)
		return
	}

	key, err := cryptoutils.GeneratePrivateKey()
	if err != nil {
		a.fail(state.Episode, fmt.Sprintf("key generation failed: %v", err), true)
		return
	}

	identity, err := a.c.cfg.Deriver.DeriveIdentity(key)
	if err != nil {
		a.fail(state.Episode, fmt.Sprintf("identity derivation failed: %v", err), false)
		return
	}
	did := identity.DID()

	if err := a.c.cfg.Installer.InstallKey(ctx, idToken, state.AuthUser.UID, key, did); err != nil {
		a.fail(state.Episode, fmt.Sprintf("key installation failed: %v", err), true)
		return
	}

	a.succeed(state.Episode, key, did)
}

// attemptMigration extracts the custodial key when the episode has none yet,
// and re-wraps it under the distributed scheme once it does. Re-wrapping is
// idempotent: installing the same key twice replaces the same server record
// and reconstructs the same DID.
func (a *AutoSetup) attemptMigration(ctx context.Context, state State, idToken string) {
	if len(state.Migration.LegacyKey) == 0 {
		if a.c.cfg.Legacy == nil {
			a.fail(state.Episode, "account requires migration but no legacy extractor is configured", false)
			return
		}

		legacyKey, err := a.c.cfg.Legacy.ExtractLegacyKey(ctx, idToken, state.AuthUser.UID)
		if err != nil {
			a.fail(state.Episode, fmt.Sprintf("legacy key extraction failed: %v", err), true)
			return
		}

		// Feeding the key back re-dispatches the attempt with data present.
		a.c.supplyMigrationKey(state.Episode, legacyKey)
		return
	}

	key := interfaces.PrivateKey(state.Migration.LegacyKey)

	identity, err := a.c.cfg.Deriver.DeriveIdentity(key)
	if err != nil {
		a.fail(state.Episode, fmt.Sprintf("legacy key is not a valid private key: %v", err), false)
		return
	}
	did := identity.DID()

	if state.ExpectedDID != "" && !did.Equal(state.ExpectedDID) {
		a.fail(state.Episode, fmt.Sprintf("migrated key derives %s, account expects %s", did, state.ExpectedDID), false)
		return
	}

	if a.c.cfg.Installer == nil {
		a.fail(state.Episode, "no key installer configured", false)
		return
	}
	if err := a.c.cfg.Installer.InstallKey(ctx, idToken, state.AuthUser.UID, key, did); err != nil {
		a.fail(state.Episode, fmt.Sprintf("key re-wrap failed: %v", err), true)
		return
	}

	// Confirm the re-wrapped key reconstructs before declaring the account
	// migrated.
	reconstructed, err := a.c.cfg.Strategy.DeriveOrReconstruct(ctx, idToken, state.AuthUser.UID)
	if err != nil {
		a.fail(state.Episode, fmt.Sprintf("re-derivation after migration failed: %v", err), true)
		return
	}

	reIdentity, err := a.c.cfg.Deriver.DeriveIdentity(reconstructed)
	if err != nil || !reIdentity.DID().Equal(did) {
		a.fail(state.Episode, "re-derived key does not match the migrated identity", false)
		return
	}

	a.succeed(state.Episode, reconstructed, did)
}

// attemptRecovery reconstructs the key from the local and server shares. A
// missing local share is not a failure: the episode stays in NeedsRecovery
// waiting for device-link pairing to supply one.
func (a *AutoSetup) attemptRecovery(ctx context.Context, state State, idToken string) {
	key, err := a.c.cfg.Strategy.DeriveOrReconstruct(ctx, idToken, state.AuthUser.UID)
	if err != nil {
		if errors.Is(err, interfaces.ErrShareUnavailable) {
			a.log.Debug("No local share yet, staying in recovery", "uid", state.AuthUser.UID)
			a.c.endAttempt(state.Episode)
			return
		}
		a.fail(state.Episode, fmt.Sprintf("key reconstruction failed: %v", err), true)
		return
	}

	identity, err := a.c.cfg.Deriver.DeriveIdentity(key)
	if err != nil {
		a.fail(state.Episode, fmt.Sprintf("identity derivation failed: %v", err), false)
		return
	}
	did := identity.DID()

	if state.ExpectedDID != "" && !did.Equal(state.ExpectedDID) {
		// A key that reconstructs to the wrong identity must never be
		// silently substituted.
		a.fail(state.Episode, fmt.Sprintf("reconstructed key derives %s, account expects %s: %v",
			did, state.ExpectedDID, interfaces.ErrIdentityMismatch), false)
		return
	}

	a.succeed(state.Episode, key, did)
}

func (a *AutoSetup) succeed(episode uint64, key interfaces.PrivateKey, did interfaces.DID) {
	if !a.c.completeReady(episode, key, did) {
		a.log.Debug("Dropping stale attempt result", "episode", episode)
		return
	}
	if a.OnReady != nil {
		a.OnReady(key, did)
	}
}

func (a *AutoSetup) fail(episode uint64, message string, canRetry bool) {
	if !a.c.failIfCurrent(episode, message, canRetry) {
		a.log.Debug("Dropping stale attempt failure", "episode", episode)
		return
	}
	if a.OnError != nil {
		a.OnError(message)
	}
}
