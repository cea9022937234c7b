package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opencreds/wallet-session-coordinator/interfaces"
)

// DefaultStallGrace is how long a migration episode may run before the
// stalled advisory is raised. Long enough that normal async latency never
// flashes it.
const DefaultStallGrace = 6 * time.Second

// CleanupRunner tears down session-derived state on logout. Each step inside
// it is best-effort; Run never blocks logout on a failure.
type CleanupRunner interface {
	Run(ctx context.Context)
}

// LegacyExtractor pulls the whole custodial key out of the old single-factor
// scheme so it can be re-wrapped under the distributed one.
type LegacyExtractor interface {
	ExtractLegacyKey(ctx context.Context, idToken, uid string) (interfaces.LegacyKey, error)
}

// LocalKeyClearer is implemented by strategies that cache a device share
// locally and can erase it on logout.
type LocalKeyClearer interface {
	ClearLocalKey(ctx context.Context) error
}

// Config wires a Coordinator.
type Config struct {
	Log        *slog.Logger
	Auth       interfaces.AuthProvider
	Strategy   interfaces.KeyDerivationStrategy
	Installer  interfaces.KeyInstaller
	Legacy     LegacyExtractor
	Classifier interfaces.AccountClassifier
	Deriver    interfaces.IdentityDeriver
	Cleanup    CleanupRunner // optional

	// StallGrace overrides the migration stall grace period.
	StallGrace time.Duration
}

// Coordinator is the session state machine. It owns SessionState exclusively:
// every other component reads the state through State()/Subscribe and
// requests changes only through the public methods.
type Coordinator struct {
	mu  sync.Mutex
	cfg Config
	log *slog.Logger

	state   State
	episode uint64

	// attemptInFlight is the AutoSetup single-attempt latch for the current
	// episode. It lives inside the machine rather than in the driver so a
	// re-evaluation can never observe a half-updated latch.
	attemptInFlight bool

	handlers   []func(State)
	stallTimer *time.Timer

	unsubscribeAuth func()
}

// NewCoordinator creates the state machine and subscribes it to auth
// identity changes.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Auth == nil || cfg.Strategy == nil || cfg.Classifier == nil || cfg.Deriver == nil {
		return nil, errors.New("coordinator requires auth provider, strategy, classifier, and deriver")
	}
	if cfg.Log == nil {
		return nil, errors.New("coordinator requires a logger")
	}
	if cfg.StallGrace <= 0 {
		cfg.StallGrace = DefaultStallGrace
	}

	c := &Coordinator{
		cfg:   cfg,
		log:   cfg.Log,
		state: State{Phase: PhaseUninitialized},
	}

	c.unsubscribeAuth = cfg.Auth.Subscribe(func(user interfaces.AuthUser, signedIn bool) {
		if signedIn {
			go func() {
				if err := c.Initialize(context.Background()); err != nil {
					c.log.Warn("Re-evaluation after identity change failed", "err", err)
				}
			}()
			return
		}
		// Provider-side sign-out: the derived session is void regardless of
		// whether our own Logout initiated it.
		c.transition(State{Phase: PhaseUninitialized})
	})

	return c, nil
}

// Close cancels the auth subscription and any pending stall timer.
func (c *Coordinator) Close() {
	if c.unsubscribeAuth != nil {
		c.unsubscribeAuth()
	}
	c.mu.Lock()
	c.cancelStallTimerLocked()
	c.mu.Unlock()
}

// State returns a copy of the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers a transition handler. Handlers are invoked
// synchronously by the transition function, outside the state lock, with a
// state copy.
func (c *Coordinator) Subscribe(fn func(State)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}

// Initialize re-evaluates the session from the current auth identity,
// classifying the account into the setup, migration, or recovery path.
func (c *Coordinator) Initialize(ctx context.Context) error {
	user, signedIn := c.cfg.Auth.CurrentUser()
	if !signedIn {
		c.transition(State{Phase: PhaseUninitialized})
		return nil
	}

	c.mu.Lock()
	if c.state.Phase == PhaseReady && c.state.AuthUser.UID == user.UID {
		c.mu.Unlock()
		return nil
	}
	startEpisode := c.episode
	c.mu.Unlock()

	idToken, err := c.cfg.Auth.IDToken(ctx, false)
	if err != nil {
		if c.identityMoved(user.UID) {
			return nil
		}
		c.failIfCurrent(startEpisode, fmt.Sprintf("could not obtain identity token: %v", err), true)
		return err
	}

	kind, expectedDID, err := c.cfg.Classifier.Classify(ctx, idToken, user.UID)
	if err != nil {
		if c.identityMoved(user.UID) {
			return nil
		}
		c.failIfCurrent(startEpisode, fmt.Sprintf("account classification failed: %v", err), true)
		return err
	}

	// The classification was computed for the identity observed above. If a
	// sign-out or account switch happened while it was in flight, the result
	// is stale: the identity subscription has already moved the state, and a
	// same-phase sign-out keeps the episode, so only the identity itself can
	// tell the two apart.
	if c.identityMoved(user.UID) {
		c.log.Debug("Dropping stale classification result", "uid", user.UID)
		return nil
	}

	switch kind {
	case interfaces.RecordNone:
		c.apply(State{Phase: PhaseNeedsSetup, AuthUser: user}, &startEpisode)
	case interfaces.RecordLegacy:
		c.apply(State{Phase: PhaseNeedsMigration, AuthUser: user, ExpectedDID: expectedDID}, &startEpisode)
	case interfaces.RecordDistributed:
		c.apply(State{Phase: PhaseNeedsRecovery, AuthUser: user, ExpectedDID: expectedDID}, &startEpisode)
	default:
		return fmt.Errorf("unknown account record kind %v", kind)
	}
	return nil
}

// identityMoved reports whether the provider identity changed since uid was
// observed.
func (c *Coordinator) identityMoved(uid string) bool {
	current, signedIn := c.cfg.Auth.CurrentUser()
	return !signedIn || current.UID != uid
}

// Retry re-attempts the current non-ready state. For retryable errors the
// account is re-classified from scratch; for acquisition states the pending
// attempt is re-dispatched.
func (c *Coordinator) Retry(ctx context.Context) error {
	state := c.State()

	switch state.Phase {
	case PhaseError:
		if !state.CanRetry {
			return errors.New("current error is not retryable")
		}
		return c.Initialize(ctx)
	case PhaseNeedsSetup, PhaseNeedsMigration, PhaseNeedsRecovery:
		c.mu.Lock()
		c.state.MigrationStalled = false
		state = c.state
		handlers := c.snapshotHandlersLocked()
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(state)
		}
		return nil
	default:
		return nil
	}
}

// SetMigrationData supplies the extracted legacy key during a migration
// episode. The data is monotonic: a populated legacy key is never replaced
// by an empty one. Outside PhaseNeedsMigration the call is a no-op, so
// re-supplying the same key after the migration completed does nothing.
func (c *Coordinator) SetMigrationData(data MigrationData) {
	c.mu.Lock()
	if c.state.Phase != PhaseNeedsMigration {
		c.mu.Unlock()
		return
	}
	if len(data.LegacyKey) == 0 && len(c.state.Migration.LegacyKey) > 0 {
		c.mu.Unlock()
		return
	}
	// The attempt latch stays untouched here. When an extraction attempt is
	// running it owns the latch; supplyMigrationKey releases it and re-enters
	// here, and the notification below starts the re-wrap attempt. Releasing
	// it for an external caller would let a second attempt race the first.
	c.state.Migration = data
	state := c.state
	handlers := c.snapshotHandlersLocked()
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(state)
	}
}

// Logout tears the session down unconditionally: provider sign-out, local
// key erasure, dependent-state cleanup, and a reset to Uninitialized. Every
// step is best-effort; failures are logged, never propagated.
func (c *Coordinator) Logout(ctx context.Context) {
	if err := c.cfg.Auth.SignOut(ctx); err != nil {
		c.log.Warn("Provider sign-out failed during logout", "err", err)
	}

	if clearer, ok := c.cfg.Strategy.(LocalKeyClearer); ok {
		if err := clearer.ClearLocalKey(ctx); err != nil {
			c.log.Warn("Local share erasure failed during logout", "err", err)
		}
	}

	if c.cfg.Cleanup != nil {
		c.cfg.Cleanup.Run(ctx)
	}

	c.transition(State{Phase: PhaseUninitialized})
	c.log.Info("Session logged out")
}

// transition replaces the state. A same-phase transition for the same user
// keeps the episode, the attempt latch, and the migration data, so
// re-evaluations cannot wipe in-progress context; a phase change bumps the
// episode and re-arms everything.
func (c *Coordinator) transition(next State) {
	c.apply(next, nil)
}

// apply performs a transition, optionally refusing it when the episode moved
// since the caller observed it. Returns whether the transition landed.
func (c *Coordinator) apply(next State, requireEpisode *uint64) bool {
	c.mu.Lock()

	if requireEpisode != nil && *requireEpisode != c.episode {
		c.mu.Unlock()
		return false
	}
	if requireEpisode != nil && next.AuthUser.UID == "" {
		// The caller observed this episode; carry its identity forward.
		next.AuthUser = c.state.AuthUser
	}

	samePhase := next.Phase == c.state.Phase && next.AuthUser.UID == c.state.AuthUser.UID
	if samePhase {
		next.Episode = c.episode
		if len(next.Migration.LegacyKey) == 0 {
			next.Migration = c.state.Migration
		}
		next.MigrationStalled = c.state.MigrationStalled
	} else {
		c.episode++
		next.Episode = c.episode
		c.attemptInFlight = false
		c.cancelStallTimerLocked()

		if next.Phase == PhaseNeedsMigration {
			c.armStallTimerLocked(c.episode)
		}
	}

	c.state = next
	state := c.state
	handlers := c.snapshotHandlersLocked()
	c.mu.Unlock()

	c.log.Debug("Session state transition", "phase", state.Phase.String(), "episode", state.Episode)
	for _, fn := range handlers {
		fn(state)
	}
	return true
}

// beginAttempt claims the single-attempt latch for an episode. It returns
// false when another attempt is already in flight or the episode is stale.
func (c *Coordinator) beginAttempt(episode uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if episode != c.episode || c.attemptInFlight {
		return false
	}
	c.attemptInFlight = true
	return true
}

// endAttempt releases the latch without changing state, e.g. when a recovery
// attempt finds no local share and keeps waiting for pairing.
func (c *Coordinator) endAttempt(episode uint64) {
	c.mu.Lock()
	if episode == c.episode {
		c.attemptInFlight = false
	}
	c.mu.Unlock()
}

// completeReady lands an attempt's result, dropping it if the episode moved.
func (c *Coordinator) completeReady(episode uint64, key interfaces.PrivateKey, did interfaces.DID) bool {
	return c.apply(State{
		Phase:      PhaseReady,
		PrivateKey: key,
		DID:        did,
	}, &episode)
}

// failIfCurrent transitions to PhaseError unless the episode moved, and
// reports whether the fault landed.
func (c *Coordinator) failIfCurrent(episode uint64, message string, canRetry bool) bool {
	landed := c.apply(State{
		Phase:      PhaseError,
		ErrMessage: message,
		CanRetry:   canRetry,
	}, &episode)
	if landed {
		c.log.Error("Session fault", "message", message, "canRetry", canRetry)
	}
	return landed
}

// supplyMigrationKey is the internal path AutoSetup uses after extracting
// the custodial key. It releases the latch before notifying so the re-wrap
// attempt can start.
func (c *Coordinator) supplyMigrationKey(episode uint64, key interfaces.LegacyKey) {
	c.mu.Lock()
	if episode != c.episode || c.state.Phase != PhaseNeedsMigration {
		c.mu.Unlock()
		return
	}
	c.attemptInFlight = false
	c.mu.Unlock()

	c.SetMigrationData(MigrationData{LegacyKey: key})
}

// armStallTimerLocked starts the migration stall detector for an episode.
// Must be called with the mutex held.
func (c *Coordinator) armStallTimerLocked(episode uint64) {
	grace := c.cfg.StallGrace
	c.stallTimer = time.AfterFunc(grace, func() {
		c.mu.Lock()
		if episode != c.episode || c.state.Phase != PhaseNeedsMigration {
			c.mu.Unlock()
			return
		}
		c.state.MigrationStalled = true
		state := c.state
		handlers := c.snapshotHandlersLocked()
		c.mu.Unlock()

		c.log.Warn("Migration stalled past grace period", "grace", grace)
		for _, fn := range handlers {
			fn(state)
		}
	})
}

// cancelStallTimerLocked stops a pending stall timer. Must be called with
// the mutex held.
func (c *Coordinator) cancelStallTimerLocked() {
	if c.stallTimer != nil {
		c.stallTimer.Stop()
		c.stallTimer = nil
	}
}

// snapshotHandlersLocked must be called with the mutex held.
func (c *Coordinator) snapshotHandlersLocked() []func(State) {
	handlers := make([]func(State), len(c.handlers))
	copy(handlers, c.handlers)
	return handlers
}

// idToken fetches a token for the current identity on behalf of the driver.
func (c *Coordinator) idToken(ctx context.Context) (string, error) {
	return c.cfg.Auth.IDToken(ctx, false)
}
