// Package cleanup implements the logout teardown: a strictly ordered,
// best-effort sweep over every store and cache a session touches. One
// failing step never prevents the steps after it.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opencreds/wallet-session-coordinator/interfaces"
	"github.com/opencreds/wallet-session-coordinator/session"
)

// OnboardingSeenName is the volatile-store flag marking onboarding as
// already completed. Logout re-sets it so a returning user is not
// re-onboarded.
const OnboardingSeenName = "onboarding_seen"

// Resettable is an in-memory store that can be reset to its zero state.
type Resettable interface {
	Reset()
}

// Config wires an Orchestrator. Every field is optional: a nil collaborator
// skips its step.
type Config struct {
	Log *slog.Logger

	// QueryCaches are in-memory query/result caches.
	QueryCaches []Resettable

	// SessionStores are wallet- and session-derived in-memory stores.
	SessionStores []Resettable

	// NativeSignOut clears a platform-native provider session in addition
	// to the one the coordinator already signed out of.
	NativeSignOut func(ctx context.Context) error

	// TokenCache holds externally-issued bearer tokens and cached auth
	// configuration.
	TokenCache Resettable

	// Documents is the device-local document storage.
	Documents interfaces.DocumentStore

	// CurrentUser is the current-user projection.
	CurrentUser *session.CurrentUserStore

	// Volatile is the browser-style bulk-cleared storage.
	Volatile interfaces.VolatileStore

	// Secure holds the persisted private key.
	Secure interfaces.SecureStore

	// AuxSecure is an auxiliary secure-storage namespace, with the entries
	// to erase from it.
	AuxSecure     interfaces.SecureStore
	AuxSecureKeys []string

	// StrategyDocs is the document storage the key-derivation strategy
	// indexes into.
	StrategyDocs interfaces.DocumentStore
}

// Orchestrator runs the ordered teardown. The coordinator invokes it after
// provider sign-out and local share erasure, and resets state to
// uninitialized regardless of the outcome here.
type Orchestrator struct {
	cfg Config
	log *slog.Logger
}

// NewOrchestrator creates the orchestrator.
func NewOrchestrator(cfg Config) *Orchestrator {
	return &Orchestrator{cfg: cfg, log: cfg.Log}
}

// Run executes every step in order. Each step is independently recovered
// and logged; Run itself never fails.
func (o *Orchestrator) Run(ctx context.Context) {
	o.step("query caches", func() error {
		for _, cache := range o.cfg.QueryCaches {
			cache.Reset()
		}
		return nil
	})

	o.step("session stores", func() error {
		for _, store := range o.cfg.SessionStores {
			store.Reset()
		}
		return nil
	})

	o.step("native sign-out", func() error {
		if o.cfg.NativeSignOut == nil {
			return nil
		}
		return o.cfg.NativeSignOut(ctx)
	})

	o.step("token cache", func() error {
		if o.cfg.TokenCache != nil {
			o.cfg.TokenCache.Reset()
		}
		return nil
	})

	o.step("document storage", func() error {
		if o.cfg.Documents == nil {
			return nil
		}
		return o.cfg.Documents.ClearAll(ctx)
	})

	o.step("current user projection", func() error {
		if o.cfg.CurrentUser != nil {
			o.cfg.CurrentUser.Reset()
		}
		return nil
	})

	o.step("volatile storage", func() error {
		if o.cfg.Volatile != nil {
			o.cfg.Volatile.Clear()
		}
		return nil
	})

	// After the bulk clear, so the flag survives the logout.
	o.step("onboarding flag", func() error {
		if o.cfg.Volatile != nil {
			o.cfg.Volatile.Set(OnboardingSeenName, "true")
		}
		return nil
	})

	o.step("persisted private key", func() error {
		if o.cfg.Secure == nil {
			return nil
		}
		return o.cfg.Secure.Clear(ctx, session.PrivateKeyName)
	})

	o.step("auxiliary secure storage", func() error {
		if o.cfg.AuxSecure == nil {
			return nil
		}
		var firstErr error
		for _, name := range o.cfg.AuxSecureKeys {
			if err := o.cfg.AuxSecure.Clear(ctx, name); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})

	o.step("strategy document storage", func() error {
		if o.cfg.StrategyDocs == nil {
			return nil
		}
		return o.cfg.StrategyDocs.ClearAll(ctx)
	})

	o.log.Info("Logout cleanup completed")
}

// step runs one teardown step, containing both errors and panics.
func (o *Orchestrator) step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("Cleanup step panicked", "step", name, "panic", fmt.Sprintf("%v", r))
		}
	}()

	if err := fn(); err != nil {
		o.log.Warn("Cleanup step failed", "step", name, "err", err)
	}
}
