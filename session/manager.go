package session

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"sync"
	"time"

	"github.com/opencreds/wallet-session-coordinator/interfaces"
	"github.com/opencreds/wallet-session-coordinator/profile"
)

// PrivateKeyName is the secure-store entry holding the persisted session
// key. The cleanup orchestrator erases the same entry on logout.
const PrivateKeyName = "session_private_key"

// pendingPushTokenName is the volatile-store entry holding a push token that
// arrived before the session was ready.
const pendingPushTokenName = "pending_push_token"

// bindTimeout bounds the non-gating background work done on binding.
const bindTimeout = 30 * time.Second

// displayPalette are the deterministic cosmetic colors assigned to users.
var displayPalette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#008080",
}

// ProfileService is the slice of the profile client the manager needs.
type ProfileService interface {
	CachedProfileID(ctx context.Context, idToken string) (string, error)
	Profile(ctx context.Context, idToken, profileID string) (*profile.Profile, error)
	SyncPushToken(ctx context.Context, idToken, deviceToken string) error
}

// CurrentUser is the local projection of the signed-in user.
type CurrentUser struct {
	UID          string
	Email        string
	DisplayColor string
}

// CurrentUserStore holds the projection. The cleanup orchestrator resets it
// on logout.
type CurrentUserStore struct {
	mu   sync.Mutex
	user *CurrentUser
}

// NewCurrentUserStore creates an empty store.
func NewCurrentUserStore() *CurrentUserStore {
	return &CurrentUserStore{}
}

// Set replaces the projection.
func (s *CurrentUserStore) Set(user *CurrentUser) {
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
}

// Get returns the projection, if any.
func (s *CurrentUserStore) Get() (*CurrentUser, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil, false
	}
	user := *s.user
	return &user, true
}

// Reset clears the projection.
func (s *CurrentUserStore) Reset() {
	s.Set(nil)
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Log         *slog.Logger
	Coordinator *Coordinator
	Auth        interfaces.AuthProvider
	Deriver     interfaces.IdentityDeriver
	Secure      interfaces.SecureStore // private key persistence
	CurrentUser *CurrentUserStore
	Volatile    interfaces.VolatileStore // pending push token
	Profiles    ProfileService           // optional
}

// Manager binds a Ready coordinator state to a live identity/wallet exactly
// once per episode: it derives the wallet object, persists the key to secure
// storage, populates the current-user projection, and fetches the network
// profile in the background. When the coordinator leaves Ready the binding
// is cleared so stale identity objects cannot leak into a different-account
// session.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	mu             sync.Mutex
	bound          bool
	boundEpisode   uint64
	wallet         interfaces.Identity
	profile        *profile.Profile
	profileLoading bool

	// ShowDeviceLink is invoked by ShowDeviceLinkModal; the embedding UI
	// installs its pairing surface here.
	ShowDeviceLink func()
}

// NewManager creates the manager and subscribes it to the coordinator.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{cfg: cfg, log: cfg.Log}
	cfg.Coordinator.Subscribe(m.handleTransition)
	return m
}

func (m *Manager) handleTransition(state State) {
	if state.Phase == PhaseReady {
		m.mu.Lock()
		if m.bound {
			m.mu.Unlock()
			return
		}
		m.bound = true
		m.boundEpisode = state.Episode
		m.profileLoading = m.cfg.Profiles != nil
		m.mu.Unlock()

		go m.bind(state)
		return
	}

	m.mu.Lock()
	wasBound := m.bound
	m.bound = false
	m.wallet = nil
	m.profile = nil
	m.profileLoading = false
	m.mu.Unlock()

	if wasBound {
		if m.cfg.CurrentUser != nil {
			m.cfg.CurrentUser.Reset()
		}
		m.log.Debug("Session unbound", "phase", state.Phase.String())
	}
}

// bind performs the once-per-episode binding work. Every step past wallet
// derivation is best-effort: the session is usable without persistence or a
// resolved profile.
func (m *Manager) bind(state State) {
	ctx, cancel := context.WithTimeout(context.Background(), bindTimeout)
	defer cancel()

	identity, err := m.cfg.Deriver.DeriveIdentity(state.PrivateKey)
	if err != nil || identity == nil {
		// Non-fatal: leave the session un-bound rather than crash.
		m.log.Error("Wallet derivation failed, session left unbound", "err", err)
		return
	}

	m.mu.Lock()
	if !m.bound || m.boundEpisode != state.Episode {
		m.mu.Unlock()
		return
	}
	m.wallet = identity
	m.mu.Unlock()

	if m.cfg.Secure != nil {
		if err := m.cfg.Secure.Set(ctx, PrivateKeyName, state.PrivateKey); err != nil {
			m.log.Warn("Private key persistence failed, session continues without it", "err", err)
		}
	}

	if m.cfg.CurrentUser != nil {
		m.cfg.CurrentUser.Set(&CurrentUser{
			UID:          state.AuthUser.UID,
			Email:        state.AuthUser.Email,
			DisplayColor: displayColor(state.AuthUser.UID),
		})
	}

	if m.cfg.Profiles != nil {
		go m.fetchProfile(state.Episode)
		go m.syncPushToken()
	}

	m.log.Info("Session bound", "did", state.DID.String())
}

// fetchProfile resolves the network profile in two steps: the cached profile
// id, then the canonical profile by id. Failures leave the profile absent.
func (m *Manager) fetchProfile(episode uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), bindTimeout)
	defer cancel()

	defer func() {
		m.mu.Lock()
		m.profileLoading = false
		m.mu.Unlock()
	}()

	idToken, err := m.cfg.Auth.IDToken(ctx, false)
	if err != nil {
		m.log.Warn("Profile fetch skipped, no identity token", "err", err)
		return
	}

	profileID, err := m.cfg.Profiles.CachedProfileID(ctx, idToken)
	if err != nil {
		m.log.Warn("Profile id lookup failed", "err", err)
		return
	}

	prof, err := m.cfg.Profiles.Profile(ctx, idToken, profileID)
	if err != nil {
		m.log.Warn("Profile fetch failed", "profileID", profileID, "err", err)
		return
	}

	m.mu.Lock()
	if m.bound && m.boundEpisode == episode {
		m.profile = prof
	}
	m.mu.Unlock()
}

// syncPushToken forwards a pending device push token, if one is staged.
func (m *Manager) syncPushToken() {
	if m.cfg.Volatile == nil {
		return
	}
	deviceToken, ok := m.cfg.Volatile.Get(pendingPushTokenName)
	if !ok || deviceToken == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), bindTimeout)
	defer cancel()

	idToken, err := m.cfg.Auth.IDToken(ctx, false)
	if err != nil {
		m.log.Warn("Push token sync skipped, no identity token", "err", err)
		return
	}

	if err := m.cfg.Profiles.SyncPushToken(ctx, idToken, deviceToken); err != nil {
		m.log.Warn("Push token sync failed", "err", err)
		return
	}
	m.cfg.Volatile.Delete(pendingPushTokenName)
}

// State returns the coordinator's current state.
func (m *Manager) State() State {
	return m.cfg.Coordinator.State()
}

// Wallet returns the bound identity object, if the session is bound.
func (m *Manager) Wallet() (interfaces.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wallet, m.wallet != nil
}

// WalletReady reports whether a wallet is bound.
func (m *Manager) WalletReady() bool {
	_, ok := m.Wallet()
	return ok
}

// IsLoggedIn reports whether the coordinator holds a usable identity.
func (m *Manager) IsLoggedIn() bool {
	return m.State().IsLoggedIn()
}

// Profile returns the fetched network profile and whether a fetch is still
// in flight. Profile fields default to absent while loading.
func (m *Manager) Profile() (*profile.Profile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile, m.profileLoading
}

// Initialize delegates to the coordinator.
func (m *Manager) Initialize(ctx context.Context) error {
	return m.cfg.Coordinator.Initialize(ctx)
}

// Retry delegates to the coordinator.
func (m *Manager) Retry(ctx context.Context) error {
	return m.cfg.Coordinator.Retry(ctx)
}

// Logout delegates to the coordinator.
func (m *Manager) Logout(ctx context.Context) {
	m.cfg.Coordinator.Logout(ctx)
}

// ShowDeviceLinkModal opens the pairing surface installed by the embedding
// application. A no-op when none is installed.
func (m *Manager) ShowDeviceLinkModal() {
	if m.ShowDeviceLink != nil {
		m.ShowDeviceLink()
	}
}

// displayColor deterministically assigns a cosmetic color to a user.
func displayColor(uid string) string {
	sum := sha256.Sum256([]byte(uid))
	return displayPalette[int(sum[0])%len(displayPalette)]
}
