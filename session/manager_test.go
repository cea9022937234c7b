package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencreds/wallet-session-coordinator/cryptoutils"
	"github.com/opencreds/wallet-session-coordinator/profile"
	"github.com/opencreds/wallet-session-coordinator/storage"
)

// stubProfileService serves a canned profile and records push-token syncs.
type stubProfileService struct {
	mu         sync.Mutex
	profile    profile.Profile
	err        error
	pushTokens []string
}

func (s *stubProfileService) CachedProfileID(ctx context.Context, idToken string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return s.profile.ID, nil
}

func (s *stubProfileService) Profile(ctx context.Context, idToken, profileID string) (*profile.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p := s.profile
	return &p, nil
}

func (s *stubProfileService) SyncPushToken(ctx context.Context, idToken, deviceToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushTokens = append(s.pushTokens, deviceToken)
	return nil
}

func (s *stubProfileService) syncedTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pushTokens...)
}

func TestManagerBindsReadySession(t *testing.T) {
	rig := newTestRig(t)

	secure := storage.NewMemorySecureStore()
	volatile := storage.NewMemoryVolatileStore()
	volatile.Set(pendingPushTokenName, "apns-token-1")
	users := NewCurrentUserStore()
	profiles := &stubProfileService{profile: profile.Profile{ID: "prof-1", DisplayName: "Ada"}}

	mgr := NewManager(ManagerConfig{
		Log:         testLogger(),
		Coordinator: rig.coord,
		Auth:        rig.auth,
		Deriver:     cryptoutils.Deriver{},
		Secure:      secure,
		CurrentUser: users,
		Volatile:    volatile,
		Profiles:    profiles,
	})

	require.NoError(t, rig.auth.SignInWithEmail(context.Background(), "user-m1", "m1@example.com"))
	state := waitForPhase(t, rig.coord, PhaseReady)

	require.Eventually(t, mgr.WalletReady, 5*time.Second, 5*time.Millisecond)
	wallet, ok := mgr.Wallet()
	require.True(t, ok)
	assert.Equal(t, state.DID, wallet.DID())

	// The key is persisted for the next cold start.
	require.Eventually(t, func() bool { return secure.Len() == 1 }, time.Second, 5*time.Millisecond)

	user, ok := users.Get()
	require.True(t, ok)
	assert.Equal(t, "user-m1", user.UID)
	assert.Equal(t, displayColor("user-m1"), user.DisplayColor)
	assert.NotEmpty(t, user.DisplayColor)

	// Profile resolution is asynchronous and non-gating.
	require.Eventually(t, func() bool {
		prof, loading := mgr.Profile()
		return !loading && prof != nil
	}, 5*time.Second, 5*time.Millisecond)
	prof, _ := mgr.Profile()
	assert.Equal(t, "Ada", prof.DisplayName)

	// The staged push token was forwarded exactly once and consumed.
	require.Eventually(t, func() bool { return len(profiles.syncedTokens()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"apns-token-1"}, profiles.syncedTokens())
	require.Eventually(t, func() bool {
		_, staged := volatile.Get(pendingPushTokenName)
		return !staged
	}, time.Second, 5*time.Millisecond)
}

func TestManagerUnbindsOnLogout(t *testing.T) {
	rig := newTestRig(t)
	users := NewCurrentUserStore()

	mgr := NewManager(ManagerConfig{
		Log:         testLogger(),
		Coordinator: rig.coord,
		Auth:        rig.auth,
		Deriver:     cryptoutils.Deriver{},
		CurrentUser: users,
	})

	require.NoError(t, rig.auth.SignInWithEmail(context.Background(), "user-m2", "m2@example.com"))
	waitForPhase(t, rig.coord, PhaseReady)
	require.Eventually(t, mgr.WalletReady, 5*time.Second, 5*time.Millisecond)

	mgr.Logout(context.Background())
	waitForPhase(t, rig.coord, PhaseUninitialized)

	assert.False(t, mgr.WalletReady())
	assert.False(t, mgr.IsLoggedIn())
	_, ok := users.Get()
	assert.False(t, ok, "the user projection must not outlive the session")
}

func TestManagerSurvivesProfileFailure(t *testing.T) {
	rig := newTestRig(t)
	profiles := &stubProfileService{err: errors.New("profile service down")}

	mgr := NewManager(ManagerConfig{
		Log:         testLogger(),
		Coordinator: rig.coord,
		Auth:        rig.auth,
		Deriver:     cryptoutils.Deriver{},
		Profiles:    profiles,
	})

	require.NoError(t, rig.auth.SignInWithEmail(context.Background(), "user-m3", "m3@example.com"))
	waitForPhase(t, rig.coord, PhaseReady)

	// The wallet binds even though the profile never resolves.
	require.Eventually(t, mgr.WalletReady, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, loading := mgr.Profile()
		return !loading
	}, 5*time.Second, 5*time.Millisecond)
	prof, _ := mgr.Profile()
	assert.Nil(t, prof)
}

func TestDisplayColorIsDeterministic(t *testing.T) {
	assert.Equal(t, displayColor("uid-a"), displayColor("uid-a"))
	assert.Contains(t, displayPalette, displayColor("uid-b"))
}

func TestShowDeviceLinkModal(t *testing.T) {
	rig := newTestRig(t)
	mgr := NewManager(ManagerConfig{
		Log:         testLogger(),
		Coordinator: rig.coord,
		Auth:        rig.auth,
		Deriver:     cryptoutils.Deriver{},
	})

	// A no-op without an installed surface.
	mgr.ShowDeviceLinkModal()

	opened := false
	mgr.ShowDeviceLink = func() { opened = true }
	mgr.ShowDeviceLinkModal()
	assert.True(t, opened)
}
