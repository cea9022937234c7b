package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencreds/wallet-session-coordinator/authprovider"
	"github.com/opencreds/wallet-session-coordinator/cryptoutils"
	"github.com/opencreds/wallet-session-coordinator/interfaces"
	"github.com/opencreds/wallet-session-coordinator/keyderivation"
	"github.com/opencreds/wallet-session-coordinator/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAuth(t *testing.T) *authprovider.SimpleProvider {
	t.Helper()
	auth, err := authprovider.NewSimpleProvider(authprovider.Config{
		Issuer:        "https://auth.test",
		Audience:      "wallet-test",
		SigningSecret: []byte("0123456789abcdef0123456789abcdef"),
		Log:           testLogger(),
	})
	require.NoError(t, err)
	return auth
}

func waitForPhase(t *testing.T, c *Coordinator, phase Phase) State {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State().Phase == phase
	}, 5*time.Second, 5*time.Millisecond, "expected phase %s, stuck at %s", phase, c.State().Phase)
	return c.State()
}

// testRig wires a coordinator + driver over in-memory backends.
type testRig struct {
	auth     *authprovider.SimpleProvider
	svc      *keyderivation.MemoryShareService
	custody  *keyderivation.MemoryCustodialService
	local    *storage.MemorySecureStore
	strategy *keyderivation.DistributedStrategy
	coord    *Coordinator
	driver   *AutoSetup
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	log := testLogger()

	r := &testRig{
		auth:    testAuth(t),
		svc:     keyderivation.NewMemoryShareService(),
		custody: keyderivation.NewMemoryCustodialService(),
		local:   storage.NewMemorySecureStore(),
	}
	r.strategy = keyderivation.NewDistributedStrategy(r.svc, r.local, log)

	coord, err := NewCoordinator(Config{
		Log:        log,
		Auth:       r.auth,
		Strategy:   r.strategy,
		Installer:  r.strategy,
		Legacy:     keyderivation.NewLegacyStrategy(r.custody, log),
		Classifier: keyderivation.NewRecordClassifier(r.svc, log),
		Deriver:    cryptoutils.Deriver{},
	})
	require.NoError(t, err)
	t.Cleanup(coord.Close)

	r.coord = coord
	r.driver = NewAutoSetup(coord, log)
	return r
}

func TestFreshAccountSetupFlow(t *testing.T) {
	rig := newTestRig(t)

	require.NoError(t, rig.auth.SignInWithEmail(context.Background(), "user-1", "user1@example.com"))

	state := waitForPhase(t, rig.coord, PhaseReady)
	assert.Equal(t, "user-1", state.AuthUser.UID)
	require.NotEmpty(t, state.PrivateKey)
	require.NoError(t, state.DID.Validate())

	// The ready DID is the pure derivation of the ready key.
	did, err := cryptoutils.DeriveDID(state.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, did, state.DID)

	// Both halves landed: a server record and a local share.
	assert.Equal(t, 1, rig.svc.RecordCount())
	assert.Equal(t, 1, rig.local.Len())
}

func TestLegacyAccountMigrationFlow(t *testing.T) {
	rig := newTestRig(t)

	legacyKey, err := cryptoutils.GeneratePrivateKey()
	require.NoError(t, err)
	legacyDID, err := cryptoutils.DeriveDID(legacyKey)
	require.NoError(t, err)

	rig.svc.SeedLegacyRecord("user-legacy", legacyDID)
	rig.custody.SeedKey("user-legacy", interfaces.LegacyKey(legacyKey))

	require.NoError(t, rig.auth.SignInWithEmail(context.Background(), "user-legacy", "old@example.com"))

	state := waitForPhase(t, rig.coord, PhaseReady)
	assert.Equal(t, legacyDID, state.DID, "migration must preserve the account identity")
	assert.Equal(t, interfaces.PrivateKey(legacyKey), state.PrivateKey)
	assert.Equal(t, 1, rig.svc.RecordCount())

	// Re-supplying migration data after completion is a no-op.
	rig.coord.SetMigrationData(MigrationData{LegacyKey: interfaces.LegacyKey(legacyKey)})
	assert.Equal(t, PhaseReady, rig.coord.State().Phase)
	assert.Equal(t, 1, rig.svc.RecordCount())
}

func TestMigrationReinstallIsIdempotent(t *testing.T) {
	log := testLogger()
	svc := keyderivation.NewMemoryShareService()
	strategy := keyderivation.NewDistributedStrategy(svc, storage.NewMemorySecureStore(), log)

	key, err := cryptoutils.GeneratePrivateKey()
	require.NoError(t, err)
	did, err := cryptoutils.DeriveDID(key)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, strategy.InstallKey(ctx, "tok", "uid", key, did))
	require.NoError(t, strategy.InstallKey(ctx, "tok", "uid", key, did))
	assert.Equal(t, 1, svc.RecordCount(), "re-wrapping the same key must replace, not duplicate")

	reconstructed, err := strategy.DeriveOrReconstruct(ctx, "tok", "uid")
	require.NoError(t, err)
	redDID, err := cryptoutils.DeriveDID(reconstructed)
	require.NoError(t, err)
	assert.Equal(t, did, redDID)
}

func TestRecoveryWaitsForPairedShare(t *testing.T) {
	// Device A sets the account up.
	rigA := newTestRig(t)
	require.NoError(t, rigA.auth.SignInWithEmail(context.Background(), "user-2", "u2@example.com"))
	stateA := waitForPhase(t, rigA.coord, PhaseReady)

	// Device B shares the backend but has an empty secure store.
	log := testLogger()
	localB := storage.NewMemorySecureStore()
	strategyB := keyderivation.NewDistributedStrategy(rigA.svc, localB, log)
	authB := testAuth(t)
	coordB, err := NewCoordinator(Config{
		Log:        log,
		Auth:       authB,
		Strategy:   strategyB,
		Installer:  strategyB,
		Classifier: keyderivation.NewRecordClassifier(rigA.svc, log),
		Deriver:    cryptoutils.Deriver{},
	})
	require.NoError(t, err)
	t.Cleanup(coordB.Close)
	NewAutoSetup(coordB, log)

	require.NoError(t, authB.SignInWithEmail(context.Background(), "user-2", "u2@example.com"))

	// No local share: the session parks in recovery instead of erroring.
	waitForPhase(t, coordB, PhaseNeedsRecovery)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, PhaseNeedsRecovery, coordB.State().Phase)

	// Pairing hands device A's share over; a retry then reconstructs.
	share, err := rigA.strategy.GetLocalKey(context.Background())
	require.NoError(t, err)
	require.NoError(t, strategyB.StoreLocalKey(context.Background(), share))
	require.NoError(t, coordB.Retry(context.Background()))

	stateB := waitForPhase(t, coordB, PhaseReady)
	assert.Equal(t, stateA.DID, stateB.DID, "both devices must hold the same identity")
}

type stubClassifier struct {
	kind interfaces.AccountRecordKind
	did  interfaces.DID
}

func (s stubClassifier) Classify(ctx context.Context, idToken, uid string) (interfaces.AccountRecordKind, interfaces.DID, error) {
	return s.kind, s.did, nil
}

func TestRecoveryIdentityMismatchIsFatal(t *testing.T) {
	log := testLogger()
	svc := keyderivation.NewMemoryShareService()
	local := storage.NewMemorySecureStore()
	strategy := keyderivation.NewDistributedStrategy(svc, local, log)

	key, err := cryptoutils.GeneratePrivateKey()
	require.NoError(t, err)
	did, err := cryptoutils.DeriveDID(key)
	require.NoError(t, err)
	require.NoError(t, strategy.InstallKey(context.Background(), "tok", "user-3", key, did))

	auth := testAuth(t)
	coord, err := NewCoordinator(Config{
		Log:      log,
		Auth:     auth,
		Strategy: strategy,
		// The record claims a different identity than the shares rebuild.
		Classifier: stubClassifier{kind: interfaces.RecordDistributed, did: "did:pkh:eip155:1:0x0000000000000000000000000000000000000bad"},
		Deriver:    cryptoutils.Deriver{},
	})
	require.NoError(t, err)
	t.Cleanup(coord.Close)
	NewAutoSetup(coord, log)

	require.NoError(t, auth.SignInWithEmail(context.Background(), "user-3", "u3@example.com"))

	state := waitForPhase(t, coord, PhaseError)
	assert.False(t, state.CanRetry, "a wrong identity must never be retried into place")
	assert.Contains(t, state.ErrMessage, "expects")
}

// blockingStrategy counts reconstruction calls and holds them until released.
type blockingStrategy struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
	key     interfaces.PrivateKey
}

func (s *blockingStrategy) GetLocalKey(ctx context.Context) (interfaces.DeviceShare, error) {
	return interfaces.DeviceShare{1}, nil
}

func (s *blockingStrategy) StoreLocalKey(ctx context.Context, share interfaces.DeviceShare) error {
	return nil
}

func (s *blockingStrategy) DeriveOrReconstruct(ctx context.Context, idToken, uid string) (interfaces.PrivateKey, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	<-s.release
	return s.key, nil
}

func (s *blockingStrategy) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestSingleAttemptPerEpisode(t *testing.T) {
	log := testLogger()

	key, err := cryptoutils.GeneratePrivateKey()
	require.NoError(t, err)
	did, err := cryptoutils.DeriveDID(key)
	require.NoError(t, err)

	strategy := &blockingStrategy{release: make(chan struct{}), key: key}
	auth := testAuth(t)
	coord, err := NewCoordinator(Config{
		Log:        log,
		Auth:       auth,
		Strategy:   strategy,
		Classifier: stubClassifier{kind: interfaces.RecordDistributed, did: did},
		Deriver:    cryptoutils.Deriver{},
	})
	require.NoError(t, err)
	t.Cleanup(coord.Close)
	NewAutoSetup(coord, log)

	require.NoError(t, auth.SignInWithEmail(context.Background(), "user-4", "u4@example.com"))
	waitForPhase(t, coord, PhaseNeedsRecovery)

	// Pile on re-evaluations while the first attempt is stuck in flight.
	for i := 0; i < 5; i++ {
		require.NoError(t, coord.Initialize(context.Background()))
		require.NoError(t, coord.Retry(context.Background()))
	}

	require.Eventually(t, func() bool { return strategy.callCount() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, strategy.callCount(), "concurrent re-evaluations must not double the in-flight attempt")

	close(strategy.release)
	state := waitForPhase(t, coord, PhaseReady)
	assert.Equal(t, did, state.DID)
	assert.Equal(t, 1, strategy.callCount())
}

// stallingExtractor never returns until the test ends.
type stallingExtractor struct {
	done chan struct{}
}

func (s stallingExtractor) ExtractLegacyKey(ctx context.Context, idToken, uid string) (interfaces.LegacyKey, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return nil, errors.New("extraction abandoned")
}

func TestMigrationStallAdvisory(t *testing.T) {
	log := testLogger()
	extractor := stallingExtractor{done: make(chan struct{})}
	defer close(extractor.done)

	auth := testAuth(t)
	coord, err := NewCoordinator(Config{
		Log:        log,
		Auth:       auth,
		Strategy:   &blockingStrategy{release: make(chan struct{})},
		Legacy:     extractor,
		Classifier: stubClassifier{kind: interfaces.RecordLegacy, did: "did:pkh:eip155:1:0x1111111111111111111111111111111111111111"},
		Deriver:    cryptoutils.Deriver{},
		StallGrace: 30 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(coord.Close)
	NewAutoSetup(coord, log)

	require.NoError(t, auth.SignInWithEmail(context.Background(), "user-5", "u5@example.com"))
	waitForPhase(t, coord, PhaseNeedsMigration)

	require.Eventually(t, func() bool {
		return coord.State().MigrationStalled
	}, time.Second, 5*time.Millisecond, "stalled advisory should rise after the grace period")

	// Advisory only: still a migration state, not an error.
	assert.Equal(t, PhaseNeedsMigration, coord.State().Phase)
}

// recordingCleanup remembers whether Run fired and can be told to fail loudly.
type recordingCleanup struct {
	ran bool
}

func (r *recordingCleanup) Run(ctx context.Context) { r.ran = true }

func TestLogoutIsUnconditional(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.auth.SignInWithEmail(context.Background(), "user-6", "u6@example.com"))
	waitForPhase(t, rig.coord, PhaseReady)

	// Every collaborator fails; logout still lands in Uninitialized.
	rig.auth.SignOutErr = errors.New("network down")
	rig.local.FailClear = true
	cleanup := &recordingCleanup{}
	rig.coord.cfg.Cleanup = cleanup

	rig.coord.Logout(context.Background())

	state := rig.coord.State()
	assert.Equal(t, PhaseUninitialized, state.Phase)
	assert.Empty(t, state.PrivateKey)
	assert.True(t, cleanup.ran, "dependent-state cleanup must still run")
	assert.False(t, state.IsLoggedIn())
}

func TestLogoutFromAcquisitionState(t *testing.T) {
	log := testLogger()
	auth := testAuth(t)
	coord, err := NewCoordinator(Config{
		Log:        log,
		Auth:       auth,
		Strategy:   &blockingStrategy{release: make(chan struct{})},
		Classifier: stubClassifier{kind: interfaces.RecordDistributed, did: "did:pkh:eip155:1:0x2222222222222222222222222222222222222222"},
		Deriver:    cryptoutils.Deriver{},
	})
	require.NoError(t, err)
	t.Cleanup(coord.Close)
	NewAutoSetup(coord, log)

	require.NoError(t, auth.SignInWithEmail(context.Background(), "user-7", "u7@example.com"))
	waitForPhase(t, coord, PhaseNeedsRecovery)

	coord.Logout(context.Background())
	assert.Equal(t, PhaseUninitialized, coord.State().Phase)
}

func TestErrorRetryReclassifies(t *testing.T) {
	rig := newTestRig(t)

	// An unreachable backend fails classification retryably.
	rig.svc.Err = errors.New("backend unreachable")
	require.NoError(t, rig.auth.SignInWithEmail(context.Background(), "user-8", "u8@example.com"))

	state := waitForPhase(t, rig.coord, PhaseError)
	require.True(t, state.CanRetry)

	rig.svc.Err = nil
	require.NoError(t, rig.coord.Retry(context.Background()))
	waitForPhase(t, rig.coord, PhaseReady)
}

func TestProviderSignOutVoidsSession(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.auth.SignInWithEmail(context.Background(), "user-9", "u9@example.com"))
	waitForPhase(t, rig.coord, PhaseReady)

	// Sign-out observed through the provider subscription, not our Logout.
	require.NoError(t, rig.auth.SignOut(context.Background()))
	waitForPhase(t, rig.coord, PhaseUninitialized)
}

// gatedClassifier holds Classify open until released so other events can
// land in the middle of a classification.
type gatedClassifier struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedClassifier) Classify(ctx context.Context, idToken, uid string) (interfaces.AccountRecordKind, interfaces.DID, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
	case <-ctx.Done():
	}
	return interfaces.RecordNone, "", nil
}

func TestSignOutDuringClassificationIsDropped(t *testing.T) {
	log := testLogger()
	auth := testAuth(t)
	classifier := &gatedClassifier{entered: make(chan struct{}, 1), release: make(chan struct{})}
	coord, err := NewCoordinator(Config{
		Log:        log,
		Auth:       auth,
		Strategy:   &blockingStrategy{release: make(chan struct{})},
		Classifier: classifier,
		Deriver:    cryptoutils.Deriver{},
	})
	require.NoError(t, err)
	t.Cleanup(coord.Close)
	NewAutoSetup(coord, log)

	require.NoError(t, auth.SignInWithEmail(context.Background(), "user-10", "u10@example.com"))
	<-classifier.entered

	// The provider signs out while the classification is still in flight.
	// Both states are Uninitialized, so the episode alone cannot tell the
	// stale result apart from a live one.
	require.NoError(t, auth.SignOut(context.Background()))
	waitForPhase(t, coord, PhaseUninitialized)

	close(classifier.release)
	time.Sleep(50 * time.Millisecond)

	state := coord.State()
	assert.Equal(t, PhaseUninitialized, state.Phase, "a stale classification must not revive a signed-out session")
	assert.Empty(t, state.ErrMessage)
}

func TestStaleAttemptFailureSkipsErrorHook(t *testing.T) {
	rig := newTestRig(t)

	var mu sync.Mutex
	var messages []string
	rig.driver.OnError = func(msg string) {
		mu.Lock()
		messages = append(messages, msg)
		mu.Unlock()
	}

	require.NoError(t, rig.auth.SignInWithEmail(context.Background(), "user-11", "u11@example.com"))
	state := waitForPhase(t, rig.coord, PhaseReady)

	// A failure from an episode that already ended must land nowhere: no
	// phase change and no error surfaced to the application.
	rig.driver.fail(state.Episode-1, "late failure", true)

	assert.Equal(t, PhaseReady, rig.coord.State().Phase)
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, messages, "a refused failure must not reach the error hook")
}

// gatedExtractor holds the extraction open until released, then hands back
// a fixed key.
type gatedExtractor struct {
	release chan struct{}
	key     interfaces.LegacyKey
}

func (g gatedExtractor) ExtractLegacyKey(ctx context.Context, idToken, uid string) (interfaces.LegacyKey, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.key, nil
}

// countingInstaller counts installs on their way to the real installer.
type countingInstaller struct {
	mu    sync.Mutex
	calls int
	inner interfaces.KeyInstaller
}

func (c *countingInstaller) InstallKey(ctx context.Context, idToken, uid string, key interfaces.PrivateKey, did interfaces.DID) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.InstallKey(ctx, idToken, uid, key, did)
}

func (c *countingInstaller) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestExternalMigrationKeyDoesNotDoubleAttempt(t *testing.T) {
	log := testLogger()
	svc := keyderivation.NewMemoryShareService()
	strategy := keyderivation.NewDistributedStrategy(svc, storage.NewMemorySecureStore(), log)
	installer := &countingInstaller{inner: strategy}

	legacyKey, err := cryptoutils.GeneratePrivateKey()
	require.NoError(t, err)
	legacyDID, err := cryptoutils.DeriveDID(legacyKey)
	require.NoError(t, err)

	extractor := gatedExtractor{release: make(chan struct{}), key: interfaces.LegacyKey(legacyKey)}
	auth := testAuth(t)
	coord, err := NewCoordinator(Config{
		Log:        log,
		Auth:       auth,
		Strategy:   strategy,
		Installer:  installer,
		Legacy:     extractor,
		Classifier: stubClassifier{kind: interfaces.RecordLegacy, did: legacyDID},
		Deriver:    cryptoutils.Deriver{},
	})
	require.NoError(t, err)
	t.Cleanup(coord.Close)
	NewAutoSetup(coord, log)

	require.NoError(t, auth.SignInWithEmail(context.Background(), "user-12", "u12@example.com"))
	waitForPhase(t, coord, PhaseNeedsMigration)

	// Supplying the key from outside while the extraction attempt is still
	// in flight must not start a second attempt alongside it.
	coord.SetMigrationData(MigrationData{LegacyKey: interfaces.LegacyKey(legacyKey)})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, installer.callCount(), "the running extraction attempt owns this episode")

	close(extractor.release)
	state := waitForPhase(t, coord, PhaseReady)
	assert.Equal(t, legacyDID, state.DID)
	assert.Equal(t, 1, installer.callCount(), "exactly one re-wrap for the whole migration")
}

func TestPhaseStrings(t *testing.T) {
	assert.Equal(t, "ready", PhaseReady.String())
	assert.Equal(t, "needs_migration", PhaseNeedsMigration.String())
	assert.Equal(t, "unknown", Phase(99).String())
}
