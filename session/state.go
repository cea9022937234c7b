// Package session implements the multi-device session coordination core: the
// SessionCoordinator state machine that turns a federated sign-in into a
// ready-to-use cryptographic identity, the AutoSetup driver performing the
// asynchronous key acquisition steps, and the Manager binding a ready state
// to a live wallet, persisted key, and network profile.
package session

import (
	"github.com/opencreds/wallet-session-coordinator/interfaces"
)

// Phase identifies the coordinator's current state variant. Exactly one is
// active at a time.
type Phase uint8

const (
	// PhaseUninitialized - no attempt made yet, or torn down by logout.
	PhaseUninitialized Phase = iota
	// PhaseNeedsSetup - authenticated but no key exists anywhere.
	PhaseNeedsSetup
	// PhaseNeedsMigration - account predates the distributed key scheme.
	PhaseNeedsMigration
	// PhaseNeedsRecovery - a distributed key exists but this device lacks its
	// local share.
	PhaseNeedsRecovery
	// PhaseReady - fully usable identity.
	PhaseReady
	// PhaseError - unrecoverable-without-retry fault.
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseNeedsSetup:
		return "needs_setup"
	case PhaseNeedsMigration:
		return "needs_migration"
	case PhaseNeedsRecovery:
		return "needs_recovery"
	case PhaseReady:
		return "ready"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// MigrationData carries the extracted legacy key during a migration episode.
// Once LegacyKey is set it is never cleared except by leaving the state.
type MigrationData struct {
	LegacyKey interfaces.LegacyKey
}

// State is the coordinator's discriminated state. Only the fields belonging
// to the active Phase are meaningful. It is created by the coordinator's
// transition function and read-only to every other component.
type State struct {
	Phase Phase

	// AuthUser is set for every authenticated phase.
	AuthUser interfaces.AuthUser

	// Migration is set during PhaseNeedsMigration.
	Migration MigrationData
	// MigrationStalled is an advisory raised when a migration episode makes
	// no progress within the grace period. It is not an error state.
	MigrationStalled bool

	// ExpectedDID is the identity on record for migration/recovery episodes.
	// A reconstructed key must derive exactly this DID.
	ExpectedDID interfaces.DID

	// PrivateKey and DID are set during PhaseReady. DID is always the pure
	// derivation of PrivateKey.
	PrivateKey interfaces.PrivateKey
	DID        interfaces.DID

	// ErrMessage and CanRetry are set during PhaseError.
	ErrMessage string
	CanRetry   bool

	// Episode increments on every phase change. Attempt latches are scoped
	// to it so a stale asynchronous result can never land in a newer state.
	Episode uint64
}

// IsLoggedIn reports whether the session holds a usable identity.
func (s State) IsLoggedIn() bool {
	return s.Phase == PhaseReady
}
