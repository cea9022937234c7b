// Package interfaces defines the core types and narrow contracts shared by the
// session coordination components. It provides the contract between different
// components without implementation details.
package interfaces

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DID is a decentralized identifier, a deterministic public identity string
// derived from a private key.
type DID string

// String returns the identifier as a plain string.
func (d DID) String() string {
	return string(d)
}

// Validate checks that the identifier carries the did: prefix.
func (d DID) Validate() error {
	if !strings.HasPrefix(string(d), "did:") {
		return fmt.Errorf("invalid DID %q: missing did: prefix", string(d))
	}
	return nil
}

// Equal compares two identifiers for equality.
func (d DID) Equal(other DID) bool {
	return d == other
}

// PrivateKey is a raw private key. It must never be logged, transmitted whole
// over the device-link relay, or persisted in plaintext outside a SecureStore.
type PrivateKey []byte

// String masks the key material so accidental formatting never leaks it.
func (k PrivateKey) String() string {
	return fmt.Sprintf("privkey(%d bytes, redacted)", len(k))
}

// DeviceShare is one fragment of a distributed secret. It is owned by exactly
// one device's secure storage at a time logically, but may be copied
// transiently during pairing.
type DeviceShare []byte

// String masks the share material in logs.
func (s DeviceShare) String() string {
	return fmt.Sprintf("share(%d bytes, redacted)", len(s))
}

// LegacyKey is a private key produced by the old single-factor custodial
// scheme, carried only for the duration of a migration.
type LegacyKey []byte

// String masks the key material in logs.
func (k LegacyKey) String() string {
	return fmt.Sprintf("legacy key(%d bytes, redacted)", len(k))
}

// AuthUser is the projection of the federated identity. It is owned by the
// AuthProvider and read-only to the rest of the system.
type AuthUser struct {
	UID   string
	Email string
	Phone string
}

// AccountRecordKind classifies the server-side key record for an account.
type AccountRecordKind int

const (
	// RecordNone means no key record exists anywhere for the account.
	RecordNone AccountRecordKind = iota
	// RecordLegacy means a legacy-format custodial key record exists.
	RecordLegacy
	// RecordDistributed means a distributed (share-split) key record exists.
	RecordDistributed
)

func (k AccountRecordKind) String() string {
	switch k {
	case RecordNone:
		return "none"
	case RecordLegacy:
		return "legacy"
	case RecordDistributed:
		return "distributed"
	default:
		return "unknown"
	}
}

// LinkSession identifies a short-lived device pairing exchange on the relay.
// It never contains the reconstructed private key, only routing metadata.
type LinkSession struct {
	ID        string    `json:"id"`
	ShortCode string    `json:"short_code"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session lifetime has elapsed.
func (s LinkSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

var (
	// ErrNotAuthenticated is returned when an operation requires a signed-in
	// federated identity and none is present.
	ErrNotAuthenticated = errors.New("no authenticated identity")

	// ErrShareUnavailable is returned when a device share has not been stored
	// locally, or a relay session has not received its share yet.
	ErrShareUnavailable = errors.New("device share unavailable")

	// ErrSessionNotFound is returned by the relay for an unknown session id.
	ErrSessionNotFound = errors.New("link session not found")

	// ErrSessionExpired is returned when a link session's lifetime has elapsed.
	// The relay refuses late shares for an expired session.
	ErrSessionExpired = errors.New("link session expired")

	// ErrIdentityMismatch is returned when a reconstructed key derives a DID
	// that does not match the account's expected identity. It is never
	// retryable.
	ErrIdentityMismatch = errors.New("reconstructed identity does not match account")

	// ErrNoKeyRecord is returned when the share service has no record for an
	// account.
	ErrNoKeyRecord = errors.New("no key record for account")

	// ErrStoreUnavailable is returned when a storage backend is not accessible.
	ErrStoreUnavailable = errors.New("storage backend unavailable")
)

// AuthProvider is the thin wrapper over the federated identity service. The
// zero identity state is represented by CurrentUser returning false.
type AuthProvider interface {
	// CurrentUser returns the authenticated identity, if any.
	CurrentUser() (AuthUser, bool)

	// IDToken returns a token proving the current identity to backend
	// services, refreshing it when forceRefresh is set.
	IDToken(ctx context.Context, forceRefresh bool) (string, error)

	// SignOut clears the provider session. Callers treat failures as
	// non-blocking: local teardown proceeds regardless.
	SignOut(ctx context.Context) error

	// Subscribe registers a listener for identity changes. The returned
	// function cancels the subscription.
	Subscribe(func(user AuthUser, signedIn bool)) (cancel func())
}

// KeyDerivationStrategy produces or reconstructs a private key for an
// authenticated identity, and exposes the local cache holding this device's
// share of the distributed secret.
type KeyDerivationStrategy interface {
	// GetLocalKey returns the device share cached locally, or
	// ErrShareUnavailable when this device holds none.
	GetLocalKey(ctx context.Context) (DeviceShare, error)

	// StoreLocalKey caches a device share locally, e.g. one received through
	// device-link pairing.
	StoreLocalKey(ctx context.Context, share DeviceShare) error

	// DeriveOrReconstruct rebuilds the account private key from the local
	// share and its server-held counterpart.
	DeriveOrReconstruct(ctx context.Context, idToken, uid string) (PrivateKey, error)
}

// KeyInstaller is the internal install-new-key path of a derivation strategy.
// It splits a freshly generated (or migrated) key and records both halves.
// Installing the same key twice for the same account must not create duplicate
// server-side records.
type KeyInstaller interface {
	InstallKey(ctx context.Context, idToken, uid string, key PrivateKey, did DID) error
}

// Identity is the wallet/identity object derived from a private key.
type Identity interface {
	DID() DID
}

// IdentityDeriver turns a raw private key into a usable identity object. The
// derived DID is a pure deterministic function of the key.
type IdentityDeriver interface {
	DeriveIdentity(key PrivateKey) (Identity, error)
}

// AccountClassifier decides which acquisition path a freshly authenticated
// account needs. The heuristic is pluggable; the reference implementation
// consults the share service's account record.
type AccountClassifier interface {
	// Classify returns the record kind plus the DID the account is expected
	// to reconstruct to (empty for RecordNone).
	Classify(ctx context.Context, idToken, uid string) (AccountRecordKind, DID, error)
}

// Relay is the stateless intermediary passing a sealed device share between
// two devices during pairing.
type Relay interface {
	// CreateSession allocates a new short-lived pairing session.
	CreateSession(ctx context.Context) (LinkSession, error)

	// PublishShare stores a sealed share for the session. Expired sessions
	// refuse late shares with ErrSessionExpired.
	PublishShare(ctx context.Context, sessionID string, sealed []byte) error

	// FetchShare returns the sealed share for the session, removing it on
	// delivery. ErrShareUnavailable signals the approver has not published
	// yet; ErrSessionExpired signals the session is void.
	FetchShare(ctx context.Context, sessionID string) ([]byte, error)
}

// SecureStore is the encrypted device storage boundary for key material.
// The session manager is the only writer; the cleanup orchestrator is the only
// other writer, and only to erase.
type SecureStore interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Set(ctx context.Context, name string, value []byte) error
	Clear(ctx context.Context, name string) error
}

// DocumentStore is device-local relational/document storage.
type DocumentStore interface {
	Put(ctx context.Context, collection, id string, doc []byte) error
	Get(ctx context.Context, collection, id string) ([]byte, error)
	ClearAll(ctx context.Context) error
}

// VolatileStore is browser-style local/session storage cleared in bulk.
type VolatileStore interface {
	Get(name string) (string, bool)
	Set(name, value string)
	Delete(name string)
	Clear()
}
