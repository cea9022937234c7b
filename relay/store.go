// Package relay implements the stateless intermediary that passes a sealed
// device share between two devices during pairing. Sessions are short-lived,
// identified by a server-assigned id plus a human short code, and refuse late
// shares once expired. The relay only ever sees sealed shares: the sealing
// secret travels in the QR payload, never through the relay.
package relay

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencreds/wallet-session-coordinator/interfaces"
)

// DefaultSessionTTL is how long a pairing session stays valid.
const DefaultSessionTTL = 5 * time.Minute

const shortCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
const shortCodeLength = 6

// linkSession is the relay-side state for one pairing exchange.
type linkSession struct {
	meta   interfaces.LinkSession
	sealed []byte
}

// Store is an in-memory session store implementing interfaces.Relay
// directly. It backs the HTTP handler and doubles as an in-process relay for
// tests and single-binary deployments.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*linkSession
	ttl      time.Duration
	log      *slog.Logger
	now      func() time.Time

	stopJanitor chan struct{}
	stopOnce    sync.Once
}

// NewStore creates a session store and starts its expiry janitor.
func NewStore(ttl time.Duration, log *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	store := &Store{
		sessions:    make(map[string]*linkSession),
		ttl:         ttl,
		log:         log,
		now:         time.Now,
		stopJanitor: make(chan struct{}),
	}
	go store.janitorLoop()
	return store
}

// Close stops the expiry janitor.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopJanitor) })
}

func (s *Store) janitorLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepExpired()
		case <-s.stopJanitor:
			return
		}
	}
}

func (s *Store) sweepExpired() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sess := range s.sessions {
		// Expired entries linger one sweep so late publishers get a
		// deliberate expiry error instead of not-found.
		if now.After(sess.meta.ExpiresAt.Add(s.ttl)) {
			delete(s.sessions, id)
		}
	}
}

func newShortCode() (string, error) {
	buf := make([]byte, shortCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate short code: %w", err)
	}
	for i := range buf {
		buf[i] = shortCodeAlphabet[int(buf[i])%len(shortCodeAlphabet)]
	}
	return string(buf), nil
}

// CreateSession implements interfaces.Relay.
func (s *Store) CreateSession(ctx context.Context) (interfaces.LinkSession, error) {
	shortCode, err := newShortCode()
	if err != nil {
		return interfaces.LinkSession{}, err
	}

	now := s.now()
	meta := interfaces.LinkSession{
		ID:        uuid.Must(uuid.NewRandom()).String(),
		ShortCode: shortCode,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.sessions[meta.ID] = &linkSession{meta: meta}
	s.mu.Unlock()

	s.log.Info("Created link session", "sessionID", meta.ID, "expiresAt", meta.ExpiresAt)
	return meta, nil
}

// PublishShare implements interfaces.Relay. Shares published after expiry are
// refused.
func (s *Store) PublishShare(ctx context.Context, sessionID string, sealed []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return interfaces.ErrSessionNotFound
	}
	if sess.meta.Expired(s.now()) {
		return interfaces.ErrSessionExpired
	}

	stored := make([]byte, len(sealed))
	copy(stored, sealed)
	sess.sealed = stored

	s.log.Info("Share published to link session", "sessionID", sessionID)
	return nil
}

// FetchShare implements interfaces.Relay. Delivery is one-shot: the sealed
// share is removed from the store on the delivering fetch, and an expired
// session never delivers even if a share was published before expiry.
func (s *Store) FetchShare(ctx context.Context, sessionID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	if sess.meta.Expired(s.now()) {
		return nil, interfaces.ErrSessionExpired
	}
	if sess.sealed == nil {
		return nil, interfaces.ErrShareUnavailable
	}

	sealed := sess.sealed
	sess.sealed = nil
	delete(s.sessions, sessionID)

	s.log.Info("Share delivered, link session closed", "sessionID", sessionID)
	return sealed, nil
}

// Session returns the metadata for a session id.
func (s *Store) Session(sessionID string) (interfaces.LinkSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return interfaces.LinkSession{}, false
	}
	return sess.meta, true
}

// SessionCount reports how many sessions are held, expired ones included.
func (s *Store) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SetClock overrides the store's time source. Tests use it to force expiry.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
