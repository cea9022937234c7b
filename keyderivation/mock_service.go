package keyderivation

import (
	"context"
	"sync"

	"github.com/opencreds/wallet-session-coordinator/interfaces"
)

// MemoryShareService is an in-memory ShareService for tests and local runs.
type MemoryShareService struct {
	mu      sync.Mutex
	records map[string]AccountRecord
	shares  map[string]interfaces.DeviceShare

	// Err, when set, is returned by every call to simulate an unreachable
	// backend.
	Err error
}

// NewMemoryShareService creates an empty in-memory share service.
func NewMemoryShareService() *MemoryShareService {
	return &MemoryShareService{
		records: make(map[string]AccountRecord),
		shares:  make(map[string]interfaces.DeviceShare),
	}
}

// SeedLegacyRecord marks an account as predating the distributed scheme.
func (m *MemoryShareService) SeedLegacyRecord(uid string, did interfaces.DID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[uid] = AccountRecord{Kind: interfaces.RecordLegacy, DID: did}
}

// AccountRecord implements ShareService.
func (m *MemoryShareService) AccountRecord(ctx context.Context, idToken, uid string) (AccountRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return AccountRecord{}, m.Err
	}

	record, ok := m.records[uid]
	if !ok {
		return AccountRecord{Kind: interfaces.RecordNone}, nil
	}
	return record, nil
}

// ServerShare implements ShareService.
func (m *MemoryShareService) ServerShare(ctx context.Context, idToken, uid string) (interfaces.DeviceShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	share, ok := m.shares[uid]
	if !ok {
		return nil, interfaces.ErrNoKeyRecord
	}
	out := make(interfaces.DeviceShare, len(share))
	copy(out, share)
	return out, nil
}

// PutServerShare implements ShareService. The record is keyed by uid, so a
// second install for the same account replaces the first.
func (m *MemoryShareService) PutServerShare(ctx context.Context, idToken, uid string, share interfaces.DeviceShare, did interfaces.DID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	stored := make(interfaces.DeviceShare, len(share))
	copy(stored, share)
	m.shares[uid] = stored
	m.records[uid] = AccountRecord{Kind: interfaces.RecordDistributed, DID: did}
	return nil
}

// RecordCount returns how many accounts have a record. Used by tests asserting
// migration idempotence.
func (m *MemoryShareService) RecordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// MemoryCustodialService is an in-memory legacy key escrow for tests.
type MemoryCustodialService struct {
	mu   sync.Mutex
	keys map[string]interfaces.LegacyKey

	Err error
}

// NewMemoryCustodialService creates an empty in-memory escrow.
func NewMemoryCustodialService() *MemoryCustodialService {
	return &MemoryCustodialService{keys: make(map[string]interfaces.LegacyKey)}
}

// SeedKey stores a custodial key for an account.
func (m *MemoryCustodialService) SeedKey(uid string, key interfaces.LegacyKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[uid] = key
}

// LegacyKey implements CustodialService.
func (m *MemoryCustodialService) LegacyKey(ctx context.Context, idToken, uid string) (interfaces.LegacyKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	key, ok := m.keys[uid]
	if !ok {
		return nil, interfaces.ErrNoKeyRecord
	}
	return key, nil
}
