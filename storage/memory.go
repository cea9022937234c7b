package storage

import (
	"context"
	"sync"

	"github.com/opencreds/wallet-session-coordinator/interfaces"
)

// MemorySecureStore is an in-memory SecureStore for tests and ephemeral runs.
type MemorySecureStore struct {
	mu     sync.Mutex
	values map[string][]byte

	// FailSet and FailClear simulate a broken secure-storage layer: affected
	// operations return ErrStoreUnavailable.
	FailSet   bool
	FailClear bool
}

// NewMemorySecureStore creates an empty in-memory secure store.
func NewMemorySecureStore() *MemorySecureStore {
	return &MemorySecureStore{values: make(map[string][]byte)}
}

// Get returns a stored value, or ErrShareUnavailable when absent.
func (s *MemorySecureStore) Get(ctx context.Context, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.values[name]
	if !ok {
		return nil, interfaces.ErrShareUnavailable
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Set stores a copy of the value.
func (s *MemorySecureStore) Set(ctx context.Context, name string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailSet {
		return interfaces.ErrStoreUnavailable
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	s.values[name] = stored
	return nil
}

// Clear erases an entry. Clearing an absent entry is not an error.
func (s *MemorySecureStore) Clear(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailClear {
		return interfaces.ErrStoreUnavailable
	}

	if value, ok := s.values[name]; ok {
		for i := range value {
			value[i] = 0
		}
		delete(s.values, name)
	}
	return nil
}

// Len reports how many entries are stored.
func (s *MemorySecureStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

// MemoryDocumentStore is an in-memory DocumentStore.
type MemoryDocumentStore struct {
	mu   sync.Mutex
	docs map[string]map[string][]byte

	FailClear bool
}

// NewMemoryDocumentStore creates an empty in-memory document store.
func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{docs: make(map[string]map[string][]byte)}
}

// Put stores a document under a collection and id.
func (s *MemoryDocumentStore) Put(ctx context.Context, collection, id string, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.docs[collection] == nil {
		s.docs[collection] = make(map[string][]byte)
	}
	stored := make([]byte, len(doc))
	copy(stored, doc)
	s.docs[collection][id] = stored
	return nil
}

// Get returns a stored document, or ErrStoreUnavailable when absent.
func (s *MemoryDocumentStore) Get(ctx context.Context, collection, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[collection][id]
	if !ok {
		return nil, interfaces.ErrStoreUnavailable
	}
	return doc, nil
}

// ClearAll drops every collection.
func (s *MemoryDocumentStore) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailClear {
		return interfaces.ErrStoreUnavailable
	}
	s.docs = make(map[string]map[string][]byte)
	return nil
}

// Len reports how many documents are stored across collections.
func (s *MemoryDocumentStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, collection := range s.docs {
		n += len(collection)
	}
	return n
}

// MemoryVolatileStore is an in-memory VolatileStore.
type MemoryVolatileStore struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryVolatileStore creates an empty volatile store.
func NewMemoryVolatileStore() *MemoryVolatileStore {
	return &MemoryVolatileStore{values: make(map[string]string)}
}

// Get returns a stored value.
func (s *MemoryVolatileStore) Get(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[name]
	return value, ok
}

// Set stores a value.
func (s *MemoryVolatileStore) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}

// Delete removes a single entry.
func (s *MemoryVolatileStore) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, name)
}

// Clear removes every entry in bulk.
func (s *MemoryVolatileStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]string)
}

// Len reports how many entries are stored.
func (s *MemoryVolatileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}
