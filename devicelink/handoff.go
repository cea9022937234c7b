package devicelink

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/opencreds/wallet-session-coordinator/cryptoutils"
	"github.com/opencreds/wallet-session-coordinator/interfaces"
)

// HandoffStore stages a share received over the relay until the requester
// commits it to secure storage. Consume is one-shot: the staged copy is
// erased before it is returned, so an interrupted apply can never leave a
// second live copy behind.
type HandoffStore interface {
	Stage(share interfaces.DeviceShare)
	Consume() (interfaces.DeviceShare, bool)
	Discard()
}

// MemoryHandoff keeps the staged share in process memory.
type MemoryHandoff struct {
	mu    sync.Mutex
	share interfaces.DeviceShare
}

// NewMemoryHandoff creates an empty handoff store.
func NewMemoryHandoff() *MemoryHandoff {
	return &MemoryHandoff{}
}

// Stage replaces any previously staged share.
func (h *MemoryHandoff) Stage(share interfaces.DeviceShare) {
	stored := make(interfaces.DeviceShare, len(share))
	copy(stored, share)

	h.mu.Lock()
	cryptoutils.WipeBytes(h.share)
	h.share = stored
	h.mu.Unlock()
}

// Consume returns the staged share and erases the staging slot first.
func (h *MemoryHandoff) Consume() (interfaces.DeviceShare, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.share == nil {
		return nil, false
	}
	out := make(interfaces.DeviceShare, len(h.share))
	copy(out, h.share)
	cryptoutils.WipeBytes(h.share)
	h.share = nil
	return out, true
}

// Discard erases a staged share without delivering it.
func (h *MemoryHandoff) Discard() {
	h.mu.Lock()
	cryptoutils.WipeBytes(h.share)
	h.share = nil
	h.mu.Unlock()
}

// FileHandoff stages the share in a file, so a pairing exchange survives a
// process restart between receipt and apply. The staged share is already
// sealed-at-rest concern for the caller; this store only guarantees the
// one-shot consume discipline.
type FileHandoff struct {
	mu   sync.Mutex
	path string
}

// NewFileHandoff creates a handoff store at the given path. The parent
// directory is created if missing.
func NewFileHandoff(path string) (*FileHandoff, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	return &FileHandoff{path: path}, nil
}

// Stage writes the share, replacing any previous one.
func (h *FileHandoff) Stage(share interfaces.DeviceShare) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, share, 0600); err != nil {
		return
	}
	os.Rename(tmp, h.path)
}

// Consume reads the staged share, removing the file before returning it.
func (h *FileHandoff) Consume() (interfaces.DeviceShare, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	share, err := os.ReadFile(h.path)
	if err != nil || len(share) == 0 {
		return nil, false
	}
	h.eraseLocked(len(share))
	return interfaces.DeviceShare(share), true
}

// Discard erases a staged share without delivering it.
func (h *FileHandoff) Discard() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if info, err := os.Stat(h.path); err == nil {
		h.eraseLocked(int(info.Size()))
	}
}

// eraseLocked overwrites the file before unlinking it. Must be called with
// the mutex held.
func (h *FileHandoff) eraseLocked(size int) {
	os.WriteFile(h.path, make([]byte, size), 0600)
	os.Remove(h.path)
}
