package keystore

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps identity records for the lifetime of the process only.
// Initialize and Unlock are no-ops.
type MemoryBackend struct {
	mu         sync.RWMutex
	identities map[string]IdentityRecord
	pending    map[string]bool
}

// NewMemoryBackend builds an empty in-memory keystore.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		identities: make(map[string]IdentityRecord),
		pending:    make(map[string]bool),
	}
}

func (m *MemoryBackend) Initialize(ctx context.Context, _ string) error { return ctx.Err() }
func (m *MemoryBackend) Unlock(ctx context.Context, _ string) error     { return ctx.Err() }

func (m *MemoryBackend) StoreIdentity(ctx context.Context, record IdentityRecord) error {
	normalized, err := normalizeIdentity(record, time.Now())
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.identities[normalized.RoomID]; ok {
		existing.Zero()
	}
	m.identities[normalized.RoomID] = normalized
	return ctx.Err()
}

func (m *MemoryBackend) LoadIdentity(ctx context.Context, roomID string) (IdentityRecord, error) {
	if roomID == "" {
		return IdentityRecord{}, ErrInvalidRoomID
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.identities[roomID]
	if !ok {
		return IdentityRecord{}, os.ErrNotExist
	}
	return rec.Clone(), ctx.Err()
}

func (m *MemoryBackend) DeleteIdentity(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.identities[roomID]; ok {
		rec.Zero()
		delete(m.identities, roomID)
	}
	return ctx.Err()
}

func (m *MemoryBackend) SetPendingRotation(ctx context.Context, roomID string, pending bool) error {
	if roomID == "" {
		return ErrInvalidRoomID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if pending {
		m.pending[roomID] = true
	} else {
		delete(m.pending, roomID)
	}
	return ctx.Err()
}

func (m *MemoryBackend) PendingRotation(ctx context.Context, roomID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pending[roomID], ctx.Err()
}

func (m *MemoryBackend) ListRooms(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.identities))
	for id := range m.identities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, ctx.Err()
}
