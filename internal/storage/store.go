// Package storage implements the session persistence collaborator. The
// orchestrator treats persistence as best-effort: a failing backend degrades
// to in-memory operation, it never blocks a user.
package storage

import (
	"context"
	"sync"

	"convoflow/internal/core"
	"convoflow/internal/logger"
)

// SessionStore persists session snapshots keyed by (tenant, user, session).
type SessionStore interface {
	// SaveSession writes a snapshot. Implementations may apply a TTL.
	SaveSession(ctx context.Context, tenantID, userID, sessionID string, session *core.Session) error
	// LoadSession returns the stored snapshot, or (nil, nil) when absent.
	LoadSession(ctx context.Context, tenantID, userID, sessionID string) (*core.Session, error)
	// DeleteSession removes a snapshot. Deleting an absent session is not an error.
	DeleteSession(ctx context.Context, tenantID, userID, sessionID string) error
}

func storageKey(tenantID, userID, sessionID string) string {
	return "session:" + tenantID + ":" + userID + ":" + sessionID
}

// MemoryStore is an in-memory SessionStore for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*core.Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*core.Session)}
}

func (m *MemoryStore) SaveSession(_ context.Context, tenantID, userID, sessionID string, session *core.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[storageKey(tenantID, userID, sessionID)] = session.Clone()
	return nil
}

func (m *MemoryStore) LoadSession(_ context.Context, tenantID, userID, sessionID string) (*core.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[storageKey(tenantID, userID, sessionID)]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, tenantID, userID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, storageKey(tenantID, userID, sessionID))
	return nil
}

// BestEffort wraps a SessionStore so backend failures are logged and
// swallowed. Load failures read as misses; save failures report success=false
// but never an error.
type BestEffort struct {
	inner SessionStore
}

// NewBestEffort wraps a store with degraded-mode semantics.
func NewBestEffort(inner SessionStore) *BestEffort {
	return &BestEffort{inner: inner}
}

// Save writes a snapshot, reporting whether the write actually landed.
func (b *BestEffort) Save(ctx context.Context, tenantID, userID, sessionID string, session *core.Session) bool {
	if err := b.inner.SaveSession(ctx, tenantID, userID, sessionID, session); err != nil {
		logger.Warn().Err(err).Str("session_id", sessionID).
			Msg("session persistence unavailable, continuing in-memory")
		return false
	}
	return true
}

// Load reads a snapshot; backend failures read as a miss.
func (b *BestEffort) Load(ctx context.Context, tenantID, userID, sessionID string) *core.Session {
	s, err := b.inner.LoadSession(ctx, tenantID, userID, sessionID)
	if err != nil {
		logger.Warn().Err(err).Str("session_id", sessionID).
			Msg("session load failed, treating as missing")
		return nil
	}
	return s
}
