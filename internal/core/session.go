package core

import (
	"maps"
	"time"
)

// DefaultHistoryLimit bounds the navigation history kept on a session;
// older entries are dropped first.
const DefaultHistoryLimit = 50

// Session holds the conversational state for one (user, tenant) pair.
type Session struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	TenantID      string         `json:"tenant_id"`
	CurrentNodeID string         `json:"current_node_id"`
	CollectedData map[string]any `json:"collected_data"`
	GlobalVars    map[string]any `json:"global_vars"`
	History       []HistoryEntry `json:"history"`
	HistoryLimit  int            `json:"history_limit,omitempty"`

	WaitingForInput bool   `json:"waiting_for_input"`
	WaitingNodeID   string `json:"waiting_node_id,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
}

// NewSession creates a session positioned before any node.
func NewSession(id, userID, tenantID string) *Session {
	now := time.Now()
	return &Session{
		ID:             id,
		UserID:         userID,
		TenantID:       tenantID,
		CollectedData:  make(map[string]any),
		GlobalVars:     make(map[string]any),
		HistoryLimit:   DefaultHistoryLimit,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// Repair reconciles the waiting-input flags after a load. The upstream source
// of the inconsistency is unknown, so contradictions are fixed silently rather
// than rejected: a waiting node implies waiting-for-input, and the current
// node follows the waiting node when both are set.
func (s *Session) Repair() {
	if s.WaitingNodeID != "" {
		s.WaitingForInput = true
		if s.CurrentNodeID != s.WaitingNodeID {
			s.CurrentNodeID = s.WaitingNodeID
		}
	} else if s.WaitingForInput {
		// Waiting with no node to wait at: treat as not waiting.
		s.WaitingForInput = false
	}
	if s.CollectedData == nil {
		s.CollectedData = make(map[string]any)
	}
	if s.GlobalVars == nil {
		s.GlobalVars = make(map[string]any)
	}
	if s.HistoryLimit <= 0 {
		s.HistoryLimit = DefaultHistoryLimit
	}
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.LastActivityAt = time.Now()
}

// IsExpired reports whether the session has passed its expiration timestamp.
func (s *Session) IsExpired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// AppendHistory records a transition, dropping the oldest entries past the
// configured cap.
func (s *Session) AppendHistory(entry HistoryEntry) {
	s.History = append(s.History, entry)
	limit := s.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if len(s.History) > limit {
		s.History = s.History[len(s.History)-limit:]
	}
}

// LastSuccessfulSnapshot returns the snapshot of the most recent successful
// history entry, or nil if none carries one. Used by the rollback path.
func (s *Session) LastSuccessfulSnapshot() map[string]any {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Success && s.History[i].Snapshot != nil {
			return maps.Clone(s.History[i].Snapshot)
		}
	}
	return nil
}

// Clone returns a deep enough copy for a checked-out navigation: variable maps
// and history are copied, values are shared.
func (s *Session) Clone() *Session {
	clone := *s
	clone.CollectedData = maps.Clone(s.CollectedData)
	clone.GlobalVars = maps.Clone(s.GlobalVars)
	clone.History = make([]HistoryEntry, len(s.History))
	copy(clone.History, s.History)
	return &clone
}

// MergeUpdates applies explicit context-update deltas into collected data.
func (s *Session) MergeUpdates(updates map[string]any) {
	if len(updates) == 0 {
		return
	}
	if s.CollectedData == nil {
		s.CollectedData = make(map[string]any)
	}
	maps.Copy(s.CollectedData, updates)
}
