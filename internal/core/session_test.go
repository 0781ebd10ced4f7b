package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepairWaitingNodeImpliesWaitingForInput(t *testing.T) {
	s := NewSession("s1", "u1", "t1")
	s.WaitingNodeID = "ask_name"
	s.WaitingForInput = false
	s.CurrentNodeID = "welcome"

	s.Repair()

	assert.True(t, s.WaitingForInput)
	assert.Equal(t, "ask_name", s.CurrentNodeID)
}

func TestRepairClearsOrphanWaitingFlag(t *testing.T) {
	s := NewSession("s1", "u1", "t1")
	s.WaitingForInput = true
	s.WaitingNodeID = ""

	s.Repair()

	assert.False(t, s.WaitingForInput)
}

func TestRepairRestoresNilMaps(t *testing.T) {
	s := &Session{ID: "s1"}
	s.Repair()

	require.NotNil(t, s.CollectedData)
	require.NotNil(t, s.GlobalVars)
	assert.Equal(t, DefaultHistoryLimit, s.HistoryLimit)
}

func TestAppendHistoryDropsOldestPastCap(t *testing.T) {
	s := NewSession("s1", "u1", "t1")
	s.HistoryLimit = 3

	for i := 0; i < 5; i++ {
		s.AppendHistory(HistoryEntry{ToNodeID: string(rune('a' + i)), Timestamp: time.Now()})
	}

	require.Len(t, s.History, 3)
	assert.Equal(t, "c", s.History[0].ToNodeID)
	assert.Equal(t, "e", s.History[2].ToNodeID)
}

func TestLastSuccessfulSnapshot(t *testing.T) {
	s := NewSession("s1", "u1", "t1")
	s.AppendHistory(HistoryEntry{ToNodeID: "a", Success: true, Snapshot: map[string]any{"name": "Juan"}})
	s.AppendHistory(HistoryEntry{ToNodeID: "b", Success: false})

	snapshot := s.LastSuccessfulSnapshot()
	require.NotNil(t, snapshot)
	assert.Equal(t, "Juan", snapshot["name"])

	// The returned snapshot is a copy, not an alias.
	snapshot["name"] = "other"
	assert.Equal(t, "Juan", s.History[0].Snapshot["name"])
}

func TestCloneIsIndependent(t *testing.T) {
	s := NewSession("s1", "u1", "t1")
	s.CollectedData["name"] = "Juan"

	clone := s.Clone()
	clone.CollectedData["name"] = "Maria"

	assert.Equal(t, "Juan", s.CollectedData["name"])
}

func TestIsExpired(t *testing.T) {
	s := NewSession("s1", "u1", "t1")
	assert.False(t, s.IsExpired(), "no expiry set")

	s.ExpiresAt = time.Now().Add(-time.Second)
	assert.True(t, s.IsExpired())
}
