package navigation

import (
	"convoflow/internal/cache"
	"convoflow/internal/core"
)

// State labels where a session sits in the navigation state machine.
type State string

const (
	StateIdle               State = "idle"
	StateAwaitingValidation State = "awaiting_validation"
	StateAwaitingInput      State = "awaiting_input"
	StateAdvancing          State = "advancing"
	StateTerminal           State = "terminal"
)

// CreateContext builds a fresh navigation context for a (user, tenant) pair,
// merging any caller-supplied seed data, and registers it with the cache.
// The initial state is idle: no current node, not waiting for input.
func (e *Engine) CreateContext(userID, tenantID, sessionID string, initialData map[string]any) (*core.Session, error) {
	session := core.NewSession(sessionID, userID, tenantID)
	session.MergeUpdates(initialData)
	if err := e.cache.Set(sessionID, session, cache.SetOptions{}); err != nil {
		return nil, err
	}
	return session, nil
}

// stateOf derives the machine state from a session's flags.
func stateOf(session *core.Session) State {
	if session.WaitingForInput {
		return StateAwaitingInput
	}
	if session.CurrentNodeID == "" {
		return StateIdle
	}
	return StateAdvancing
}
