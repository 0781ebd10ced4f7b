// Package navigation implements the state machine that advances a session
// from node to node, interpolating variables and branching on conditions.
package navigation

import (
	"context"
	"fmt"
	"maps"
	"regexp"
	"strings"
	"sync"
	"time"

	"convoflow/internal/cache"
	"convoflow/internal/core"
	"convoflow/internal/flowstore"
	"convoflow/internal/logger"
	"convoflow/internal/storage"
	"convoflow/internal/validation"
)

// conditionDepthLimit caps synchronous recursion through transparent nodes
// (condition, action) so a mis-authored flow cannot spin forever.
const conditionDepthLimit = 25

// ActionHandler executes one opaque side-effect descriptor and returns any
// context updates to merge into the session.
type ActionHandler func(ctx context.Context, session *core.Session, config map[string]any) (map[string]any, error)

// AdvanceOptions tune one Advance call.
type AdvanceOptions struct {
	FromNodeID string
	TemplateID string
	// UserInput is the raw inbound message, captured into the waiting node's
	// variable before the transition when the session is awaiting input.
	UserInput string
	// Rollback restores the last successful context snapshot when the
	// transition fails.
	Rollback bool
	// SkipValidation bypasses the gate for this call.
	SkipValidation bool
}

// Engine computes one state transition at a time. One navigation step holds a
// per-session mutex for its whole duration; a concurrent Advance for the same
// session fails fast with ErrNavigationInProgress.
type Engine struct {
	cache   *cache.SessionCache
	flows   flowstore.Store
	gate    *validation.Gate    // nil disables the gate
	persist *storage.BestEffort // nil disables persistence

	mu      sync.Mutex
	actions map[string]ActionHandler

	// locks is reference counted: an entry exists only while at least one
	// Advance for that session is running or contending.
	locksMu sync.Mutex
	locks   map[string]*sessionLock
}

// NewEngine wires the state machine to its collaborators. gate and persist
// may be nil.
func NewEngine(sessions *cache.SessionCache, flows flowstore.Store, gate *validation.Gate, persist *storage.BestEffort) *Engine {
	e := &Engine{
		cache:   sessions,
		flows:   flows,
		gate:    gate,
		persist: persist,
		actions: make(map[string]ActionHandler),
		locks:   make(map[string]*sessionLock),
	}
	e.RegisterAction("set_variable", setVariableAction)
	e.RegisterAction("update_stage", updateStageAction)
	return e
}

// RegisterAction binds a handler to an action descriptor type.
func (e *Engine) RegisterAction(actionType string, handler ActionHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions[actionType] = handler
}

// Advance moves a session toward targetNodeID (or ContinueNode) and returns
// the transition result. Failures are returned in the result, never panicked.
func (e *Engine) Advance(ctx context.Context, userID, tenantID, sessionID, targetNodeID string, opts AdvanceOptions) core.NavigationResult {
	lock, ok := e.acquireLock(sessionID)
	if !ok {
		return failure(fmt.Errorf("session %s: %w", sessionID, core.ErrNavigationInProgress))
	}
	defer e.releaseLock(sessionID, lock)

	session := e.loadSession(ctx, userID, tenantID, sessionID)
	logger.Debug().Str("session_id", sessionID).Str("target", targetNodeID).
		Str("state", string(stateOf(session))).Msg("advancing session")

	updates := make(map[string]any)
	if session.WaitingForInput && opts.UserInput != "" {
		target, err := e.captureInput(session, opts.UserInput, updates)
		if err != nil {
			return e.fail(ctx, session, opts, err)
		}
		if targetNodeID == core.ContinueNode && target != "" {
			targetNodeID = target
		}
	}

	if targetNodeID == core.ContinueNode || targetNodeID == "" {
		resolved := e.resolveContinue(session)
		if resolved == "" {
			return e.fail(ctx, session, opts, fmt.Errorf("no continuation from node %q: %w", session.CurrentNodeID, core.ErrNodeNotFound))
		}
		targetNodeID = resolved
	}

	result := e.step(ctx, session, targetNodeID, opts, updates, 0)
	if !result.Success {
		return e.fail(ctx, session, opts, result.Err)
	}

	session.AppendHistory(core.HistoryEntry{
		Timestamp:  time.Now(),
		FromNodeID: opts.FromNodeID,
		ToNodeID:   session.CurrentNodeID,
		Success:    true,
		Snapshot:   maps.Clone(session.CollectedData),
	})
	session.Touch()
	e.commit(ctx, session)

	result.ContextUpdates = updates
	return result
}

// step executes one node, recursing synchronously through transparent
// (condition, action) nodes.
func (e *Engine) step(ctx context.Context, session *core.Session, targetNodeID string, opts AdvanceOptions, updates map[string]any, depth int) core.NavigationResult {
	if depth > conditionDepthLimit {
		return failure(fmt.Errorf("transparent-node chain exceeds depth %d at %q: %w", conditionDepthLimit, targetNodeID, core.ErrNodeNotFound))
	}
	if err := ctx.Err(); err != nil {
		return failure(fmt.Errorf("%w: %w", core.ErrRequestTimeout, err))
	}

	// The target resolves before anything else runs; a missing node is always
	// NodeNotFound, never a gate verdict.
	node := e.flows.GetNode(targetNodeID)
	if node == nil {
		return failure(fmt.Errorf("node %q: %w", targetNodeID, core.ErrNodeNotFound))
	}

	var warnings []string
	if e.gate != nil && !opts.SkipValidation {
		verdict := e.gate.Evaluate(validation.Input{
			Session:    session,
			FromNodeID: session.CurrentNodeID,
			ToNodeID:   targetNodeID,
			TemplateID: opts.TemplateID,
			TargetNode: node,
		})
		if !verdict.Valid || !verdict.CanProceed {
			if e.gate.Strict() {
				return failure(fmt.Errorf("%w: %s", core.ErrValidationFailed, strings.Join(verdict.Violations(), "; ")))
			}
			warnings = verdict.Violations()
		}
	}

	if node.TenantID != "" && node.TenantID != session.TenantID {
		return failure(fmt.Errorf("node %q: %w", targetNodeID, core.ErrTenantMismatch))
	}

	session.CurrentNodeID = node.ID
	session.WaitingForInput = false
	session.WaitingNodeID = ""

	var result core.NavigationResult
	switch node.Type {
	case core.NodeTypeMessage:
		result = core.NavigationResult{
			Success:     true,
			BotResponse: interpolate(node.Message.Text, session),
			NextNodeID:  node.NextNodeID,
		}

	case core.NodeTypeInput:
		session.WaitingForInput = true
		session.WaitingNodeID = node.ID
		result = core.NavigationResult{
			Success:           true,
			BotResponse:       renderInputPrompt(node.Input, session),
			RequiresUserInput: true,
			NextNodeID:        node.NextNodeID,
		}

	case core.NodeTypeButton:
		session.WaitingForInput = true
		session.WaitingNodeID = node.ID
		// The active option set is persisted so the next inbound message can
		// be matched by label or value even after a restart.
		session.GlobalVars[activeOptionsKey] = encodeOptions(node.Button.Options)
		result = core.NavigationResult{
			Success:           true,
			BotResponse:       renderButtonPrompt(node.Button, session),
			RequiresUserInput: true,
			NextNodeID:        node.NextNodeID,
		}

	case core.NodeTypeCondition:
		// Condition nodes are transparent: they never produce a user-visible
		// turn, they just reroute.
		next := evaluateCondition(node.Condition, session)
		if next == "" {
			return failure(fmt.Errorf("condition node %q matched nothing and has no default: %w", node.ID, core.ErrNodeNotFound))
		}
		return e.step(ctx, session, next, opts, updates, depth+1)

	case core.NodeTypeAction:
		if err := e.runActions(ctx, session, node.Action.Actions, updates); err != nil {
			return failure(err)
		}
		if node.NextNodeID != "" {
			return e.step(ctx, session, node.NextNodeID, opts, updates, depth+1)
		}
		result = core.NavigationResult{Success: true}

	case core.NodeTypeEnd:
		result = core.NavigationResult{
			Success:     true,
			BotResponse: interpolate(node.End.Text, session),
			Terminal:    true,
		}

	default:
		return failure(fmt.Errorf("node %q has unknown type %q: %w", node.ID, node.Type, core.ErrNodeNotFound))
	}

	result.Warnings = warnings
	return result
}

// runActions executes descriptors sequentially, merging returned updates into
// both the session and the accumulated delta map.
func (e *Engine) runActions(ctx context.Context, session *core.Session, actions []core.ActionDescriptor, updates map[string]any) error {
	for _, descriptor := range actions {
		e.mu.Lock()
		handler, ok := e.actions[descriptor.Type]
		e.mu.Unlock()
		if !ok {
			logger.Warn().Str("action", descriptor.Type).Str("session_id", session.ID).
				Msg("no handler registered for action, skipping")
			continue
		}
		delta, err := handler(ctx, session, descriptor.Config)
		if err != nil {
			return fmt.Errorf("action %s: %w", descriptor.Type, err)
		}
		session.MergeUpdates(delta)
		maps.Copy(updates, delta)
	}
	return nil
}

// captureInput stores a raw inbound message into the waiting node's variable.
// For button nodes the message is matched against the persisted option set;
// for input nodes it is validated against the declared rules. Returns the
// labeled successor when one option declares its own.
func (e *Engine) captureInput(session *core.Session, input string, updates map[string]any) (string, error) {
	node := e.flows.GetNode(session.WaitingNodeID)
	if node == nil {
		return "", fmt.Errorf("waiting node %q: %w", session.WaitingNodeID, core.ErrNodeNotFound)
	}

	switch node.Type {
	case core.NodeTypeInput:
		if err := validateInput(node.Input, input); err != nil {
			return "", err
		}
		if node.Input.Variable != "" {
			session.CollectedData[node.Input.Variable] = input
			updates[node.Input.Variable] = input
		}
		session.WaitingForInput = false
		session.WaitingNodeID = ""
		return node.NextNodeID, nil

	case core.NodeTypeButton:
		option, ok := matchOption(session, node.Button, input)
		if !ok {
			return "", fmt.Errorf("input %q matches no option of node %s", input, node.ID)
		}
		if node.Button.Variable != "" {
			session.CollectedData[node.Button.Variable] = option.Value
			updates[node.Button.Variable] = option.Value
		}
		delete(session.GlobalVars, activeOptionsKey)
		session.WaitingForInput = false
		session.WaitingNodeID = ""
		if option.NextID != "" {
			return option.NextID, nil
		}
		return node.NextNodeID, nil

	default:
		session.WaitingForInput = false
		session.WaitingNodeID = ""
		return node.NextNodeID, nil
	}
}

// resolveContinue maps the "continue" sentinel to a concrete node id.
func (e *Engine) resolveContinue(session *core.Session) string {
	if session.CurrentNodeID == "" {
		return ""
	}
	node := e.flows.GetNode(session.CurrentNodeID)
	if node == nil {
		return ""
	}
	return node.NextNodeID
}

// loadSession checks the session out of the cache, falling back to
// persistence and finally to a synthesized minimal session so a storage
// outage never blocks a user. The repair pass runs on every load.
func (e *Engine) loadSession(ctx context.Context, userID, tenantID, sessionID string) *core.Session {
	if session, ok := e.cache.Get(sessionID); ok {
		session.Repair()
		return session
	}
	if e.persist != nil {
		if session := e.persist.Load(ctx, tenantID, userID, sessionID); session != nil {
			session.Repair()
			return session
		}
	}
	logger.Debug().Str("session_id", sessionID).Msg("synthesizing new session")
	return core.NewSession(sessionID, userID, tenantID)
}

// commit writes the session back through the cache and, best-effort, to
// persistence.
func (e *Engine) commit(ctx context.Context, session *core.Session) {
	if err := e.cache.Set(session.ID, session, cache.SetOptions{}); err != nil {
		logger.Error().Err(err).Str("session_id", session.ID).Msg("failed to cache session")
	}
	if e.persist != nil {
		e.persist.Save(ctx, session.TenantID, session.UserID, session.ID, session)
	}
}

// fail records a failed transition and optionally rolls the context back to
// the last successful snapshot.
func (e *Engine) fail(ctx context.Context, session *core.Session, opts AdvanceOptions, err error) core.NavigationResult {
	logger.Warn().Err(err).Str("session_id", session.ID).Msg("navigation failed")
	if opts.Rollback {
		if snapshot := session.LastSuccessfulSnapshot(); snapshot != nil {
			session.CollectedData = snapshot
		}
	}
	session.AppendHistory(core.HistoryEntry{
		Timestamp:  time.Now(),
		FromNodeID: session.CurrentNodeID,
		ToNodeID:   "",
		Success:    false,
	})
	e.commit(ctx, session)
	return failure(err)
}

func failure(err error) core.NavigationResult {
	return core.NavigationResult{Success: false, Err: err}
}

const activeOptionsKey = "_active_options"

func encodeOptions(options []core.ButtonOption) []any {
	encoded := make([]any, 0, len(options))
	for _, o := range options {
		encoded = append(encoded, map[string]any{"label": o.Label, "value": o.Value, "next_id": o.NextID})
	}
	return encoded
}

// matchOption matches an inbound message against the persisted option set,
// falling back to the node payload when the persisted set is unreadable.
func matchOption(session *core.Session, payload *core.ButtonPayload, input string) (core.ButtonOption, bool) {
	normalized := strings.TrimSpace(strings.ToLower(input))

	if raw, ok := session.GlobalVars[activeOptionsKey].([]any); ok {
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			label, _ := m["label"].(string)
			value, _ := m["value"].(string)
			nextID, _ := m["next_id"].(string)
			if strings.ToLower(label) == normalized || strings.ToLower(value) == normalized {
				return core.ButtonOption{Label: label, Value: value, NextID: nextID}, true
			}
		}
	}
	for _, option := range payload.Options {
		if strings.ToLower(option.Label) == normalized || strings.ToLower(option.Value) == normalized {
			return option, true
		}
	}
	return core.ButtonOption{}, false
}

func validateInput(payload *core.InputPayload, input string) error {
	trimmed := strings.TrimSpace(input)
	if payload.Required && trimmed == "" {
		return fmt.Errorf("input is required")
	}
	if payload.MinLength > 0 && len(trimmed) < payload.MinLength {
		return fmt.Errorf("input must be at least %d characters", payload.MinLength)
	}
	if payload.Pattern != "" {
		re, err := regexp.Compile(payload.Pattern)
		if err == nil && !re.MatchString(trimmed) {
			return fmt.Errorf("input does not match expected format")
		}
	}
	return nil
}

func renderInputPrompt(payload *core.InputPayload, session *core.Session) string {
	prompt := interpolate(payload.Prompt, session)
	var hints []string
	if payload.Required {
		hints = append(hints, "required")
	}
	if payload.MinLength > 0 {
		hints = append(hints, fmt.Sprintf("min %d characters", payload.MinLength))
	}
	if payload.Pattern != "" {
		hints = append(hints, "specific format")
	}
	if len(hints) > 0 {
		prompt += " (" + strings.Join(hints, ", ") + ")"
	}
	return prompt
}

func renderButtonPrompt(payload *core.ButtonPayload, session *core.Session) string {
	var b strings.Builder
	b.WriteString(interpolate(payload.Prompt, session))
	for i, option := range payload.Options {
		b.WriteString(fmt.Sprintf("\n%d. %s", i+1, option.Label))
	}
	return b.String()
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// acquireLock takes the per-session mutex without blocking. The refcount is
// incremented before TryLock so a contending caller keeps the entry alive.
func (e *Engine) acquireLock(sessionID string) (*sessionLock, bool) {
	e.locksMu.Lock()
	l, ok := e.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		e.locks[sessionID] = l
	}
	l.refs++
	e.locksMu.Unlock()

	if !l.mu.TryLock() {
		e.dropLockRef(sessionID, l)
		return nil, false
	}
	return l, true
}

func (e *Engine) releaseLock(sessionID string, l *sessionLock) {
	l.mu.Unlock()
	e.dropLockRef(sessionID, l)
}

func (e *Engine) dropLockRef(sessionID string, l *sessionLock) {
	e.locksMu.Lock()
	l.refs--
	if l.refs <= 0 {
		delete(e.locks, sessionID)
	}
	e.locksMu.Unlock()
}
