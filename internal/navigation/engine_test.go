package navigation

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convoflow/internal/cache"
	"convoflow/internal/core"
	"convoflow/internal/flowstore"
	"convoflow/internal/validation"
)

func testFlow(t *testing.T) *flowstore.MemoryStore {
	t.Helper()
	store := flowstore.NewMemoryStore()
	err := store.AddTemplate(flowstore.Template{
		ID:       "onboarding",
		TenantID: "t1",
		Nodes: []core.Node{
			{ID: "welcome", Type: core.NodeTypeMessage, NextNodeID: "ask_name",
				Message: &core.MessagePayload{Text: "Hello {{name}}!"}},
			{ID: "ask_name", Type: core.NodeTypeInput, NextNodeID: "greet",
				Input: &core.InputPayload{Prompt: "Your name?", Variable: "name", Required: true}},
			{ID: "greet", Type: core.NodeTypeMessage, NextNodeID: "age_gate",
				Message: &core.MessagePayload{Text: "Hi {{name}}"}},
			{ID: "age_gate", Type: core.NodeTypeCondition,
				Condition: &core.ConditionPayload{
					Clauses: []core.ConditionClause{
						{Variable: "age", Operator: core.OpGreaterThan, Value: 18, Target: "adult"},
					},
					DefaultTarget: "minor",
				}},
			{ID: "adult", Type: core.NodeTypeEnd, End: &core.EndPayload{Text: "Welcome in"}},
			{ID: "minor", Type: core.NodeTypeEnd, End: &core.EndPayload{Text: "Come back later"}},
			{ID: "pick_plan", Type: core.NodeTypeButton,
				Button: &core.ButtonPayload{
					Prompt:   "Pick a plan",
					Variable: "plan",
					Options: []core.ButtonOption{
						{Label: "Basic", Value: "basic", NextID: "adult"},
						{Label: "Premium", Value: "premium", NextID: "adult"},
					},
				}},
			{ID: "tag_lead", Type: core.NodeTypeAction, NextNodeID: "adult",
				Action: &core.ActionPayload{Actions: []core.ActionDescriptor{
					{Type: "set_variable", Config: map[string]any{"name": "source", "value": "bot"}},
				}}},
		},
	})
	require.NoError(t, err)
	return store
}

func testEngine(t *testing.T, gate *validation.Gate) (*Engine, *cache.SessionCache) {
	t.Helper()
	sessions, err := cache.New(cache.DefaultSettings())
	require.NoError(t, err)
	return NewEngine(sessions, testFlow(t), gate, nil), sessions
}

func TestAdvanceMessageNode(t *testing.T) {
	engine, sessions := testEngine(t, nil)

	result := engine.Advance(context.Background(), "u1", "t1", "s1", "welcome", AdvanceOptions{})

	require.True(t, result.Success)
	assert.Equal(t, "Hello !", result.BotResponse, "missing variable renders empty")
	assert.Equal(t, "ask_name", result.NextNodeID)
	assert.False(t, result.RequiresUserInput)

	cached, ok := sessions.Get("s1")
	require.True(t, ok, "session persisted through the cache")
	assert.Equal(t, "welcome", cached.CurrentNodeID)
	require.Len(t, cached.History, 1)
	assert.True(t, cached.History[0].Success)
}

func TestAdvanceInputNodeWaitsThenCaptures(t *testing.T) {
	engine, sessions := testEngine(t, nil)

	result := engine.Advance(context.Background(), "u1", "t1", "s1", "ask_name", AdvanceOptions{})
	require.True(t, result.Success)
	assert.True(t, result.RequiresUserInput)
	assert.Contains(t, result.BotResponse, "Your name?")
	assert.Contains(t, result.BotResponse, "required")

	cached, _ := sessions.Get("s1")
	assert.True(t, cached.WaitingForInput)
	assert.Equal(t, "ask_name", cached.WaitingNodeID)

	// The next inbound message is captured and navigation continues.
	result = engine.Advance(context.Background(), "u1", "t1", "s1", core.ContinueNode,
		AdvanceOptions{UserInput: "Juan"})
	require.True(t, result.Success)
	assert.Equal(t, "Hi Juan", result.BotResponse)
	assert.Equal(t, "Juan", result.ContextUpdates["name"])

	cached, _ = sessions.Get("s1")
	assert.False(t, cached.WaitingForInput)
	assert.Equal(t, "Juan", cached.CollectedData["name"])
}

func TestAdvanceRejectsInvalidInput(t *testing.T) {
	engine, _ := testEngine(t, nil)

	require.True(t, engine.Advance(context.Background(), "u1", "t1", "s1", "ask_name", AdvanceOptions{}).Success)

	result := engine.Advance(context.Background(), "u1", "t1", "s1", core.ContinueNode,
		AdvanceOptions{UserInput: "   "})
	assert.False(t, result.Success)
}

func TestAdvanceButtonNodeMatchesOption(t *testing.T) {
	engine, sessions := testEngine(t, nil)

	result := engine.Advance(context.Background(), "u1", "t1", "s1", "pick_plan", AdvanceOptions{})
	require.True(t, result.Success)
	assert.Contains(t, result.BotResponse, "1. Basic")
	assert.Contains(t, result.BotResponse, "2. Premium")

	// Matching is by label, case-insensitive, and follows the option edge.
	result = engine.Advance(context.Background(), "u1", "t1", "s1", core.ContinueNode,
		AdvanceOptions{UserInput: "premium"})
	require.True(t, result.Success)
	assert.True(t, result.Terminal)

	cached, _ := sessions.Get("s1")
	assert.Equal(t, "premium", cached.CollectedData["plan"])
	assert.NotContains(t, cached.GlobalVars, "_active_options", "option set cleared after match")
}

func TestAdvanceButtonRejectsUnknownOption(t *testing.T) {
	engine, _ := testEngine(t, nil)
	require.True(t, engine.Advance(context.Background(), "u1", "t1", "s1", "pick_plan", AdvanceOptions{}).Success)

	result := engine.Advance(context.Background(), "u1", "t1", "s1", core.ContinueNode,
		AdvanceOptions{UserInput: "enterprise"})
	assert.False(t, result.Success)
}

func TestConditionNodeIsTransparent(t *testing.T) {
	engine, _ := testEngine(t, nil)
	_, err := engine.CreateContext("u1", "t1", "s1", map[string]any{"age": 25})
	require.NoError(t, err)

	result := engine.Advance(context.Background(), "u1", "t1", "s1", "age_gate", AdvanceOptions{})

	require.True(t, result.Success)
	assert.True(t, result.Terminal)
	assert.Equal(t, "Welcome in", result.BotResponse, "condition routed straight to adult")
}

func TestConditionDefaultRoute(t *testing.T) {
	engine, _ := testEngine(t, nil)
	_, err := engine.CreateContext("u1", "t1", "s1", map[string]any{"age": 10})
	require.NoError(t, err)

	result := engine.Advance(context.Background(), "u1", "t1", "s1", "age_gate", AdvanceOptions{})

	require.True(t, result.Success)
	assert.Equal(t, "Come back later", result.BotResponse)
}

func TestActionNodeMergesUpdatesAndChains(t *testing.T) {
	engine, sessions := testEngine(t, nil)

	result := engine.Advance(context.Background(), "u1", "t1", "s1", "tag_lead", AdvanceOptions{})

	require.True(t, result.Success)
	assert.True(t, result.Terminal, "action chained into the end node")
	assert.Equal(t, "bot", result.ContextUpdates["source"])

	cached, _ := sessions.Get("s1")
	assert.Equal(t, "bot", cached.CollectedData["source"])
}

func TestAdvanceUnknownNode(t *testing.T) {
	engine, _ := testEngine(t, nil)

	result := engine.Advance(context.Background(), "u1", "t1", "s1", "ghost", AdvanceOptions{})

	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err, core.ErrNodeNotFound)
}

func TestAdvanceCrossTenantNode(t *testing.T) {
	engine, _ := testEngine(t, nil)

	result := engine.Advance(context.Background(), "u1", "t2", "s1", "welcome", AdvanceOptions{})

	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err, core.ErrTenantMismatch)
}

func TestUnknownNodeFailsBeforeGate(t *testing.T) {
	gate := validation.NewGate(validation.Config{Strict: true})
	engine, _ := testEngine(t, gate)

	result := engine.Advance(context.Background(), "u1", "t1", "s1", "ghost", AdvanceOptions{})

	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err, core.ErrNodeNotFound,
		"target resolution precedes the gate, so a missing node is never a validation verdict")
}

func TestStrictGateVetoesTransition(t *testing.T) {
	gate := validation.NewGate(validation.Config{Strict: true})
	engine, _ := testEngine(t, gate)

	result := engine.Advance(context.Background(), "u1", "t2", "s1", "welcome", AdvanceOptions{})

	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err, core.ErrValidationFailed)
}

func TestConcurrentAdvanceFailsFast(t *testing.T) {
	engine, _ := testEngine(t, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	engine.RegisterAction("block", func(context.Context, *core.Session, map[string]any) (map[string]any, error) {
		close(started)
		<-release
		return nil, nil
	})
	blocker := flowstore.NewMemoryStore()
	require.NoError(t, blocker.AddTemplate(flowstore.Template{
		ID: "blocking", TenantID: "t1",
		Nodes: []core.Node{{ID: "hold", Type: core.NodeTypeAction,
			Action: &core.ActionPayload{Actions: []core.ActionDescriptor{{Type: "block"}}}}},
	}))
	engine.flows = blocker

	first := make(chan core.NavigationResult, 1)
	go func() {
		first <- engine.Advance(context.Background(), "u1", "t1", "s1", "hold", AdvanceOptions{})
	}()
	<-started

	second := engine.Advance(context.Background(), "u1", "t1", "s1", "hold", AdvanceOptions{})
	assert.ErrorIs(t, second.Err, core.ErrNavigationInProgress)

	close(release)
	result := <-first
	assert.True(t, result.Success, "exactly one of the two concurrent calls succeeds")
}

func TestRollbackRestoresLastSnapshot(t *testing.T) {
	engine, sessions := testEngine(t, nil)

	// A successful transition records the pristine snapshot.
	require.True(t, engine.Advance(context.Background(), "u1", "t1", "s1", "ask_name", AdvanceOptions{}).Success)

	// Input is captured, but the explicit target fails; rollback discards it.
	result := engine.Advance(context.Background(), "u1", "t1", "s1", "ghost",
		AdvanceOptions{UserInput: "Juan", Rollback: true})
	require.False(t, result.Success)

	cached, _ := sessions.Get("s1")
	assert.NotContains(t, cached.CollectedData, "name")
}

func TestSessionLockRegistryDrained(t *testing.T) {
	engine, _ := testEngine(t, nil)

	for i := 0; i < 10; i++ {
		sessionID := fmt.Sprintf("s%d", i)
		require.True(t, engine.Advance(context.Background(), "u1", "t1", sessionID, "welcome", AdvanceOptions{}).Success)
		require.True(t, engine.Advance(context.Background(), "u1", "t1", sessionID, "ask_name", AdvanceOptions{}).Success)
	}

	engine.locksMu.Lock()
	remaining := len(engine.locks)
	engine.locksMu.Unlock()
	assert.Zero(t, remaining, "lock entries live only while an advance is in flight")
}

func TestCreateContextSeedsData(t *testing.T) {
	engine, sessions := testEngine(t, nil)

	session, err := engine.CreateContext("u1", "t1", "s1", map[string]any{"lang": "es"})
	require.NoError(t, err)
	assert.Equal(t, "es", session.CollectedData["lang"])

	cached, ok := sessions.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "es", cached.CollectedData["lang"])
	assert.Equal(t, StateIdle, stateOf(cached))
}
