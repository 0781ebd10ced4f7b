package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convoflow/internal/cache"
	"convoflow/internal/core"
	"convoflow/internal/flowstore"
	"convoflow/internal/navigation"
	"convoflow/internal/queue"
	"convoflow/internal/validation"
	"convoflow/pkg"
)

func testOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()

	sessions, err := cache.New(cache.DefaultSettings())
	require.NoError(t, err)

	flows := flowstore.NewMemoryStore()
	require.NoError(t, flows.AddTemplate(flowstore.Template{
		ID:       "onboarding",
		TenantID: "t1",
		Nodes: []core.Node{
			{ID: "welcome", Type: core.NodeTypeMessage, NextNodeID: "ask_name",
				Message: &core.MessagePayload{Text: "Welcome!"}},
			{ID: "ask_name", Type: core.NodeTypeInput, NextNodeID: "done",
				Input: &core.InputPayload{Prompt: "Your name?", Variable: "name", Required: true}},
			{ID: "done", Type: core.NodeTypeEnd, End: &core.EndPayload{Text: "Bye {{name}}"}},
		},
	}))

	gate := validation.NewGate(validation.Config{Strict: true})
	engine := navigation.NewEngine(sessions, flows, gate, nil)

	settings := queue.DefaultSettings()
	settings.TickInterval = 5 * time.Millisecond
	settings.RequestTimeout = 2 * time.Second

	o := New(engine, settings)
	o.Start()
	t.Cleanup(o.Stop)
	return o
}

func TestHandleRequestFullConversation(t *testing.T) {
	o := testOrchestrator(t)
	ctx := context.Background()

	resp := o.HandleRequest(ctx, pkg.NavigationRequest{
		SessionID: "s1", UserID: "u1", TenantID: "t1",
		ToNodeID: "welcome", NavigationType: pkg.NavigationGoto, TemplateID: "onboarding",
	})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "Welcome!", resp.BotResponse)
	assert.Equal(t, "ask_name", resp.NextNodeID)

	resp = o.HandleRequest(ctx, pkg.NavigationRequest{
		SessionID: "s1", UserID: "u1", TenantID: "t1",
		NavigationType: pkg.NavigationContinue, TemplateID: "onboarding",
	})
	require.True(t, resp.Success, resp.Error)
	assert.True(t, resp.RequiresUserInput)

	resp = o.HandleRequest(ctx, pkg.NavigationRequest{
		SessionID: "s1", UserID: "u1", TenantID: "t1",
		NavigationType: pkg.NavigationContinue, TemplateID: "onboarding", UserInput: "Juan",
	})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "Bye Juan", resp.BotResponse)
	assert.Equal(t, "Juan", resp.ContextUpdates["name"])
}

func TestHandleRequestFallbackOnFailure(t *testing.T) {
	o := testOrchestrator(t)

	resp := o.HandleRequest(context.Background(), pkg.NavigationRequest{
		SessionID: "s1", UserID: "u1", TenantID: "t1",
		ToNodeID: "ghost", NavigationType: pkg.NavigationGoto,
	})

	assert.False(t, resp.Success)
	assert.Equal(t, FallbackResponse, resp.BotResponse)
	assert.NotEmpty(t, resp.Error)
}

func TestHandleRequestTenantIsolation(t *testing.T) {
	o := testOrchestrator(t)

	resp := o.HandleRequest(context.Background(), pkg.NavigationRequest{
		SessionID: "s1", UserID: "u1", TenantID: "t2",
		ToNodeID: "welcome", NavigationType: pkg.NavigationGoto,
	})

	assert.False(t, resp.Success)
	assert.Equal(t, FallbackResponse, resp.BotResponse)
}

func TestHandleRequestEmptyTargetContinues(t *testing.T) {
	o := testOrchestrator(t)
	ctx := context.Background()

	resp := o.HandleRequest(ctx, pkg.NavigationRequest{
		SessionID: "s1", UserID: "u1", TenantID: "t1",
		ToNodeID: "welcome", NavigationType: pkg.NavigationGoto,
	})
	require.True(t, resp.Success, resp.Error)

	// No explicit target falls back to the continue sentinel.
	resp = o.HandleRequest(ctx, pkg.NavigationRequest{
		SessionID: "s1", UserID: "u1", TenantID: "t1",
	})
	require.True(t, resp.Success, resp.Error)
	assert.True(t, resp.RequiresUserInput)
}
