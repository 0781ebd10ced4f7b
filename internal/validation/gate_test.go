package validation

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convoflow/internal/core"
)

func testInput(node *core.Node) Input {
	session := core.NewSession("s1", "u1", "t1")
	toNodeID := ""
	if node != nil {
		toNodeID = node.ID
	}
	return Input{
		Session:    session,
		ToNodeID:   toNodeID,
		TargetNode: node,
	}
}

func TestMissingNodeFailsValidation(t *testing.T) {
	gate := NewGate(Config{Strict: true})

	verdict := gate.Evaluate(Input{Session: core.NewSession("s1", "u1", "t1"), ToNodeID: "ghost"})

	assert.False(t, verdict.Valid)
	assert.False(t, verdict.CanProceed)
	require.NotEmpty(t, verdict.Violations())
	assert.Contains(t, verdict.Violations()[0], "node_exists")
}

func TestStrictModeHaltsAtBlockingFailure(t *testing.T) {
	gate := NewGate(Config{Strict: true})

	verdict := gate.Evaluate(Input{Session: core.NewSession("s1", "u1", "t1"), ToNodeID: "ghost"})

	// node_exists is blocking and runs first; nothing else is evaluated.
	assert.Len(t, verdict.Results, 1)
}

func TestTenantIsolation(t *testing.T) {
	node := &core.Node{ID: "n1", Type: core.NodeTypeMessage, TenantID: "other",
		Message: &core.MessagePayload{Text: "hi"}}
	gate := NewGate(Config{Strict: true})

	verdict := gate.Evaluate(testInput(node))

	assert.False(t, verdict.Valid)
	found := false
	for _, r := range verdict.Results {
		if r.Rule == "tenant_isolation" && !r.IsValid {
			found = true
		}
	}
	assert.True(t, found, "tenant_isolation must fail for cross-tenant node")
}

func TestSameTenantPasses(t *testing.T) {
	node := &core.Node{ID: "n1", Type: core.NodeTypeMessage, TenantID: "t1",
		Message: &core.MessagePayload{Text: "hi"}}
	gate := NewGate(Config{Strict: true})

	verdict := gate.Evaluate(testInput(node))

	assert.True(t, verdict.Valid)
	assert.True(t, verdict.CanProceed)
}

func TestRequiredVarsWarnsButProceeds(t *testing.T) {
	node := &core.Node{ID: "cond", Type: core.NodeTypeCondition, TenantID: "t1",
		Condition: &core.ConditionPayload{Clauses: []core.ConditionClause{
			{Variable: "age", Operator: core.OpGreaterThan, Value: 18, Target: "a"},
		}}}
	gate := NewGate(Config{Strict: true})

	verdict := gate.Evaluate(testInput(node))

	assert.True(t, verdict.Valid, "warnings do not invalidate by default")
	assert.True(t, verdict.CanProceed)
}

func TestFailOnWarning(t *testing.T) {
	node := &core.Node{ID: "cond", Type: core.NodeTypeCondition, TenantID: "t1",
		Condition: &core.ConditionPayload{Clauses: []core.ConditionClause{
			{Variable: "age", Operator: core.OpGreaterThan, Value: 18, Target: "a"},
		}}}
	gate := NewGate(Config{Strict: false, FailOnWarning: true})

	verdict := gate.Evaluate(testInput(node))

	assert.False(t, verdict.Valid)
}

func TestAntiLoopFlagsRepeatedNode(t *testing.T) {
	node := &core.Node{ID: "loop", Type: core.NodeTypeMessage, TenantID: "t1",
		Message: &core.MessagePayload{Text: "again"}}
	in := testInput(node)
	for i := 0; i < 3; i++ {
		in.Session.AppendHistory(core.HistoryEntry{ToNodeID: "loop", Timestamp: time.Now()})
	}
	gate := NewGate(Config{})

	verdict := gate.Evaluate(in)

	flagged := false
	for _, r := range verdict.Results {
		if r.Rule == "anti_loop" && !r.IsValid {
			flagged = true
			assert.Equal(t, SeverityWarning, r.Severity)
		}
	}
	assert.True(t, flagged)
}

func TestRateLimitFlagsBurst(t *testing.T) {
	node := &core.Node{ID: "n1", Type: core.NodeTypeMessage, TenantID: "t1",
		Message: &core.MessagePayload{Text: "hi"}}
	in := testInput(node)
	for i := 0; i < 40; i++ {
		in.Session.History = append(in.Session.History, core.HistoryEntry{
			ToNodeID: "x", Timestamp: time.Now(),
		})
	}
	gate := NewGate(Config{})

	verdict := gate.Evaluate(in)

	flagged := false
	for _, r := range verdict.Results {
		if r.Rule == "rate_limit" && !r.IsValid {
			flagged = true
		}
	}
	assert.True(t, flagged)
}

func TestSubsetEvaluation(t *testing.T) {
	gate := NewGate(Config{})

	verdict := gate.Evaluate(Input{Session: core.NewSession("s1", "u1", "t1"), ToNodeID: "ghost"}, "anti_loop")

	require.Len(t, verdict.Results, 1)
	assert.Equal(t, "anti_loop", verdict.Results[0].Rule)
	assert.True(t, verdict.Valid, "missing node not checked when excluded from the subset")
}

func TestVerdictCache(t *testing.T) {
	gate := NewGate(Config{CacheTTL: time.Minute})
	in := Input{Session: core.NewSession("s1", "u1", "t1"), ToNodeID: "ghost"}

	first := gate.Evaluate(in)
	require.False(t, first.Valid)

	// The node now "exists", but the cached verdict is still served.
	in.TargetNode = &core.Node{ID: "ghost", Type: core.NodeTypeMessage, TenantID: "t1",
		Message: &core.MessagePayload{Text: "hi"}}
	second := gate.Evaluate(in)
	assert.False(t, second.Valid)
}

func TestVerdictCachePruned(t *testing.T) {
	gate := NewGate(Config{CacheTTL: 10 * time.Millisecond})
	for i := 0; i < 5; i++ {
		gate.Evaluate(Input{Session: core.NewSession(fmt.Sprintf("s%d", i), "u1", "t1"), ToNodeID: "ghost"})
	}

	time.Sleep(25 * time.Millisecond)
	gate.Evaluate(Input{Session: core.NewSession("fresh", "u1", "t1"), ToNodeID: "ghost"})

	gate.mu.RLock()
	size := len(gate.cache)
	gate.mu.RUnlock()
	assert.Equal(t, 1, size, "expired verdicts swept on the next insert")
}

func TestCustomRuleOrdering(t *testing.T) {
	gate := NewGate(Config{})
	gate.Register(stubRule{name: "low_rule", priority: PriorityLow})

	node := &core.Node{ID: "n1", Type: core.NodeTypeMessage, TenantID: "t1",
		Message: &core.MessagePayload{Text: "hi"}}
	verdict := gate.Evaluate(testInput(node))

	require.NotEmpty(t, verdict.Results)
	assert.Equal(t, "low_rule", verdict.Results[len(verdict.Results)-1].Rule,
		"lowest priority rule evaluated last")
}

type stubRule struct {
	name     string
	priority RulePriority
}

func (r stubRule) Name() string           { return r.name }
func (r stubRule) Category() Category     { return CategoryBusiness }
func (r stubRule) Priority() RulePriority { return r.priority }
func (r stubRule) Blocking() bool         { return false }
func (r stubRule) Evaluate(Input) Result {
	return Result{Rule: r.name, IsValid: true, Severity: SeverityInfo, CanProceed: true}
}
