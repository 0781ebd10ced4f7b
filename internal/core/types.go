package core

import (
	"time"
)

// NodeType identifies the behavior of a flow node.
type NodeType string

const (
	NodeTypeMessage   NodeType = "message"
	NodeTypeInput     NodeType = "input"
	NodeTypeButton    NodeType = "button"
	NodeTypeCondition NodeType = "condition"
	NodeTypeAction    NodeType = "action"
	NodeTypeEnd       NodeType = "end"
)

// ConditionOperator is the comparison applied by a condition clause.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpGreaterThan ConditionOperator = "greater_than"
	OpLessThan    ConditionOperator = "less_than"
	OpContains    ConditionOperator = "contains"
)

// Node is one vertex of a tenant's conversation graph. Nodes are read-only
// during navigation; exactly one payload field is set, matching Type.
type Node struct {
	ID       string   `json:"id" yaml:"id"`
	Type     NodeType `json:"type" yaml:"type"`
	TenantID string   `json:"tenant_id" yaml:"tenant_id"`
	// NextNodeID is the default successor for nodes without labeled edges.
	NextNodeID string `json:"next_node_id,omitempty" yaml:"next,omitempty"`

	Message   *MessagePayload   `json:"message,omitempty" yaml:"message,omitempty"`
	Input     *InputPayload     `json:"input,omitempty" yaml:"input,omitempty"`
	Button    *ButtonPayload    `json:"button,omitempty" yaml:"button,omitempty"`
	Condition *ConditionPayload `json:"condition,omitempty" yaml:"condition,omitempty"`
	Action    *ActionPayload    `json:"action,omitempty" yaml:"action,omitempty"`
	End       *EndPayload       `json:"end,omitempty" yaml:"end,omitempty"`
}

// MessagePayload is the payload of a message node. Text may contain
// {{variable}} placeholders resolved against the session context.
type MessagePayload struct {
	Text string `json:"text" yaml:"text"`
}

// InputPayload is the payload of an input node. The user's next message is
// stored under Variable after passing the declared validation.
type InputPayload struct {
	Prompt    string `json:"prompt" yaml:"prompt"`
	Variable  string `json:"variable" yaml:"variable"`
	Required  bool   `json:"required" yaml:"required"`
	MinLength int    `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	Pattern   string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// ButtonOption is one selectable option of a button/list node.
type ButtonOption struct {
	Label  string `json:"label" yaml:"label"`
	Value  string `json:"value" yaml:"value"`
	NextID string `json:"next_id,omitempty" yaml:"next,omitempty"`
}

// ButtonPayload is the payload of a button/list node.
type ButtonPayload struct {
	Prompt   string         `json:"prompt" yaml:"prompt"`
	Variable string         `json:"variable,omitempty" yaml:"variable,omitempty"`
	Options  []ButtonOption `json:"options" yaml:"options"`
}

// ConditionClause compares one context variable against a literal value and
// routes to Target when it matches.
type ConditionClause struct {
	Variable string            `json:"variable" yaml:"variable"`
	Operator ConditionOperator `json:"operator" yaml:"operator"`
	Value    any               `json:"value" yaml:"value"`
	Target   string            `json:"target" yaml:"target"`
}

// ConditionPayload is the payload of a condition node. Clauses are evaluated
// in order; the first match wins. DefaultTarget is used when nothing matches.
type ConditionPayload struct {
	Clauses       []ConditionClause `json:"clauses" yaml:"clauses"`
	DefaultTarget string            `json:"default_target,omitempty" yaml:"default,omitempty"`
}

// ActionDescriptor is an opaque side-effect dispatched to a named handler.
type ActionDescriptor struct {
	Type   string         `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// ActionPayload is the payload of an action node.
type ActionPayload struct {
	Actions []ActionDescriptor `json:"actions" yaml:"actions"`
}

// EndPayload is the payload of a terminal node.
type EndPayload struct {
	Text string `json:"text,omitempty" yaml:"text,omitempty"`
}

// HistoryEntry records one completed (or failed) transition.
type HistoryEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	FromNodeID string         `json:"from_node_id,omitempty"`
	ToNodeID   string         `json:"to_node_id"`
	Success    bool           `json:"success"`
	Snapshot   map[string]any `json:"snapshot,omitempty"`
}

// Priority orders navigation requests in the processing queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
	PriorityImmediate
)

func (p Priority) String() string {
	switch p {
	case PriorityImmediate:
		return "immediate"
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// ContinueNode is the sentinel target meaning "advance from wherever the
// session currently is".
const ContinueNode = "continue"

// NavigationRequest is one unit of work for the processing queue.
type NavigationRequest struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	TenantID     string    `json:"tenant_id"`
	FromNodeID   string    `json:"from_node_id,omitempty"`
	TargetNodeID string    `json:"target_node_id"`
	TemplateID   string    `json:"template_id,omitempty"`
	UserInput    string    `json:"user_input,omitempty"`
	Priority     Priority  `json:"priority"`
	Dependencies []string  `json:"dependencies,omitempty"`
	MaxRetries   int       `json:"max_retries"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	Rollback     bool      `json:"rollback"`
}

// NavigationResult is the outcome of one Advance call, returned through the
// queue to the caller. ContextUpdates carries the explicit deltas the caller
// merges into the canonical session.
type NavigationResult struct {
	Success           bool           `json:"success"`
	NextNodeID        string         `json:"next_node_id,omitempty"`
	BotResponse       string         `json:"bot_response,omitempty"`
	RequiresUserInput bool           `json:"requires_user_input"`
	ContextUpdates    map[string]any `json:"context_updates,omitempty"`
	Warnings          []string       `json:"warnings,omitempty"`
	Terminal          bool           `json:"terminal"`
	Err               error          `json:"-"`
}
