// Package pkg holds the wire-level types exchanged with the external
// message-routing layer.
package pkg

// NavigationType distinguishes how the routing layer resolved the inbound
// message.
type NavigationType string

const (
	// NavigationGoto targets an explicit node id.
	NavigationGoto NavigationType = "goto"
	// NavigationContinue advances from the session's current position.
	NavigationContinue NavigationType = "continue"
)

// NavigationRequest is the inbound payload produced by the message-routing
// layer once it has resolved the user's raw text or button click.
type NavigationRequest struct {
	SessionID      string         `json:"session_id"`
	UserID         string         `json:"user_id"`
	TenantID       string         `json:"tenant_id"`
	FromNodeID     string         `json:"from_node_id,omitempty"`
	ToNodeID       string         `json:"to_node_id,omitempty"`
	NavigationType NavigationType `json:"navigation_type"`
	TemplateID     string         `json:"template_id,omitempty"`
	// UserInput carries the raw message text for sessions awaiting input.
	UserInput string `json:"user_input,omitempty"`
}

// Response is the per-request payload returned to the transport layer.
type Response struct {
	Success           bool           `json:"success"`
	BotResponse       string         `json:"bot_response,omitempty"`
	RequiresUserInput bool           `json:"requires_user_input"`
	NextNodeID        string         `json:"next_node_id,omitempty"`
	ContextUpdates    map[string]any `json:"context_updates,omitempty"`
	Error             string         `json:"error,omitempty"`
}
