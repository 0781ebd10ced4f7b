package navigation

import (
	"context"
	"fmt"

	"convoflow/internal/core"
	"convoflow/internal/logger"
)

// setVariableAction writes one variable into the session context.
// Config: {"name": "...", "value": ...}
func setVariableAction(_ context.Context, _ *core.Session, config map[string]any) (map[string]any, error) {
	name, _ := config["name"].(string)
	if name == "" {
		return nil, fmt.Errorf("set_variable: missing name")
	}
	return map[string]any{name: config["value"]}, nil
}

// updateStageAction records an externally-tracked funnel/lead stage under a
// well-known variable. The external lead store consumes the delta; the
// orchestrator only merges it.
// Config: {"stage": "..."}
func updateStageAction(_ context.Context, session *core.Session, config map[string]any) (map[string]any, error) {
	stage, _ := config["stage"].(string)
	if stage == "" {
		return nil, fmt.Errorf("update_stage: missing stage")
	}
	logger.Debug().Str("session_id", session.ID).Str("stage", stage).Msg("lead stage updated")
	return map[string]any{"lead_stage": stage}, nil
}
