package navigation

import (
	"fmt"
	"regexp"
	"time"

	"convoflow/internal/core"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// interpolate resolves {{variable}} placeholders against the session context:
// collected data first, then global vars, then built-ins. A variable that
// resolves nowhere renders as the empty string; malformed placeholder syntax
// is left verbatim. Interpolation never fails.
func interpolate(text string, session *core.Session) string {
	if text == "" || session == nil {
		return text
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		if v, ok := session.CollectedData[name]; ok {
			return stringify(v)
		}
		if v, ok := session.GlobalVars[name]; ok {
			return stringify(v)
		}
		if v, ok := builtinVar(name); ok {
			return v
		}
		return ""
	})
}

func builtinVar(name string) (string, bool) {
	switch name {
	case "now", "timestamp":
		return time.Now().Format(time.RFC3339), true
	case "date":
		return time.Now().Format("2006-01-02"), true
	case "time":
		return time.Now().Format("15:04"), true
	default:
		return "", false
	}
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		// JSON round-trips numbers as float64; render integers without the
		// trailing fraction.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
