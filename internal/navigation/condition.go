package navigation

import (
	"fmt"
	"strconv"
	"strings"

	"convoflow/internal/core"
)

// evaluateCondition returns the target of the first matching clause, the
// payload default when nothing matches, or "" when there is no route at all.
// Evaluation is total: an unparseable clause evaluates to false.
func evaluateCondition(payload *core.ConditionPayload, session *core.Session) string {
	for _, clause := range payload.Clauses {
		if clauseMatches(clause, session) {
			return clause.Target
		}
	}
	return payload.DefaultTarget
}

func clauseMatches(clause core.ConditionClause, session *core.Session) bool {
	value, ok := session.CollectedData[clause.Variable]
	if !ok {
		value, ok = session.GlobalVars[clause.Variable]
	}
	if !ok {
		return false
	}

	switch clause.Operator {
	case core.OpEquals:
		if numA, okA := toNumber(value); okA {
			if numB, okB := toNumber(clause.Value); okB {
				return numA == numB
			}
		}
		return stringify(value) == stringify(clause.Value)
	case core.OpGreaterThan:
		numA, okA := toNumber(value)
		numB, okB := toNumber(clause.Value)
		return okA && okB && numA > numB
	case core.OpLessThan:
		numA, okA := toNumber(value)
		numB, okB := toNumber(clause.Value)
		return okA && okB && numA < numB
	case core.OpContains:
		return strings.Contains(stringify(value), stringify(clause.Value))
	default:
		return false
	}
}

func toNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	case string:
		num, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return num, err == nil
	case fmt.Stringer:
		num, err := strconv.ParseFloat(val.String(), 64)
		return num, err == nil
	default:
		return 0, false
	}
}
