package validation

import (
	"fmt"
	"time"
)

// Built-in rules, evaluated in descending priority order:
//
//	node_exists       blocking, critical
//	tenant_isolation  blocking, critical
//	required_vars     non-blocking, high
//	anti_loop         non-blocking, medium
//	rate_limit        non-blocking, medium
func builtinRules() []Rule {
	return []Rule{
		nodeExistsRule{},
		tenantIsolationRule{},
		requiredVarsRule{},
		antiLoopRule{},
		rateLimitRule{},
	}
}

func pass(name string) Result {
	return Result{Rule: name, IsValid: true, Severity: SeverityInfo, CanProceed: true}
}

// nodeExistsRule rejects transitions to nodes the flow store cannot resolve.
type nodeExistsRule struct{}

func (nodeExistsRule) Name() string           { return "node_exists" }
func (nodeExistsRule) Category() Category     { return CategoryStructure }
func (nodeExistsRule) Priority() RulePriority { return PriorityCritical }
func (nodeExistsRule) Blocking() bool         { return true }

func (r nodeExistsRule) Evaluate(in Input) Result {
	if in.TargetNode == nil {
		return Result{
			Rule:     r.Name(),
			Severity: SeverityError,
			Message:  fmt.Sprintf("target node %q does not exist", in.ToNodeID),
		}
	}
	return pass(r.Name())
}

// tenantIsolationRule rejects cross-tenant transitions: a node's tenant must
// match the session's tenant.
type tenantIsolationRule struct{}

func (tenantIsolationRule) Name() string           { return "tenant_isolation" }
func (tenantIsolationRule) Category() Category     { return CategorySecurity }
func (tenantIsolationRule) Priority() RulePriority { return PriorityCritical }
func (tenantIsolationRule) Blocking() bool         { return true }

func (r tenantIsolationRule) Evaluate(in Input) Result {
	if in.TargetNode == nil || in.Session == nil {
		return pass(r.Name())
	}
	if in.TargetNode.TenantID != "" && in.TargetNode.TenantID != in.Session.TenantID {
		return Result{
			Rule:     r.Name(),
			Severity: SeverityError,
			Message: fmt.Sprintf("node %s belongs to tenant %s, session belongs to %s",
				in.TargetNode.ID, in.TargetNode.TenantID, in.Session.TenantID),
		}
	}
	return pass(r.Name())
}

// requiredVarsRule flags condition nodes whose clauses reference variables the
// session has not collected yet.
type requiredVarsRule struct{}

func (requiredVarsRule) Name() string           { return "required_vars" }
func (requiredVarsRule) Category() Category     { return CategoryData }
func (requiredVarsRule) Priority() RulePriority { return PriorityHigh }
func (requiredVarsRule) Blocking() bool         { return false }

func (r requiredVarsRule) Evaluate(in Input) Result {
	if in.TargetNode == nil || in.Session == nil || in.TargetNode.Condition == nil {
		return pass(r.Name())
	}
	var missing []string
	for _, clause := range in.TargetNode.Condition.Clauses {
		if _, ok := in.Session.CollectedData[clause.Variable]; ok {
			continue
		}
		if _, ok := in.Session.GlobalVars[clause.Variable]; ok {
			continue
		}
		missing = append(missing, clause.Variable)
	}
	if len(missing) > 0 {
		return Result{
			Rule:       r.Name(),
			Severity:   SeverityWarning,
			CanProceed: true,
			Message:    fmt.Sprintf("condition references uncollected variables: %v", missing),
		}
	}
	return pass(r.Name())
}

// antiLoopRule flags a target node recurring at least twice within the last
// five history entries.
type antiLoopRule struct{}

func (antiLoopRule) Name() string           { return "anti_loop" }
func (antiLoopRule) Category() Category     { return CategoryBusiness }
func (antiLoopRule) Priority() RulePriority { return PriorityMedium }
func (antiLoopRule) Blocking() bool         { return false }

func (r antiLoopRule) Evaluate(in Input) Result {
	if in.Session == nil {
		return pass(r.Name())
	}
	history := in.Session.History
	window := history
	if len(window) > 5 {
		window = window[len(window)-5:]
	}
	count := 0
	for _, entry := range window {
		if entry.ToNodeID == in.ToNodeID {
			count++
		}
	}
	if count >= 2 {
		return Result{
			Rule:       r.Name(),
			Severity:   SeverityWarning,
			CanProceed: true,
			Message:    fmt.Sprintf("node %s visited %d times in the last %d transitions", in.ToNodeID, count, len(window)),
		}
	}
	return pass(r.Name())
}

// rateLimitRule flags sessions exceeding 30 transitions in a sliding
// one-minute window.
type rateLimitRule struct{}

const (
	rateLimitWindow = time.Minute
	rateLimitMax    = 30
)

func (rateLimitRule) Name() string           { return "rate_limit" }
func (rateLimitRule) Category() Category     { return CategoryPerformance }
func (rateLimitRule) Priority() RulePriority { return PriorityMedium }
func (rateLimitRule) Blocking() bool         { return false }

func (r rateLimitRule) Evaluate(in Input) Result {
	if in.Session == nil {
		return pass(r.Name())
	}
	cutoff := time.Now().Add(-rateLimitWindow)
	count := 0
	for i := len(in.Session.History) - 1; i >= 0; i-- {
		if in.Session.History[i].Timestamp.Before(cutoff) {
			break
		}
		count++
	}
	if count > rateLimitMax {
		return Result{
			Rule:       r.Name(),
			Severity:   SeverityWarning,
			CanProceed: true,
			Message:    fmt.Sprintf("%d transitions in the last minute exceeds limit of %d", count, rateLimitMax),
		}
	}
	return pass(r.Name())
}
