// Package validation implements the rule engine that vets a proposed
// transition before the state machine executes it.
package validation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"convoflow/internal/core"
	"convoflow/internal/logger"
)

// Severity classifies a rule result.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Category tags a rule by concern.
type Category string

const (
	CategoryStructure   Category = "structure"
	CategorySecurity    Category = "security"
	CategoryData        Category = "data"
	CategoryBusiness    Category = "business"
	CategoryPerformance Category = "performance"
)

// RulePriority orders rule evaluation: critical rules run first.
type RulePriority int

const (
	PriorityLow RulePriority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// Input carries everything a rule may inspect. Rules are pure over these
// fields plus the session's current state.
type Input struct {
	Session    *core.Session
	FromNodeID string
	ToNodeID   string
	TemplateID string
	TargetNode *core.Node // nil when the target could not be resolved
}

// Result is a single rule's verdict.
type Result struct {
	Rule       string   `json:"rule"`
	IsValid    bool     `json:"is_valid"`
	Severity   Severity `json:"severity"`
	CanProceed bool     `json:"can_proceed"`
	Message    string   `json:"message,omitempty"`
}

// Rule is one independent validation check.
type Rule interface {
	Name() string
	Category() Category
	Priority() RulePriority
	Blocking() bool
	Evaluate(in Input) Result
}

// Verdict aggregates all rule results for one proposed transition.
type Verdict struct {
	Valid      bool     `json:"valid"`
	CanProceed bool     `json:"can_proceed"`
	Results    []Result `json:"results"`
}

// Violations returns the messages of failed results, for surfacing to callers.
func (v Verdict) Violations() []string {
	var out []string
	for _, r := range v.Results {
		if !r.IsValid {
			out = append(out, fmt.Sprintf("%s: %s", r.Rule, r.Message))
		}
	}
	return out
}

// Config controls gate aggregation behavior.
type Config struct {
	// Strict halts evaluation at the first failed blocking rule and makes
	// ValidationFailed fatal to the transition.
	Strict bool `envconfig:"VALIDATION_STRICT" default:"true"`
	// FailOnWarning makes warnings invalidate the verdict too.
	FailOnWarning bool `envconfig:"VALIDATION_FAIL_ON_WARNING" default:"false"`
	// Lenient lets the transition proceed despite recoverable (non-error)
	// failures.
	Lenient bool `envconfig:"VALIDATION_LENIENT" default:"false"`
	// CacheTTL bounds how long a verdict for one (session, from, to,
	// template) tuple is reused. Zero disables caching.
	CacheTTL time.Duration `envconfig:"VALIDATION_CACHE_TTL" default:"5s"`
}

type cachedVerdict struct {
	verdict Verdict
	expires time.Time
}

// Gate evaluates registered rules in priority order.
type Gate struct {
	cfg       Config
	mu        sync.RWMutex
	rules     []Rule
	cache     map[string]cachedVerdict
	nextSweep time.Time
}

// NewGate creates a gate with the built-in rule set registered.
func NewGate(cfg Config) *Gate {
	g := &Gate{
		cfg:   cfg,
		cache: make(map[string]cachedVerdict),
	}
	for _, r := range builtinRules() {
		g.Register(r)
	}
	return g
}

// Register adds a rule, keeping the rule list sorted by descending priority.
func (g *Gate) Register(r Rule) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = append(g.rules, r)
	sort.SliceStable(g.rules, func(i, j int) bool {
		return g.rules[i].Priority() > g.rules[j].Priority()
	})
}

// Evaluate runs all enabled rules, or only the named subset when given.
// A failed blocking rule halts further evaluation in strict mode.
func (g *Gate) Evaluate(in Input, only ...string) Verdict {
	key := g.cacheKey(in)
	if g.cfg.CacheTTL > 0 && len(only) == 0 {
		g.mu.RLock()
		cached, ok := g.cache[key]
		g.mu.RUnlock()
		if ok && time.Now().Before(cached.expires) {
			return cached.verdict
		}
	}

	subset := make(map[string]bool, len(only))
	for _, name := range only {
		subset[name] = true
	}

	g.mu.RLock()
	rules := make([]Rule, len(g.rules))
	copy(rules, g.rules)
	g.mu.RUnlock()

	verdict := Verdict{Valid: true, CanProceed: true}
	for _, rule := range rules {
		if len(subset) > 0 && !subset[rule.Name()] {
			continue
		}
		result := rule.Evaluate(in)
		verdict.Results = append(verdict.Results, result)

		if !result.IsValid {
			if result.Severity == SeverityError || (g.cfg.FailOnWarning && result.Severity == SeverityWarning) {
				verdict.Valid = false
			}
			logger.Debug().Str("rule", rule.Name()).Str("severity", string(result.Severity)).
				Str("to_node", in.ToNodeID).Msg("validation rule failed")
		}
		if !result.CanProceed {
			if !(g.cfg.Lenient && result.Severity != SeverityError) {
				verdict.CanProceed = false
			}
		}
		if !result.IsValid && rule.Blocking() && g.cfg.Strict {
			break
		}
	}

	if g.cfg.CacheTTL > 0 && len(only) == 0 {
		g.mu.Lock()
		now := time.Now()
		// Dead verdicts are swept at most once per TTL so the cache stays
		// bounded by the live working set.
		if now.After(g.nextSweep) {
			for k, v := range g.cache {
				if now.After(v.expires) {
					delete(g.cache, k)
				}
			}
			g.nextSweep = now.Add(g.cfg.CacheTTL)
		}
		g.cache[key] = cachedVerdict{verdict: verdict, expires: now.Add(g.cfg.CacheTTL)}
		g.mu.Unlock()
	}
	return verdict
}

// Strict reports whether a vetoed verdict should fail the transition.
func (g *Gate) Strict() bool {
	return g.cfg.Strict
}

func (g *Gate) cacheKey(in Input) string {
	sessionID := ""
	if in.Session != nil {
		sessionID = in.Session.ID
	}
	return sessionID + "|" + in.FromNodeID + "|" + in.ToNodeID + "|" + in.TemplateID
}
