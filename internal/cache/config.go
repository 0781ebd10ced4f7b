package cache

import (
	"fmt"
	"time"
)

// Strategy selects which entry is discarded under pressure.
type Strategy string

const (
	StrategyLRU     Strategy = "lru"
	StrategyLFU     Strategy = "lfu"
	StrategyTTL     Strategy = "ttl"  // nearest to expiry first
	StrategySize    Strategy = "size" // largest entry first
	defaultStrategy          = StrategyLRU
)

// PriorityClass groups sessions for TTL policy and eviction metadata.
type PriorityClass string

const (
	ClassLow    PriorityClass = "low"
	ClassNormal PriorityClass = "normal"
	ClassHigh   PriorityClass = "high"
)

// TTLPolicy overrides the default TTL for sessions matching the non-empty
// fields. More specific policies (user > tenant > priority) win.
type TTLPolicy struct {
	TenantID string        `yaml:"tenant_id,omitempty"`
	UserID   string        `yaml:"user_id,omitempty"`
	Priority PriorityClass `yaml:"priority,omitempty"`
	TTL      time.Duration `yaml:"-"`
}

// UnmarshalYAML accepts duration strings ("30m", "2h") for the ttl field.
func (p *TTLPolicy) UnmarshalYAML(unmarshal func(any) error) error {
	var raw struct {
		TenantID string        `yaml:"tenant_id"`
		UserID   string        `yaml:"user_id"`
		Priority PriorityClass `yaml:"priority"`
		TTL      string        `yaml:"ttl"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	p.TenantID = raw.TenantID
	p.UserID = raw.UserID
	p.Priority = raw.Priority
	if raw.TTL != "" {
		ttl, err := time.ParseDuration(raw.TTL)
		if err != nil {
			return fmt.Errorf("cache: invalid policy ttl %q: %w", raw.TTL, err)
		}
		p.TTL = ttl
	}
	return nil
}

// Settings configures the session cache.
type Settings struct {
	MaxEntries   int `envconfig:"CACHE_MAX_ENTRIES" default:"10000"`
	MaxBytes     int `envconfig:"CACHE_MAX_BYTES" default:"67108864"`
	MaxPerUser   int `envconfig:"CACHE_MAX_PER_USER" default:"5"`
	MaxPerTenant int `envconfig:"CACHE_MAX_PER_TENANT" default:"2000"`

	DefaultTTL      time.Duration `envconfig:"CACHE_DEFAULT_TTL" default:"40m"`
	MinTTL          time.Duration `envconfig:"CACHE_MIN_TTL" default:"1m"`
	MaxTTL          time.Duration `envconfig:"CACHE_MAX_TTL" default:"24h"`
	CleanupInterval time.Duration `envconfig:"CACHE_CLEANUP_INTERVAL" default:"1m"`

	Strategy Strategy `envconfig:"CACHE_EVICTION_STRATEGY" default:"lru"`

	// Entries whose encoded size exceeds the threshold are stored gzipped.
	// Zero disables compression.
	CompressionThreshold int `envconfig:"CACHE_COMPRESSION_THRESHOLD" default:"8192"`

	TTLPolicies []TTLPolicy `ignored:"true" yaml:"ttl_policies,omitempty"`

	// PriorityTTLFactor scales the default TTL per priority class when no
	// policy matches.
	PriorityTTLFactor map[PriorityClass]float64 `ignored:"true" yaml:"priority_ttl_factor,omitempty"`
}

// DefaultSettings returns the cache defaults used outside envconfig.
func DefaultSettings() Settings {
	return Settings{
		MaxEntries:           10000,
		MaxBytes:             64 << 20,
		MaxPerUser:           5,
		MaxPerTenant:         2000,
		DefaultTTL:           40 * time.Minute,
		MinTTL:               time.Minute,
		MaxTTL:               24 * time.Hour,
		CleanupInterval:      time.Minute,
		Strategy:             defaultStrategy,
		CompressionThreshold: 8192,
	}
}

// Validate rejects configurations the cache cannot operate with.
func (s *Settings) Validate() error {
	if s.DefaultTTL < 0 || s.MinTTL < 0 || s.MaxTTL < 0 {
		return fmt.Errorf("cache: negative TTL in settings")
	}
	if s.MaxTTL > 0 && s.MinTTL > s.MaxTTL {
		return fmt.Errorf("cache: min TTL %s exceeds max TTL %s", s.MinTTL, s.MaxTTL)
	}
	if s.MaxEntries <= 0 {
		return fmt.Errorf("cache: max entries must be positive")
	}
	switch s.Strategy {
	case StrategyLRU, StrategyLFU, StrategyTTL, StrategySize, "":
	default:
		return fmt.Errorf("cache: unknown eviction strategy %q", s.Strategy)
	}
	return nil
}

// effectiveTTL resolves the TTL for a Set: explicit override first, then the
// most specific matching policy, then the priority factor applied to the
// default. The result is always clamped to [MinTTL, MaxTTL].
func (s *Settings) effectiveTTL(override time.Duration, tenantID, userID string, class PriorityClass) time.Duration {
	ttl := override
	if ttl <= 0 {
		if p, ok := s.lookupPolicy(tenantID, userID, class); ok {
			ttl = p.TTL
		} else {
			ttl = s.DefaultTTL
			if factor, ok := s.PriorityTTLFactor[class]; ok && factor > 0 {
				ttl = time.Duration(float64(ttl) * factor)
			}
		}
	}
	return s.clampTTL(ttl)
}

func (s *Settings) lookupPolicy(tenantID, userID string, class PriorityClass) (TTLPolicy, bool) {
	best := -1
	var found TTLPolicy
	for _, p := range s.TTLPolicies {
		score := 0
		if p.UserID != "" {
			if p.UserID != userID {
				continue
			}
			score += 4
		}
		if p.TenantID != "" {
			if p.TenantID != tenantID {
				continue
			}
			score += 2
		}
		if p.Priority != "" {
			if p.Priority != class {
				continue
			}
			score++
		}
		if score > best {
			best = score
			found = p
		}
	}
	return found, best >= 0
}

func (s *Settings) clampTTL(ttl time.Duration) time.Duration {
	if s.MinTTL > 0 && ttl < s.MinTTL {
		ttl = s.MinTTL
	}
	if s.MaxTTL > 0 && ttl > s.MaxTTL {
		ttl = s.MaxTTL
	}
	return ttl
}
