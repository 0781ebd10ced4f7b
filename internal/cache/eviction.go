package cache

import (
	"convoflow/internal/logger"
)

// enforceScopeLimitLocked evicts the least-recently-used entry within one
// user or tenant scope until a new insertion would fit under the limit.
func (c *SessionCache) enforceScopeLimitLocked(ids map[string]struct{}, limit int) {
	if limit <= 0 {
		return
	}
	for len(ids) >= limit {
		victim := ""
		for id := range ids {
			e, ok := c.entries[id]
			if !ok {
				continue
			}
			if victim == "" || e.lastAccess.Before(c.entries[victim].lastAccess) {
				victim = id
			}
		}
		if victim == "" {
			return
		}
		logger.Debug().Str("session_id", victim).Msg("evicting session over scope limit")
		c.removeLocked(victim)
		c.metrics.scopeEvictions.Add(1)
	}
}

// evictOneLocked discards one entry chosen by the configured strategy.
// Returns false when the cache is empty.
func (c *SessionCache) evictOneLocked() bool {
	victim := ""
	var best *entry
	for id, e := range c.entries {
		if best == nil || c.worseThan(e, best) {
			victim = id
			best = e
		}
	}
	if victim == "" {
		return false
	}
	logger.Debug().Str("session_id", victim).Str("strategy", string(c.settings.Strategy)).
		Msg("evicting session under cache pressure")
	c.removeLocked(victim)
	c.metrics.pressEvictions.Add(1)
	return true
}

// worseThan reports whether a is a better eviction victim than b under the
// configured strategy.
func (c *SessionCache) worseThan(a, b *entry) bool {
	switch c.settings.Strategy {
	case StrategyLFU:
		if a.accessCount != b.accessCount {
			return a.accessCount < b.accessCount
		}
		return a.lastAccess.Before(b.lastAccess)
	case StrategyTTL:
		return a.expiresAt().Before(b.expiresAt())
	case StrategySize:
		if a.size != b.size {
			return a.size > b.size
		}
		return a.lastAccess.Before(b.lastAccess)
	default: // LRU
		return a.lastAccess.Before(b.lastAccess)
	}
}
