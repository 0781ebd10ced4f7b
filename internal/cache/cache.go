// Package cache implements the bounded, indexed, TTL-aware session store.
// All operations are safe for concurrent use; the primary map and the
// user/tenant indices are always updated under the same lock.
package cache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"convoflow/internal/core"
	"convoflow/internal/logger"
)

// SessionCache keeps hot conversational state in memory, keyed by session id
// and indexed by user and tenant. Misses and expirations are benign: Get
// reports them as absence, never as an error.
type SessionCache struct {
	settings Settings

	mu         sync.Mutex
	entries    map[string]*entry
	byUser     map[string]map[string]struct{}
	byTenant   map[string]map[string]struct{}
	totalBytes int64

	metrics metrics

	stopOnce sync.Once
	stopCh   chan struct{}
}

// SetOptions tune one Set call. Zero values fall back to configured policy.
type SetOptions struct {
	TTL      time.Duration
	Priority PriorityClass
	Tags     []string
}

// ListOptions filter and order secondary-index scans.
type ListOptions struct {
	TenantID       string
	IncludeExpired bool
	SortBy         string // "last_access" (default), "created", "access_count"
	Limit          int
}

// New creates a session cache from validated settings.
func New(settings Settings) (*SessionCache, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if settings.Strategy == "" {
		settings.Strategy = defaultStrategy
	}
	return &SessionCache{
		settings: settings,
		entries:  make(map[string]*entry),
		byUser:   make(map[string]map[string]struct{}),
		byTenant: make(map[string]map[string]struct{}),
		stopCh:   make(chan struct{}),
	}, nil
}

// Get returns a checked-out copy of the cached session, or (nil, false) on
// miss. An expired entry counts as a miss and is dropped on sight.
func (c *SessionCache) Get(sessionID string) (*core.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[sessionID]
	if !ok {
		c.metrics.misses.Add(1)
		return nil, false
	}
	if e.expired(time.Now()) {
		c.removeLocked(sessionID)
		c.metrics.expiredEvictions.Add(1)
		c.metrics.misses.Add(1)
		return nil, false
	}

	e.lastAccess = time.Now()
	e.accessCount++
	c.metrics.hits.Add(1)

	session, err := e.checkout()
	if err != nil {
		// A corrupt compressed snapshot is unrecoverable; drop it and
		// report a miss so the caller rebuilds the session.
		logger.Error().Err(err).Str("session_id", sessionID).Msg("dropping unreadable cache entry")
		c.removeLocked(sessionID)
		c.metrics.misses.Add(1)
		return nil, false
	}
	return session, true
}

// Set inserts or replaces a session. TTL resolution: explicit option, else
// policy lookup by tenant/user/priority, else the priority factor applied to
// the default; the result is clamped to [MinTTL, MaxTTL]. Scope limits and
// global ceilings are enforced before insertion.
func (c *SessionCache) Set(sessionID string, session *core.Session, opts SetOptions) error {
	if session == nil {
		return fmt.Errorf("cache: nil session for %s", sessionID)
	}
	if opts.TTL < 0 {
		return fmt.Errorf("cache: negative TTL %s for %s", opts.TTL, sessionID)
	}
	class := opts.Priority
	if class == "" {
		class = ClassNormal
	}
	ttl := c.settings.effectiveTTL(opts.TTL, session.TenantID, session.UserID, class)

	encoded, err := encodeSession(session)
	if err != nil {
		return err
	}

	now := time.Now()
	e := &entry{
		ttl:        ttl,
		createdAt:  now,
		lastAccess: now,
		size:       len(encoded),
		meta: Metadata{
			UserID:   session.UserID,
			TenantID: session.TenantID,
			Priority: class,
			Tags:     opts.Tags,
		},
	}
	if c.settings.CompressionThreshold > 0 && len(encoded) > c.settings.CompressionThreshold {
		compressed, err := compressSnapshot(encoded)
		if err != nil {
			return err
		}
		e.compressed = compressed
		e.size = len(compressed)
	} else {
		e.session = session.Clone()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Replacing an existing entry frees its accounting first.
	if _, exists := c.entries[sessionID]; exists {
		c.removeLocked(sessionID)
	}

	c.enforceScopeLimitLocked(c.byUser[session.UserID], c.settings.MaxPerUser)
	c.enforceScopeLimitLocked(c.byTenant[session.TenantID], c.settings.MaxPerTenant)

	for len(c.entries) >= c.settings.MaxEntries ||
		(c.settings.MaxBytes > 0 && c.totalBytes+int64(e.size) > int64(c.settings.MaxBytes)) {
		if !c.evictOneLocked() {
			break
		}
	}

	c.entries[sessionID] = e
	c.indexAdd(c.byUser, session.UserID, sessionID)
	c.indexAdd(c.byTenant, session.TenantID, sessionID)
	c.totalBytes += int64(e.size)
	c.metrics.sets.Add(1)
	return nil
}

// Remove drops a session from the cache. Removing an absent id is a no-op.
func (c *SessionCache) Remove(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[sessionID]; !ok {
		return false
	}
	c.removeLocked(sessionID)
	c.metrics.removes.Add(1)
	return true
}

// GetUserSessions scans the user index. Only live entries are returned unless
// IncludeExpired is set.
func (c *SessionCache) GetUserSessions(userID string, opts ListOptions) []*core.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collectLocked(c.byUser[userID], opts)
}

// GetTenantSessions scans the tenant index.
func (c *SessionCache) GetTenantSessions(tenantID string, opts ListOptions) []*core.Session {
	opts.TenantID = ""
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collectLocked(c.byTenant[tenantID], opts)
}

// CleanupExpired removes every expired entry and returns how many were
// dropped. It is idempotent and safe to run concurrently with get/set.
func (c *SessionCache) CleanupExpired() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []string
	for id, e := range c.entries {
		if e.expired(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		c.removeLocked(id)
		c.metrics.expiredEvictions.Add(1)
	}
	if len(expired) > 0 {
		logger.Debug().Int("count", len(expired)).Msg("cache cleanup removed expired sessions")
	}
	return len(expired)
}

// Start launches the periodic cleanup loop. Stop terminates it.
func (c *SessionCache) Start() {
	interval := c.settings.CleanupInterval
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.CleanupExpired()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the cleanup loop. Safe to call more than once.
func (c *SessionCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Stats returns a snapshot of the cache counters.
func (c *SessionCache) Stats() Stats {
	c.mu.Lock()
	entries := len(c.entries)
	bytes := c.totalBytes
	c.mu.Unlock()
	return c.metrics.snapshot(entries, bytes)
}

// Len returns the number of entries currently cached, including any that have
// expired but not yet been cleaned up.
func (c *SessionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *SessionCache) collectLocked(ids map[string]struct{}, opts ListOptions) []*core.Session {
	now := time.Now()
	type scored struct {
		session *core.Session
		entry   *entry
	}
	var result []scored
	for id := range ids {
		e, ok := c.entries[id]
		if !ok {
			continue
		}
		if !opts.IncludeExpired && e.expired(now) {
			continue
		}
		if opts.TenantID != "" && e.meta.TenantID != opts.TenantID {
			continue
		}
		s, err := e.checkout()
		if err != nil {
			continue
		}
		result = append(result, scored{session: s, entry: e})
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].entry, result[j].entry
		switch opts.SortBy {
		case "created":
			return a.createdAt.After(b.createdAt)
		case "access_count":
			return a.accessCount > b.accessCount
		default:
			return a.lastAccess.After(b.lastAccess)
		}
	})

	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	sessions := make([]*core.Session, len(result))
	for i, r := range result {
		sessions[i] = r.session
	}
	return sessions
}

// removeLocked drops the entry and both index references together, so no
// dangling index entry can be observed.
func (c *SessionCache) removeLocked(sessionID string) {
	e, ok := c.entries[sessionID]
	if !ok {
		return
	}
	delete(c.entries, sessionID)
	c.indexDrop(c.byUser, e.meta.UserID, sessionID)
	c.indexDrop(c.byTenant, e.meta.TenantID, sessionID)
	c.totalBytes -= int64(e.size)
}

func (c *SessionCache) indexAdd(index map[string]map[string]struct{}, key, sessionID string) {
	if key == "" {
		return
	}
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[sessionID] = struct{}{}
}

func (c *SessionCache) indexDrop(index map[string]map[string]struct{}, key, sessionID string) {
	if set, ok := index[key]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}
