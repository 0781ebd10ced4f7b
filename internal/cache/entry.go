package cache

import (
	"time"

	"convoflow/internal/core"
)

// Metadata is the bookkeeping attached to a cached session.
type Metadata struct {
	UserID   string
	TenantID string
	Priority PriorityClass
	Tags     []string
}

// entry wraps one session. Entries are owned exclusively by the cache;
// callers only ever see checked-out session copies. Either session or
// compressed is set, never both.
type entry struct {
	session    *core.Session
	compressed []byte

	ttl         time.Duration
	createdAt   time.Time
	lastAccess  time.Time
	accessCount int64
	size        int
	meta        Metadata
}

func (e *entry) expiresAt() time.Time {
	return e.createdAt.Add(e.ttl)
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiresAt())
}

// checkout returns a copy of the session safe to hand to a caller,
// decompressing transparently when needed.
func (e *entry) checkout() (*core.Session, error) {
	if e.session != nil {
		return e.session.Clone(), nil
	}
	return decodeSession(e.compressed)
}
