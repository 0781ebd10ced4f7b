package cache

import "sync/atomic"

// metrics counts cache activity. All fields are updated atomically so reads
// never need the cache lock.
type metrics struct {
	hits             atomic.Int64
	misses           atomic.Int64
	sets             atomic.Int64
	removes          atomic.Int64
	expiredEvictions atomic.Int64
	scopeEvictions   atomic.Int64
	pressEvictions   atomic.Int64
}

// Stats is a point-in-time snapshot of cache counters and occupancy.
type Stats struct {
	Hits              int64 `json:"hits"`
	Misses            int64 `json:"misses"`
	Sets              int64 `json:"sets"`
	Removes           int64 `json:"removes"`
	ExpiredEvictions  int64 `json:"expired_evictions"`
	ScopeEvictions    int64 `json:"scope_evictions"`
	PressureEvictions int64 `json:"pressure_evictions"`
	Entries           int   `json:"entries"`
	Bytes             int64 `json:"bytes"`
}

func (m *metrics) snapshot(entries int, bytes int64) Stats {
	return Stats{
		Hits:              m.hits.Load(),
		Misses:            m.misses.Load(),
		Sets:              m.sets.Load(),
		Removes:           m.removes.Load(),
		ExpiredEvictions:  m.expiredEvictions.Load(),
		ScopeEvictions:    m.scopeEvictions.Load(),
		PressureEvictions: m.pressEvictions.Load(),
		Entries:           entries,
		Bytes:             bytes,
	}
}
