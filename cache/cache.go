// Package cache is the short-TTL read cache behind the request router. It
// exists for read-your-writes: a routed write populates the entity entry, so
// an immediate read returns the written state even while the engine applies
// the change asynchronously. Entries are bounded by TTL, never by freshness
// guarantees beyond it.
package cache

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/hemlock-io/relay/event"
	"github.com/hemlock-io/relay/telemetry"
)

type entry struct {
	body      []byte
	expiresAt time.Time
}

// Stats is a point-in-time snapshot for the admin API
type Stats struct {
	Entities int    `json:"entities"`
	Lists    int    `json:"lists"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
}

// Cache holds entity bodies keyed by (kind, id) and list result bodies keyed
// by (kind, query hash). List invalidation is coarse: any write to a kind
// drops every cached list for that kind.
type Cache struct {
	ttl time.Duration

	entities *xsync.MapOf[string, entry]
	lists    *xsync.MapOf[string, entry]

	hits   atomic.Uint64
	misses atomic.Uint64

	sweepInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New creates a cache. Start must be called to run the background sweeper.
func New(ttl, sweepInterval time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Second
	}

	return &Cache{
		ttl:           ttl,
		entities:      xsync.NewMapOf[string, entry](),
		lists:         xsync.NewMapOf[string, entry](),
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

func entityKey(kind event.Kind, id string) string {
	return string(kind) + "/" + id
}

func listKey(kind event.Kind, query []byte) string {
	return string(kind) + "/" + strconv.FormatUint(xxhash.Sum64(query), 16)
}

// GetEntity returns the cached body for an entity, if present and unexpired.
// Expired entries are dropped lazily on access.
func (c *Cache) GetEntity(kind event.Kind, id string) ([]byte, bool) {
	return c.get(c.entities, entityKey(kind, id))
}

// PutEntity caches an entity body for the configured TTL
func (c *Cache) PutEntity(kind event.Kind, id string, body []byte) {
	c.entities.Store(entityKey(kind, id), entry{body: body, expiresAt: time.Now().Add(c.ttl)})
}

// GetList returns the cached result body for a list query, if present and unexpired
func (c *Cache) GetList(kind event.Kind, query []byte) ([]byte, bool) {
	return c.get(c.lists, listKey(kind, query))
}

// PutList caches a list result body for the configured TTL
func (c *Cache) PutList(kind event.Kind, query, body []byte) {
	c.lists.Store(listKey(kind, query), entry{body: body, expiresAt: time.Now().Add(c.ttl)})
}

func (c *Cache) get(m *xsync.MapOf[string, entry], key string) ([]byte, bool) {
	e, ok := m.Load(key)
	if !ok {
		c.misses.Add(1)
		telemetry.CacheOpsTotal.With("miss").Inc()
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		m.Delete(key)
		c.misses.Add(1)
		telemetry.CacheOpsTotal.With("expired").Inc()
		return nil, false
	}

	c.hits.Add(1)
	telemetry.CacheOpsTotal.With("hit").Inc()
	return e.body, true
}

// InvalidateEntity drops one cached entity
func (c *Cache) InvalidateEntity(kind event.Kind, id string) {
	c.entities.Delete(entityKey(kind, id))
	telemetry.CacheInvalidationsTotal.With("entity").Inc()
}

// InvalidateLists drops every cached list for a kind. Called on any write to
// that kind; a stale filtered or paginated list cannot be patched in place.
func (c *Cache) InvalidateLists(kind event.Kind) {
	prefix := string(kind) + "/"
	c.lists.Range(func(key string, _ entry) bool {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.lists.Delete(key)
		}
		return true
	})
	telemetry.CacheInvalidationsTotal.With("list").Inc()
}

// Stats snapshots cache counters for the admin API
func (c *Cache) Stats() Stats {
	return Stats{
		Entities: c.entities.Size(),
		Lists:    c.lists.Size(),
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
	}
}

// Start runs the background sweeper that evicts expired entries so memory is
// not held by keys nobody reads again.
func (c *Cache) Start() {
	go func() {
		defer close(c.doneCh)

		ticker := time.NewTicker(c.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

func (c *Cache) sweep() {
	now := time.Now()

	for _, m := range []*xsync.MapOf[string, entry]{c.entities, c.lists} {
		m.Range(func(key string, e entry) bool {
			if now.After(e.expiresAt) {
				m.Delete(key)
			}
			return true
		})
	}

	telemetry.CacheEntries.Set(float64(c.entities.Size() + c.lists.Size()))
}

// Stop stops the sweeper and waits for it to exit
func (c *Cache) Stop() {
	close(c.stopCh)
	<-c.doneCh
}
