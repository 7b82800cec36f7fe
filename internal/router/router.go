// Package router implements the flood router (spec §4.3): LRU+TTL
// deduplication, loop prevention via seen_by, and forwarding-target
// selection. Deduplication is linearizable across the two delivery paths
// (central notify vs. peripheral write) via a single critical section
// guarding the cache and seen_by mutation (spec §5).
package router

import (
	"container/list"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"meshtalk/internal/config"
	"meshtalk/internal/message"
)

// Stats mirrors the routing counters of the original implementation,
// exposed for observability.
type Stats struct {
	MessagesReceived         int64
	MessagesForwarded        int64
	MessagesDroppedDuplicate int64
	MessagesDroppedTTL       int64
	MessagesDroppedSeen      int64
	MessagesOriginated       int64
}

type cachedMessage struct {
	messageID    string
	senderID     string
	receivedAt   time.Time
	forwardedTo  map[string]struct{}
	forwardCount int
}

// dedupCache is a capacity-bounded, TTL-expiring LRU cache keyed by
// message id. It is guarded by Router's own mutex, not an internal one:
// the spec requires a single critical section across cache + seen_by
// mutation, so the lock lives one level up in Router.
type dedupCache struct {
	capacity int
	ttl      time.Duration

	ll    *list.List // front = most recently used
	items map[string]*list.Element
}

type cacheEntry struct {
	key     string
	value   *cachedMessage
	expires time.Time
}

func newDedupCache(capacity int, ttl time.Duration) *dedupCache {
	return &dedupCache{
		capacity: capacity,
		ttl:      ttl,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *dedupCache) expireLocked(now time.Time) {
	for e := c.ll.Back(); e != nil; {
		entry := e.Value.(*cacheEntry)
		if now.Before(entry.expires) {
			break
		}
		prev := e.Prev()
		c.ll.Remove(e)
		delete(c.items, entry.key)
		e = prev
	}
}

func (c *dedupCache) contains(key string, now time.Time) bool {
	c.expireLocked(now)
	_, ok := c.items[key]
	return ok
}

func (c *dedupCache) get(key string, now time.Time) *cachedMessage {
	c.expireLocked(now)
	e, ok := c.items[key]
	if !ok {
		return nil
	}
	return e.Value.(*cacheEntry).value
}

func (c *dedupCache) set(key string, value *cachedMessage, now time.Time) {
	c.expireLocked(now)

	if e, ok := c.items[key]; ok {
		c.ll.MoveToFront(e)
		e.Value.(*cacheEntry).value = value
		e.Value.(*cacheEntry).expires = now.Add(c.ttl)
		return
	}

	e := c.ll.PushFront(&cacheEntry{key: key, value: value, expires: now.Add(c.ttl)})
	c.items[key] = e

	for c.ll.Len() > c.capacity {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.ll.Remove(back)
		delete(c.items, back.Value.(*cacheEntry).key)
	}
}

func (c *dedupCache) size() int { return c.ll.Len() }

func (c *dedupCache) clear() {
	c.ll.Init()
	c.items = make(map[string]*list.Element)
}

// Router is the single per-node flood router. All exported methods acquire
// Router's mutex for their whole critical section; no suspension points
// occur while it is held (spec §5).
type Router struct {
	mu sync.Mutex

	localDeviceID string
	cache         *dedupCache
	stats         Stats

	logger *logrus.Logger
}

// New builds a Router bound to localDeviceID.
func New(cfg *config.Config, localDeviceID string, logger *logrus.Logger) *Router {
	return &Router{
		localDeviceID: localDeviceID,
		cache:         newDedupCache(cfg.Message.CacheSize, cfg.Message.CacheTTL),
		logger:        logger,
	}
}

// LocalDeviceID returns the configured local device id.
func (r *Router) LocalDeviceID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localDeviceID
}

// Stats returns a snapshot of the routing counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Route implements spec §4.3's route(m, source_peer, connected_peers)
// operation: deduplicate, loop-check, cache, and compute forward targets.
func (r *Router) Route(m *message.Message, sourcePeer string, connectedPeers []string) (processLocally bool, forwardTo []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.stats.MessagesReceived++

	if r.cache.contains(m.MessageID, now) {
		r.stats.MessagesDroppedDuplicate++
		return false, nil
	}

	if r.localDeviceID != "" && m.HasBeenSeenBy(r.localDeviceID) {
		r.stats.MessagesDroppedSeen++
		return false, nil
	}

	r.cacheMessageLocked(m, now)
	if r.localDeviceID != "" {
		m.AddSeenBy(r.localDeviceID)
	}

	if !m.CanForward() {
		r.stats.MessagesDroppedTTL++
		return true, nil
	}

	for _, peer := range connectedPeers {
		if peer == sourcePeer {
			continue
		}
		if m.HasBeenSeenBy(peer) {
			continue
		}
		forwardTo = append(forwardTo, peer)
	}

	if len(forwardTo) > 0 {
		r.stats.MessagesForwarded++
	}

	return true, forwardTo
}

// Originate implements spec §4.3's originate(m, connected_peers) operation.
func (r *Router) Originate(m *message.Message, connectedPeers []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.MessagesOriginated++

	if r.localDeviceID != "" {
		if m.SenderID == "" {
			m.SenderID = r.localDeviceID
		}
		m.AddSeenBy(r.localDeviceID)
	}

	r.cacheMessageLocked(m, time.Now())

	out := make([]string, len(connectedPeers))
	copy(out, connectedPeers)
	return out
}

func (r *Router) cacheMessageLocked(m *message.Message, now time.Time) {
	r.cache.set(m.MessageID, &cachedMessage{
		messageID:   m.MessageID,
		senderID:    m.SenderID,
		receivedAt:  now,
		forwardedTo: make(map[string]struct{}),
	}, now)
}

// MarkForwarded records that messageID was forwarded to deviceID, for
// observability only — it does not affect routing decisions.
func (r *Router) MarkForwarded(messageID, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cached := r.cache.get(messageID, time.Now())
	if cached == nil {
		return
	}
	cached.forwardedTo[deviceID] = struct{}{}
	cached.forwardCount++
}

// CacheSize returns the current dedup cache size.
func (r *Router) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.size()
}

// ClearCache empties the dedup cache.
func (r *Router) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.clear()
}
