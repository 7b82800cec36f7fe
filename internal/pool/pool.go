// Package pool implements the outbound connection pool: capacity-bounded
// active connections, blacklisting, and priority-based eviction under
// pressure (spec §4.8).
package pool

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"meshtalk/internal/ble"
	"meshtalk/internal/config"
)

// Priority ranks a connection's importance for eviction purposes; higher
// values are more important and survive eviction longer.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

// ErrBlacklisted is returned by Add when address is still serving out a
// blacklist period.
var ErrBlacklisted = errors.New("pool: address is blacklisted")

// ErrNoCapacity is returned by Add when the pool is full and no entry is
// eligible for eviction.
var ErrNoCapacity = errors.New("pool: at capacity, no eviction candidate")

// Entry is the pool-owned record of a live outbound connection (spec §3
// ConnectionEntry).
type Entry struct {
	Address   string
	Link      ble.CentralLink
	Priority  Priority
	CreatedAt time.Time

	mu              sync.Mutex
	deviceHealth    float64
	lastActivity    time.Time
	messagesSent    int
	messagesRecv    int
	bytesSent       int64
	bytesRecv       int64
	errors          int
}

// HealthScore computes the derived health score per spec §3 ConnectionEntry.
func (e *Entry) HealthScore() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	errPenalty := clamp01(float64(e.errors)*0.1, 0, 0.5)
	inactivity := time.Since(e.lastActivity).Seconds()
	inactivityPenalty := clamp01(inactivity/300, 0, 0.3)
	activityBonus := clamp01(0.01*float64(e.messagesSent+e.messagesRecv), 0, 0.2)

	score := e.deviceHealth - errPenalty - inactivityPenalty + activityBonus
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func clamp01(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// RecordSent/RecordReceived/RecordError update the activity counters the
// health score derives from.
func (e *Entry) RecordSent(bytes int) {
	e.mu.Lock()
	e.messagesSent++
	e.bytesSent += int64(bytes)
	e.lastActivity = time.Now()
	e.mu.Unlock()
}

func (e *Entry) RecordReceived(bytes int) {
	e.mu.Lock()
	e.messagesRecv++
	e.bytesRecv += int64(bytes)
	e.lastActivity = time.Now()
	e.mu.Unlock()
}

func (e *Entry) RecordError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// SetDeviceHealth is called by the manager to push its DeviceInfo health
// score into the entry's derivation.
func (e *Entry) SetDeviceHealth(h float64) {
	e.mu.Lock()
	e.deviceHealth = h
	e.mu.Unlock()
}

// Pool owns every ConnectionEntry exclusively (spec §3 lifecycle ownership).
type Pool struct {
	capacity            int
	blacklistDuration   time.Duration
	healthScoreCritical float64
	logger              *logrus.Logger

	onHealthChanged func(address string, score float64)

	mu         sync.Mutex
	entries    map[string]*Entry
	blacklist  map[string]time.Time
}

// New builds a Pool sized per spec §4.8 / §6.
func New(cfg *config.Config, logger *logrus.Logger, onHealthChanged func(address string, score float64)) *Pool {
	return &Pool{
		capacity:            cfg.Bluetooth.MaxConcurrentConnections,
		blacklistDuration:   cfg.Bluetooth.ConnectionBlacklistDur,
		healthScoreCritical: cfg.Bluetooth.HealthScoreCritical,
		logger:              logger,
		onHealthChanged:     onHealthChanged,
		entries:             make(map[string]*Entry),
		blacklist:           make(map[string]time.Time),
	}
}

// Add inserts a fresh entry for address, evicting a lower-or-equal priority
// entry if at capacity (spec §4.8 add).
func (p *Pool) Add(address string, link ble.CentralLink, priority Priority) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if unblock, blacklisted := p.blacklist[address]; blacklisted {
		if time.Now().Before(unblock) {
			return ErrBlacklisted
		}
		delete(p.blacklist, address)
	}

	if _, present := p.entries[address]; present {
		return nil
	}

	if len(p.entries) >= p.capacity {
		if !p.evictLocked(priority) {
			return ErrNoCapacity
		}
	}

	p.entries[address] = &Entry{
		Address:      address,
		Link:         link,
		Priority:     priority,
		CreatedAt:    time.Now(),
		deviceHealth: 1.0,
		lastActivity: time.Now(),
	}
	return nil
}

// evictLocked evicts the lowest-priority, lowest-health entry whose
// priority is same-or-lower than newPriority (spec §4.8 eviction).
func (p *Pool) evictLocked(newPriority Priority) bool {
	var candidates []*Entry
	for _, e := range p.entries {
		if e.Priority.value() <= newPriority.value() {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return false
	}

	// lowest priority first, then lowest health first — the worst candidate
	// sorts to index 0.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority.value() != candidates[j].Priority.value() {
			return candidates[i].Priority.value() < candidates[j].Priority.value()
		}
		return candidates[i].HealthScore() < candidates[j].HealthScore()
	})

	worst := candidates[0]
	delete(p.entries, worst.Address)
	if worst.Link != nil {
		_ = worst.Link.Disconnect()
	}
	return true
}

func (p Priority) value() int { return int(p) }

// Remove deletes address's entry; if blacklist is true, the address is
// barred from Add for ConnectionBlacklistDuration (spec §4.8 remove).
func (p *Pool) Remove(address string, blacklist bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, address)
	if blacklist {
		p.blacklist[address] = time.Now().Add(p.blacklistDuration)
	}
}

// Get returns the entry for address, if present.
func (p *Pool) Get(address string) (*Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[address]
	return e, ok
}

// Len returns the current connection count.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Addresses returns a snapshot of connected addresses.
func (p *Pool) Addresses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.entries))
	for addr := range p.entries {
		out = append(out, addr)
	}
	return out
}

// Maintain expires stale blacklist entries and emits on_health_changed for
// every entry below the critical threshold (spec §4.8 maintenance loop,
// run every 30s by internal/scheduler).
func (p *Pool) Maintain() {
	p.mu.Lock()
	now := time.Now()
	for addr, unblock := range p.blacklist {
		if unblock.Before(now) || unblock.Equal(now) {
			delete(p.blacklist, addr)
		}
	}

	type unhealthy struct {
		addr  string
		score float64
	}
	var flagged []unhealthy
	for addr, e := range p.entries {
		score := e.HealthScore()
		if score < p.healthScoreCritical {
			flagged = append(flagged, unhealthy{addr, score})
		}
	}
	p.mu.Unlock()

	for _, u := range flagged {
		if p.onHealthChanged != nil {
			p.onHealthChanged(u.addr, u.score)
		}
	}
}
