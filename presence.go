package conversync

import (
	"sort"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
)

// ============================================================================
// PresenceCache
// ============================================================================

// PresenceSnapshotStore persists the presence snapshot between runs. There is
// exactly one logical writer at a time; no concurrent-writer protocol exists.
type PresenceSnapshotStore interface {
	LoadPresence() ([]PresenceEntry, time.Time, error)
	SavePresence(entries []PresenceEntry, at time.Time) error
}

// PresenceCache is a TTL-bounded contact-status cache with diff-based
// refresh suppression. Stale entries are superseded, never merged, by the
// next authoritative read.
type PresenceCache struct {
	mu       sync.RWMutex
	cfg      Config
	store    PresenceSnapshotStore
	logger   *log.Logger
	entries  map[string]PresenceEntry
	fetched  time.Time
	degraded bool
}

// NewPresenceCache creates a cache persisting snapshots to store. store may
// be nil for a purely in-memory cache.
func NewPresenceCache(cfg Config, store PresenceSnapshotStore) *PresenceCache {
	cfg.defaults()
	return &PresenceCache{
		cfg:     cfg,
		store:   store,
		logger:  log.New("conversync.presence"),
		entries: make(map[string]PresenceEntry),
	}
}

// Prime loads the persisted snapshot for immediate display and reports
// whether it was fresh enough to serve. A stale snapshot is still installed
// so a failing first fetch has something to fall back to; the caller issues
// an authoritative refresh either way.
func (p *PresenceCache) Prime(now time.Time) bool {
	if p.store == nil {
		return false
	}
	entries, at, err := p.store.LoadPresence()
	if err != nil {
		p.logger.Warnf("presence snapshot unavailable: %v", err)
		return false
	}
	if len(entries) == 0 {
		return false
	}

	p.mu.Lock()
	p.entries = make(map[string]PresenceEntry, len(entries))
	for _, e := range entries {
		p.entries[e.ContactID] = e
	}
	p.fetched = at
	p.mu.Unlock()

	return now.Sub(at) <= p.cfg.SnapshotValidity
}

// ApplyAuthoritative reconciles a pulled contact listing. An identical result
// (same membership, same statuses) is a no-op: no state write, no snapshot
// rewrite. Otherwise the fetched set supersedes the cache entirely.
func (p *PresenceCache) ApplyAuthoritative(entries []PresenceEntry, now time.Time) bool {
	p.mu.Lock()

	if p.sameSet(entries) {
		p.degraded = false
		p.mu.Unlock()
		return false
	}

	next := make(map[string]PresenceEntry, len(entries))
	for _, e := range entries {
		next[e.ContactID] = e
	}
	p.entries = next
	p.fetched = now
	p.degraded = false
	snapshot := p.snapshotLocked()
	p.mu.Unlock()

	p.persist(snapshot, now)
	return true
}

// ApplyPush applies a single-contact update from the event channel. Push
// updates always apply immediately and rewrite the snapshot regardless of
// diff.
func (p *PresenceCache) ApplyPush(entry PresenceEntry) {
	if entry.ContactID == "" {
		return
	}
	p.mu.Lock()
	p.entries[entry.ContactID] = entry
	snapshot := p.snapshotLocked()
	p.mu.Unlock()

	p.persist(snapshot, time.Now())
}

// Degrade records a failed authoritative fetch. The existing snapshot, even
// an expired one, keeps being served rather than an empty or error state.
func (p *PresenceCache) Degrade(err error) {
	p.mu.Lock()
	p.degraded = true
	p.mu.Unlock()
	p.logger.Warnf("presence fetch failed, serving cached snapshot: %v", err)
}

// Degraded reports whether the cache is serving a fallback snapshot.
func (p *PresenceCache) Degraded() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.degraded
}

// StatusOf returns one contact's entry.
func (p *PresenceCache) StatusOf(contactID string) (PresenceEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[contactID]
	return e, ok
}

// Entries returns all cached entries sorted by contact id.
func (p *PresenceCache) Entries() []PresenceEntry {
	p.mu.RLock()
	out := p.snapshotLocked()
	p.mu.RUnlock()
	return out
}

// sameSet compares membership and status fields only; freshness timestamps
// do not count as a difference. Caller holds the lock.
func (p *PresenceCache) sameSet(entries []PresenceEntry) bool {
	if len(entries) != len(p.entries) {
		return false
	}
	for _, e := range entries {
		existing, ok := p.entries[e.ContactID]
		if !ok || existing.Status != e.Status {
			return false
		}
	}
	return true
}

func (p *PresenceCache) snapshotLocked() []PresenceEntry {
	out := make([]PresenceEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContactID < out[j].ContactID })
	return out
}

func (p *PresenceCache) persist(snapshot []PresenceEntry, at time.Time) {
	if p.store == nil {
		return
	}
	if err := p.store.SavePresence(snapshot, at); err != nil {
		p.logger.Warnf("persisting presence snapshot: %v", err)
	}
}
