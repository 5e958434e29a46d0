package conversync

import (
	"errors"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// memorySnapshotStore is an in-memory PresenceSnapshotStore for tests.
type memorySnapshotStore struct {
	entries []PresenceEntry
	at      time.Time
	loadErr error
	saves   int
}

func (m *memorySnapshotStore) LoadPresence() ([]PresenceEntry, time.Time, error) {
	if m.loadErr != nil {
		return nil, time.Time{}, m.loadErr
	}
	return m.entries, m.at, nil
}

func (m *memorySnapshotStore) SavePresence(entries []PresenceEntry, at time.Time) error {
	m.entries = entries
	m.at = at
	m.saves++
	return nil
}

func presenceSet(pairs ...PresenceEntry) []PresenceEntry {
	return pairs
}

func entry(contact string, status PresenceStatus) PresenceEntry {
	return PresenceEntry{ContactID: contact, Status: status}
}

// ============================================================================
// Prime
// ============================================================================

func TestPrime(t *testing.T) {
	t.Run("fresh snapshot serves immediately", func(t *testing.T) {
		store := &memorySnapshotStore{
			entries: presenceSet(entry("user-ana", StatusAvailable)),
			at:      testBase,
		}
		p := NewPresenceCache(Config{}, store)

		fresh := p.Prime(testBase.Add(10 * time.Second))
		if !fresh {
			t.Fatal("snapshot within validity should report fresh")
		}
		if got, ok := p.StatusOf("user-ana"); !ok || got.Status != StatusAvailable {
			t.Fatalf("snapshot not installed: %+v ok=%v", got, ok)
		}
	})

	t.Run("stale snapshot is installed but reported stale", func(t *testing.T) {
		store := &memorySnapshotStore{
			entries: presenceSet(entry("user-ana", StatusAway)),
			at:      testBase,
		}
		p := NewPresenceCache(Config{}, store)

		fresh := p.Prime(testBase.Add(5 * time.Minute))
		if fresh {
			t.Fatal("expired snapshot must not report fresh")
		}
		if _, ok := p.StatusOf("user-ana"); !ok {
			t.Fatal("stale snapshot should still be served as fallback")
		}
	})

	t.Run("unavailable store is not fatal", func(t *testing.T) {
		store := &memorySnapshotStore{loadErr: errors.New("disk gone")}
		p := NewPresenceCache(Config{}, store)
		if p.Prime(testBase) {
			t.Fatal("load failure must report not fresh")
		}
	})

	t.Run("nil store means in-memory only", func(t *testing.T) {
		p := NewPresenceCache(Config{}, nil)
		if p.Prime(testBase) {
			t.Fatal("no store, nothing to prime")
		}
	})
}

// ============================================================================
// ApplyAuthoritative
// ============================================================================

func TestApplyAuthoritative(t *testing.T) {
	t.Run("identical result is a no-op", func(t *testing.T) {
		store := &memorySnapshotStore{}
		p := NewPresenceCache(Config{}, store)
		p.ApplyAuthoritative(presenceSet(entry("user-ana", StatusAvailable)), testBase)
		savesBefore := store.saves

		changed := p.ApplyAuthoritative(presenceSet(entry("user-ana", StatusAvailable)), testBase.Add(time.Minute))
		if changed {
			t.Fatal("identical listing must not report a change")
		}
		if store.saves != savesBefore {
			t.Fatal("identical listing must not rewrite the snapshot")
		}
	})

	t.Run("freshness timestamps are not a difference", func(t *testing.T) {
		p := NewPresenceCache(Config{}, nil)
		p.ApplyAuthoritative(presenceSet(PresenceEntry{ContactID: "user-ana", Status: StatusAway, UpdatedAt: testBase}), testBase)

		changed := p.ApplyAuthoritative(presenceSet(PresenceEntry{ContactID: "user-ana", Status: StatusAway, UpdatedAt: testBase.Add(time.Hour)}), testBase.Add(time.Hour))
		if changed {
			t.Fatal("timestamp-only difference must be suppressed")
		}
	})

	t.Run("status change supersedes the whole set", func(t *testing.T) {
		p := NewPresenceCache(Config{}, nil)
		p.ApplyAuthoritative(presenceSet(
			entry("user-ana", StatusAvailable),
			entry("user-bruno", StatusOffline),
		), testBase)

		// Bruno disappears, Ana goes away.
		changed := p.ApplyAuthoritative(presenceSet(entry("user-ana", StatusAway)), testBase.Add(time.Minute))
		if !changed {
			t.Fatal("changed listing must apply")
		}
		if got, _ := p.StatusOf("user-ana"); got.Status != StatusAway {
			t.Fatalf("status not superseded: %v", got.Status)
		}
		if _, ok := p.StatusOf("user-bruno"); ok {
			t.Fatal("departed contact must not linger")
		}
	})

	t.Run("membership change with same statuses applies", func(t *testing.T) {
		p := NewPresenceCache(Config{}, nil)
		p.ApplyAuthoritative(presenceSet(entry("user-ana", StatusAvailable)), testBase)

		changed := p.ApplyAuthoritative(presenceSet(
			entry("user-ana", StatusAvailable),
			entry("user-bruno", StatusAvailable),
		), testBase.Add(time.Minute))
		if !changed {
			t.Fatal("new member must count as a change")
		}
	})

	t.Run("successful fetch clears degraded state", func(t *testing.T) {
		p := NewPresenceCache(Config{}, nil)
		p.Degrade(errors.New("network down"))
		if !p.Degraded() {
			t.Fatal("degrade not recorded")
		}

		p.ApplyAuthoritative(presenceSet(entry("user-ana", StatusAvailable)), testBase)
		if p.Degraded() {
			t.Fatal("successful fetch must clear degraded state")
		}
	})
}

// ============================================================================
// ApplyPush
// ============================================================================

func TestApplyPush(t *testing.T) {
	t.Run("applies immediately and persists", func(t *testing.T) {
		store := &memorySnapshotStore{}
		p := NewPresenceCache(Config{}, store)
		p.ApplyAuthoritative(presenceSet(entry("user-ana", StatusAvailable)), testBase)
		savesBefore := store.saves

		p.ApplyPush(entry("user-ana", StatusAway))

		if got, _ := p.StatusOf("user-ana"); got.Status != StatusAway {
			t.Fatalf("push not applied: %v", got.Status)
		}
		if store.saves != savesBefore+1 {
			t.Fatal("push must rewrite the snapshot")
		}
	})

	t.Run("ignores an update without contact id", func(t *testing.T) {
		p := NewPresenceCache(Config{}, nil)
		p.ApplyPush(PresenceEntry{Status: StatusAvailable})
		if len(p.Entries()) != 0 {
			t.Fatal("anonymous update must be dropped")
		}
	})
}

// ============================================================================
// Degraded fallback
// ============================================================================

func TestDegradedFallback(t *testing.T) {
	store := &memorySnapshotStore{
		entries: presenceSet(entry("user-ana", StatusAvailable)),
		at:      testBase,
	}
	p := NewPresenceCache(Config{}, store)

	// Startup long after the snapshot was written, then the first fetch fails.
	p.Prime(testBase.Add(24 * time.Hour))
	p.Degrade(errors.New("listing unavailable"))

	// The expired snapshot still serves.
	if got, ok := p.StatusOf("user-ana"); !ok || got.Status != StatusAvailable {
		t.Fatal("expired snapshot must keep serving while degraded")
	}
	if !p.Degraded() {
		t.Fatal("degraded state not reported")
	}
}

func TestEntriesSorted(t *testing.T) {
	p := NewPresenceCache(Config{}, nil)
	p.ApplyAuthoritative(presenceSet(
		entry("user-zed", StatusOffline),
		entry("user-ana", StatusAvailable),
	), testBase)

	entries := p.Entries()
	if len(entries) != 2 || entries[0].ContactID != "user-ana" {
		t.Fatalf("entries not sorted by contact id: %+v", entries)
	}
}
