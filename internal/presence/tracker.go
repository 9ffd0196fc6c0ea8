// Package presence maps application identities such as "user:123" to the
// connection currently representing them.
package presence

import (
	"errors"
	"sort"
	"sync"

	"agentgate/pkg/types"
)

// ErrEmptyConnID is returned by Upsert when no connection ID is given
var ErrEmptyConnID = errors.New("presence entry requires a connection ID")

// Entry records which connection represents a presence key
type Entry struct {
	ConnID    string `json:"conn_id"`
	UpdatedMs int64  `json:"updated_ms"`
}

// Snapshot is a consistent copy of the tracker at one version
type Snapshot struct {
	Version uint64       `json:"version"`
	Entries []KeyedEntry `json:"entries"`
}

// KeyedEntry is an Entry together with its presence key
type KeyedEntry struct {
	Key string `json:"key"`
	Entry
}

// Tracker is the thread-safe presence directory.
// version grows by exactly one per mutation and never goes backwards.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*Entry
	version uint64
}

// NewTracker creates an empty tracker at version 0
func NewTracker() *Tracker {
	return &Tracker{
		entries: make(map[string]*Entry),
	}
}

// Upsert points key at connID using the wall clock
func (t *Tracker) Upsert(key, connID string) error {
	return t.UpsertAt(key, connID, types.NowMillis())
}

// UpsertAt points key at connID, replacing any previous connection
func (t *Tracker) UpsertAt(key, connID string, nowMs int64) error {
	if !types.IsValidPresenceKey(key) {
		return types.ErrInvalidPresenceKey
	}
	if connID == "" {
		return ErrEmptyConnID
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, exists := t.entries[key]; exists {
		e.ConnID = connID
		e.UpdatedMs = nowMs
	} else {
		t.entries[key] = &Entry{ConnID: connID, UpdatedMs: nowMs}
	}
	t.version++
	return nil
}

// RemoveByConnID drops the entry held by connID.
// Presence keys are not indexed by connection, so this scans every entry.
func (t *Tracker) RemoveByConnID(connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, e := range t.entries {
		if e.ConnID == connID {
			delete(t.entries, key)
			t.version++
			return true
		}
	}
	return false
}

// IsOnline reports whether key is held by any connection
func (t *Tracker) IsOnline(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, exists := t.entries[key]
	return exists
}

// Lookup returns the entry for key
func (t *Tracker) Lookup(key string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, exists := t.entries[key]
	if !exists {
		return Entry{}, false
	}
	return *e, true
}

// OnlineCount returns the number of tracked presence keys
func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Version returns the change counter
func (t *Tracker) Version() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// Snapshot copies all entries sorted by key
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	snap := Snapshot{
		Version: t.version,
		Entries: make([]KeyedEntry, 0, len(t.entries)),
	}
	for key, e := range t.entries {
		snap.Entries = append(snap.Entries, KeyedEntry{Key: key, Entry: *e})
	}
	t.mu.Unlock()

	sort.Slice(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].Key < snap.Entries[j].Key
	})
	return snap
}

// Clear drops every entry. The version is left untouched.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]*Entry)
}
