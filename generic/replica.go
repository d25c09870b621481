/*
replica.go - Keyed in-memory mirror of a server-side collection

PURPOSE:
  Holds the records of one owner for one widget. Mutated only through
  three idempotent operations plus the authoritative bulk replace used by
  the loader. Readers take immutable snapshots.

OPERATIONS:
  UpsertIfAbsent: insert if no record with this key exists, else no-op.
                  Guards against INSERT events for records the bulk
                  snapshot already delivered.
  Replace:        overwrite or insert. Tolerates update-before-insert.
  Remove:         delete, no-op if absent.
  ReplaceAll:     authoritative content from the snapshot loader.

GUARANTEE:
  After any sequence of operations the replica holds exactly one record
  per distinct key, reflecting the latest operation applied to that key.

CONCURRENCY:
  A binding has one logical writer, but the feed goroutine and the loader
  completion can run at the same time, so the map is guarded by a
  sync.RWMutex. Listeners are invoked after the lock is released.

SEE ALSO:
  - loader.go: calls ReplaceAll
  - feed.go: calls UpsertIfAbsent / Replace / Remove
*/
package generic

import (
	"slices"
	"sort"
	"sync"
	"sync/atomic"
)

// versions is shared by every replica so a version identifies content
// process-wide, including across owner switches.
var versions atomic.Uint64

func nextVersion() uint64 { return versions.Add(1) }

// =============================================================================
// REPLICA
// =============================================================================

type Replica[R Record] struct {
	mu        sync.RWMutex
	records   map[string]R
	version   uint64
	listeners map[int]func()
	nextID    int
}

func NewReplica[R Record]() *Replica[R] {
	return &Replica[R]{
		records:   make(map[string]R),
		version:   nextVersion(),
		listeners: make(map[int]func()),
	}
}

// UpsertIfAbsent inserts r unless a record with the same key exists.
// Returns true if the replica changed.
func (rp *Replica[R]) UpsertIfAbsent(r R) bool {
	rp.mu.Lock()
	if _, ok := rp.records[r.Key()]; ok {
		rp.mu.Unlock()
		return false
	}
	rp.records[r.Key()] = r
	rp.version = nextVersion()
	rp.mu.Unlock()
	rp.notify()
	return true
}

// Replace overwrites the record with r's key, inserting it if absent.
func (rp *Replica[R]) Replace(r R) {
	rp.mu.Lock()
	rp.records[r.Key()] = r
	rp.version = nextVersion()
	rp.mu.Unlock()
	rp.notify()
}

// Remove deletes the record with the given key. Returns true if it existed.
func (rp *Replica[R]) Remove(key string) bool {
	rp.mu.Lock()
	if _, ok := rp.records[key]; !ok {
		rp.mu.Unlock()
		return false
	}
	delete(rp.records, key)
	rp.version = nextVersion()
	rp.mu.Unlock()
	rp.notify()
	return true
}

// ReplaceAll swaps the whole content for records. Each record is written
// with Replace semantics, so a duplicated key keeps the last occurrence.
func (rp *Replica[R]) ReplaceAll(records []R) {
	next := make(map[string]R, len(records))
	for _, r := range records {
		next[r.Key()] = r
	}
	rp.mu.Lock()
	rp.records = next
	rp.version = nextVersion()
	rp.mu.Unlock()
	rp.notify()
}

// Get returns the record with the given key.
func (rp *Replica[R]) Get(key string) (R, bool) {
	rp.mu.RLock()
	defer rp.mu.RUnlock()
	r, ok := rp.records[key]
	return r, ok
}

func (rp *Replica[R]) Len() int {
	rp.mu.RLock()
	defer rp.mu.RUnlock()
	return len(rp.records)
}

// Version changes on every effective mutation. Versions are unique across
// replicas, including empty ones.
func (rp *Replica[R]) Version() uint64 {
	rp.mu.RLock()
	defer rp.mu.RUnlock()
	return rp.version
}

// Snapshot returns an immutable point-in-time copy, ordered by key.
func (rp *Replica[R]) Snapshot() Snapshot[R] {
	rp.mu.RLock()
	records := make([]R, 0, len(rp.records))
	for _, r := range rp.records {
		records = append(records, r)
	}
	version := rp.version
	rp.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].Key() < records[j].Key() })
	return Snapshot[R]{records: records, version: version}
}

// OnChange registers fn to run after every effective mutation. The returned
// func unregisters it. fn must not block.
func (rp *Replica[R]) OnChange(fn func()) (cancel func()) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	id := rp.nextID
	rp.nextID++
	rp.listeners[id] = fn
	return func() {
		rp.mu.Lock()
		defer rp.mu.Unlock()
		delete(rp.listeners, id)
	}
}

func (rp *Replica[R]) notify() {
	rp.mu.RLock()
	fns := make([]func(), 0, len(rp.listeners))
	for _, fn := range rp.listeners {
		fns = append(fns, fn)
	}
	rp.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

// =============================================================================
// SNAPSHOT - Immutable aggregation input
// =============================================================================

// Snapshot is a point-in-time list of replica records. The backing slice is
// private; All hands out copies.
type Snapshot[R Record] struct {
	records []R
	version uint64
}

// SnapshotOf wraps a record list, for pipelines fed from outside a replica.
func SnapshotOf[R Record](records []R) Snapshot[R] {
	return Snapshot[R]{records: slices.Clone(records), version: nextVersion()}
}

func (s Snapshot[R]) Version() uint64 { return s.version }
func (s Snapshot[R]) Len() int        { return len(s.records) }

// All returns a copy of the records.
func (s Snapshot[R]) All() []R { return slices.Clone(s.records) }

// Range calls fn for each record until fn returns false.
func (s Snapshot[R]) Range(fn func(R) bool) {
	for _, r := range s.records {
		if !fn(r) {
			return
		}
	}
}
