// Package store provides in-process implementations of the engine's
// transport contracts.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/warp/salesops-engine/generic"
)

// =============================================================================
// MEMORY TABLE - SnapshotSource + FeedSource in one process (for testing/dev)
// =============================================================================

// subscriptionBuffer is the per-subscriber event buffer. A full buffer
// blocks the writer until the subscriber catches up or closes.
const subscriptionBuffer = 64

// Memory is an in-memory table that serves bulk snapshots and publishes a
// change event for every write, like a database with a change feed.
type Memory[R generic.Record] struct {
	table string

	mu           sync.RWMutex
	rows         map[string]R
	listeners    map[uuid.UUID]*subscription[R]
	subscribeErr error
}

func NewMemory[R generic.Record](table string) *Memory[R] {
	return &Memory[R]{
		table:     table,
		rows:      make(map[string]R),
		listeners: make(map[uuid.UUID]*subscription[R]),
	}
}

func (m *Memory[R]) Table() string { return m.table }

// Fetch returns every row owned by owner, sorted by key.
func (m *Memory[R]) Fetch(_ context.Context, owner string) ([]R, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]R, 0)
	for _, r := range m.rows {
		if generic.SameOwner(r.Owner(), owner) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// Seed loads rows without publishing events.
func (m *Memory[R]) Seed(records ...R) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.rows[r.Key()] = r
	}
}

// Insert adds r and publishes an INSERT.
func (m *Memory[R]) Insert(_ context.Context, r R) error {
	m.mu.Lock()
	if _, ok := m.rows[r.Key()]; ok {
		m.mu.Unlock()
		return fmt.Errorf("insert %q: %w", r.Key(), generic.ErrDuplicateKey)
	}
	m.rows[r.Key()] = r
	listeners := m.listenersLocked()
	m.mu.Unlock()

	deliver(listeners, generic.ChangeEvent[R]{Type: generic.OpInsert, New: &r})
	return nil
}

// Update overwrites an existing row and publishes an UPDATE carrying both
// images.
func (m *Memory[R]) Update(_ context.Context, r R) error {
	m.mu.Lock()
	old, ok := m.rows[r.Key()]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("update %q: %w", r.Key(), generic.ErrRecordNotFound)
	}
	m.rows[r.Key()] = r
	listeners := m.listenersLocked()
	m.mu.Unlock()

	deliver(listeners, generic.ChangeEvent[R]{Type: generic.OpUpdate, New: &r, Old: &old})
	return nil
}

// Upsert inserts or overwrites every record and publishes the matching
// INSERT or UPDATE events. Unchanged keys still produce an UPDATE.
func (m *Memory[R]) Upsert(_ context.Context, records ...R) []generic.ChangeEvent[R] {
	events := make([]generic.ChangeEvent[R], 0, len(records))
	m.mu.Lock()
	for _, r := range records {
		if old, ok := m.rows[r.Key()]; ok {
			events = append(events, generic.ChangeEvent[R]{Type: generic.OpUpdate, New: &r, Old: &old})
		} else {
			events = append(events, generic.ChangeEvent[R]{Type: generic.OpInsert, New: &r})
		}
		m.rows[r.Key()] = r
	}
	listeners := m.listenersLocked()
	m.mu.Unlock()

	for _, ev := range events {
		deliver(listeners, ev)
	}
	return events
}

// Delete removes a row and publishes a DELETE with the old image.
func (m *Memory[R]) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	old, ok := m.rows[key]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("delete %q: %w", key, generic.ErrRecordNotFound)
	}
	delete(m.rows, key)
	listeners := m.listenersLocked()
	m.mu.Unlock()

	deliver(listeners, generic.ChangeEvent[R]{Type: generic.OpDelete, Old: &old})
	return nil
}

// Publish delivers an arbitrary event without touching the rows. Useful for
// replaying duplicates or out-of-order events.
func (m *Memory[R]) Publish(ev generic.ChangeEvent[R]) {
	m.mu.RLock()
	listeners := m.listenersLocked()
	m.mu.RUnlock()
	deliver(listeners, ev)
}

// Disconnect ends every live subscription from the source side, as a
// dropped connection would.
func (m *Memory[R]) Disconnect() {
	m.mu.Lock()
	listeners := m.listenersLocked()
	m.listeners = make(map[uuid.UUID]*subscription[R])
	m.mu.Unlock()

	for _, s := range listeners {
		s.end(generic.ErrSubscriptionClosed)
	}
}

// FailSubscribe makes Subscribe return err until called again with nil.
func (m *Memory[R]) FailSubscribe(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

// Subscribers counts live subscriptions whose filter targets owner.
func (m *Memory[R]) Subscribers(owner string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.listeners {
		if generic.SameOwner(s.filter.Value, owner) {
			n++
		}
	}
	return n
}

// Subscribe opens a filtered subscription on the table.
func (m *Memory[R]) Subscribe(_ context.Context, table string, filter generic.Filter) (generic.Subscription[R], error) {
	if table != m.table {
		return nil, fmt.Errorf("subscribe: unknown table %q", table)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}

	var id uuid.UUID
	for {
		id = uuid.New()
		if _, ok := m.listeners[id]; !ok {
			break
		}
	}
	s := &subscription[R]{
		filter: filter,
		events: make(chan generic.ChangeEvent[R], subscriptionBuffer),
		done:   make(chan struct{}),
	}
	s.cancel = func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
	m.listeners[id] = s
	return s, nil
}

func (m *Memory[R]) listenersLocked() []*subscription[R] {
	out := make([]*subscription[R], 0, len(m.listeners))
	for _, s := range m.listeners {
		out = append(out, s)
	}
	return out
}

// deliver runs outside the table lock so a subscriber reacting to an event
// (for instance by reloading from Fetch) cannot deadlock against a writer.
func deliver[R generic.Record](listeners []*subscription[R], ev generic.ChangeEvent[R]) {
	for _, s := range listeners {
		if generic.Delivers(s.filter, ev) {
			s.send(ev)
		}
	}
}

// =============================================================================
// SUBSCRIPTION
// =============================================================================

type subscription[R generic.Record] struct {
	filter generic.Filter
	cancel func()

	events chan generic.ChangeEvent[R]
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *subscription[R]) Events() <-chan generic.ChangeEvent[R] { return s.events }

func (s *subscription[R]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unregisters the subscription. A send blocked on a full buffer is
// released through done before the events channel is closed.
func (s *subscription[R]) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *subscription[R]) send(ev generic.ChangeEvent[R]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *subscription[R]) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.err = err
		close(s.events)
	}
}
