/*
binding.go - Per-widget orchestration of loader, feed and pipeline

PURPOSE:
  A Binding is one widget instance attached to one owner. It owns the
  replica, starts the snapshot load and the feed subscription together,
  and answers the two questions the presentation layer asks:

    State()    -> { records, loading, error, stale }
    Metrics(c) -> report for criteria c

OWNER SWITCH (SetOwner):
  1. Invalidate the loader generation and cancel the in-flight fetch, so a
     late response for the old owner is discarded.
  2. Close the old subscription and wait for its goroutine.
  3. Create a brand-new replica. The old one is never mutated again.
  4. Open the new subscription and start the new load.

  Close runs steps 1 and 2 without reopening and is idempotent.

CHANGE NOTIFICATION:
  Watch returns a channel with a one-slot buffer. Every replica change,
  owner switch and finished load does a non-blocking send, so bursts of
  feed events collapse into a single wake-up and a slow reader never
  blocks the feed goroutine.

SEE ALSO:
  - loader.go, feed.go, aggregate.go
  - api/sessions.go: shares bindings between HTTP callers
*/
package generic

import (
	"context"
	"strings"
	"sync"
	"time"

	"cdr.dev/slog/v3"
)

// =============================================================================
// WIDGET SPEC - Configuration supplied by a domain package
// =============================================================================

// WidgetSpec is everything that distinguishes one widget from another.
type WidgetSpec[R Record] struct {
	Name        string
	Title       string
	Description string

	// Table is the feed table the widget subscribes to.
	Table string

	Pipeline *Pipeline[R]
}

// BindingState is the {records, loading, error} triple plus freshness.
type BindingState[R Record] struct {
	Owner    string
	Records  []R
	Loading  bool
	Error    string
	Stale    bool
	Version  uint64
	LoadedAt time.Time
}

// =============================================================================
// BINDING
// =============================================================================

type Binding[R Record] struct {
	spec   *WidgetSpec[R]
	feed   FeedSource[R]
	loader *Loader[R]
	logger slog.Logger

	mu         sync.Mutex
	owner      string
	replica    *Replica[R]
	subscriber *Subscriber[R]
	stopLoad   context.CancelFunc
	unlisten   func()
	closed     bool
	loads      sync.WaitGroup

	watchMu     sync.Mutex
	watchers    map[int]chan struct{}
	nextWatch   int
	watchClosed bool
}

// NewBinding creates an unbound widget instance. Call SetOwner to attach it.
func NewBinding[R Record](spec *WidgetSpec[R], snapshots SnapshotSource[R], feed FeedSource[R], logger slog.Logger) *Binding[R] {
	logger = logger.Named("binding").With(slog.F("widget", spec.Name))
	return &Binding[R]{
		spec:     spec,
		feed:     feed,
		loader:   NewLoader(snapshots, logger.Named("loader"), spec.Pipeline.Clock),
		logger:   logger,
		replica:  NewReplica[R](),
		watchers: make(map[int]chan struct{}),
	}
}

func (b *Binding[R]) Spec() *WidgetSpec[R] { return b.spec }

func (b *Binding[R]) Owner() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.owner
}

// SetOwner attaches the binding to owner. Rebinding to the current owner
// (case-insensitively) is a no-op. The work started here outlives ctx's
// cancellation; it stops on the next SetOwner or on Close.
func (b *Binding[R]) SetOwner(ctx context.Context, owner string) error {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return ErrOwnerRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBindingClosed
	}
	if b.owner != "" && SameOwner(b.owner, owner) {
		return nil
	}
	if b.owner == "" {
		bindingsGauge.Inc()
	}
	b.teardownLocked()

	b.owner = owner
	b.replica = NewReplica[R]()
	b.unlisten = b.replica.OnChange(b.broadcast)
	replica := b.replica

	ctx = context.WithoutCancel(ctx)
	b.subscriber = StartSubscriber(ctx, b.feed, b.spec.Table, owner, replica, b.logger.Named("feed"),
		WithReconnectHook[R](func(ctx context.Context) error {
			return b.loader.Load(ctx, owner, replica)
		}),
	)

	loadCtx, cancel := context.WithCancel(ctx)
	b.stopLoad = cancel
	gen := b.loader.Begin()
	b.loads.Add(1)
	go func() {
		defer b.loads.Done()
		_ = b.loader.Fetch(loadCtx, gen, owner, replica)
		// Failed loads leave the replica untouched; watchers still need
		// to see the loading flag drop.
		b.broadcast()
	}()

	b.logger.Debug(ctx, "bound to owner", slog.F("owner", owner))
	b.broadcast()
	return nil
}

// Reload starts a fresh authoritative load for the current owner. If the
// owner changes while it is in flight, its result is discarded and
// ErrStaleGeneration is returned.
func (b *Binding[R]) Reload(ctx context.Context) error {
	b.mu.Lock()
	owner, replica := b.owner, b.replica
	switch {
	case b.closed:
		b.mu.Unlock()
		return ErrBindingClosed
	case owner == "":
		b.mu.Unlock()
		return ErrOwnerRequired
	}
	// The generation is taken with the owner so a SetOwner after the
	// unlock always supersedes it.
	gen := b.loader.Begin()
	b.mu.Unlock()

	err := b.loader.Fetch(ctx, gen, owner, replica)
	b.broadcast()
	return err
}

// Close detaches the binding and waits for its goroutines. Idempotent.
func (b *Binding[R]) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.owner != "" {
		bindingsGauge.Dec()
	}
	b.teardownLocked()
	b.mu.Unlock()

	b.loads.Wait()

	b.watchMu.Lock()
	b.watchClosed = true
	for id, ch := range b.watchers {
		close(ch)
		delete(b.watchers, id)
	}
	b.watchMu.Unlock()
	return nil
}

func (b *Binding[R]) teardownLocked() {
	b.loader.Invalidate()
	if b.stopLoad != nil {
		b.stopLoad()
		b.stopLoad = nil
	}
	if b.subscriber != nil {
		_ = b.subscriber.Close()
		b.subscriber = nil
	}
	if b.unlisten != nil {
		b.unlisten()
		b.unlisten = nil
	}
}

// State returns the current records with the loader and feed status.
func (b *Binding[R]) State() BindingState[R] {
	b.mu.Lock()
	owner, replica, sub := b.owner, b.replica, b.subscriber
	b.mu.Unlock()

	snap := replica.Snapshot()
	status := b.loader.Status()
	return BindingState[R]{
		Owner:    owner,
		Records:  snap.All(),
		Loading:  status.Loading(),
		Error:    status.ErrorString(),
		Stale:    sub != nil && sub.Stale(),
		Version:  snap.Version(),
		LoadedAt: status.LoadedAt,
	}
}

// WaitReady blocks until no load is in flight or ctx is done.
func (b *Binding[R]) WaitReady(ctx context.Context) error {
	ch, stop := b.Watch()
	defer stop()
	for {
		if !b.loader.Status().Loading() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ch:
			if !ok {
				return ErrBindingClosed
			}
		}
	}
}

// Snapshot returns the current replica content.
func (b *Binding[R]) Snapshot() Snapshot[R] {
	b.mu.Lock()
	replica := b.replica
	b.mu.Unlock()
	return replica.Snapshot()
}

// Metrics computes the widget's report for c over the current replica.
func (b *Binding[R]) Metrics(c Criteria) (Report, error) {
	return b.spec.Pipeline.Compute(b.Snapshot(), c)
}

// Watch returns a channel signalled after replica changes and owner
// switches, and a function to stop watching. The channel is closed when
// the binding is closed.
func (b *Binding[R]) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	b.watchMu.Lock()
	if b.watchClosed {
		b.watchMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextWatch
	b.nextWatch++
	b.watchers[id] = ch
	b.watchMu.Unlock()

	return ch, func() {
		b.watchMu.Lock()
		defer b.watchMu.Unlock()
		if _, ok := b.watchers[id]; ok {
			delete(b.watchers, id)
			close(ch)
		}
	}
}

func (b *Binding[R]) broadcast() {
	b.watchMu.Lock()
	defer b.watchMu.Unlock()
	for _, ch := range b.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
