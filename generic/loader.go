/*
loader.go - One-shot bulk population of a replica

PURPOSE:
  Fetches the full record set for an owner and installs it as the
  authoritative replica content. The loader is the only state machine in
  the engine: idle -> loading -> ready | error.

LAST-REQUEST-WINS:
  Every load takes a generation token from Begin(). Completing with a token
  that is no longer current discards the result (ErrStaleGeneration). The
  binding bumps the generation when the owner changes or the widget is torn
  down, so a slow response for owner A can never land in owner B's replica.

FAILURE:
  A failed fetch records a human-readable error and leaves the replica as
  it was (empty on first load). It is never cleared on error.

SEE ALSO:
  - binding.go: drives Begin / Fetch / Invalidate
  - client/snapshot.go: HTTP SnapshotSource
*/
package generic

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// LOAD STATE
// =============================================================================

type LoadState string

const (
	StateIdle    LoadState = "idle"
	StateLoading LoadState = "loading"
	StateReady   LoadState = "ready"
	StateError   LoadState = "error"
)

// LoadStatus is the loader state exposed to the presentation layer.
type LoadStatus struct {
	State      LoadState
	Err        error
	Generation uint64
	LoadedAt   time.Time
}

func (s LoadStatus) Loading() bool { return s.State == StateLoading }

// ErrorString is the user-visible error, empty when there is none.
func (s LoadStatus) ErrorString() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}

// =============================================================================
// LOADER
// =============================================================================

type Loader[R Record] struct {
	source SnapshotSource[R]
	logger slog.Logger
	clock  quartz.Clock

	mu         sync.Mutex
	generation uint64
	state      LoadState
	err        error
	loadedAt   time.Time
}

func NewLoader[R Record](source SnapshotSource[R], logger slog.Logger, clock quartz.Clock) *Loader[R] {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Loader[R]{
		source: source,
		logger: logger,
		clock:  clock,
		state:  StateIdle,
	}
}

// Begin starts a new load generation and returns its token.
func (l *Loader[R]) Begin() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.generation++
	l.state = StateLoading
	l.err = nil
	return l.generation
}

// Invalidate discards any in-flight load without starting a new one.
func (l *Loader[R]) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.generation++
	if l.state == StateLoading {
		l.state = StateIdle
	}
}

// Complete installs the result of generation gen into the replica. Results
// of superseded generations are dropped.
//
// The replica is written while the loader lock is held so that a concurrent
// Invalidate cannot slip in between the generation check and the write.
// Replica listeners therefore must not call back into the loader.
func (l *Loader[R]) Complete(gen uint64, into *Replica[R], records []R, err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if gen != l.generation {
		recordLoad("stale")
		return ErrStaleGeneration
	}
	if err != nil {
		l.state = StateError
		l.err = asFetchError(err)
		recordLoad("error")
		return l.err
	}

	into.ReplaceAll(records)
	l.state = StateReady
	l.err = nil
	l.loadedAt = l.clock.Now()
	recordLoad("ok")
	return nil
}

// Fetch performs the request for an already started generation.
func (l *Loader[R]) Fetch(ctx context.Context, gen uint64, owner string, into *Replica[R]) error {
	records, err := l.source.Fetch(ctx, owner)
	err = l.Complete(gen, into, records, err)
	switch {
	case errors.Is(err, ErrStaleGeneration):
		l.logger.Debug(ctx, "discarded stale snapshot",
			slog.F("owner", owner), slog.F("generation", gen))
	case err != nil:
		l.logger.Warn(ctx, "snapshot load failed",
			slog.F("owner", owner), slog.Error(err))
	default:
		l.logger.Debug(ctx, "snapshot loaded",
			slog.F("owner", owner), slog.F("records", len(records)))
	}
	return err
}

// Load is Begin followed by Fetch.
func (l *Loader[R]) Load(ctx context.Context, owner string, into *Replica[R]) error {
	return l.Fetch(ctx, l.Begin(), owner, into)
}

func (l *Loader[R]) Status() LoadStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LoadStatus{
		State:      l.state,
		Err:        l.err,
		Generation: l.generation,
		LoadedAt:   l.loadedAt,
	}
}

func asFetchError(err error) error {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return &FetchError{Err: err}
}

// =============================================================================
// COALESCING SOURCE - One round-trip per owner for concurrent loads
// =============================================================================

type coalescedSource[R Record] struct {
	source SnapshotSource[R]
	group  singleflight.Group
}

// Coalesce wraps a source so that concurrent fetches for the same owner
// (several widgets bound to one representative) share a single request.
func Coalesce[R Record](source SnapshotSource[R]) SnapshotSource[R] {
	return &coalescedSource[R]{source: source}
}

func (c *coalescedSource[R]) Fetch(ctx context.Context, owner string) ([]R, error) {
	key := strings.ToLower(strings.TrimSpace(owner))
	ch := c.group.DoChan(key, func() (any, error) {
		// Detached so one caller leaving does not fail the others.
		return c.source.Fetch(context.WithoutCancel(ctx), owner)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		records, _ := res.Val.([]R)
		return slices.Clone(records), nil
	}
}
