/*
sessions.go - Shared widget bindings and the idle reaper

PURPOSE:
  HTTP callers ask for a widget's records or metrics by (widget, owner).
  Building a binding costs one snapshot load and one feed subscription, so
  bindings are shared between callers and kept warm while they are used.

DESIGN:
  - Acquire returns the shared binding for (widget, owner), creating it on
    first use; the caller releases it when done.
  - Open returns a private binding, used by websocket streams that switch
    owners on their own.
  - A background reaper runs every CheckInterval and closes shared
    bindings nobody holds that have been idle longer than IdleTimeout. It
    also purges dismissals from previous days.

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 minute)
  - IdleTimeout:   How long an unused binding stays warm (default: 10 minutes)

USAGE:
  sessions := NewSessions(widgets, snapshots, feed, logger)
  sessions.Start(ctx)
  // ... later
  sessions.Stop()

SEE ALSO:
  - generic/binding.go: what a session holds
  - handlers.go: Acquire/Release around every widget request
*/
package api

import (
	"context"
	"strings"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/warp/salesops-engine/generic"
)

type sessionKey struct {
	widget string
	owner  string
}

type session[R generic.Record] struct {
	binding  *generic.Binding[R]
	refs     int
	lastUsed time.Time
}

// Sessions owns every live binding of the process.
type Sessions[R generic.Record] struct {
	CheckInterval time.Duration
	IdleTimeout   time.Duration

	widgets    map[string]*generic.WidgetSpec[R]
	order      []string
	snapshots  generic.SnapshotSource[R]
	feed       generic.FeedSource[R]
	dismissals generic.DismissStore
	logger     slog.Logger
	clock      quartz.Clock

	mu       sync.Mutex
	shared   map[sessionKey]*session[R]
	private  map[*generic.Binding[R]]struct{}
	stopped  bool
	cancel   context.CancelFunc
	reaperWG sync.WaitGroup
}

// SessionsOption configures Sessions.
type SessionsOption[R generic.Record] func(*Sessions[R])

// WithClock sets the clock used for idle tracking.
func WithClock[R generic.Record](clock quartz.Clock) SessionsOption[R] {
	return func(s *Sessions[R]) { s.clock = clock }
}

// WithDismissals lets the reaper purge dismissals of past days.
func WithDismissals[R generic.Record](store generic.DismissStore) SessionsOption[R] {
	return func(s *Sessions[R]) { s.dismissals = store }
}

// NewSessions creates a session manager for a widget catalogue.
func NewSessions[R generic.Record](
	widgets []*generic.WidgetSpec[R],
	snapshots generic.SnapshotSource[R],
	feed generic.FeedSource[R],
	logger slog.Logger,
	opts ...SessionsOption[R],
) *Sessions[R] {
	s := &Sessions[R]{
		CheckInterval: time.Minute,
		IdleTimeout:   10 * time.Minute,
		widgets:       make(map[string]*generic.WidgetSpec[R], len(widgets)),
		snapshots:     generic.Coalesce(snapshots),
		feed:          feed,
		logger:        logger.Named("sessions"),
		clock:         quartz.NewReal(),
		shared:        make(map[sessionKey]*session[R]),
		private:       make(map[*generic.Binding[R]]struct{}),
	}
	for _, w := range widgets {
		s.widgets[w.Name] = w
		s.order = append(s.order, w.Name)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Widgets returns the catalogue in definition order.
func (s *Sessions[R]) Widgets() []*generic.WidgetSpec[R] {
	out := make([]*generic.WidgetSpec[R], 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.widgets[name])
	}
	return out
}

// Widget looks up a widget by name.
func (s *Sessions[R]) Widget(name string) (*generic.WidgetSpec[R], error) {
	w, ok := s.widgets[name]
	if !ok {
		return nil, generic.ErrUnknownWidget
	}
	return w, nil
}

// Snapshots is the coalesced snapshot source bindings load from.
func (s *Sessions[R]) Snapshots() generic.SnapshotSource[R] { return s.snapshots }

// Acquire returns the shared binding for (widget, owner). Call release when
// the request is done; the binding stays warm until reaped.
func (s *Sessions[R]) Acquire(ctx context.Context, widget, owner string) (*generic.Binding[R], func(), error) {
	spec, err := s.Widget(widget)
	if err != nil {
		return nil, nil, err
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, nil, generic.ErrOwnerRequired
	}
	key := sessionKey{widget: widget, owner: strings.ToLower(owner)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, nil, generic.ErrBindingClosed
	}

	sess, ok := s.shared[key]
	if !ok {
		b := generic.NewBinding(spec, s.snapshots, s.feed, s.logger)
		if err := b.SetOwner(ctx, owner); err != nil {
			_ = b.Close()
			return nil, nil, err
		}
		sess = &session[R]{binding: b}
		s.shared[key] = sess
		s.logger.Debug(ctx, "opened shared binding", slog.F("widget", widget), slog.F("owner", owner))
	}
	sess.refs++
	sess.lastUsed = s.clock.Now()

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			sess.refs--
			sess.lastUsed = s.clock.Now()
		})
	}
	return sess.binding, release, nil
}

// Open returns a private, unbound binding for widget. Close it through the
// returned function.
func (s *Sessions[R]) Open(widget string) (*generic.Binding[R], func(), error) {
	spec, err := s.Widget(widget)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, nil, generic.ErrBindingClosed
	}
	b := generic.NewBinding(spec, s.snapshots, s.feed, s.logger)
	s.private[b] = struct{}{}

	return b, func() {
		s.mu.Lock()
		delete(s.private, b)
		s.mu.Unlock()
		_ = b.Close()
	}, nil
}

// Len reports the number of shared bindings.
func (s *Sessions[R]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.shared)
}

// Start begins the reaper.
func (s *Sessions[R]) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.reaperWG.Add(1)
	go func() {
		defer s.reaperWG.Done()
		tkr := s.clock.TickerFunc(ctx, s.CheckInterval, func() error {
			s.RunNow(ctx)
			return nil
		}, "sessions", "reap")
		_ = tkr.Wait()
	}()
	s.logger.Info(ctx, "session reaper started",
		slog.F("check_interval", s.CheckInterval), slog.F("idle_timeout", s.IdleTimeout))
}

// Stop halts the reaper and closes every binding.
func (s *Sessions[R]) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	bindings := make([]*generic.Binding[R], 0, len(s.shared)+len(s.private))
	for key, sess := range s.shared {
		bindings = append(bindings, sess.binding)
		delete(s.shared, key)
	}
	for b := range s.private {
		bindings = append(bindings, b)
		delete(s.private, b)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.reaperWG.Wait()
	for _, b := range bindings {
		_ = b.Close()
	}
}

// RunNow reaps idle bindings and purges old dismissals immediately.
func (s *Sessions[R]) RunNow(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	var idle []*generic.Binding[R]
	for key, sess := range s.shared {
		if sess.refs > 0 || now.Sub(sess.lastUsed) < s.IdleTimeout {
			continue
		}
		idle = append(idle, sess.binding)
		delete(s.shared, key)
	}
	s.mu.Unlock()

	for _, b := range idle {
		_ = b.Close()
	}
	if len(idle) > 0 {
		s.logger.Debug(ctx, "reaped idle bindings", slog.F("count", len(idle)))
	}

	if s.dismissals != nil {
		n, err := s.dismissals.Purge(ctx, now)
		if err != nil {
			s.logger.Warn(ctx, "purge dismissals", slog.Error(err))
		} else if n > 0 {
			s.logger.Debug(ctx, "purged dismissals", slog.F("count", n))
		}
	}
}
