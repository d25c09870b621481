/*
feed.go - Change feed subscriber

PURPOSE:
  Keeps a replica current after the initial load. One subscription per
  owner, filtered to ownerRef=eq.<owner>, translated into replica
  operations:

    INSERT -> UpsertIfAbsent(new)
    UPDATE -> Replace(new)
    DELETE -> Remove(old.key)

  Anything else is ignored.

ORDERING ASSUMPTION:
  The feed carries no sequence numbers and the engine does not reorder
  events. Correctness comes from the merge operations being idempotent
  and from the bulk load being authoritative; an event that races the
  snapshot is either already contained in it or re-applied harmlessly.

RECONNECTION:
  If the stream ends while the subscriber is still wanted, the subscriber
  is marked stale and reconnects with exponential backoff (250ms to 30s).
  After a successful resubscribe the OnReconnect hook runs so the binding
  can reload the snapshot and pick up whatever happened during the gap.

TEARDOWN:
  Close cancels the run loop, closes the live subscription and waits for
  the goroutine to exit. A binding never opens a new subscription before
  Close has returned for the previous one.

SEE ALSO:
  - binding.go: owns the subscriber lifecycle
  - feed/kafka: Kafka FeedSource
  - store/memory.go: in-process FeedSource
*/
package generic

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/retry"
)

// Backoff bounds for resubscribing.
var (
	ReconnectFloor = 250 * time.Millisecond
	ReconnectCeil  = 30 * time.Second
)

// =============================================================================
// SUBSCRIBER
// =============================================================================

type Subscriber[R Record] struct {
	source  FeedSource[R]
	table   string
	filter  Filter
	replica *Replica[R]
	logger  slog.Logger

	// onReconnect runs on the subscriber goroutine after a dropped stream
	// has been re-established. The stale flag clears when it returns nil.
	onReconnect func(ctx context.Context) error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	stale  atomic.Bool
	once   sync.Once
}

// SubscriberOption configures a Subscriber.
type SubscriberOption[R Record] func(*Subscriber[R])

// WithReconnectHook sets the function run after a successful resubscribe,
// typically an authoritative reload of the replica.
func WithReconnectHook[R Record](fn func(ctx context.Context) error) SubscriberOption[R] {
	return func(s *Subscriber[R]) {
		s.onReconnect = fn
	}
}

// StartSubscriber opens the subscription for owner and starts applying
// events to replica. The first attempt is made synchronously; if it fails
// the subscriber starts out stale and keeps retrying in the background, so
// this never returns an error.
func StartSubscriber[R Record](
	ctx context.Context,
	source FeedSource[R],
	table, owner string,
	replica *Replica[R],
	logger slog.Logger,
	opts ...SubscriberOption[R],
) *Subscriber[R] {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscriber[R]{
		source:  source,
		table:   table,
		filter:  OwnerFilter(owner),
		replica: replica,
		logger:  logger.With(slog.F("table", table), slog.F("filter", OwnerFilter(owner).String())),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	sub, err := source.Subscribe(ctx, table, s.filter)
	if err != nil {
		s.stale.Store(true)
		s.logger.Warn(ctx, "subscribe failed, will retry", slog.Error(err))
	}
	go s.run(sub)
	return s
}

// Stale reports whether the replica may be missing events because the
// stream dropped and has not yet been reconciled.
func (s *Subscriber[R]) Stale() bool { return s.stale.Load() }

// MarkFresh clears the stale flag.
func (s *Subscriber[R]) MarkFresh() { s.stale.Store(false) }

// Close stops the subscriber and waits for it. Safe to call more than once.
func (s *Subscriber[R]) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

func (s *Subscriber[R]) run(sub Subscription[R]) {
	defer close(s.done)

	for {
		if sub != nil {
			s.consume(sub)
			if err := sub.Close(); err != nil {
				s.logger.Debug(s.ctx, "close subscription", slog.Error(err))
			}
			if s.ctx.Err() != nil {
				return
			}
			s.stale.Store(true)
			s.logger.Warn(s.ctx, "change feed dropped", slog.Error(sub.Err()))
		}

		sub = s.resubscribe()
		if sub == nil {
			return
		}
		recordReconnect(s.table)
		s.logger.Info(s.ctx, "change feed re-established")
		if s.onReconnect == nil {
			s.MarkFresh()
			continue
		}
		if err := s.onReconnect(s.ctx); err != nil {
			s.logger.Warn(s.ctx, "reconcile after reconnect failed", slog.Error(err))
			continue
		}
		s.MarkFresh()
	}
}

func (s *Subscriber[R]) resubscribe() Subscription[R] {
	for r := retry.New(ReconnectFloor, ReconnectCeil); r.Wait(s.ctx); {
		sub, err := s.source.Subscribe(s.ctx, s.table, s.filter)
		if err == nil {
			return sub
		}
		if s.ctx.Err() != nil {
			return nil
		}
		s.logger.Debug(s.ctx, "resubscribe failed", slog.Error(err))
	}
	return nil
}

func (s *Subscriber[R]) consume(sub Subscription[R]) {
	events := sub.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.Apply(ev)
		}
	}
}

// Apply translates one event into a replica operation.
func (s *Subscriber[R]) Apply(ev ChangeEvent[R]) {
	outcome := ApplyEvent(s.replica, s.filter, ev)
	recordFeedEvent(s.table, ev.Type, outcome)
	if outcome == OutcomeIgnored || outcome == OutcomeForeign {
		s.logger.Debug(s.ctx, "ignored change event",
			slog.F("op", ev.Type), slog.F("outcome", outcome))
	}
}

// =============================================================================
// EVENT TRANSLATION
// =============================================================================

const (
	OutcomeApplied = "applied"
	OutcomeNoop    = "noop"
	OutcomeIgnored = "ignored"
	OutcomeForeign = "foreign"
)

// ApplyEvent applies ev to replica and reports what happened. Events whose
// record belongs to another owner than the filter's are dropped, for
// transports that cannot filter on the server.
func ApplyEvent[R Record](replica *Replica[R], filter Filter, ev ChangeEvent[R]) string {
	switch ev.Type {
	case OpInsert:
		if ev.New == nil {
			return OutcomeIgnored
		}
		if !filter.Matches(*ev.New) {
			return OutcomeForeign
		}
		if replica.UpsertIfAbsent(*ev.New) {
			return OutcomeApplied
		}
		return OutcomeNoop
	case OpUpdate:
		if ev.New == nil {
			return OutcomeIgnored
		}
		if !filter.Matches(*ev.New) {
			// The record moved to another owner; it no longer belongs here.
			if replica.Remove((*ev.New).Key()) {
				return OutcomeApplied
			}
			return OutcomeForeign
		}
		replica.Replace(*ev.New)
		return OutcomeApplied
	case OpDelete:
		if ev.Old == nil || (*ev.Old).Key() == "" {
			return OutcomeIgnored
		}
		if replica.Remove((*ev.Old).Key()) {
			return OutcomeApplied
		}
		return OutcomeNoop
	default:
		return OutcomeIgnored
	}
}
