/*
Package generic provides the replica and aggregation engine behind every
dashboard widget.

PURPOSE:
  Widgets all follow the same pattern: bulk-load the records owned by one
  sales representative, keep that copy current from a change feed, and
  recompute grouped metrics whenever the copy or the widget's filter
  changes. This package implements that pattern once, generic over the
  record type. Domain packages (activity/) supply the record type, its
  field schema and the metric definitions; nothing here knows what an
  "activity" is.

KEY CONCEPTS IN THIS FILE (types.go):
  - Record:       anything with a stable key and an owner reference
  - ChangeEvent:  one INSERT/UPDATE/DELETE notification from the feed
  - Filter:       the server-side subscription filter (ownerRef=eq.<id>)
  - Row/Report:   derived metric output, recomputed, never persisted

DESIGN PRINCIPLES:
  1. One writer per replica: the loader and the feed subscriber of a single
     binding are the only code paths that mutate it.
  2. Idempotent merge: feed operations are safe to replay, so arrival order
     between the bulk load and the first events does not matter.
  3. Total functions: malformed numbers and dates coerce to zero/absent at
     the boundary instead of failing a computation.

USAGE:
  b := generic.NewBinding(spec, snapshots, feed, logger)
  _ = b.SetOwner(ctx, "agent-42")
  state := b.State()                 // records, loading, error, stale
  report, _ := b.Metrics(criteria)   // grouped counts, sums, ratios

SEE ALSO:
  - replica.go:   keyed in-memory mirror
  - loader.go:    bulk snapshot with last-request-wins
  - feed.go:      change feed subscriber with reconnect
  - window.go:    date range and categorical filtering
  - aggregate.go: reducers and the memoising pipeline
  - binding.go:   per-widget orchestration
*/
package generic

import (
	"context"
	"strings"
)

// =============================================================================
// RECORD - Minimal contract a replicated entity must satisfy
// =============================================================================

// Record is an entity that can live in a Replica.
type Record interface {
	// Key returns the stable identity of the record.
	Key() string

	// Owner returns the owner reference the record belongs to.
	Owner() string
}

// SameOwner compares owner references the way the whole system does:
// case-insensitively.
func SameOwner(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// =============================================================================
// CHANGE EVENTS - What the feed delivers
// =============================================================================

type ChangeOp string

const (
	OpInsert ChangeOp = "INSERT"
	OpUpdate ChangeOp = "UPDATE"
	OpDelete ChangeOp = "DELETE"
)

// ParseChangeOp normalises a wire event type. Unknown values are returned
// as-is and ignored by the subscriber.
func ParseChangeOp(s string) ChangeOp {
	return ChangeOp(strings.ToUpper(strings.TrimSpace(s)))
}

// ChangeEvent is one notification from the change feed. New is nil for
// deletes, Old is usually nil for inserts.
type ChangeEvent[R Record] struct {
	Type ChangeOp
	New  *R
	Old  *R
}

// =============================================================================
// TRANSPORT CONTRACTS - Implemented by client/, feed/kafka, store/
// =============================================================================

// Filter is a single server-side subscription predicate.
type Filter struct {
	Field string
	Op    string
	Value string
}

// OwnerFilter builds the ownerRef=eq.<id> filter every widget subscribes with.
func OwnerFilter(owner string) Filter {
	return Filter{Field: "ownerRef", Op: "eq", Value: owner}
}

func (f Filter) String() string {
	return f.Field + "=" + f.Op + "." + f.Value
}

// Matches reports whether a record passes the filter. Only owner equality is
// understood; other filters are assumed to be enforced by the server.
func (f Filter) Matches(r Record) bool {
	if f.Field == "ownerRef" && f.Op == "eq" {
		return SameOwner(r.Owner(), f.Value)
	}
	return true
}

// Delivers reports whether a subscription filtered by f should see ev.
// Either image may match, so an UPDATE that moves a record away from the
// owner still reaches that owner. A DELETE whose old image carries only
// the key is always delivered; removing an absent key is a no-op.
func Delivers[R Record](f Filter, ev ChangeEvent[R]) bool {
	if ev.New != nil && f.Matches(*ev.New) {
		return true
	}
	if ev.Old == nil {
		return false
	}
	if ev.Type == OpDelete && strings.TrimSpace((*ev.Old).Owner()) == "" {
		return true
	}
	return f.Matches(*ev.Old)
}

// SnapshotSource performs the one-shot bulk fetch for an owner.
type SnapshotSource[R Record] interface {
	Fetch(ctx context.Context, owner string) ([]R, error)
}

// SnapshotFunc adapts a function to SnapshotSource.
type SnapshotFunc[R Record] func(ctx context.Context, owner string) ([]R, error)

func (f SnapshotFunc[R]) Fetch(ctx context.Context, owner string) ([]R, error) {
	return f(ctx, owner)
}

// FeedSource opens filtered change-feed subscriptions.
type FeedSource[R Record] interface {
	Subscribe(ctx context.Context, table string, filter Filter) (Subscription[R], error)
}

// Subscription is a live change stream.
//
// Events is closed when the stream ends on the source side (disconnect,
// broker error); Err then reports why. Close must be called exactly once by
// the consumer and must not return before the source stops delivering.
type Subscription[R Record] interface {
	Events() <-chan ChangeEvent[R]
	Err() error
	Close() error
}

// =============================================================================
// DERIVED OUTPUT - Recomputed metric rows
// =============================================================================

// Row is one partition of a grouped metric.
type Row struct {
	Key    string             `json:"key"`
	Values map[string]float64 `json:"values"`
}

// MetricResult is the output of one Metric over a filtered record list.
type MetricResult struct {
	Name   string             `json:"name"`
	Totals map[string]float64 `json:"totals"`
	Rows   []Row              `json:"rows,omitempty"`
}

// Report is everything a widget displays, computed from one snapshot.
type Report struct {
	Version uint64         `json:"version"`
	Range   DateRange      `json:"range"`
	Count   int            `json:"count"`
	Metrics []MetricResult `json:"metrics"`
}

// Metric returns the named result, or nil.
func (r Report) Metric(name string) *MetricResult {
	for i := range r.Metrics {
		if r.Metrics[i].Name == name {
			return &r.Metrics[i]
		}
	}
	return nil
}
