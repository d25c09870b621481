/*
window.go - Filter/window stage

PURPOSE:
  Derives the working subset a widget aggregates over from a replica
  snapshot: an inclusive date range on the widget's date field plus zero
  or more exact-match predicates on categorical fields.

DATE FIELD RULE:
  A record whose date field is absent is kept when no range is active and
  dropped when one is. Each widget names its own date field (dateCreated
  for most, startDate or siDate for some).

DEFAULT RANGE:
  When the caller gives no range the widget's DefaultRange decides:
  DefaultNone keeps everything, DefaultCurrentMonth uses the calendar
  month of the injected clock's "now".

SEE ALSO:
  - aggregate.go: consumes the filtered list
  - activity/schema.go: the field schema for activities
*/
package generic

import (
	"sort"
	"strings"
	"time"
)

// =============================================================================
// SCHEMA - Named field accessors for a record type
// =============================================================================

// Schema exposes the fields of R by name so widget definitions, query
// parameters and YAML files can refer to them.
type Schema[R Record] struct {
	Strings map[string]func(R) string
	Dates   map[string]func(R) Date
	Amounts map[string]func(R) float64
}

func (s Schema[R]) StringField(field string) (func(R) string, bool) {
	fn, ok := s.Strings[field]
	return fn, ok
}

func (s Schema[R]) DateField(field string) (func(R) Date, bool) {
	fn, ok := s.Dates[field]
	return fn, ok
}

func (s Schema[R]) AmountField(field string) (func(R) float64, bool) {
	fn, ok := s.Amounts[field]
	return fn, ok
}

// =============================================================================
// PREDICATES
// =============================================================================

// Predicate selects records.
type Predicate[R Record] func(R) bool

// All is true when every predicate is; an empty list matches everything.
func All[R Record](preds ...Predicate[R]) Predicate[R] {
	return func(r R) bool {
		for _, p := range preds {
			if p != nil && !p(r) {
				return false
			}
		}
		return true
	}
}

// Any is true when at least one predicate is.
func Any[R Record](preds ...Predicate[R]) Predicate[R] {
	return func(r R) bool {
		for _, p := range preds {
			if p != nil && p(r) {
				return true
			}
		}
		return false
	}
}

// Not negates p.
func Not[R Record](p Predicate[R]) Predicate[R] {
	return func(r R) bool { return !p(r) }
}

// Equals matches an exact field value.
func Equals[R Record](field func(R) string, value string) Predicate[R] {
	return func(r R) bool { return field(r) == value }
}

// In matches any of a fixed vocabulary.
func In[R Record](field func(R) string, values ...string) Predicate[R] {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return func(r R) bool {
		_, ok := set[field(r)]
		return ok
	}
}

// HasDate matches records whose date field is present.
func HasDate[R Record](field func(R) Date) Predicate[R] {
	return func(r R) bool { return field(r).Valid }
}

// OwnedBy matches the owner case-insensitively.
func OwnedBy[R Record](owner string) Predicate[R] {
	return func(r R) bool { return SameOwner(r.Owner(), owner) }
}

// =============================================================================
// CRITERIA - Caller-supplied, comparable filter
// =============================================================================

// Match is an exact-match condition on a named string field.
type Match struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// Criteria is the per-request filter. Unlike predicates it is plain data,
// so it can be parsed from a query string and used as a memo key.
type Criteria struct {
	Range   DateRange `json:"range"`
	Matches []Match   `json:"matches,omitempty"`
}

// Key is a canonical string form of the criteria.
func (c Criteria) Key() string {
	matches := make([]string, 0, len(c.Matches))
	for _, m := range c.Matches {
		matches = append(matches, m.Field+"="+m.Value)
	}
	sort.Strings(matches)
	return c.Range.Normalize().key() + "|" + strings.Join(matches, "&")
}

// =============================================================================
// WINDOW
// =============================================================================

type DefaultRange string

const (
	DefaultNone         DefaultRange = "none"
	DefaultCurrentMonth DefaultRange = "current_month"
)

// Window is the filter configuration of one widget.
type Window[R Record] struct {
	// DateField is the schema date field the range applies to. Empty means
	// the widget ignores date ranges.
	DateField string

	// Default is used when Criteria carries no range.
	Default DefaultRange

	// Where holds the widget's fixed predicates.
	Where []Predicate[R]
}

// Resolve returns the effective range for criteria at time now.
func (w Window[R]) Resolve(c Criteria, now time.Time) DateRange {
	if !c.Range.IsZero() {
		return c.Range.Normalize()
	}
	if w.Default == DefaultCurrentMonth {
		return MonthRange(now.UTC())
	}
	return DateRange{}
}

// Apply filters a snapshot with the range resolved at time now.
func (w Window[R]) Apply(schema Schema[R], snap Snapshot[R], c Criteria, now time.Time) []R {
	return w.Filter(schema, snap, w.Resolve(c, now), c.Matches)
}

// Filter keeps the records inside rng that satisfy the widget predicates
// and every match. Unknown match fields are rejected up front by
// Pipeline.Validate; here they match nothing.
func (w Window[R]) Filter(schema Schema[R], snap Snapshot[R], rng DateRange, matches []Match) []R {
	var dateOf func(R) Date
	if w.DateField != "" {
		dateOf, _ = schema.DateField(w.DateField)
	}

	preds := make([]Predicate[R], 0, len(w.Where)+len(matches))
	preds = append(preds, w.Where...)
	for _, m := range matches {
		field, ok := schema.StringField(m.Field)
		if !ok {
			return nil
		}
		preds = append(preds, Equals(field, m.Value))
	}
	keep := All(preds...)

	out := make([]R, 0, snap.Len())
	snap.Range(func(r R) bool {
		if dateOf != nil && !rng.IsZero() {
			if t, ok := dateOf(r).Get(); !ok || !rng.Contains(t) {
				return true
			}
		}
		if keep(r) {
			out = append(out, r)
		}
		return true
	})
	return out
}
