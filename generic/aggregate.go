/*
aggregate.go - Grouped metrics over a filtered record list

PURPOSE:
  Turns the working subset produced by the window stage into the numbers a
  widget shows. Everything here is a pure function of its input list;
  nothing accumulates between calls.

REDUCERS:
  Count:     number of records matching a predicate
  Sum:       total of an amount field over matching records
  Average:   mean of a value over matching records (0 when none match)
  Duration:  sum of end-start (ms) over matching records; negative, zero
             and unparsable spans contribute nothing
  Ratio:     numerator / denominator * 100 over two measures of the same
             partition; a zero denominator yields 0, never NaN or Inf

GROUPING:
  A Metric may partition by one Dimension (owner, YYYY-MM month bucket,
  activity type, status, or any accessor) and then applies its measures
  per partition. Totals are always computed over the whole list, so a
  ratio total is the ratio of totals, not a sum of ratios.

MEMOISATION:
  Pipeline.Compute caches reports by (replica version, resolved range,
  matches). Versions are unique per replica content, so a cached report is
  returned only for identical input. Cached reports are shared between
  callers and must be treated as read-only.

EXAMPLE:
  calls := generic.Count("calls", isCall)
  si := generic.Count("si", isDelivered)
  pct := generic.Ratio[activity.Activity]("calls_to_si", "calls", "si")
  m := generic.Metric[activity.Activity]{Name: "conversion", Measures: {calls, si, pct}}

SEE ALSO:
  - window.go: input selection
  - activity/widgets.go: concrete metric catalogue
*/
package generic

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/coder/quartz"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MEASURES
// =============================================================================

// Measure is one named number computed over a partition.
type Measure[R Record] struct {
	Name string

	reduce func([]R) float64

	// Set for ratios, which read other measures of the same partition.
	numerator   string
	denominator string
}

// IsRatio reports whether the measure is derived from two other measures.
func (m Measure[R]) IsRatio() bool { return m.reduce == nil }

// Operands returns the measures a ratio reads.
func (m Measure[R]) Operands() (numerator, denominator string) {
	return m.numerator, m.denominator
}

// Count counts records matching every predicate.
func Count[R Record](name string, where ...Predicate[R]) Measure[R] {
	keep := All(where...)
	return Measure[R]{Name: name, reduce: func(rs []R) float64 {
		n := 0
		for _, r := range rs {
			if keep(r) {
				n++
			}
		}
		return float64(n)
	}}
}

// Sum totals amount over records matching every predicate.
func Sum[R Record](name string, amount func(R) float64, where ...Predicate[R]) Measure[R] {
	keep := All(where...)
	return Measure[R]{Name: name, reduce: func(rs []R) float64 {
		total := decimal.Zero
		for _, r := range rs {
			if keep(r) {
				total = total.Add(decimal.NewFromFloat(finite(amount(r))))
			}
		}
		return total.InexactFloat64()
	}}
}

// Average is the mean of value over matching records, 0 when none match.
func Average[R Record](name string, value func(R) float64, where ...Predicate[R]) Measure[R] {
	keep := All(where...)
	return Measure[R]{Name: name, reduce: func(rs []R) float64 {
		var sum float64
		n := 0
		for _, r := range rs {
			if keep(r) {
				sum += finite(value(r))
				n++
			}
		}
		if n == 0 {
			return 0
		}
		return sum / float64(n)
	}}
}

// Duration sums DurationBetween(start, end) in milliseconds.
func Duration[R Record](name string, start, end func(R) Date, where ...Predicate[R]) Measure[R] {
	keep := All(where...)
	return Measure[R]{Name: name, reduce: func(rs []R) float64 {
		var ms float64
		for _, r := range rs {
			if keep(r) {
				ms += DurationMillis(DurationBetween(start(r), end(r)))
			}
		}
		return ms
	}}
}

// Ratio is numerator/denominator*100, reading two measures declared
// earlier in the same metric.
func Ratio[R Record](name, numerator, denominator string) Measure[R] {
	return Measure[R]{Name: name, numerator: numerator, denominator: denominator}
}

// Percent is num/den*100 with the zero-denominator contract: 0, never NaN
// or Inf.
func Percent(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return finite(num / den * 100)
}

// FormatPercent renders a percentage with two decimals, e.g. "233.33".
func FormatPercent(v float64) string {
	return decimal.NewFromFloat(finite(v)).StringFixed(2)
}

// Round rounds half away from zero to the given number of places.
func Round(v float64, places int32) float64 {
	return decimal.NewFromFloat(finite(v)).Round(places).InexactFloat64()
}

// =============================================================================
// DIMENSIONS
// =============================================================================

// Dimension partitions records by a string key. ok=false leaves a record
// out of every partition (it still counts towards totals).
type Dimension[R Record] struct {
	Name string
	Key  func(R) (key string, ok bool)
}

// Unspecified labels records whose grouping field is empty.
const Unspecified = "(unspecified)"

// ByField groups by a categorical field.
func ByField[R Record](name string, field func(R) string) Dimension[R] {
	return Dimension[R]{Name: name, Key: func(r R) (string, bool) {
		v := field(r)
		if v == "" {
			return Unspecified, true
		}
		return v, true
	}}
}

// ByOwner groups by owner reference, case-insensitively.
func ByOwner[R Record]() Dimension[R] {
	return Dimension[R]{Name: "owner", Key: func(r R) (string, bool) {
		return strings.ToLower(strings.TrimSpace(r.Owner())), true
	}}
}

// ByMonth groups by the YYYY-MM bucket of a date field; records without
// that date are left out.
func ByMonth[R Record](name string, date func(R) Date) Dimension[R] {
	return Dimension[R]{Name: name, Key: func(r R) (string, bool) {
		t, ok := date(r).Get()
		if !ok {
			return "", false
		}
		return MonthKey(t), true
	}}
}

// =============================================================================
// METRIC
// =============================================================================

// Metric is a set of measures, optionally per partition.
type Metric[R Record] struct {
	Name     string
	GroupBy  *Dimension[R]
	Measures []Measure[R]
}

// GroupedDuration is the "time per activity type" shape: per group sum of
// durations plus the total across groups.
func GroupedDuration[R Record](name string, group Dimension[R], start, end func(R) Date) Metric[R] {
	return Metric[R]{
		Name:     name,
		GroupBy:  &group,
		Measures: []Measure[R]{Duration("duration_ms", start, end)},
	}
}

// Evaluate computes the metric over records.
func (m Metric[R]) Evaluate(records []R) MetricResult {
	result := MetricResult{Name: m.Name, Totals: m.measure(records)}
	if m.GroupBy == nil {
		return result
	}

	partitions := make(map[string][]R)
	for _, r := range records {
		key, ok := m.GroupBy.Key(r)
		if !ok {
			continue
		}
		partitions[key] = append(partitions[key], r)
	}
	keys := make([]string, 0, len(partitions))
	for k := range partitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result.Rows = make([]Row, 0, len(keys))
	for _, k := range keys {
		result.Rows = append(result.Rows, Row{Key: k, Values: m.measure(partitions[k])})
	}
	return result
}

func (m Metric[R]) measure(records []R) map[string]float64 {
	values := make(map[string]float64, len(m.Measures))
	for _, ms := range m.Measures {
		if ms.IsRatio() {
			values[ms.Name] = Percent(values[ms.numerator], values[ms.denominator])
			continue
		}
		values[ms.Name] = finite(ms.reduce(records))
	}
	return values
}

// Validate checks that every ratio reads measures declared before it.
func (m Metric[R]) Validate() error {
	seen := make(map[string]bool, len(m.Measures))
	for _, ms := range m.Measures {
		if ms.IsRatio() {
			for _, op := range []string{ms.numerator, ms.denominator} {
				if !seen[op] {
					return fmt.Errorf("metric %q: ratio %q reads undeclared measure %q", m.Name, ms.Name, op)
				}
			}
		}
		seen[ms.Name] = true
	}
	return nil
}

// =============================================================================
// PIPELINE - Window + metrics + memo
// =============================================================================

// memoLimit bounds the number of cached reports per pipeline.
const memoLimit = 64

type memoKey struct {
	version  uint64
	criteria string
}

// Pipeline computes a widget's report from a replica snapshot.
type Pipeline[R Record] struct {
	Schema  Schema[R]
	Window  Window[R]
	Metrics []Metric[R]
	Clock   quartz.Clock

	mu   sync.Mutex
	memo map[memoKey]Report
}

// Validate rejects criteria that reference unknown fields.
func (p *Pipeline[R]) Validate(c Criteria) error {
	for _, m := range c.Matches {
		if _, ok := p.Schema.StringField(m.Field); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownField, m.Field)
		}
	}
	return nil
}

// Compute filters snap with c and evaluates every metric.
func (p *Pipeline[R]) Compute(snap Snapshot[R], c Criteria) (Report, error) {
	if err := p.Validate(c); err != nil {
		return Report{}, err
	}
	clock := p.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	rng := p.Window.Resolve(c, clock.Now())
	key := memoKey{
		version:  snap.Version(),
		criteria: Criteria{Range: rng, Matches: c.Matches}.Key(),
	}

	p.mu.Lock()
	if report, ok := p.memo[key]; ok {
		p.mu.Unlock()
		return report, nil
	}
	p.mu.Unlock()

	records := p.Window.Filter(p.Schema, snap, rng, c.Matches)
	report := Report{
		Version: snap.Version(),
		Range:   rng,
		Count:   len(records),
		Metrics: make([]MetricResult, 0, len(p.Metrics)),
	}
	for _, m := range p.Metrics {
		report.Metrics = append(report.Metrics, m.Evaluate(records))
	}

	p.mu.Lock()
	if p.memo == nil || len(p.memo) >= memoLimit {
		p.memo = make(map[memoKey]Report)
	}
	p.memo[key] = report
	p.mu.Unlock()
	return report, nil
}
