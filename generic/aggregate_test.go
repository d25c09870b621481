package generic_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/salesops-engine/generic"
)

func stageIs(stage string) generic.Predicate[deal] {
	return func(d deal) bool { return d.Stage == stage }
}

func amountOf(d deal) float64 { return d.Amount }

// =============================================================================
// REDUCERS
// =============================================================================

func TestMetric_CountSumAverage(t *testing.T) {
	records := []deal{
		{ID: "1", Stage: "Quote-Done", Amount: 100.10},
		{ID: "2", Stage: "SO-Done", Amount: 200.20},
		{ID: "3", Stage: "SO-Done", Amount: 0.1},
	}
	m := generic.Metric[deal]{
		Name: "pipeline",
		Measures: []generic.Measure[deal]{
			generic.Count[deal]("all"),
			generic.Count("so", stageIs("SO-Done")),
			generic.Sum("so_amount", amountOf, stageIs("SO-Done")),
			generic.Average("avg_amount", amountOf),
			generic.Average("avg_delivered", amountOf, stageIs("Delivered")),
		},
	}

	res := m.Evaluate(records)

	assert.Equal(t, "pipeline", res.Name)
	assert.Equal(t, float64(3), res.Totals["all"])
	assert.Equal(t, float64(2), res.Totals["so"])
	assert.Equal(t, 200.3, res.Totals["so_amount"], "decimal sum avoids float drift")
	assert.InDelta(t, 100.1333, res.Totals["avg_amount"], 1e-3)
	assert.Equal(t, float64(0), res.Totals["avg_delivered"])
	assert.Nil(t, res.Rows)
}

func TestMetric_Ratio_ZeroDenominator(t *testing.T) {
	m := generic.Metric[deal]{
		Name: "quote_to_so",
		Measures: []generic.Measure[deal]{
			generic.Count("quotes", stageIs("Quote-Done")),
			generic.Count("so", stageIs("SO-Done")),
			generic.Ratio[deal]("pct", "so", "quotes"),
		},
	}
	require.NoError(t, m.Validate())

	none := m.Evaluate([]deal{{ID: "1", Stage: "SO-Done"}})
	assert.Equal(t, float64(0), none.Totals["pct"])

	some := m.Evaluate([]deal{
		{ID: "1", Stage: "Quote-Done"},
		{ID: "2", Stage: "Quote-Done"},
		{ID: "3", Stage: "SO-Done"},
	})
	assert.Equal(t, float64(50), some.Totals["pct"])
}

func TestMetric_Validate_RatioNeedsEarlierOperands(t *testing.T) {
	m := generic.Metric[deal]{
		Name: "bad",
		Measures: []generic.Measure[deal]{
			generic.Ratio[deal]("pct", "so", "quotes"),
			generic.Count[deal]("so"),
			generic.Count[deal]("quotes"),
		},
	}
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"so"`)

	ratio := m.Measures[0]
	assert.True(t, ratio.IsRatio())
	num, den := ratio.Operands()
	assert.Equal(t, "so", num)
	assert.Equal(t, "quotes", den)
}

func TestMetric_Duration_SkipsInvalidSpans(t *testing.T) {
	start := func(d deal) generic.Date { return d.Opened }
	end := func(d deal) generic.Date { return d.Closed }
	t0 := time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

	records := []deal{
		{ID: "1", Opened: generic.DateOf(t0), Closed: generic.DateOf(t0.Add(30 * time.Minute))},
		{ID: "2", Opened: generic.DateOf(t0), Closed: generic.DateOf(t0.Add(-time.Hour))},
		{ID: "3", Opened: generic.DateOf(t0)},
		{ID: "4", Opened: generic.DateOf(t0), Closed: generic.DateOf(t0)},
	}
	m := generic.Metric[deal]{Name: "time", Measures: []generic.Measure[deal]{generic.Duration("ms", start, end)}}

	assert.Equal(t, float64(30*60*1000), m.Evaluate(records).Totals["ms"])
}

// =============================================================================
// GROUPING
// =============================================================================

func TestMetric_GroupByField(t *testing.T) {
	schema := dealSchema()
	stage, _ := schema.StringField("stage")
	m := generic.Metric[deal]{
		Name:     "by_stage",
		GroupBy:  ptr(generic.ByField("stage", stage)),
		Measures: []generic.Measure[deal]{generic.Count[deal]("count")},
	}

	res := m.Evaluate([]deal{
		{ID: "1", Stage: "SO-Done"},
		{ID: "2", Stage: "Quote-Done"},
		{ID: "3", Stage: "SO-Done"},
		{ID: "4"},
	})

	require.Len(t, res.Rows, 3)
	assert.Equal(t, generic.Unspecified, res.Rows[0].Key)
	assert.Equal(t, "Quote-Done", res.Rows[1].Key)
	assert.Equal(t, "SO-Done", res.Rows[2].Key)
	assert.Equal(t, float64(2), res.Rows[2].Values["count"])
	assert.Equal(t, float64(4), res.Totals["count"])
}

func TestMetric_GroupByMonth_TotalsIncludeUndated(t *testing.T) {
	opened := func(d deal) generic.Date { return d.Opened }
	m := generic.Metric[deal]{
		Name:     "monthly",
		GroupBy:  ptr(generic.ByMonth("month", opened)),
		Measures: []generic.Measure[deal]{generic.Sum("amount", amountOf)},
	}

	res := m.Evaluate([]deal{
		{ID: "1", Amount: 10, Opened: day(2025, time.January, 31)},
		{ID: "2", Amount: 20, Opened: day(2025, time.February, 1)},
		{ID: "3", Amount: 5, Opened: day(2025, time.February, 2)},
		{ID: "4", Amount: 1},
	})

	require.Len(t, res.Rows, 2)
	assert.Equal(t, "2025-01", res.Rows[0].Key)
	assert.Equal(t, float64(10), res.Rows[0].Values["amount"])
	assert.Equal(t, "2025-02", res.Rows[1].Key)
	assert.Equal(t, float64(25), res.Rows[1].Values["amount"])
	assert.Equal(t, float64(36), res.Totals["amount"])
}

func TestMetric_GroupByOwner_IsCaseInsensitive(t *testing.T) {
	m := generic.Metric[deal]{
		Name:     "per_rep",
		GroupBy:  ptr(generic.ByOwner[deal]()),
		Measures: []generic.Measure[deal]{generic.Count[deal]("count")},
	}

	res := m.Evaluate([]deal{{ID: "1", Rep: "Ana"}, {ID: "2", Rep: "ana "}, {ID: "3", Rep: "Ben"}})

	require.Len(t, res.Rows, 2)
	assert.Equal(t, "ana", res.Rows[0].Key)
	assert.Equal(t, float64(2), res.Rows[0].Values["count"])
}

func TestGroupedDuration(t *testing.T) {
	schema := dealSchema()
	stage, _ := schema.StringField("stage")
	opened, _ := schema.DateField("opened")
	closed, _ := schema.DateField("closed")
	t0 := time.Date(2025, time.May, 5, 9, 0, 0, 0, time.UTC)

	m := generic.GroupedDuration("time_by_stage", generic.ByField("stage", stage), opened, closed)
	res := m.Evaluate([]deal{
		{ID: "1", Stage: "Call", Opened: generic.DateOf(t0), Closed: generic.DateOf(t0.Add(time.Minute))},
		{ID: "2", Stage: "Call", Opened: generic.DateOf(t0), Closed: generic.DateOf(t0.Add(2 * time.Minute))},
		{ID: "3", Stage: "Visit", Opened: generic.DateOf(t0), Closed: generic.DateOf(t0.Add(time.Hour))},
	})

	require.Len(t, res.Rows, 2)
	assert.Equal(t, float64(180_000), res.Rows[0].Values["duration_ms"])
	assert.Equal(t, float64(3_600_000), res.Rows[1].Values["duration_ms"])
	assert.Equal(t, float64(3_780_000), res.Totals["duration_ms"])
}

// =============================================================================
// PIPELINE
// =============================================================================

func TestPipeline_Compute_MemoisesOnVersionAndCriteria(t *testing.T) {
	// GIVEN: A pipeline whose only measure counts its own evaluations
	var evaluated atomic.Int64
	counting := func(deal) bool {
		evaluated.Add(1)
		return true
	}
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC))
	p := &generic.Pipeline[deal]{
		Schema:  dealSchema(),
		Window:  generic.Window[deal]{DateField: "opened"},
		Metrics: []generic.Metric[deal]{{Name: "n", Measures: []generic.Measure[deal]{generic.Count("n", counting)}}},
		Clock:   clock,
	}
	rp := generic.NewReplica[deal]()
	rp.ReplaceAll([]deal{{ID: "1", Opened: day(2025, time.March, 2)}, {ID: "2", Opened: day(2025, time.March, 3)}})

	// WHEN: The same snapshot is computed twice
	first, err := p.Compute(rp.Snapshot(), generic.Criteria{})
	require.NoError(t, err)
	second, err := p.Compute(rp.Snapshot(), generic.Criteria{})
	require.NoError(t, err)

	// THEN: The second call is served from the memo
	assert.Equal(t, first, second)
	assert.Equal(t, int64(2), evaluated.Load())
	assert.Equal(t, 2, first.Count)

	// Different criteria recompute.
	_, err = p.Compute(rp.Snapshot(), generic.Criteria{Range: generic.ParseDateRange("2025-03-03", "")})
	require.NoError(t, err)
	assert.Equal(t, int64(3), evaluated.Load())

	// A mutation produces a new version and recomputes.
	rp.Replace(deal{ID: "3", Opened: day(2025, time.March, 4)})
	third, err := p.Compute(rp.Snapshot(), generic.Criteria{})
	require.NoError(t, err)
	assert.Equal(t, float64(3), third.Metric("n").Totals["n"])
	assert.Equal(t, int64(6), evaluated.Load())
}

func TestPipeline_Validate_UnknownField(t *testing.T) {
	p := &generic.Pipeline[deal]{Schema: dealSchema()}

	_, err := p.Compute(generic.SnapshotOf[deal](nil),
		generic.Criteria{Matches: []generic.Match{{Field: "colour", Value: "red"}}})

	require.Error(t, err)
	assert.True(t, errors.Is(err, generic.ErrUnknownField))
	assert.True(t, generic.IsClientError(err))
	assert.NoError(t, p.Validate(generic.Criteria{Matches: []generic.Match{{Field: "stage", Value: "x"}}}))
}

func TestPipeline_ReportRangeFollowsDefault(t *testing.T) {
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2025, time.February, 14, 15, 0, 0, 0, time.UTC))
	p := &generic.Pipeline[deal]{
		Schema: dealSchema(),
		Window: generic.Window[deal]{DateField: "opened", Default: generic.DefaultCurrentMonth},
		Clock:  clock,
	}

	report, err := p.Compute(generic.SnapshotOf([]deal{
		{ID: "1", Opened: day(2025, time.February, 1)},
		{ID: "2", Opened: day(2025, time.January, 31)},
	}), generic.Criteria{})

	require.NoError(t, err)
	assert.Equal(t, 1, report.Count)
	assert.Equal(t, time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC), report.Range.From)
	assert.Equal(t, 28, report.Range.To.Day())
	assert.Nil(t, report.Metric("missing"))
}
