package generic_test

import (
	"context"
	"sync"
	"time"

	"github.com/warp/salesops-engine/generic"
)

// =============================================================================
// TEST RECORD
// =============================================================================

// deal is a small record type so the engine is exercised without the
// activity domain.
type deal struct {
	ID     string
	Rep    string
	Stage  string
	Amount float64
	Opened generic.Date
	Closed generic.Date
}

func (d deal) Key() string   { return d.ID }
func (d deal) Owner() string { return d.Rep }

func dealSchema() generic.Schema[deal] {
	return generic.Schema[deal]{
		Strings: map[string]func(deal) string{
			"id":    func(d deal) string { return d.ID },
			"rep":   func(d deal) string { return d.Rep },
			"stage": func(d deal) string { return d.Stage },
		},
		Dates: map[string]func(deal) generic.Date{
			"opened": func(d deal) generic.Date { return d.Opened },
			"closed": func(d deal) generic.Date { return d.Closed },
		},
		Amounts: map[string]func(deal) float64{
			"amount": func(d deal) float64 { return d.Amount },
		},
	}
}

func day(y int, m time.Month, d int) generic.Date {
	return generic.DateOf(time.Date(y, m, d, 12, 0, 0, 0, time.UTC))
}

func ptr[T any](v T) *T { return &v }

// =============================================================================
// FAKE SNAPSHOT SOURCE
// =============================================================================

// gatedSource answers Fetch only when the test releases the owner's gate,
// so tests control when a load completes relative to feed events.
type gatedSource struct {
	mu      sync.Mutex
	records map[string][]deal
	errs    map[string]error
	gates   map[string]chan struct{}
	calls   map[string]int
}

func newGatedSource() *gatedSource {
	return &gatedSource{
		records: make(map[string][]deal),
		errs:    make(map[string]error),
		gates:   make(map[string]chan struct{}),
		calls:   make(map[string]int),
	}
}

func (s *gatedSource) set(owner string, records ...deal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[owner] = records
}

func (s *gatedSource) fail(owner string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[owner] = err
}

// hold makes the next fetches for owner block until release.
func (s *gatedSource) hold(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gates[owner] = make(chan struct{})
}

func (s *gatedSource) release(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gates[owner]; ok {
		close(g)
		delete(s.gates, owner)
	}
}

func (s *gatedSource) fetches(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[owner]
}

func (s *gatedSource) Fetch(ctx context.Context, owner string) ([]deal, error) {
	s.mu.Lock()
	s.calls[owner]++
	gate := s.gates[owner]
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs[owner]; err != nil {
		return nil, err
	}
	return append([]deal(nil), s.records[owner]...), nil
}
