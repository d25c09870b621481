package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/warp/salesops-engine/generic"
)

// Dismissals is the in-memory DismissStore. Days are computed in the
// clock's location (UTC unless the clock says otherwise).
type Dismissals struct {
	clock quartz.Clock

	mu    sync.Mutex
	byDay map[string]map[string]generic.Dismissal // day -> DismissalKey -> marker
}

var _ generic.DismissStore = (*Dismissals)(nil)

func NewDismissals(clock quartz.Clock) *Dismissals {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Dismissals{
		clock: clock,
		byDay: make(map[string]map[string]generic.Dismissal),
	}
}

func (d *Dismissals) Dismiss(_ context.Context, owner, itemKey string) (generic.Dismissal, error) {
	if owner == "" {
		return generic.Dismissal{}, generic.ErrOwnerRequired
	}
	if itemKey == "" {
		return generic.Dismissal{}, generic.ErrMissingID
	}
	now := d.clock.Now()
	day := generic.DayKey(now)
	key := generic.DismissalKey(owner, itemKey)

	d.mu.Lock()
	defer d.mu.Unlock()
	markers, ok := d.byDay[day]
	if !ok {
		markers = make(map[string]generic.Dismissal)
		d.byDay[day] = markers
	}
	if existing, ok := markers[key]; ok {
		return existing, nil
	}
	marker := generic.Dismissal{
		ID:          uuid.NewString(),
		Owner:       owner,
		ItemKey:     itemKey,
		Day:         day,
		DismissedAt: now,
	}
	markers[key] = marker
	return marker, nil
}

func (d *Dismissals) IsDismissed(_ context.Context, owner, itemKey string) (bool, error) {
	day := generic.DayKey(d.clock.Now())
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.byDay[day][generic.DismissalKey(owner, itemKey)]
	return ok, nil
}

func (d *Dismissals) Dismissed(_ context.Context, owner string) ([]generic.Dismissal, error) {
	day := generic.DayKey(d.clock.Now())
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]generic.Dismissal, 0)
	for _, m := range d.byDay[day] {
		if generic.SameOwner(m.Owner, owner) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemKey < out[j].ItemKey })
	return out, nil
}

func (d *Dismissals) Purge(_ context.Context, before time.Time) (int, error) {
	cutoff := generic.DayKey(before)
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for day, markers := range d.byDay {
		// DayKey sorts lexically in date order.
		if day < cutoff {
			n += len(markers)
			delete(d.byDay, day)
		}
	}
	return n, nil
}
