package generic

import (
	"context"
	"strings"
	"time"
)

// =============================================================================
// DISMISSALS - Day-scoped "seen" markers
// =============================================================================

// Dismissal records that an owner hid an item (a follow-up reminder, an
// overdue quote) for the rest of one calendar day.
//
// Dismissals are scoped by Day, not by a TTL counted from DismissedAt: an
// item dismissed at 23:59 shows up again at 00:00.
type Dismissal struct {
	ID          string    `json:"id"`
	Owner       string    `json:"ownerRef"`
	ItemKey     string    `json:"itemKey"`
	Day         string    `json:"day"` // YYYY-MM-DD in the store's clock
	DismissedAt time.Time `json:"dismissedAt"`
}

// ExpiresAt is the first instant the dismissal no longer applies.
func (d Dismissal) ExpiresAt(loc *time.Location) time.Time {
	day, err := time.ParseInLocation("2006-01-02", d.Day, loc)
	if err != nil {
		return time.Time{}
	}
	return day.AddDate(0, 0, 1)
}

// DismissStore persists dismissals. Every read is implicitly scoped to the
// current day of the store's clock.
type DismissStore interface {
	// Dismiss marks itemKey as dismissed for owner today. Dismissing twice
	// returns the existing marker.
	Dismiss(ctx context.Context, owner, itemKey string) (Dismissal, error)

	// IsDismissed reports whether itemKey is dismissed for owner today.
	IsDismissed(ctx context.Context, owner, itemKey string) (bool, error)

	// Dismissed lists today's dismissals for owner.
	Dismissed(ctx context.Context, owner string) ([]Dismissal, error)

	// Purge deletes dismissals for days before the given time's day.
	Purge(ctx context.Context, before time.Time) (int, error)
}

// DismissalKey normalises the (owner, item) pair stores index by.
func DismissalKey(owner, itemKey string) string {
	return strings.ToLower(strings.TrimSpace(owner)) + "/" + strings.TrimSpace(itemKey)
}

// NotDismissed drops records whose key is in the dismissed list.
func NotDismissed[R Record](dismissed []Dismissal) Predicate[R] {
	hidden := make(map[string]struct{}, len(dismissed))
	for _, d := range dismissed {
		hidden[d.ItemKey] = struct{}{}
	}
	return func(r R) bool {
		_, ok := hidden[r.Key()]
		return !ok
	}
}
