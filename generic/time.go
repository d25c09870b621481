package generic

import (
	"encoding/json"
	"strings"
	"time"
)

// =============================================================================
// DATE - Optional timestamp parsed once at the boundary
// =============================================================================

// Date is an optional timestamp. Absent and malformed inputs both produce
// the zero Date (Valid == false); neither is an error.
type Date struct {
	Time  time.Time
	Valid bool
}

// layouts accepted by ParseTime, most specific first.
var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006",
}

// ParseTime parses an ISO-ish date/time string. Inputs without a zone are
// taken as UTC; the result is always in UTC so month and day buckets agree
// across writers in different zones.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseDate wraps ParseTime into a Date.
func ParseDate(s string) Date {
	t, ok := ParseTime(s)
	return Date{Time: t, Valid: ok}
}

// DateOf builds a valid Date.
func DateOf(t time.Time) Date { return Date{Time: t, Valid: true} }

func (d Date) Get() (time.Time, bool) { return d.Time, d.Valid }

func (d Date) String() string {
	if !d.Valid {
		return ""
	}
	return d.Time.Format(time.RFC3339)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if !d.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(d.Time.Format(time.RFC3339Nano))
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s *string
	if err := json.Unmarshal(b, &s); err != nil || s == nil {
		// Non-string payloads are "no value", not a decode failure.
		*d = Date{}
		return nil
	}
	*d = ParseDate(*s)
	return nil
}

// =============================================================================
// DATE RANGE - Inclusive window used by the filter stage
// =============================================================================

// DateRange is an inclusive window. A zero From or To leaves that side open;
// a zero range means "no filtering".
type DateRange struct {
	From time.Time `json:"from,omitzero"`
	To   time.Time `json:"to,omitzero"`
}

func (r DateRange) IsZero() bool { return r.From.IsZero() && r.To.IsZero() }

// Normalize widens the range to whole days: From moves to the start of its
// day and To to the last instant of its day.
func (r DateRange) Normalize() DateRange {
	if !r.From.IsZero() {
		r.From = StartOfDay(r.From)
	}
	if !r.To.IsZero() {
		r.To = EndOfDay(r.To)
	}
	return r
}

// Contains reports whether t falls inside the (normalised) range.
func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

func (r DateRange) key() string {
	if r.IsZero() {
		return "*"
	}
	return r.From.Format(time.RFC3339Nano) + ".." + r.To.Format(time.RFC3339Nano)
}

// ParseDateRange builds a range from two optional query strings. Unparsable
// sides are left open.
func ParseDateRange(from, to string) DateRange {
	var r DateRange
	if t, ok := ParseTime(from); ok {
		r.From = t
	}
	if t, ok := ParseTime(to); ok {
		r.To = t
	}
	return r.Normalize()
}

// =============================================================================
// TIME UTILITIES
// =============================================================================

func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func EndOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), t.Location())
}

func StartOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

func EndOfMonth(t time.Time) time.Time {
	return EndOfDay(StartOfMonth(t).AddDate(0, 1, -1))
}

// MonthRange is the calendar month containing t.
func MonthRange(t time.Time) DateRange {
	return DateRange{From: StartOfMonth(t), To: EndOfMonth(t)}
}

// MonthKey buckets a timestamp as YYYY-MM.
func MonthKey(t time.Time) string { return t.Format("2006-01") }

// DayKey buckets a timestamp as YYYY-MM-DD.
func DayKey(t time.Time) string { return t.Format("2006-01-02") }
