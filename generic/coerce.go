package generic

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BOUNDARY COERCION - Total functions, never fail
// =============================================================================

// ParseAmount coerces a number or numeric string (possibly currency
// formatted, e.g. "₱ 1,234.50") to a float. Anything unusable is 0.
func ParseAmount(value any) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return finite(v)
	case float32:
		return finite(float64(v))
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case json.Number:
		return parseAmountString(v.String())
	case decimal.Decimal:
		return finite(v.InexactFloat64())
	case string:
		return parseAmountString(v)
	case *string:
		if v == nil {
			return 0
		}
		return parseAmountString(*v)
	default:
		return 0
	}
}

func parseAmountString(s string) float64 {
	// Plain numbers, exponent notation included, parse as they are. Only
	// formatted input falls through to stripping.
	if d, err := decimal.NewFromString(strings.TrimSpace(s)); err == nil {
		return finite(d.InexactFloat64())
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
		case r == '-' && b.Len() == 0:
			// Only a sign before any digit counts; "12-34" is not negative.
			b.WriteRune(r)
		}
	}
	d, err := decimal.NewFromString(b.String())
	if err != nil {
		return 0
	}
	return finite(d.InexactFloat64())
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// ParseDuration is end - start when both parse and end is strictly after
// start; 0 otherwise.
func ParseDuration(start, end string) time.Duration {
	return DurationBetween(ParseDate(start), ParseDate(end))
}

// DurationBetween is ParseDuration for already parsed dates.
func DurationBetween(start, end Date) time.Duration {
	from, ok := start.Get()
	if !ok {
		return 0
	}
	to, ok := end.Get()
	if !ok || !to.After(from) {
		return 0
	}
	return to.Sub(from)
}

// DurationMillis expresses a duration in milliseconds.
func DurationMillis(d time.Duration) float64 {
	return float64(d.Milliseconds())
}

// StringValue renders loosely typed scalars as strings. Used for identities
// that arrive as either numbers or strings.
func StringValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}
