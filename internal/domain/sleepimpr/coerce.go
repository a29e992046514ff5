package sleepimpr

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the canonical date format written to storage and used in
// encounter keys.
const DateLayout = "2006-01-02"

// dateLayouts are the formats seen in vendor extracts, tried in order.
var dateLayouts = []string{
	DateLayout,
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"1/2/06",
	"20060102",
	"2006/01/02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"01/02/2006 15:04",
	"1/2/2006 15:04",
}

var ErrEmptyDate = errors.New("date is empty")

// ParseDate normalizes a vendor date to midnight UTC of the calendar day.
func ParseDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, ErrEmptyDate
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}

// ParseOptionalDate returns nil for blank or unparseable input.
func ParseOptionalDate(raw string) *time.Time {
	t, err := ParseDate(raw)
	if err != nil {
		return nil
	}
	return &t
}

// ParseAmount parses a currency cell. Dollar signs, thousands separators and
// surrounding whitespace are ignored and accounting-style parentheses mean a
// negative value. ok is false for blank or unparseable input.
func ParseAmount(raw string) (v float64, ok bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	if strings.HasPrefix(s, "-") {
		neg = !neg
		s = s[1:]
	}
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if neg {
		f = -f
	}
	return f, true
}

// CoerceAmount is ParseAmount with blank and unparseable input mapped to 0.
func CoerceAmount(raw string) float64 {
	v, _ := ParseAmount(raw)
	return v
}

// ParseOptionalInt returns nil for blank or non-integer input and for values
// outside the 32-bit range of an INTEGER column. Values written as whole
// floats ("45.0") are accepted.
func ParseOptionalInt(raw string) *int {
	s := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
			return nil
		}
		n = int64(f)
	}
	v := int(n)
	return &v
}
