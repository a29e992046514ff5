package sleepimpr

import (
	"testing"
	"time"
)

func TestCoerceAmount(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"", 0},
		{"abc", 0},
		{"150.50", 150.5},
		{" 200 ", 200},
		{"$1,200.00", 1200},
		{"(12.50)", -12.5},
		{"-7", -7},
		{"$", 0},
		{"NaN", 0},
		{"Inf", 0},
	}
	for _, tt := range tests {
		if got := CoerceAmount(tt.in); got != tt.want {
			t.Errorf("CoerceAmount(%q): expected %v, got %v", tt.in, tt.want, got)
		}
	}
}

func TestParseAmount_OK(t *testing.T) {
	if _, ok := ParseAmount(""); ok {
		t.Error("expected ok=false for blank")
	}
	if _, ok := ParseAmount("n/a"); ok {
		t.Error("expected ok=false for n/a")
	}
	if v, ok := ParseAmount("0"); !ok || v != 0 {
		t.Errorf("expected 0/true, got %v/%v", v, ok)
	}
}

func TestParseDate(t *testing.T) {
	want := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{
		"2025-01-15",
		"01/15/2025",
		"1/15/2025",
		"01-15-2025",
		"20250115",
		"2025/01/15",
		"2025-01-15T08:30:00-05:00",
		"2025-01-15 08:30:00",
		"1/15/2025 14:05",
		" 2025-01-15 ",
	} {
		got, err := ParseDate(in)
		if err != nil {
			t.Errorf("ParseDate(%q): unexpected error: %v", in, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("ParseDate(%q): expected %v, got %v", in, want, got)
		}
	}
}

func TestParseDate_Invalid(t *testing.T) {
	if _, err := ParseDate(""); err != ErrEmptyDate {
		t.Errorf("expected ErrEmptyDate, got %v", err)
	}
	for _, in := range []string{"yesterday", "2025-13-45", "15.01.2025"} {
		if _, err := ParseDate(in); err == nil {
			t.Errorf("ParseDate(%q): expected error", in)
		}
	}
	if ParseOptionalDate("garbage") != nil {
		t.Error("expected nil for unparseable optional date")
	}
}

func TestParseOptionalInt(t *testing.T) {
	if v := ParseOptionalInt("45"); v == nil || *v != 45 {
		t.Errorf("expected 45, got %v", v)
	}
	if v := ParseOptionalInt("1,024"); v == nil || *v != 1024 {
		t.Errorf("expected 1024, got %v", v)
	}
	if v := ParseOptionalInt("30.0"); v == nil || *v != 30 {
		t.Errorf("expected 30, got %v", v)
	}
	if v := ParseOptionalInt("-2147483648"); v == nil || *v != -2147483648 {
		t.Errorf("expected int32 minimum, got %v", v)
	}
	for _, in := range []string{"", "30.5", "abc", "1e30", "-1e30", "2147483648", "NaN", "Inf"} {
		if v := ParseOptionalInt(in); v != nil {
			t.Errorf("ParseOptionalInt(%q): expected nil, got %d", in, *v)
		}
	}
}
