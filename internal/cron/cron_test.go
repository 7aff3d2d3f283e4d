package cron

import (
	"errors"
	"testing"
	"time"

	runinatorerrors "github.com/runinator/runinator/internal/errors"
)

func mustParse(t *testing.T, expr string) *Schedule {
	t.Helper()
	s, err := Parse(expr)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", expr, err)
	}
	return s
}

func at(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func TestParse_RejectsWrongFieldCount(t *testing.T) {
	_, err := Parse("* * * *")
	if err == nil {
		t.Fatal("expected error for 4-field expression")
	}
	var parseErr *runinatorerrors.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
}

func TestParse_RejectsOutOfRange(t *testing.T) {
	tests := []string{
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * 32 * *",
		"* * * 0 *",
		"* * * 13 *",
		"* * * * 8",
	}
	for _, expr := range tests {
		if _, err := Parse(expr); err == nil {
			t.Errorf("Parse(%q) = nil error, want out-of-range ParseError", expr)
		}
	}
}

func TestParse_RejectsMalformedStep(t *testing.T) {
	if _, err := Parse("*/0 * * * *"); err == nil {
		t.Error("expected error for zero step")
	}
	if _, err := Parse("*/x * * * *"); err == nil {
		t.Error("expected error for non-numeric step")
	}
}

func TestNextAfter_EveryMinute(t *testing.T) {
	s := mustParse(t, "*/1 * * * *")
	got := s.NextAfter(at("2025-01-16 12:00:00"))
	want := at("2025-01-16 12:01:00")
	if !got.Equal(want) {
		t.Errorf("NextAfter() = %v, want %v", got, want)
	}
}

func TestNextAfter_HourList(t *testing.T) {
	s := mustParse(t, "0 0,9,12,15,18,21 * * *")
	got := s.NextAfter(at("2025-01-16 10:00:00"))
	want := at("2025-01-16 12:00:00")
	if !got.Equal(want) {
		t.Errorf("NextAfter() = %v, want %v", got, want)
	}
}

func TestNextAfter_IsStrictlyAfter(t *testing.T) {
	s := mustParse(t, "0 12 * * *")
	now := at("2025-01-16 12:00:00")
	got := s.NextAfter(now)
	if !got.After(now) {
		t.Errorf("NextAfter(%v) = %v, want strictly after", now, got)
	}
}

func TestNextAfter_RollsAcrossMonthBoundary(t *testing.T) {
	s := mustParse(t, "0 0 1 * *")
	got := s.NextAfter(at("2025-01-16 00:00:00"))
	want := at("2025-02-01 00:00:00")
	if !got.Equal(want) {
		t.Errorf("NextAfter() = %v, want %v", got, want)
	}
}

func TestNextAfter_LeapYearFeb29(t *testing.T) {
	s := mustParse(t, "0 0 29 2 *")
	got := s.NextAfter(at("2024-01-01 00:00:00"))
	want := at("2024-02-29 00:00:00")
	if !got.Equal(want) {
		t.Errorf("NextAfter() = %v, want %v", got, want)
	}

	// 2025 is not a leap year, so the next occurrence should skip
	// straight to 2028.
	got2 := s.NextAfter(at("2024-03-01 00:00:00"))
	want2 := at("2028-02-29 00:00:00")
	if !got2.Equal(want2) {
		t.Errorf("NextAfter() across non-leap years = %v, want %v", got2, want2)
	}
}

func TestNextAfter_DomDowOrSemantics(t *testing.T) {
	// Both day-of-month and day-of-week are constrained: fire on the
	// 1st of the month OR on a Monday, whichever comes first.
	s := mustParse(t, "0 0 1 * 1")
	got := s.NextAfter(at("2025-01-02 00:00:00")) // a Thursday
	// 2025-01-06 is the next Monday.
	want := at("2025-01-06 00:00:00")
	if !got.Equal(want) {
		t.Errorf("NextAfter() = %v, want %v", got, want)
	}
}

func TestNextAfter_StarBothDomDow(t *testing.T) {
	s := mustParse(t, "0 0 * * *")
	got := s.NextAfter(at("2025-01-16 00:00:00"))
	want := at("2025-01-17 00:00:00")
	if !got.Equal(want) {
		t.Errorf("NextAfter() = %v, want %v", got, want)
	}
}

func TestNextAfter_IsMonotonic(t *testing.T) {
	s := mustParse(t, "*/15 8-18 * * 1-5")
	start := at("2025-01-16 07:00:00")
	prev := start
	for i := 0; i < 50; i++ {
		next := s.NextAfter(prev)
		if !next.After(prev) {
			t.Fatalf("iteration %d: NextAfter(%v) = %v, not strictly after", i, prev, next)
		}
		prev = next
	}
}

func TestNextAfter_IsMinimalMatch(t *testing.T) {
	s := mustParse(t, "30 14 * * *")
	got := s.NextAfter(at("2025-01-16 14:00:00"))
	want := at("2025-01-16 14:30:00")
	if !got.Equal(want) {
		t.Errorf("NextAfter() = %v, want %v", got, want)
	}
}

func TestParseError_ReportsFieldAndReason(t *testing.T) {
	_, err := Parse("60 * * * *")
	var parseErr *runinatorerrors.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if parseErr.Field != "minute" {
		t.Errorf("Field = %q, want %q", parseErr.Field, "minute")
	}
	if parseErr.Reason == "" {
		t.Error("Reason should not be empty")
	}
}
