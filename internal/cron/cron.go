// Package cron parses the classic 5-field cron expression and computes
// the next matching instant after a given time. It is hand-rolled
// rather than wrapped around a third-party parser so that malformed
// input surfaces a typed field/reason error instead of an opaque
// string (see DESIGN.md).
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	runinatorerrors "github.com/runinator/runinator/internal/errors"
)

// field bounds, in spec order: minute hour dom month dow.
const (
	minuteMin, minuteMax = 0, 59
	hourMin, hourMax     = 0, 23
	domMin, domMax       = 1, 31
	monthMin, monthMax   = 1, 12
	dowMin, dowMax       = 0, 6
)

// Schedule is a parsed 5-field cron expression. Each field is
// represented as a sorted set of matching values.
type Schedule struct {
	expr string

	minutes [60]bool
	hours   [24]bool
	doms    [32]bool
	months  [13]bool
	dows    [7]bool

	// domStar/dowStar record whether the original field was "*", which
	// changes how the dom/dow OR semantics apply.
	domStar bool
	dowStar bool
}

// Parse validates a 5-field cron expression and returns a Schedule
// that can compute fire times. It never mutates its input.
func Parse(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, runinatorerrors.Parse("expression", fmt.Sprintf("expected 5 fields, got %d", len(fields)))
	}

	s := &Schedule{expr: expr}

	if err := parseField(fields[0], "minute", minuteMin, minuteMax, s.minutes[:]); err != nil {
		return nil, err
	}
	if err := parseField(fields[1], "hour", hourMin, hourMax, s.hours[:]); err != nil {
		return nil, err
	}
	if err := parseField(fields[2], "day-of-month", domMin, domMax, s.doms[:]); err != nil {
		return nil, err
	}
	if err := parseField(fields[3], "month", monthMin, monthMax, s.months[:]); err != nil {
		return nil, err
	}
	if err := parseDow(fields[4], s.dows[:]); err != nil {
		return nil, err
	}

	s.domStar = fields[2] == "*"
	s.dowStar = fields[4] == "*"

	// With day-of-week unrestricted, some selected day-of-month must
	// exist in some selected month (February counted with 29 days).
	if !s.domStar && s.dowStar {
		daysIn := [13]int{0, 31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}
		possible := false
		for m := monthMin; m <= monthMax; m++ {
			for d := domMin; d <= daysIn[m]; d++ {
				possible = possible || (s.months[m] && s.doms[d])
			}
		}
		if !possible {
			return nil, runinatorerrors.Parse("day-of-month", "no selected day exists in any selected month")
		}
	}

	return s, nil
}

// String returns the original expression text.
func (s *Schedule) String() string { return s.expr }

// NextAfter returns the smallest instant strictly after t whose
// minute/hour/dom/month/dow all match, in UTC. It never fails once the
// schedule has parsed.
func (s *Schedule) NextAfter(t time.Time) time.Time {
	t = t.UTC()
	// Start at the next whole minute; seconds/nanoseconds never factor
	// into the match.
	next := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC).Add(time.Minute)

	// Cron has a fixed resolution of one minute; bound the search so a
	// pathological schedule cannot loop forever (Parse rejects a
	// day-of-month that no selected month has, e.g. Feb 30). Eight
	// years covers the longest gap between leap years (2096 to 2104),
	// the rarest day a parsed schedule can require.
	limit := next.AddDate(8, 0, 0)

	for next.Before(limit) {
		if !s.months[int(next.Month())] {
			next = nextMonthBoundary(next)
			continue
		}
		if !s.matchesDay(next) {
			next = next.AddDate(0, 0, 1)
			next = time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, time.UTC)
			continue
		}
		if !s.hours[next.Hour()] {
			next = nextHourBoundary(next)
			continue
		}
		if !s.minutes[next.Minute()] {
			next = next.Add(time.Minute)
			continue
		}
		return next
	}

	// Unreachable for any Schedule produced by Parse, given the field
	// bounds and the day-of-month check enforced there.
	panic("cron: next_after exceeded search horizon for " + s.expr)
}

// matchesDay applies the classic cron OR semantics: if both
// day-of-month and day-of-week are restricted, either match is
// sufficient; if either is "*", only the other constrains.
func (s *Schedule) matchesDay(t time.Time) bool {
	domMatch := s.doms[t.Day()]
	dowMatch := s.dows[int(t.Weekday())]

	switch {
	case s.domStar && s.dowStar:
		return true
	case s.domStar:
		return dowMatch
	case s.dowStar:
		return domMatch
	default:
		return domMatch || dowMatch
	}
}

func nextMonthBoundary(t time.Time) time.Time {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, 1, 0)
}

func nextHourBoundary(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC).Add(time.Hour)
}

// parseField fills set[min..max] according to a single cron field
// (minute, hour, day-of-month, or month). set must be sized max+1 or
// larger.
func parseField(raw, name string, min, max int, set []bool) error {
	for _, part := range strings.Split(raw, ",") {
		if err := parsePart(part, name, min, max, set); err != nil {
			return err
		}
	}
	return nil
}

// parseDow is parseField specialized for day-of-week, which folds 7
// onto 0 (both mean Sunday).
func parseDow(raw string, set []bool) error {
	for _, part := range strings.Split(raw, ",") {
		if err := parsePart(part, "day-of-week", dowMin, dowMax+1, set); err != nil {
			return err
		}
	}
	return nil
}

func parsePart(part, name string, min, max int, set []bool) error {
	step := 1
	rangeExpr := part

	if idx := strings.IndexByte(part, '/'); idx >= 0 {
		rangeExpr = part[:idx]
		stepStr := part[idx+1:]
		n, err := strconv.Atoi(stepStr)
		if err != nil || n <= 0 {
			return runinatorerrors.Parse(name, fmt.Sprintf("invalid step %q", stepStr))
		}
		step = n
	}

	var lo, hi int
	switch {
	case rangeExpr == "*":
		lo, hi = min, max
	case strings.Contains(rangeExpr, "-"):
		bounds := strings.SplitN(rangeExpr, "-", 2)
		if len(bounds) != 2 {
			return runinatorerrors.Parse(name, fmt.Sprintf("invalid range %q", rangeExpr))
		}
		a, errA := strconv.Atoi(bounds[0])
		b, errB := strconv.Atoi(bounds[1])
		if errA != nil || errB != nil {
			return runinatorerrors.Parse(name, fmt.Sprintf("invalid range %q", rangeExpr))
		}
		lo, hi = a, b
	default:
		n, err := strconv.Atoi(rangeExpr)
		if err != nil {
			return runinatorerrors.Parse(name, fmt.Sprintf("invalid value %q", rangeExpr))
		}
		lo, hi = n, n
	}

	if lo < min || lo > max || hi < min || hi > max || lo > hi {
		return runinatorerrors.Parse(name, fmt.Sprintf("value out of range [%d-%d]: %q", min, max, part))
	}

	for v := lo; v <= hi; v += step {
		idx := v
		if name == "day-of-week" && idx == 7 {
			idx = 0
		}
		if idx < 0 || idx >= len(set) {
			continue
		}
		set[idx] = true
	}
	return nil
}
