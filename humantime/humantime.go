// Package humantime parses the relative and absolute date expressions used in
// form data, like "now", "7 days ago", "yesterday" or "2024-01-31".
package humantime

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

var relativeExpr = regexp.MustCompile(`^(\d+|a|an|one)\s+(second|sec|minute|min|hour|day|week|month|quarter|year)s?(?:\s+(ago|before|later|after|from now|hence))?$`)
var lastNextExpr = regexp.MustCompile(`^(last|next|this)\s+(second|minute|hour|day|week|month|quarter|year)$`)

// ParseDatetime resolves s relative to now. Expressions without a time of day
// component ("3 days ago", "yesterday") resolve to midnight. An empty string
// yields the zero time.
func ParseDatetime(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, dateOnly, ok := parseRelative(s, now); ok {
		if dateOnly {
			t = midnight(t)
		}
		return t, nil
	}
	t, err := dateparse.ParseIn(s, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("couldn't parse date string [%s]: %w", s, err)
	}
	return t, nil
}

// ParseTimedelta returns the offset s describes from now, e.g. "1 week" is
// seven days and "1 week ago" minus seven days.
func ParseTimedelta(s string, now time.Time) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	t, _, ok := parseRelative(s, now)
	if !ok {
		return 0, fmt.Errorf("couldn't parse time delta [%s]", s)
	}
	return t.Sub(now), nil
}

// IsTimeOfDayUnit reports whether unit carries a time of day component.
func IsTimeOfDayUnit(unit string) bool {
	switch strings.TrimSuffix(strings.ToLower(unit), "s") {
	case "second", "sec", "minute", "min", "hour":
		return true
	}
	return false
}

func parseRelative(s string, now time.Time) (time.Time, bool, bool) {
	lower := strings.ToLower(strings.Join(strings.Fields(s), " "))
	switch lower {
	case "now":
		return now, false, true
	case "today":
		return now, true, true
	case "yesterday":
		return now.AddDate(0, 0, -1), true, true
	case "tomorrow":
		return now.AddDate(0, 0, 1), true, true
	}
	if m := lastNextExpr.FindStringSubmatch(lower); m != nil {
		n := 0
		switch m[1] {
		case "last":
			n = -1
		case "next":
			n = 1
		}
		return shift(now, m[2], n), !IsTimeOfDayUnit(m[2]), true
	}
	m := relativeExpr.FindStringSubmatch(lower)
	if m == nil {
		return time.Time{}, false, false
	}
	n := 1
	if v, err := strconv.Atoi(m[1]); err == nil {
		n = v
	}
	switch m[3] {
	case "ago", "before":
		n = -n
	}
	return shift(now, m[2], n), !IsTimeOfDayUnit(m[2]), true
}

func shift(t time.Time, unit string, n int) time.Time {
	switch unit {
	case "second", "sec":
		return t.Add(time.Duration(n) * time.Second)
	case "minute", "min":
		return t.Add(time.Duration(n) * time.Minute)
	case "hour":
		return t.Add(time.Duration(n) * time.Hour)
	case "day":
		return t.AddDate(0, 0, n)
	case "week":
		return t.AddDate(0, 0, 7*n)
	case "month":
		return t.AddDate(0, n, 0)
	case "quarter":
		return t.AddDate(0, 3*n, 0)
	case "year":
		return t.AddDate(n, 0, 0)
	}
	return t
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
