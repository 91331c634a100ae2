package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// minutesPerDay is the number of minutes in a trading day.
const minutesPerDay = 24 * 60

// easternTZ is the reference timezone for the named sessions.
const easternTZ = "America/New_York"

// SessionWindow is a minute-of-day interval in a fixed location. A window
// whose end is at or before its start wraps midnight; membership is then
// [start, 1440) ∪ [0, end).
type SessionWindow struct {
	StartMinute int
	EndMinute   int
	Location    *time.Location
}

// Wraps reports whether the window spans midnight.
func (w SessionWindow) Wraps() bool {
	return w.EndMinute <= w.StartMinute && !(w.StartMinute == 0 && w.EndMinute == minutesPerDay)
}

// Contains reports whether t (converted to the window's location) falls
// inside the session, wrap-aware.
func (w SessionWindow) Contains(t time.Time) bool {
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	minute := local.Hour()*60 + local.Minute()
	if w.Wraps() {
		return minute >= w.StartMinute || minute < w.EndMinute
	}
	return minute >= w.StartMinute && minute < w.EndMinute
}

// MinuteOfDay returns t's minute-of-day in the window's location.
func (w SessionWindow) MinuteOfDay(t time.Time) int {
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return local.Hour()*60 + local.Minute()
}

// ResolveSession maps a TimeSpec to its concrete window. Named sessions
// resolve in Eastern time:
//
//	ny     [09:30, 16:00)
//	london [03:00, 12:00)
//	asia   [20:00, 04:00)  — spans midnight
//	all    [00:00, 24:00)
//
// A custom session parses its HH:MM endpoints in the spec's timezone
// (Eastern when unset).
func ResolveSession(spec TimeSpec) (SessionWindow, error) {
	tz := easternTZ
	if spec.Session == "custom" && spec.Timezone != "" {
		tz = spec.Timezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return SessionWindow{}, fmt.Errorf("loading timezone %q: %w", tz, err)
	}

	switch spec.Session {
	case "ny":
		return SessionWindow{StartMinute: 9*60 + 30, EndMinute: 16 * 60, Location: loc}, nil
	case "london":
		return SessionWindow{StartMinute: 3 * 60, EndMinute: 12 * 60, Location: loc}, nil
	case "asia":
		return SessionWindow{StartMinute: 20 * 60, EndMinute: 4 * 60, Location: loc}, nil
	case "all":
		return SessionWindow{StartMinute: 0, EndMinute: minutesPerDay, Location: loc}, nil
	case "custom":
		start, err := parseHHMM(spec.CustomStart)
		if err != nil {
			return SessionWindow{}, fmt.Errorf("custom session start: %w", err)
		}
		end, err := parseHHMM(spec.CustomEnd)
		if err != nil {
			return SessionWindow{}, fmt.Errorf("custom session end: %w", err)
		}
		return SessionWindow{StartMinute: start, EndMinute: end, Location: loc}, nil
	default:
		return SessionWindow{}, fmt.Errorf("unknown session %q", spec.Session)
	}
}

// parseHHMM parses "HH:MM" into a minute-of-day.
func parseHHMM(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid HH:MM value %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}
