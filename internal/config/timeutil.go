package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

var recurrenceRe = regexp.MustCompile(`^(\d+)([a-zA-Z])$`)

// Seconds per recurrence unit. Units are case-sensitive: M is minutes,
// H is hours.
var unitSeconds = map[string]int64{
	"w": 7 * 24 * 3600,
	"d": 24 * 3600,
	"H": 3600,
	"M": 60,
}

// RecurrenceToSeconds converts a recurrence string such as "10M" or "2d"
// to seconds. An unrecognized unit yields 0 (one-shot) rather than an
// error, so a typo'd unit downgrades the schedule instead of breaking it;
// the downgrade is logged at warn level to keep it visible.
func RecurrenceToSeconds(recurrence string) int64 {
	m := recurrenceRe.FindStringSubmatch(recurrence)
	if m == nil {
		log.Warn().Str("recurrence", recurrence).Msg("unparseable recurrence, treating as one-shot")
		return 0
	}
	unit, ok := unitSeconds[m[2]]
	if !ok {
		log.Warn().Str("recurrence", recurrence).Str("unit", m[2]).Msg("unknown recurrence unit, treating as one-shot")
		return 0
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		log.Warn().Str("recurrence", recurrence).Msg("recurrence count out of range, treating as one-shot")
		return 0
	}
	return n * unit
}

// ParseTimeOfDay parses the HH.MM.SS.fff wall-time format. Only hours and
// minutes are honored; seconds and the fraction are fixed to zero.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	var sec, frac int
	if _, err := fmt.Sscanf(s, "%d.%d.%d.%d", &hour, &minute, &sec, &frac); err != nil {
		return 0, 0, fmt.Errorf("config: time %q is not HH.MM.SS.fff: %v", s, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("config: time %q out of range", s)
	}
	return hour, minute, nil
}

// ParseStartDate parses a YYYY-MM-DD date in UTC. An empty value means the
// current UTC date.
func ParseStartDate(s string, now time.Time) (time.Time, error) {
	if s == "" {
		y, m, d := now.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("config: start_date %q is not YYYY-MM-DD: %v", s, err)
	}
	return t, nil
}

// ScheduleToTimestamp combines the wall-time and start-date formats into an
// epoch-seconds run time.
func ScheduleToTimestamp(timeOfDay, startDate string, now time.Time) (int64, error) {
	hour, minute, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return 0, err
	}
	day, err := ParseStartDate(startDate, now)
	if err != nil {
		return 0, err
	}
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute).Unix(), nil
}
