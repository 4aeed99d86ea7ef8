// Package timeparse reads the meeting date, time and duration answers typed into a scheduling thread.
package timeparse

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/width"
)

// DefaultLocation is the zone answers are interpreted in when none is configured.
const DefaultLocation = "Asia/Tokyo"

// MaxDurationMinutes is the longest meeting ParseDuration accepts.
const MaxDurationMinutes = 24 * 60

var (
	// ErrUnrecognized is returned when the text matches none of the accepted formats.
	ErrUnrecognized = errors.New("unrecognized format")
	// ErrDurationOutOfRange is returned for durations that are zero or longer than MaxDurationMinutes.
	ErrDurationOutOfRange = errors.New("duration out of range")
)

// LoadLocation resolves name, falling back to a fixed +09:00 zone when tzdata is unavailable.
func LoadLocation(name string) *time.Location {
	if name == "" {
		name = DefaultLocation
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone(DefaultLocation, 9*60*60)
	}
	return loc
}

type dateLayout struct {
	re      *regexp.Regexp
	hasYear bool
}

// Each layout captures (year?) month day hour minute?.
var dateLayouts = []dateLayout{
	{re: regexp.MustCompile(`^(\d{4})/(\d{1,2})/(\d{1,2})\s+(\d{1,2}):(\d{2})(?::\d{2})?$`), hasYear: true},
	{re: regexp.MustCompile(`^(\d{1,2})/(\d{1,2})\s+(\d{1,2}):(\d{2})(?::\d{2})?$`)},
	{re: regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})\s+(\d{1,2}):(\d{2})$`), hasYear: true},
	{re: regexp.MustCompile(`^(\d{1,2})-(\d{1,2})\s+(\d{1,2}):(\d{2})$`)},
	{re: regexp.MustCompile(`^(\d{4})年(\d{1,2})月(\d{1,2})日\s*(\d{1,2}):(\d{2})$`), hasYear: true},
	{re: regexp.MustCompile(`^(\d{4})年(\d{1,2})月(\d{1,2})日\s*(\d{1,2})時(?:(\d{1,2})分)?$`), hasYear: true},
	{re: regexp.MustCompile(`^(\d{1,2})月(\d{1,2})日\s*(\d{1,2}):(\d{2})$`)},
	{re: regexp.MustCompile(`^(\d{1,2})月(\d{1,2})日\s*(\d{1,2})時(?:(\d{1,2})分)?$`)},
}

// ParseDateTime parses text as a wall-clock time in loc. A missing year means the year of now in loc.
func ParseDateTime(text string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = LoadLocation("")
	}
	s := normalize(text)
	if s == "" {
		return time.Time{}, fmt.Errorf("datetime: %w", ErrUnrecognized)
	}
	for _, layout := range dateLayouts {
		m := layout.re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		parts := m[1:]
		year := now.In(loc).Year()
		if layout.hasYear {
			year, _ = strconv.Atoi(parts[0])
			parts = parts[1:]
		}
		month, _ := strconv.Atoi(parts[0])
		day, _ := strconv.Atoi(parts[1])
		hour, _ := strconv.Atoi(parts[2])
		minute := 0
		if len(parts) > 3 && parts[3] != "" {
			minute, _ = strconv.Atoi(parts[3])
		}
		return buildTime(year, month, day, hour, minute, loc)
	}
	return time.Time{}, fmt.Errorf("datetime %q: %w", text, ErrUnrecognized)
}

func buildTime(year, month, day, hour, minute int, loc *time.Location) (time.Time, error) {
	if hour > 23 || minute > 59 {
		return time.Time{}, fmt.Errorf("datetime: time %02d:%02d out of range", hour, minute)
	}
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc)
	// time.Date normalizes 2/30 into March; reject instead.
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return time.Time{}, fmt.Errorf("datetime: %04d-%02d-%02d is not a calendar date", year, month, day)
	}
	return t, nil
}

var (
	jpHoursMinutes = regexp.MustCompile(`^(\d+(?:\.\d+)?)時間(?:\s*(\d+)分)?$`)
	jpMinutes      = regexp.MustCompile(`^(\d+)分$`)
	enDuration     = regexp.MustCompile(`^(?:(\d+(?:\.\d+)?)\s*(?:h|hr|hrs|hour|hours))?\s*(?:(\d+)\s*(?:m|min|mins|minute|minutes))?$`)
	bareNumber     = regexp.MustCompile(`^\d+$`)
)

// ParseDuration parses a meeting length into whole minutes. A bare number means minutes.
// The result is always within 1..MaxDurationMinutes.
func ParseDuration(text string) (int, error) {
	minutes, err := parseMinutes(normalize(text))
	if err != nil {
		return 0, fmt.Errorf("duration %q: %w", text, err)
	}
	if minutes <= 0 || minutes > MaxDurationMinutes {
		return 0, fmt.Errorf("duration %q: %w", text, ErrDurationOutOfRange)
	}
	return minutes, nil
}

func parseMinutes(s string) (int, error) {
	s = strings.ToLower(s)
	if s == "" {
		return 0, ErrUnrecognized
	}
	if bareNumber.MatchString(s) {
		return atoiBounded(s)
	}
	if m := jpMinutes.FindStringSubmatch(s); m != nil {
		return atoiBounded(m[1])
	}
	if m := jpHoursMinutes.FindStringSubmatch(s); m != nil {
		return hoursAndMinutes(m[1], m[2])
	}
	if m := enDuration.FindStringSubmatch(s); m != nil && (m[1] != "" || m[2] != "") {
		return hoursAndMinutes(m[1], m[2])
	}
	return 0, ErrUnrecognized
}

// atoiBounded reports digit strings too large for an int as out of range.
func atoiBounded(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if errors.Is(err, strconv.ErrRange) {
		return 0, ErrDurationOutOfRange
	}
	return n, err
}

func hoursAndMinutes(hours, minutes string) (int, error) {
	total := 0
	if hours != "" {
		h, err := strconv.ParseFloat(hours, 64)
		if err != nil {
			return 0, fmt.Errorf("hours %q: %w", hours, err)
		}
		if h*60 > MaxDurationMinutes {
			return 0, ErrDurationOutOfRange
		}
		total += int(h * 60)
	}
	if minutes != "" {
		m, err := atoiBounded(minutes)
		if err != nil {
			return 0, err
		}
		if m > MaxDurationMinutes {
			return 0, ErrDurationOutOfRange
		}
		total += m
	}
	return total, nil
}

// normalize folds full-width digits and punctuation to ASCII and collapses whitespace.
func normalize(text string) string {
	return strings.Join(strings.Fields(width.Fold.String(text)), " ")
}

var jpWeekdays = [...]string{"日", "月", "火", "水", "木", "金", "土"}

// FormatLong renders t as "2025年12月5日(金) 14:00" in loc.
func FormatLong(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return fmt.Sprintf("%d年%d月%d日(%s) %02d:%02d", t.Year(), int(t.Month()), t.Day(), jpWeekdays[t.Weekday()], t.Hour(), t.Minute())
}

// FormatShort renders t as "12/5 (金) 14:00" in loc.
func FormatShort(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return fmt.Sprintf("%d/%d (%s) %02d:%02d", int(t.Month()), t.Day(), jpWeekdays[t.Weekday()], t.Hour(), t.Minute())
}

// FormatDuration renders minutes as "1時間30分", "2時間" or "45分".
func FormatDuration(minutes int) string {
	h, m := minutes/60, minutes%60
	switch {
	case h == 0:
		return fmt.Sprintf("%d分", m)
	case m == 0:
		return fmt.Sprintf("%d時間", h)
	}
	return fmt.Sprintf("%d時間%d分", h, m)
}
