package calendar

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the explicit date form accepted in requests.
const DateLayout = "2006-01-02"

// Range is a half-open interval [From, To) with the phrase it came from.
type Range struct {
	From  time.Time
	To    time.Time
	Label string
}

// Days returns the number of calendar days the range spans.
func (r Range) Days() int {
	return int(civilDate(r.To).Sub(civilDate(r.From)).Hours()) / 24
}

// civilDate maps t's wall-clock date to UTC midnight so that daylight saving
// shifts do not change day arithmetic.
func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var dateRe = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)

// Range phrases, longest first so "next week" wins over "week".
var rangePhrases = []string{"next week", "this week", "tomorrow", "today"}

// FindRange returns the first range phrase or explicit date in text.
func FindRange(text string) (string, bool) {
	lower := strings.ToLower(text)
	if m := dateRe.FindString(lower); m != "" {
		return m, true
	}
	for _, p := range rangePhrases {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}

// ParseRange resolves a phrase relative to now in now's location. Weeks start on
// Monday; "this week" runs from today to the end of the week.
func ParseRange(phrase string, now time.Time) (Range, error) {
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	today := midnight(now)

	switch phrase {
	case "today":
		return Range{From: today, To: today.AddDate(0, 0, 1), Label: "today"}, nil
	case "tomorrow":
		from := today.AddDate(0, 0, 1)
		return Range{From: from, To: from.AddDate(0, 0, 1), Label: "tomorrow"}, nil
	case "this week":
		return Range{From: today, To: nextMonday(today), Label: "this week"}, nil
	case "next week":
		from := nextMonday(today)
		return Range{From: from, To: from.AddDate(0, 0, 7), Label: "next week"}, nil
	}

	d, err := time.ParseInLocation(DateLayout, phrase, now.Location())
	if err != nil {
		return Range{}, fmt.Errorf("unrecognized date range %q", phrase)
	}
	return Range{From: d, To: d.AddDate(0, 0, 1), Label: d.Format("Mon 2 Jan 2006")}, nil
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func nextMonday(day time.Time) time.Time {
	offset := (8 - int(day.Weekday())) % 7
	if offset == 0 {
		offset = 7
	}
	return day.AddDate(0, 0, offset)
}

var timeRe = regexp.MustCompile(`(?i)\b(\d{1,2})(?::(\d{2}))?\s*(am|pm)?\b`)

// ParseClock reads a time of day such as "10:30", "4 pm" or "16:00".
func ParseClock(s string) (hour, minute int, err error) {
	m := timeRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, fmt.Errorf("unrecognized time %q", s)
	}
	hour, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	switch strings.ToLower(m[3]) {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("unrecognized time %q", s)
	}
	return hour, minute, nil
}
