package calendar

import (
	"fmt"
	"strings"
)

// FormatEvents renders events as a readable summary grouped by day.
func FormatEvents(events []Event, r Range) string {
	if len(events) == 0 {
		return fmt.Sprintf("You have no events %s.", rangePhrase(r))
	}

	var b strings.Builder
	noun := "events"
	if len(events) == 1 {
		noun = "event"
	}
	fmt.Fprintf(&b, "You have %d %s %s:", len(events), noun, rangePhrase(r))

	lastDay := ""
	for _, e := range events {
		day := e.Start.Format("Monday, 2 January")
		if day != lastDay && r.Days() > 1 {
			fmt.Fprintf(&b, "\n\n%s", day)
			lastDay = day
		}
		fmt.Fprintf(&b, "\n- %s", FormatEvent(e))
	}
	return b.String()
}

// FormatEvent renders one event on a single line.
func FormatEvent(e Event) string {
	if e.AllDay {
		return fmt.Sprintf("%s (all day)", e.Title)
	}
	return fmt.Sprintf("%s-%s %s", e.Start.Format("3:04 PM"), e.End.Format("3:04 PM"), e.Title)
}

// FormatDetailed renders one event with its date and id, for create and edit replies.
func FormatDetailed(e Event) string {
	return fmt.Sprintf("%s on %s (id: %s)", FormatEvent(e), e.Start.Format("Mon 2 Jan 2006"), e.ID)
}

func rangePhrase(r Range) string {
	switch r.Label {
	case "today", "tomorrow", "this week", "next week":
		return r.Label
	}
	return "on " + r.Label
}

// Busy summarizes which days in a range already have events, for lesson planning.
func Busy(events []Event, r Range) string {
	if len(events) == 0 {
		return fmt.Sprintf("The calendar is free %s.", rangePhrase(r))
	}
	byDay := make(map[string][]string)
	var order []string
	for _, e := range events {
		day := e.Start.Format("Monday")
		if _, seen := byDay[day]; !seen {
			order = append(order, day)
		}
		byDay[day] = append(byDay[day], e.Title)
	}
	lines := make([]string, 0, len(order))
	for _, day := range order {
		lines = append(lines, fmt.Sprintf("%s: %s", day, strings.Join(byDay[day], ", ")))
	}
	return fmt.Sprintf("Existing commitments %s:\n%s", rangePhrase(r), strings.Join(lines, "\n"))
}
