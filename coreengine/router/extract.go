package router

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/calendar"
)

// Languages the router recognizes in request text.
var knownLanguages = []string{
	"English", "Hindi", "Kannada", "Tamil", "Telugu", "Marathi", "Bengali",
	"Gujarati", "Malayalam", "Punjabi", "Odia", "Urdu", "Assamese",
}

var languageRe = regexp.MustCompile(`(?i)\b(?:in|into|using)\s+(` + strings.Join(knownLanguages, "|") + `)\b`)

// extractLanguage returns the language named as "in <language>", canonically cased.
func extractLanguage(text string) (string, bool) {
	m := languageRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	for _, l := range knownLanguages {
		if strings.EqualFold(l, m[1]) {
			return l, true
		}
	}
	return "", false
}

var (
	gradesRe   = regexp.MustCompile(`(?i)\b(?:grades?|class(?:es)?|std\.?|standards?)\s+((?:\d{1,2}(?:st|nd|rd|th)?(?:\s*(?:,|and|&|to|-)\s*)?)+)`)
	gradeNumRe = regexp.MustCompile(`\d{1,2}`)
)

// extractGrades returns the distinct grade levels 1-12 named in text, ascending.
func extractGrades(text string) []int {
	seen := make(map[int]bool)
	var grades []int
	for _, m := range gradesRe.FindAllStringSubmatch(text, -1) {
		for _, n := range gradeNumRe.FindAllString(m[1], -1) {
			g, err := strconv.Atoi(n)
			if err != nil || g < 1 || g > 12 || seen[g] {
				continue
			}
			seen[g] = true
			grades = append(grades, g)
		}
	}
	sort.Ints(grades)
	return grades
}

var (
	topicRe     = regexp.MustCompile(`(?i)\b(?:about|on|topic:?|explaining|teaching)\s+(.+)`)
	noiseRe     = regexp.MustCompile(`(?i)\b(?:for\s+)?(?:grades?|class(?:es)?|std\.?|standards?)\s+(?:\d{1,2}(?:st|nd|rd|th)?(?:\s*(?:,|and|&|to|-)\s*)?)+`)
	scheduleRe  = regexp.MustCompile(`(?i)\b(?:considering|using|with|around|based on)\s+(?:my\s+)?(?:calendar|schedule)\b|\b(?:for\s+)?(?:next|this)\s+week\b`)
	trailingRe  = regexp.MustCompile(`[\s.,;:!?]+$`)
	spacesRe    = regexp.MustCompile(`\s+`)
	leadingArts = regexp.MustCompile(`(?i)^(?:the|a|an)\s+`)
)

// extractTopic returns what follows "about"/"on" with grade, language and schedule
// phrases removed.
func extractTopic(text string) (string, bool) {
	m := topicRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	topic := languageRe.ReplaceAllString(m[1], "")
	topic = noiseRe.ReplaceAllString(topic, "")
	topic = scheduleRe.ReplaceAllString(topic, "")
	topic = spacesRe.ReplaceAllString(topic, " ")
	topic = trailingRe.ReplaceAllString(strings.TrimSpace(topic), "")
	if leadingArts.ReplaceAllString(topic, "") == "" {
		return "", false
	}
	return topic, true
}

// =============================================================================
// CALENDAR COMMANDS
// =============================================================================

var (
	deleteRe  = regexp.MustCompile(`(?i)\b(?:delete|remove|cancel)\b`)
	editRe    = regexp.MustCompile(`(?i)\b(?:edit|change|move|reschedule|rename|update)\b`)
	createRe  = regexp.MustCompile(`(?i)\b(?:create|add|book)\b|\bnew\s+(?:event|meeting|reminder)\b`)
	confirmRe = regexp.MustCompile(`(?i)\bconfirm(?:ed)?\b`)

	eventIDRe     = regexp.MustCompile(`\b(evt_[A-Za-z0-9]+)\b`)
	labeledIDRe   = regexp.MustCompile(`(?i)\bid\b\s*[:#]?\s*([A-Za-z0-9_]{4,})\b`)
	quotedRe      = regexp.MustCompile(`["“]([^"”]+)["”]`)
	createTitleRe = regexp.MustCompile(`(?i)\b(?:create|add|new|book)\s+(?:an?\s+)?(?:calendar\s+)?(?:event|meeting|reminder)\s+(?:called\s+|titled\s+|named\s+)?(.+?)(?:\s+(?:on|at|for|tomorrow|today)\b|$)`)
	renameRe      = regexp.MustCompile(`(?i)\b(?:rename\s+\S+(?:\s+\S+)?\s+to|title\s+to)\s+(.+?)(?:\s+(?:on|at)\b|$)`)
	clockRe       = regexp.MustCompile(`(?i)\b(?:at|to)\s+(\d{1,2}(?::\d{2})?\s*(?:am|pm)?)\b`)
)

// extractCalendarCommand reads a calendar command from free text.
func extractCalendarCommand(text string) calendar.Command {
	cmd := calendar.Command{Action: calendar.ActionList}
	switch {
	case deleteRe.MatchString(text):
		cmd.Action = calendar.ActionDelete
	case editRe.MatchString(text):
		cmd.Action = calendar.ActionEdit
	case createRe.MatchString(text):
		cmd.Action = calendar.ActionCreate
	}

	if m := eventIDRe.FindStringSubmatch(text); m != nil {
		cmd.EventID = m[1]
	} else if m := labeledIDRe.FindStringSubmatch(text); m != nil {
		cmd.EventID = m[1]
	}
	cmd.Confirm = confirmRe.MatchString(text)

	phrase, found := calendar.FindRange(text)
	if cmd.Action == calendar.ActionList {
		if found {
			cmd.Range = phrase
		}
		return cmd
	}

	if found && phrase != "this week" && phrase != "next week" {
		cmd.Date = phrase
	}
	if m := clockRe.FindStringSubmatch(text); m != nil {
		cmd.Time = strings.TrimSpace(m[1])
	}

	switch {
	case quotedRe.MatchString(text):
		cmd.Title = strings.TrimSpace(quotedRe.FindStringSubmatch(text)[1])
	case cmd.Action == calendar.ActionCreate:
		if m := createTitleRe.FindStringSubmatch(text); m != nil {
			cmd.Title = strings.TrimSpace(m[1])
		}
	case cmd.Action == calendar.ActionEdit:
		if m := renameRe.FindStringSubmatch(text); m != nil {
			cmd.Title = strings.TrimSpace(m[1])
		}
	}
	return cmd
}
