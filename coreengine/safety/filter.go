// Package safety provides the denylist content filter applied before a stage calls its backend.
package safety

import (
	"sort"
	"strings"
)

// DefaultRefusal is returned in place of generated content when the filter blocks.
const DefaultRefusal = "I'm sorry, I can't help with that topic. Please try a different, child-friendly request."

// Category names used by the default policy.
const (
	CategoryViolence         = "violence"
	CategorySexual           = "sexual"
	CategorySubstances       = "substances"
	CategoryHate             = "hate"
	CategorySelfHarm         = "self_harm"
	CategoryAgeInappropriate = "age_inappropriate"
)

// DefaultPolicy returns the built-in denylist grouped by category.
func DefaultPolicy() map[string][]string {
	return map[string][]string{
		CategoryViolence:         {"kill", "war", "murder", "gun", "weapon", "bomb", "torture"},
		CategorySexual:           {"sex", "porn", "nude", "erotic"},
		CategorySubstances:       {"drug", "alcohol", "beer", "whisky", "cocaine", "heroin", "cigarette", "tobacco", "smoking"},
		CategoryHate:             {"racist", "slur", "hate speech", "nazi"},
		CategorySelfHarm:         {"suicide", "self-harm", "self harm", "cutting myself"},
		CategoryAgeInappropriate: {"gambling", "horror", "betting"},
	}
}

// Verdict is the outcome of a check.
type Verdict struct {
	Allowed  bool
	Category string
	Term     string
	Reason   string
}

type rule struct {
	category string
	term     string
}

// Filter checks composed input text against a fixed denylist.
// A Filter is immutable after construction and safe for concurrent use.
type Filter struct {
	rules   []rule
	refusal string
}

// NewFilter creates a filter. An empty policy falls back to DefaultPolicy and an empty
// refusal to DefaultRefusal.
func NewFilter(policy map[string][]string, refusal string) *Filter {
	if len(policy) == 0 {
		policy = DefaultPolicy()
	}
	if refusal == "" {
		refusal = DefaultRefusal
	}

	categories := make([]string, 0, len(policy))
	for c := range policy {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	f := &Filter{refusal: refusal}
	for _, c := range categories {
		for _, term := range policy[c] {
			term = strings.ToLower(strings.TrimSpace(term))
			if term == "" {
				continue
			}
			f.rules = append(f.rules, rule{category: c, term: term})
		}
	}
	return f
}

// Check blocks if and only if the text contains, case-insensitively, a denylisted term.
func (f *Filter) Check(text string) Verdict {
	lowered := strings.ToLower(text)
	for _, r := range f.rules {
		if strings.Contains(lowered, r.term) {
			return Verdict{
				Allowed:  false,
				Category: r.category,
				Term:     r.term,
				Reason:   "matched " + r.category + " term",
			}
		}
	}
	return Verdict{Allowed: true}
}

// Refusal returns the fixed refusal message.
func (f *Filter) Refusal() string {
	return f.refusal
}

// Terms returns the number of active denylist terms.
func (f *Filter) Terms() int {
	return len(f.rules)
}
