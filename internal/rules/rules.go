// Package rules evaluates the configured validation gate against tasks.
// Rules are data (see config.ValidationRule); this package interprets them.
package rules

import (
	"fmt"
	"sort"
	"strings"

	"taskline/internal/config"
	"taskline/internal/domain"
)

// DefaultAmbiguityTerms are flagged when an ambiguity rule does not bring
// its own term list.
var DefaultAmbiguityTerms = []string{
	"maybe", "somehow", "something", "stuff", "various", "etc", "later", "tbd",
}

// Issue is one finding from a rule evaluation.
type Issue struct {
	RuleID   string
	Kind     string
	Severity string
	Blocking bool
	Message  string
}

// BlockType maps the issue to the block type recorded for it.
func (i Issue) BlockType() string {
	if i.Kind == config.KindAmbiguity {
		return domain.BlockAmbiguous
	}
	return domain.BlockValidation
}

// Evaluate runs every applicable rule against the task and returns the
// findings. An empty result means the task passes the gate.
func Evaluate(ruleSet []config.ValidationRule, t domain.Task) []Issue {
	var issues []Issue
	for _, rule := range ruleSet {
		if !applies(rule, t) {
			continue
		}
		var msg string
		switch rule.Kind {
		case config.KindRequiredField:
			msg = checkRequiredFields(rule, t)
		case config.KindTestsRequired:
			msg = checkTests(rule, t)
		case config.KindAmbiguity:
			msg = checkAmbiguity(rule, t)
		}
		if msg == "" {
			continue
		}
		sev := rule.Severity
		if sev == "" {
			sev = domain.SeverityError
		}
		issues = append(issues, Issue{
			RuleID:   rule.ID,
			Kind:     rule.Kind,
			Severity: sev,
			Blocking: rule.Blocking,
			Message:  msg,
		})
	}
	return issues
}

// Passed reports whether the findings contain no blocking issue.
func Passed(issues []Issue) bool {
	for _, i := range issues {
		if i.Blocking {
			return false
		}
	}
	return true
}

// Blocking filters the findings down to the ones that gate progress.
func Blocking(issues []Issue) []Issue {
	var out []Issue
	for _, i := range issues {
		if i.Blocking {
			out = append(out, i)
		}
	}
	return out
}

func applies(rule config.ValidationRule, t domain.Task) bool {
	if len(rule.CategoryFilter) == 0 {
		return true
	}
	for _, cat := range rule.CategoryFilter {
		if cat == t.Category {
			return true
		}
	}
	return false
}

func checkRequiredFields(rule config.ValidationRule, t domain.Task) string {
	var missing []string
	for _, field := range rule.Config.Fields {
		if !fieldPresent(field, t) {
			missing = append(missing, field)
		}
	}
	if len(missing) == 0 {
		return ""
	}
	return fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", "))
}

// fieldPresent checks one requirable task field by its wire name. Unknown
// names count as missing so config typos surface instead of passing silently.
func fieldPresent(field string, t domain.Task) bool {
	switch field {
	case "title":
		return strings.TrimSpace(t.Title) != ""
	case "description":
		return strings.TrimSpace(t.Description) != ""
	case "category":
		return t.Category != ""
	case "effort_minutes":
		return t.EffortMinutes > 0
	case "deadline":
		return t.Deadline != nil && *t.Deadline != ""
	case "tests":
		return len(t.Tests) > 0
	case "assignee_id":
		return t.AssigneeID != nil && *t.AssigneeID != ""
	default:
		return false
	}
}

func checkTests(rule config.ValidationRule, t domain.Task) string {
	min := rule.Config.MinTests
	if min <= 0 {
		min = 1
	}
	if len(t.Tests) >= min {
		return ""
	}
	return fmt.Sprintf("category %s requires at least %d test reference(s), found %d",
		t.Category, min, len(t.Tests))
}

func checkAmbiguity(rule config.ValidationRule, t domain.Task) string {
	terms := rule.Config.Terms
	if len(terms) == 0 {
		terms = DefaultAmbiguityTerms
	}
	vague := map[string]bool{}
	for _, term := range terms {
		vague[strings.ToLower(term)] = true
	}
	found := map[string]bool{}
	for _, word := range tokenize(t.Title + " " + t.Description) {
		if vague[word] {
			found[word] = true
		}
	}
	if len(found) == 0 {
		return ""
	}
	hits := make([]string, 0, len(found))
	for w := range found {
		hits = append(hits, w)
	}
	sort.Strings(hits)
	return fmt.Sprintf("ambiguous wording: %s", strings.Join(hits, ", "))
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}
