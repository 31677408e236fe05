package parser

import (
	"regexp"
	"strings"

	"github.com/tributary-ai/shipping-assistant/internal/types"
)

// Keyword tables. Matching is case-insensitive on whole words, and a trailing
// "s" or "es" is accepted so plurals match their singular entry.
var (
	ProhibitedKeywords = []string{
		"baby", "babies", "child", "children", "infant", "toddler",
		"human", "person", "people", "man", "woman", "kid", "boy", "girl",
		"pet", "dog", "cat", "puppy", "kitten", "animal", "animals",
		"bird", "fish", "hamster", "rabbit", "snake", "lizard", "turtle",
		"horse", "cow", "pig", "chicken", "livestock",
	}

	PerishableKeywords = []string{
		"mango", "mangoes", "fruit", "fruits", "vegetable", "vegetables",
		"perishable", "food", "fresh", "ripe", "meat", "fish", "seafood",
		"dairy", "milk", "cheese", "yogurt", "ice cream", "frozen",
		"flower", "flowers", "plant", "plants", "produce", "cake", "bakery",
	}

	ReflectionKeywords = []string{
		"is this right", "are you sure", "is this correct", "is that right",
		"can you verify", "verify this", "double check", "check this",
		"confirm this", "confirm that", "certain", "positive", "sure about",
		"is this the right", "right choice",
	}

	// Only explicit asks for a reviewer. Bare "human", "person" and "manager"
	// appear in ordinary shipping requests.
	SupervisorKeywords = []string{
		"supervisor", "escalate", "representative",
		"speak to a manager", "talk to a manager", "speak to manager", "talk to manager",
		"speak to a human", "talk to a human", "speak to a person", "talk to a person",
		"speak to a real person", "talk to a real person",
	}

	FollowUpKeywords = []string{
		"is this right", "are you sure", "is this correct", "is that right",
		"can you verify", "verify this", "double check", "confirm this", "check this",
		"i'm not sure", "not sure about", "unsure",
		"not satisfied", "doesn't seem right", "seems wrong", "that's not", "this isn't",
		"but", "however", "actually", "wait", "hold on", "reconsider", "think again",
		"wrong", "incorrect", "mistake",
	}

	ReferentialWords = []string{"this", "that", "it", "these", "those"}
)

// urgencyRule maps delivery phrases to an urgency. Rules are checked in order,
// so the specific overnight services come before plain "overnight".
type urgencyRule struct {
	urgency types.Urgency
	terms   []string
}

var urgencyRules = []urgencyRule{
	{types.UrgencyFirst, []string{"first overnight", "by 8am", "by 8 am", "earliest"}},
	{types.UrgencyPriority, []string{"priority overnight", "by 10:30am", "by 10:30 am"}},
	{types.UrgencyOvernight, []string{"overnight", "next day", "next-day", "tomorrow", "urgent", "asap", "rush"}},
	{types.UrgencyTwoDay, []string{"2 day", "2-day", "two day", "two-day", "in 2 days"}},
	{types.UrgencyExpress, []string{"3 day", "3-day", "express saver", "by end of week"}},
	{types.UrgencyCheapest, []string{"cheapest", "lowest cost", "economical", "best rate"}},
}

// "budget" alone signals cost sensitivity only when no amount was stated
var budgetWordMatcher = NewMatcher([]string{"budget"})

// Matcher finds whole-word occurrences of a fixed set of terms
type Matcher struct {
	terms []string
	any   *regexp.Regexp
	each  []*regexp.Regexp
}

const (
	wordStart = `(?i)(?:^|[^\p{L}\p{N}])`
	wordEnd   = `(?:s|es)?(?:$|[^\p{L}\p{N}])`
)

// NewMatcher compiles terms into case-insensitive whole-word patterns
func NewMatcher(terms []string) *Matcher {
	m := &Matcher{terms: make([]string, 0, len(terms))}
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.ToLower(term)
		q := regexp.QuoteMeta(term)
		m.terms = append(m.terms, term)
		m.each = append(m.each, regexp.MustCompile(wordStart+"(?:"+q+")"+wordEnd))
		quoted = append(quoted, q)
	}
	m.any = regexp.MustCompile(wordStart + "(?:" + strings.Join(quoted, "|") + ")" + wordEnd)
	return m
}

// Match reports whether any term occurs in text
func (m *Matcher) Match(text string) bool {
	return m.any.MatchString(text)
}

// Find returns the terms found in text, in table order
func (m *Matcher) Find(text string) []string {
	var found []string
	for i, re := range m.each {
		if re.MatchString(text) {
			found = append(found, m.terms[i])
		}
	}
	return found
}

var (
	prohibitedMatcher = NewMatcher(ProhibitedKeywords)
	perishableMatcher = NewMatcher(PerishableKeywords)
	reflectionMatcher = NewMatcher(ReflectionKeywords)
	supervisorMatcher = NewMatcher(SupervisorKeywords)
	followUpMatcher   = NewMatcher(FollowUpKeywords)
	urgencyMatchers   = func() []*Matcher {
		matchers := make([]*Matcher, len(urgencyRules))
		for i, rule := range urgencyRules {
			matchers[i] = NewMatcher(rule.terms)
		}
		return matchers
	}()
)

// ProhibitedTerms returns the living-being terms found in text. A request to
// talk to a human reviewer is not a shipment of one.
func ProhibitedTerms(text string) []string {
	return prohibitedMatcher.Find(supervisorMatcher.any.ReplaceAllString(text, " "))
}

// PerishableTerms returns the perishable or restricted terms found in text
func PerishableTerms(text string) []string {
	return perishableMatcher.Find(text)
}

// IsReflectionRequest reports whether the user asks to verify a recommendation
func IsReflectionRequest(text string) bool {
	return reflectionMatcher.Match(text)
}

// IsSupervisorRequest reports whether the user explicitly asks for a human reviewer
func IsSupervisorRequest(text string) bool {
	return supervisorMatcher.Match(text)
}

// IsFollowUp reports whether text refers back to a previous recommendation.
// Without previous context nothing is a follow-up.
func IsFollowUp(text string, hasPrevious bool) bool {
	if !hasPrevious {
		return false
	}
	if followUpMatcher.Match(text) {
		return true
	}

	words := strings.Fields(strings.ToLower(text))
	if len(words) >= 10 {
		return false
	}
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:\"'")
		for _, ref := range ReferentialWords {
			if w == ref {
				return true
			}
		}
	}
	return false
}

// UrgencyFromKeywords applies the urgency table to text.
// ok is false when no delivery phrase is present.
func UrgencyFromKeywords(text string, hasBudget bool) (types.Urgency, bool) {
	for i, m := range urgencyMatchers {
		if m.Match(text) {
			return urgencyRules[i].urgency, true
		}
	}
	if !hasBudget && budgetWordMatcher.Match(text) {
		return types.UrgencyCheapest, true
	}
	return "", false
}
