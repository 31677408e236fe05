package security

import "strings"

// InjectionPatterns are phrases that signal an attempt to override the
// assistant's instructions. Matching is case-insensitive substring.
var InjectionPatterns = []string{
	"ignore previous",
	"ignore all previous",
	"ignore the above",
	"disregard instructions",
	"disregard previous",
	"new instructions",
	"system prompt",
	"you are now",
	"pretend to be",
	"act as if",
	"forget everything",
	"override",
	"bypass",
	"jailbreak",
}

// InjectionScreener flags prompt-injection phrasing without any model call
type InjectionScreener struct {
	patterns []string
}

// NewInjectionScreener builds a screener; nil patterns selects InjectionPatterns
func NewInjectionScreener(patterns []string) *InjectionScreener {
	if patterns == nil {
		patterns = InjectionPatterns
	}

	lowered := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			lowered = append(lowered, p)
		}
	}
	return &InjectionScreener{patterns: lowered}
}

// Screen returns the first pattern found in text
func (s *InjectionScreener) Screen(text string) (string, bool) {
	lower := strings.ToLower(strings.Join(strings.Fields(text), " "))
	for _, p := range s.patterns {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}
