package router

import (
	"regexp"
	"strings"
)

// Classify maps a free-text query to an intent using the configured rules.
// Rules are tried in order; the first match wins. When nothing matches the
// default intent is returned.
func (c *Config) Classify(query string) string {
	text := strings.ToLower(query)
	for _, rule := range c.Rules {
		if matchesRule(text, rule) {
			return rule.Intent
		}
	}
	return c.DefaultIntent
}

func matchesRule(text string, rule ClassifyRule) bool {
	if rule.Pattern != "" {
		matched, err := regexp.MatchString(rule.Pattern, text)
		if err == nil && matched {
			return true
		}
	}

	for _, keyword := range rule.Keywords {
		if containsWord(text, strings.ToLower(keyword)) {
			return true
		}
	}
	return false
}

// containsWord checks if text contains keyword as a whole word. Multi-word
// keywords fall back to a substring match.
func containsWord(text, keyword string) bool {
	if strings.Contains(keyword, " ") {
		return strings.Contains(text, keyword)
	}

	for _, word := range strings.Fields(text) {
		if strings.Trim(word, ".,;:!?\"'()[]{}") == keyword {
			return true
		}
	}
	return false
}
