package pii

import (
	"context"
	"regexp"
	"sort"
)

// Redactor masks personally identifiable information in outbound content
// and persisted outputs.
type Redactor interface {
	Redact(ctx context.Context, text string) (string, error)
	Ping(ctx context.Context) error
}

// Rule replaces every match of Pattern with Replacement.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// DefaultRules cover the identifiers most commonly leaked into prompts.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "email", Pattern: regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), Replacement: "[EMAIL]"},
		{Name: "api_key", Pattern: regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_-]{16,}\b`), Replacement: "[API_KEY]"},
		{Name: "credit_card", Pattern: regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`), Replacement: "[CARD]"},
		{Name: "ssn", Pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), Replacement: "[SSN]"},
		{Name: "phone", Pattern: regexp.MustCompile(`\+?\d{1,3}[ .-]?\(?\d{3}\)?[ .-]?\d{3}[ .-]?\d{4}\b`), Replacement: "[PHONE]"},
		{Name: "ipv4", Pattern: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), Replacement: "[IP]"},
	}
}

// RegexRedactor is the local PII strategy. Rules apply in order.
type RegexRedactor struct {
	rules []Rule
}

var _ Redactor = (*RegexRedactor)(nil)

// NewRegexRedactor uses DefaultRules when rules is empty.
func NewRegexRedactor(rules ...Rule) *RegexRedactor {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &RegexRedactor{rules: rules}
}

// Redact applies every rule.
func (r *RegexRedactor) Redact(_ context.Context, text string) (string, error) {
	for _, rule := range r.rules {
		text = rule.Pattern.ReplaceAllString(text, rule.Replacement)
	}
	return text, nil
}

// Ping always succeeds.
func (r *RegexRedactor) Ping(context.Context) error { return nil }

// RuleNames returns the configured rule names, sorted.
func (r *RegexRedactor) RuleNames() []string {
	names := make([]string, 0, len(r.rules))
	for _, rule := range r.rules {
		names = append(names, rule.Name)
	}
	sort.Strings(names)
	return names
}

// Passthrough backs the disabled PII strategy.
type Passthrough struct{}

var _ Redactor = Passthrough{}

func (Passthrough) Redact(_ context.Context, text string) (string, error) { return text, nil }
func (Passthrough) Ping(context.Context) error                            { return nil }
