// Package extractor picks the most likely one-time verification code out of
// a message subject and body using an ordered table of pattern rules.
package extractor

import (
	"html"
	"regexp"
	"strings"
	"unicode"

	"github.com/shineum/tempmail-relay/internal/email"
)

const (
	minCodeLen = 4
	maxCodeLen = 8
)

// Extractor evaluates a fixed rule table. It holds no mutable state and is
// safe for concurrent use.
type Extractor struct {
	rules []Rule
}

// New returns an Extractor over rules, which must be ordered by descending
// priority.
func New(rules []Rule) *Extractor {
	return &Extractor{rules: rules}
}

var defaultExtractor = New(compiledRules)

// Default returns the shared Extractor built from the built-in rules.
func Default() *Extractor {
	return defaultExtractor
}

// Rules returns the rule table in evaluation order.
func (e *Extractor) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// FromEmail runs the default Extractor. See (*Extractor).FromEmail.
func FromEmail(subject string, body func() string) *email.ExtractedCode {
	return defaultExtractor.FromEmail(subject, body)
}

// FromText runs the default Extractor. See (*Extractor).FromText.
func FromText(subject, body string) *email.ExtractedCode {
	return defaultExtractor.FromText(subject, body)
}

// FromEmail returns the best code for a message, or nil. The subject is
// evaluated on its own first and a hit there is final: body is not called.
// Otherwise the body rules run, then the isolated-token fallback over the
// body.
func (e *Extractor) FromEmail(subject string, body func() string) *email.ExtractedCode {
	if code := e.best(subject); code != nil {
		code.Source = email.SourceSubject
		return code
	}

	if body == nil {
		return nil
	}
	text := body()

	if code := e.best(text); code != nil {
		code.Source = email.SourceBody
		return code
	}
	return e.Fallback(text)
}

// FromText is FromEmail with an already materialized body.
func (e *Extractor) FromText(subject, body string) *email.ExtractedCode {
	return e.FromEmail(subject, func() string { return body })
}

// Candidates returns every surviving candidate in text, one per matching
// rule, ordered by descending priority.
func (e *Extractor) Candidates(text string) []email.ExtractedCode {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	plain := plainText(text)

	var out []email.ExtractedCode
	for _, r := range e.rules {
		target := plain
		if r.Variant == Markup {
			target = text
		}
		if code, ok := firstValidMatch(r, target); ok {
			out = append(out, email.ExtractedCode{
				Value:    code,
				Priority: r.Priority,
				Rule:     r.Name,
			})
		}
	}
	return out
}

func (e *Extractor) best(text string) *email.ExtractedCode {
	candidates := e.Candidates(text)
	if len(candidates) == 0 {
		return nil
	}

	// Ties keep the earlier rule.
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Priority > best.Priority {
			best = c
		}
	}
	return &best
}

func firstValidMatch(r Rule, text string) (string, bool) {
	for _, m := range r.Pattern.FindAllStringSubmatch(text, -1) {
		if len(m) < 2 {
			continue
		}
		code := strings.ToUpper(strings.TrimSpace(m[1]))
		if !rejected(code, r.Tier) {
			return code, true
		}
	}
	return "", false
}

var isolatedToken = regexp.MustCompile(`^[A-Za-z0-9]{4,8}$`)

// Fallback returns the first isolated 4-8 character alphanumeric token of
// text that passes every validity filter, or nil. Tokens must be bounded by
// whitespace, punctuation or brackets on both sides.
func (e *Extractor) Fallback(text string) *email.ExtractedCode {
	if text == "" {
		return nil
	}

	stripped := markupTag.ReplaceAllString(text, " ")
	for _, field := range strings.FieldsFunc(stripped, isTokenSeparator) {
		if !isolatedToken.MatchString(field) {
			continue
		}
		code := strings.ToUpper(field)
		if rejected(code, Heuristic) {
			continue
		}
		return &email.ExtractedCode{
			Value:  code,
			Rule:   "isolated-token",
			Source: email.SourceFallback,
		}
	}
	return nil
}

func isTokenSeparator(r rune) bool {
	if unicode.IsSpace(r) {
		return true
	}
	switch r {
	case ',', '.', ';', '!', '?', '(', ')', '{', '}', '[', ']', '"', '\'',
		'“', '”', '‘', '’', '《', '》', '「', '」', '【', '】':
		return true
	}
	return false
}

var markupTag = regexp.MustCompile(`<[^>]+>`)

// plainText replaces tags with spaces, resolves character references and
// collapses every run of Unicode whitespace to one space.
func plainText(s string) string {
	s = markupTag.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}
