package policy

import (
	"regexp"
	"strings"
)

// PIIKind names a category of personal data removed from a session log.
type PIIKind string

const (
	PIIEmail PIIKind = "email"
	PIICard  PIIKind = "card"
	PIIPhone PIIKind = "phone"
	PIIName  PIIKind = "name"
)

type piiRule struct {
	kind    PIIKind
	pattern *regexp.Regexp
	// accept filters candidate matches; nil accepts all.
	accept func(match string) bool
}

// Order matters: a card number would otherwise be taken for a phone number.
var piiRules = []piiRule{
	{kind: PIIEmail, pattern: regexp.MustCompile(`[\w.%+\-]+@[\w\-]+(?:\.[\w\-]+)*\.[A-Za-z]{2,}`)},
	{kind: PIICard, pattern: regexp.MustCompile(`\b\d(?:[ \-]?\d){12,18}\b`), accept: luhnValid},
	{kind: PIIPhone, pattern: regexp.MustCompile(`\+?\(?\d[\d\-(). ]{6,}\d`), accept: func(m string) bool { return countDigits(m) >= 8 }},
}

// Placeholder is the text a redacted span of the given kind is replaced with.
func Placeholder(kind PIIKind) string {
	return "[" + string(kind) + "]"
}

// RedactPII replaces emails, card numbers and phone numbers in input and
// reports which kinds were found, in rule order.
func RedactPII(input string) (string, []PIIKind) {
	out := input
	var kinds []PIIKind
	for _, rule := range piiRules {
		found := false
		out = rule.pattern.ReplaceAllStringFunc(out, func(m string) string {
			if rule.accept != nil && !rule.accept(m) {
				return m
			}
			found = true
			return Placeholder(rule.kind)
		})
		if found {
			kinds = append(kinds, rule.kind)
		}
	}
	return out, kinds
}

// RedactName replaces whole-word, case-insensitive occurrences of name.
func RedactName(input, name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return input, false
	}
	re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`)
	if err != nil {
		return input, false
	}
	out := re.ReplaceAllLiteralString(input, Placeholder(PIIName))
	return out, out != input
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

func luhnValid(s string) bool {
	sum, double := 0, false
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
