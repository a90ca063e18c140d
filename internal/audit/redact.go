package audit

import (
	"regexp"
	"sort"
)

// PatternsVersion identifies the fixed redaction pattern set. Bump it when a
// pattern is added or changed so old audit records stay interpretable.
const PatternsVersion = 1

type piiPattern struct {
	name string
	re   *regexp.Regexp
}

// The pattern set is fixed and ordered: more specific patterns run before
// broader ones so an SSN is recorded as ssn, not swallowed by the phone rule.
// Replacements contain no digits, which is what makes redaction idempotent.
var piiPatterns = []piiPattern{
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"card", regexp.MustCompile(`\b(?:\d{4}[ -]?){3}\d{4}\b`)},
	{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{"phone", regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`)},
	{"ipv4", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
	{"dob", regexp.MustCompile(`\b(?:\d{1,2}[/-]\d{1,2}[/-](?:19|20)\d{2}|(?:19|20)\d{2}-\d{2}-\d{2})\b`)},
	{"bank_account", regexp.MustCompile(`(?i)\b(?:account|acct)\.?\s*(?:number|no\.?|#)?\s*:?\s*\d{8,17}\b`)},
	{"routing_number", regexp.MustCompile(`(?i)\brouting\s*(?:number|no\.?|#)?\s*:?\s*\d{9}\b`)},
}

// Redact replaces every PII match with a digit-free placeholder and returns
// the sorted set of pattern names that matched. The raw matches are never
// returned or stored.
func Redact(text string) (string, []string) {
	matched := make(map[string]bool)
	out := text
	for _, p := range piiPatterns {
		if p.re.MatchString(out) {
			matched[p.name] = true
			out = p.re.ReplaceAllString(out, "[REDACTED:"+p.name+"]")
		}
	}

	names := make([]string, 0, len(matched))
	for name := range matched {
		names = append(names, name)
	}
	sort.Strings(names)
	return out, names
}
