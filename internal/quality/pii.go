package quality

import "regexp"

type mask struct {
	name        string
	pattern     *regexp.Regexp
	replacement string
}

// Order matters: card and SSN numbers would otherwise be eaten by the phone
// patterns.
var masks = []mask{
	{"email", regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`), "xxxx@xxxx.xxx"},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "xxx-xx-xxxx"},
	{"card", regexp.MustCompile(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`), "xxxx-xxxx-xxxx-xxxx"},
	{"ip", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), "xxx.xxx.xxx.xxx"},
	{"phone", regexp.MustCompile(`\(\d{3}\)\s?\d{3}[-.]?\d{4}\b`), "xxx-xxx-xxxx"},
	{"phone", regexp.MustCompile(`\+\d{1,3}[-. ]?\d{1,4}[-. ]?\d{1,4}[-. ]?\d{1,9}\b`), "xxx-xxx-xxxx"},
	{"phone", regexp.MustCompile(`\b\d{3}[-. ]?\d{3}[-. ]?\d{4}\b`), "xxx-xxx-xxxx"},
}

// MaskPII replaces personal data with fixed placeholders and returns the kinds
// found.
func MaskPII(text string) (string, []string) {
	var found []string
	for _, m := range masks {
		if !m.pattern.MatchString(text) {
			continue
		}
		text = m.pattern.ReplaceAllString(text, m.replacement)
		if len(found) == 0 || found[len(found)-1] != m.name {
			found = append(found, m.name)
		}
	}
	return text, found
}
