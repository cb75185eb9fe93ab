package quality

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	horizontalSpace = regexp.MustCompile(`[ \t\p{Zs}]+`)
	bulletPrefix    = regexp.MustCompile(`^(?:[-*+•·▪▫‣⁃]|#{1,6})\s+`)
	spacedPunct     = regexp.MustCompile(` +([.,!?:;])`)
	repeatedBang    = regexp.MustCompile(`([!?])[!?]+`)
)

// Clean normalizes text for export: NFKC, entity unescaping, removal of
// control, zero-width and pictographic runes, bullet stripping, single spaces
// and at most one line break between lines.
func Clean(text string) string {
	if text == "" {
		return ""
	}
	text = html.UnescapeString(text)
	t := transform.Chain(norm.NFKC, runes.Remove(runes.Predicate(dropRune)))
	normalized, _, err := transform.String(t, text)
	if err == nil {
		text = normalized
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = horizontalSpace.ReplaceAllString(line, " ")
		line = strings.TrimSpace(line)
		line = bulletPrefix.ReplaceAllString(line, "")
		line = spacedPunct.ReplaceAllString(line, "$1")
		line = repeatedBang.ReplaceAllString(line, "$1")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func dropRune(r rune) bool {
	switch {
	case r == '\n' || r == '\t' || r == '\r':
		return false
	case unicode.IsControl(r):
		return true
	case unicode.Is(unicode.Cf, r):
		return true
	case r >= 0xFE00 && r <= 0xFE0F, r >= 0x1F3FB && r <= 0x1F3FF:
		return true
	case unicode.Is(unicode.So, r) && r >= 0x2190:
		return true
	}
	return false
}
