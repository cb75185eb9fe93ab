package quality

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// LowQualityConfig holds the thresholds of the garbled and low-quality
// checks. Zero values take the defaults.
type LowQualityConfig struct {
	Disabled          bool
	MaxPromoRatio     float64
	MinUniqueRatio    float64
	MinPrintableRatio float64
	MaxShortWordRatio float64
	MinSentenceWords  float64
}

func (c LowQualityConfig) withDefaults() LowQualityConfig {
	if c.MaxPromoRatio <= 0 {
		c.MaxPromoRatio = 0.1
	}
	if c.MinUniqueRatio <= 0 {
		c.MinUniqueRatio = 0.7
	}
	if c.MinPrintableRatio <= 0 {
		c.MinPrintableRatio = 0.9
	}
	if c.MaxShortWordRatio <= 0 {
		c.MaxShortWordRatio = 0.3
	}
	if c.MinSentenceWords <= 0 {
		c.MinSentenceWords = 3
	}
	return c
}

// Shorter text is too small for the ratio checks to mean anything.
const minGarbledLen = 50

var (
	promoPattern = regexp.MustCompile(`(?i)\b(?:buy|purchase|order|sale|discount|offer|deal|` +
		`click|visit|website|link|url|www|affiliate|sponsored|advertisement|promo)\b`)
	sentenceEnd = regexp.MustCompile(`[.!?]+`)
)

// LowQuality reports why text looks garbled or spammy, or "" when it passes.
func LowQuality(text string, cfg LowQualityConfig) string {
	cfg = cfg.withDefaults()
	if reason := garbled(text, cfg); reason != "" {
		return reason
	}
	words := splitWords(text)
	if len(words) > 0 {
		promo := len(promoPattern.FindAllStringIndex(text, -1))
		if float64(promo)/float64(len(words)) > cfg.MaxPromoRatio {
			return "promotional"
		}
	}
	if utf8.RuneCountInString(text) > minGarbledLen && text == strings.ToUpper(text) && strings.ToLower(text) != text {
		return "all_caps"
	}
	parts := sentences(strings.Split(text, "."))
	if len(parts) > 3 {
		seen := make(map[string]struct{}, len(parts))
		for _, s := range parts {
			seen[strings.ToLower(s)] = struct{}{}
		}
		if float64(len(seen))/float64(len(parts)) < cfg.MinUniqueRatio {
			return "repetitive"
		}
	}
	return ""
}

func garbled(text string, cfg LowQualityConfig) string {
	total := utf8.RuneCountInString(text)
	if total < minGarbledLen {
		return ""
	}
	printable := 0
	for _, r := range text {
		if unicode.IsPrint(r) || r == '\n' || r == '\t' {
			printable++
		}
	}
	if float64(printable)/float64(total) < cfg.MinPrintableRatio {
		return "unprintable"
	}
	words := splitWords(text)
	if len(words) == 0 {
		return "no_words"
	}
	short := 0
	for _, w := range words {
		if utf8.RuneCountInString(w) == 1 {
			short++
		}
	}
	if float64(short)/float64(len(words)) > cfg.MaxShortWordRatio {
		return "fragmented"
	}
	parts := sentences(sentenceEnd.Split(text, -1))
	if len(parts) < 2 {
		return ""
	}
	if float64(len(words))/float64(len(parts)) < cfg.MinSentenceWords {
		return "fragmented"
	}
	return ""
}

func splitWords(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// sentences trims parts and drops the empty ones.
func sentences(parts []string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
