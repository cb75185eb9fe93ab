// Package detector decides when a plain HTTP fetch came back as an empty
// JavaScript shell and the page should be rendered in a headless browser.
package detector

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/corpus-crawler/internal/crawler"
)

// Heuristic promotes pages whose visible text is thin and that either carry
// a client-side framework mount point or are dominated by script.
type Heuristic struct {
	// MinTextChars is the visible text length above which a page is
	// considered server-rendered regardless of other signals.
	MinTextChars int
}

// NewHeuristic creates a new detector.
func NewHeuristic(minTextChars int) *Heuristic {
	if minTextChars <= 0 {
		minTextChars = 2048
	}
	return &Heuristic{MinTextChars: minTextChars}
}

var mountPoints = []string{
	"#__next",
	"#__nuxt",
	"#root",
	"#app",
	"[data-reactroot]",
	"[ng-app]",
	"[ng-version]",
}

// ShouldPromote decides whether a headless fetch is required.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != 200 {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false
	}

	scriptBytes := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		scriptBytes += len(s.Text())
	})
	doc.Find("script, style, noscript, template").Remove()
	visible := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	if utf8.RuneCountInString(visible) >= h.MinTextChars {
		return false
	}

	for _, sel := range mountPoints {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return scriptBytes*100/len(resp.Body) >= 25
}
