// Package extract turns fetched HTML into structured candidates.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/JakeFAU/corpus-crawler/internal/crawler"
)

// Boilerplate removed before the body is selected.
const boilerplate = "script, style, nav, header, footer, noscript, iframe, form, aside, template, svg"

// Article containers tried in order when a source has no selectors.
var defaultSelectors = []string{
	"article",
	"[role=\"main\"]",
	"main",
	".article-content",
	".entry-content",
	".post-content",
	".article-body",
	".story-body",
	"#content",
	".content",
}

// Config holds extraction defaults.
type Config struct {
	DefaultLang string
	ContentType string
}

// Extractor is a pure transformation from RawDocument to Candidate.
type Extractor struct {
	cfg    Config
	hasher crawler.Hasher
	clock  crawler.Clock
}

// New builds an Extractor.
func New(cfg Config, hasher crawler.Hasher, clock crawler.Clock) *Extractor {
	if cfg.DefaultLang == "" {
		cfg.DefaultLang = "en"
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "article"
	}
	return &Extractor{cfg: cfg, hasher: hasher, clock: clock}
}

// Extract parses doc and returns a Candidate. A page without a title or body
// yields crawler.ErrExtraction together with a Candidate that only carries the
// page's links, so listing pages still feed discovery.
func (e *Extractor) Extract(doc crawler.RawDocument, src crawler.Source) (crawler.Candidate, error) {
	pageURL := doc.FinalURL
	if pageURL == "" {
		pageURL = doc.URL
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return crawler.Candidate{}, fmt.Errorf("%w: parse url: %w", crawler.ErrExtraction, err)
	}
	page, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Body))
	if err != nil {
		return crawler.Candidate{}, fmt.Errorf("%w: parse html: %w", crawler.ErrExtraction, err)
	}

	links := collectLinks(page, base)
	title := extractTitle(page)
	lang := firstNonEmpty(src.Lang, htmlLang(page), e.cfg.DefaultLang)

	page.Find(boilerplate).Remove()
	body := extractBody(page, src.Selectors)
	if body == "" {
		article, rerr := readability.FromReader(bytes.NewReader(doc.Body), base)
		if rerr == nil {
			body = collapseText(article.TextContent)
			if title == "" {
				title = collapseSpaces(article.Title)
			}
		}
	}
	if title == "" || body == "" {
		return crawler.Candidate{URL: pageURL, Links: links}, fmt.Errorf("%w: %s has no title or body", crawler.ErrExtraction, pageURL)
	}

	normalized, err := crawler.NormalizeURL(doc.URL)
	if err != nil {
		return crawler.Candidate{}, fmt.Errorf("%w: %w", crawler.ErrExtraction, err)
	}
	fingerprint, err := e.hasher.Hash([]byte(normalized))
	if err != nil {
		return crawler.Candidate{}, fmt.Errorf("hash url: %w", err)
	}
	// Records carry the configured source name; the host stands in when
	// the page belongs to no configured source.
	source := src.Name
	if source == "" {
		if source, err = crawler.SourceKey(normalized); err != nil {
			return crawler.Candidate{}, fmt.Errorf("%w: %w", crawler.ErrExtraction, err)
		}
	}

	contentType := src.Type
	if contentType == "" {
		contentType = e.cfg.ContentType
	}
	return crawler.Candidate{
		Fingerprint: fingerprint,
		Title:       title,
		Body:        body,
		BodyLen:     len([]rune(body)),
		Source:      source,
		URL:         normalized,
		Lang:        lang,
		ContentType: contentType,
		ExtractedAt: e.now(),
		Links:       links,
	}, nil
}

func (e *Extractor) now() time.Time {
	if e.clock == nil {
		return time.Now().UTC()
	}
	return e.clock.Now()
}

func extractTitle(page *goquery.Document) string {
	if og, ok := page.Find(`meta[property="og:title"]`).First().Attr("content"); ok {
		if t := collapseSpaces(og); t != "" {
			return t
		}
	}
	if t := collapseSpaces(page.Find("title").First().Text()); t != "" {
		return t
	}
	return collapseSpaces(page.Find("h1").First().Text())
}

func htmlLang(page *goquery.Document) string {
	lang, _ := page.Find("html").First().Attr("lang")
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}

// extractBody returns the text of the configured selectors, or the largest
// default article container.
func extractBody(page *goquery.Document, selectors []string) string {
	if len(selectors) > 0 {
		var parts []string
		for _, sel := range selectors {
			page.Find(sel).Each(func(_ int, s *goquery.Selection) {
				if text := blockText(s); text != "" {
					parts = append(parts, text)
				}
			})
		}
		return strings.Join(parts, "\n")
	}

	best := ""
	for _, sel := range defaultSelectors {
		page.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if text := blockText(s); len(text) > len(best) {
				best = text
			}
		})
		if best != "" {
			return best
		}
	}
	return ""
}

// blockText keeps paragraph boundaries as line breaks.
func blockText(s *goquery.Selection) string {
	blocks := s.Find("p, h2, h3, h4, li, blockquote, pre")
	if blocks.Length() == 0 {
		return collapseSpaces(s.Text())
	}
	var lines []string
	blocks.Each(func(_ int, b *goquery.Selection) {
		if b.ParentsFiltered("p, li, blockquote").Length() > 0 {
			return
		}
		if line := collapseSpaces(b.Text()); line != "" {
			lines = append(lines, line)
		}
	})
	return strings.Join(lines, "\n")
}

func collectLinks(page *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	var links []string
	page.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		link, ok := crawler.ResolveLink(base, href)
		if !ok {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func collapseText(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = collapseSpaces(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
