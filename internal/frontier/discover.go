package frontier

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/corpus-crawler/internal/crawler"
)

type sourceRules struct {
	include  []*regexp.Regexp
	maxDepth int
}

func (r sourceRules) allows(url string) bool {
	if len(r.include) == 0 {
		return true
	}
	for _, re := range r.include {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// Register records discovery rules for src. Include entries are regular
// expressions matched against normalized URLs.
func (f *Frontier) Register(src crawler.Source) error {
	key := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(src.Domain)), "www.")
	if key == "" && len(src.Seeds) > 0 {
		k, err := crawler.SourceKey(src.Seeds[0])
		if err != nil {
			return fmt.Errorf("source %q: %w", src.Name, err)
		}
		key = k
	}
	if key == "" {
		return fmt.Errorf("source %q has no domain or seeds", src.Name)
	}
	rules := sourceRules{maxDepth: src.MaxDepth}
	for _, pattern := range src.Include {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("source %q include %q: %w", src.Name, pattern, err)
		}
		rules.include = append(rules.include, re)
	}
	f.mu.Lock()
	f.sources[key] = rules
	f.mu.Unlock()
	return nil
}

// Seed registers src and enqueues its seed pages as revisit tasks. It returns
// the number of seeds admitted.
func (f *Frontier) Seed(ctx context.Context, src crawler.Source) (int, error) {
	if err := f.Register(src); err != nil {
		return 0, err
	}
	admitted := 0
	for _, seed := range src.Seeds {
		key, err := crawler.SourceKey(seed)
		if err != nil {
			f.logger.Warn("skipping malformed seed", zap.String("source", src.Name), zap.String("url", seed))
			continue
		}
		res, err := f.Push(ctx, crawler.CrawlTask{Source: key, URL: seed, Revisit: true})
		if err != nil {
			return admitted, err
		}
		if res == Admitted {
			admitted++
		}
	}
	return admitted, nil
}

// Discover enqueues links found on parent's page that stay on the same source,
// match its include patterns and respect its max depth. It returns the number
// admitted.
func (f *Frontier) Discover(ctx context.Context, parent crawler.CrawlTask, links []string) (int, error) {
	f.mu.Lock()
	rules, ok := f.sources[parent.Source]
	f.mu.Unlock()
	if !ok {
		return 0, nil
	}
	depth := parent.Depth + 1
	if rules.maxDepth <= 0 || depth > rules.maxDepth {
		return 0, nil
	}

	admitted := 0
	for _, link := range links {
		normalized, err := crawler.NormalizeURL(link)
		if err != nil {
			continue
		}
		key, err := crawler.SourceKey(normalized)
		if err != nil || key != parent.Source || !rules.allows(normalized) {
			continue
		}
		res, err := f.Push(ctx, crawler.CrawlTask{Source: parent.Source, URL: normalized, Depth: depth})
		if err != nil {
			return admitted, err
		}
		if res == Admitted {
			admitted++
		}
	}
	return admitted, nil
}
