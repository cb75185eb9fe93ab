// Package rules classifies text by counting keyword hits per topic.
package rules

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/JakeFAU/corpus-crawler/internal/crawler"
)

// Topic is one subdomain of the accepted taxonomy.
type Topic struct {
	Domain    string
	Subdomain string
	Keywords  []string
}

// Config lists topics and the hit count a winner needs. Exclusions are
// case-insensitive regular expressions matched on word boundaries; text
// matching any of them is rejected whatever its topic score.
type Config struct {
	Topics               []Topic
	MinMatches           int
	Exclusions           []string
	UseDefaultExclusions bool
}

type compiledTopic struct {
	Topic
	pattern *regexp.Regexp
}

// Classifier picks the topic with the most keyword hits.
type Classifier struct {
	topics     []compiledTopic
	exclusions []*regexp.Regexp
	minMatches int
}

// New compiles the topic keywords. An empty topic list uses DefaultTopics.
func New(cfg Config) (*Classifier, error) {
	topics := cfg.Topics
	if len(topics) == 0 {
		topics = DefaultTopics()
	}
	if cfg.MinMatches <= 0 {
		cfg.MinMatches = 1
	}
	c := &Classifier{minMatches: cfg.MinMatches}
	for _, topic := range topics {
		if topic.Subdomain == "" {
			return nil, errors.New("topic subdomain is required")
		}
		if len(topic.Keywords) == 0 {
			return nil, fmt.Errorf("topic %q has no keywords", topic.Subdomain)
		}
		if topic.Domain == "" {
			topic.Domain = "daily_life"
		}
		alts := make([]string, 0, len(topic.Keywords))
		for _, kw := range topic.Keywords {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			words := strings.Fields(regexp.QuoteMeta(kw))
			alts = append(alts, strings.Join(words, `\s+`))
		}
		re, err := regexp.Compile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`)
		if err != nil {
			return nil, fmt.Errorf("compile topic %q: %w", topic.Subdomain, err)
		}
		c.topics = append(c.topics, compiledTopic{Topic: topic, pattern: re})
	}
	patterns := cfg.Exclusions
	if cfg.UseDefaultExclusions {
		patterns = append(DefaultExclusions(), patterns...)
	}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)\b(?:` + p + `)\b`)
		if err != nil {
			return nil, fmt.Errorf("compile exclusion %q: %w", p, err)
		}
		c.exclusions = append(c.exclusions, re)
	}
	return c, nil
}

// Classify returns the best-scoring topic. Ties go to the topic listed first.
func (c *Classifier) Classify(ctx context.Context, text string) (crawler.Classification, error) {
	if err := ctx.Err(); err != nil {
		return crawler.Classification{}, fmt.Errorf("classify: %w", err)
	}
	for _, re := range c.exclusions {
		if re.MatchString(text) {
			return crawler.Classification{Accept: false, Excluded: true}, nil
		}
	}
	best, bestHits := -1, 0
	for i, topic := range c.topics {
		hits := len(topic.pattern.FindAllStringIndex(text, -1))
		if hits > bestHits {
			best, bestHits = i, hits
		}
	}
	if best < 0 || bestHits < c.minMatches {
		return crawler.Classification{Accept: false, Score: float64(bestHits)}, nil
	}
	topic := c.topics[best]
	return crawler.Classification{
		Accept:    true,
		Domain:    topic.Domain,
		Subdomain: topic.Subdomain,
		Score:     float64(bestHits),
	}, nil
}

// DefaultTopics is the daily-life taxonomy used when none is configured.
func DefaultTopics() []Topic {
	return []Topic{
		{Subdomain: "cooking_techniques", Keywords: []string{"cook", "cooking", "recipe", "bake", "fry", "boil", "steam", "grill", "roast", "simmer", "ingredient", "seasoning", "kitchen", "chef"}},
		{Subdomain: "cleaning_techniques", Keywords: []string{"clean", "cleaning", "wash", "scrub", "sanitize", "disinfect", "polish", "wipe", "detergent", "stain", "grime", "residue"}},
		{Subdomain: "home_care", Keywords: []string{"maintain", "repair", "household", "maintenance", "upkeep", "furniture", "appliance", "interior"}},
		{Subdomain: "personal_care", Keywords: []string{"hygiene", "grooming", "skincare", "self-care", "cosmetic", "regimen", "hair care"}},
		{Subdomain: "healthy_alternatives", Keywords: []string{"healthy", "healthier", "substitute", "wholesome", "nutrition", "nutritious", "organic"}},
		{Subdomain: "object_placement", Keywords: []string{"organize", "arrange", "shelf", "cabinet", "drawer", "container", "layout"}},
		{Subdomain: "food_handling", Keywords: []string{"food safety", "refrigerate", "freeze", "spoilage", "expiration", "contamination", "leftovers"}},
		{Subdomain: "food_preservation", Keywords: []string{"preserve", "pickle", "pickling", "canning", "ferment", "dehydrate", "shelf life"}},
		{Subdomain: "crafting_and_diy", Keywords: []string{"craft", "diy", "handmade", "homemade", "tutorial", "project", "decor"}},
		{Subdomain: "odor_removal", Keywords: []string{"odor", "smell", "deodorize", "freshen", "neutralize"}},
		{Subdomain: "daily_life_tips", Keywords: []string{"tip", "tips", "hack", "how to", "life hack", "everyday", "routine", "habit"}},
	}
}

// DefaultExclusions lists topics that never belong in the corpus. Words that
// also name household things, such as stock or treatment, are left out.
func DefaultExclusions() []string {
	return []string{
		`news|politics|election|government|war|violence`,
		`celebrity|gossip|entertainment|movie|tv\s+show`,
		`sports|tournament|league`,
		`investment|stocks|crypto|finance|business`,
		`medical|diagnosis|prescription|drugs?`,
		`legal|court|lawsuit|attorney`,
	}
}
