// Package sources loads the list of crawl sources and schedules periodic
// reseeding of their seed pages.
package sources

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/corpus-crawler/internal/crawler"
)

type file struct {
	Sources []crawler.Source `yaml:"sources"`
}

// Load reads a YAML source list from path. The document is either a mapping
// with a top-level "sources" key or a bare sequence of sources.
func Load(path string) ([]crawler.Source, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config.
	if err != nil {
		return nil, fmt.Errorf("read sources: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML source list.
func Parse(data []byte) ([]crawler.Source, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("sources: empty document")
	}

	var list []crawler.Source
	if data[0] == '-' {
		if err := yaml.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("decode sources: %w", err)
		}
	} else {
		var doc file
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode sources: %w", err)
		}
		list = doc.Sources
	}

	if len(list) == 0 {
		return nil, errors.New("sources: no sources defined")
	}
	seen := make(map[string]struct{}, len(list))
	for i := range list {
		src := &list[i]
		src.Name = strings.TrimSpace(src.Name)
		src.Domain = strings.TrimSpace(src.Domain)
		if err := Validate(*src); err != nil {
			return nil, fmt.Errorf("sources[%d]: %w", i, err)
		}
		if _, dup := seen[src.Name]; dup {
			return nil, fmt.Errorf("sources[%d]: duplicate name %q", i, src.Name)
		}
		seen[src.Name] = struct{}{}
	}
	return list, nil
}

// Validate checks that src can be registered with the frontier.
func Validate(src crawler.Source) error {
	if src.Name == "" {
		return errors.New("name is required")
	}
	if src.Domain == "" && len(src.Seeds) == 0 {
		return fmt.Errorf("source %q needs a domain or at least one seed", src.Name)
	}
	if src.MaxDepth < 0 {
		return fmt.Errorf("source %q: max_depth must be >= 0", src.Name)
	}
	for _, seed := range src.Seeds {
		if _, err := crawler.NormalizeURL(seed); err != nil {
			return fmt.Errorf("source %q seed %q: %w", src.Name, seed, err)
		}
	}
	for _, pattern := range src.Include {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("source %q include %q: %w", src.Name, pattern, err)
		}
	}
	return nil
}

// Index maps source keys (registrable host without "www.") to their source
// definition. The first source wins when two share a key.
type Index map[string]crawler.Source

// NewIndex builds an Index over list.
func NewIndex(list []crawler.Source) Index {
	idx := make(Index, len(list))
	for _, src := range list {
		for _, key := range keys(src) {
			if _, ok := idx[key]; !ok {
				idx[key] = src
			}
		}
	}
	return idx
}

// Lookup returns the source registered under key.
func (i Index) Lookup(key string) (crawler.Source, bool) {
	src, ok := i[key]
	return src, ok
}

func keys(src crawler.Source) []string {
	var out []string
	if d := strings.TrimPrefix(strings.ToLower(src.Domain), "www."); d != "" {
		out = append(out, d)
	}
	for _, seed := range src.Seeds {
		if k, err := crawler.SourceKey(seed); err == nil {
			out = append(out, k)
		}
	}
	return out
}
