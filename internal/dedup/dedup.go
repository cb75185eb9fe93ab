// Package dedup rejects candidates that match, exactly or nearly, anything
// accepted before. Exact matches compare a SHA-256 of hash-normalized text;
// near matches compare 64-bit SimHashes through a banded index.
package dedup

import (
	"context"
	"fmt"
	"math"
	"math/bits"
	"regexp"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/JakeFAU/corpus-crawler/internal/crawler"
	"github.com/JakeFAU/corpus-crawler/internal/hash/sha256"
)

const (
	hashBits  = 64
	bandCount = 4
	bandBits  = hashBits / bandCount
)

var nonWord = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)

// Config tunes near-duplicate detection. Threshold is the fraction of the 64
// SimHash bits allowed to differ.
type Config struct {
	Threshold float64
}

type entry struct {
	simhash     uint64
	fingerprint string
}

// Index is the in-memory dedup state. CheckAndRegister is atomic.
type Index struct {
	maxDistance int

	mu      sync.Mutex
	exact   map[string]string
	bands   [bandCount]map[uint16][]int
	entries []entry
}

// New builds an empty Index.
func New(cfg Config) *Index {
	ix := &Index{
		maxDistance: int(math.Floor(cfg.Threshold * hashBits)),
		exact:       make(map[string]string),
	}
	for i := range ix.bands {
		ix.bands[i] = make(map[uint16][]int)
	}
	return ix
}

// MaxDistance returns the Hamming distance at or below which two texts are
// near duplicates.
func (ix *Index) MaxDistance() int {
	return ix.maxDistance
}

// CheckAndRegister rejects cand as a duplicate or registers its body.
func (ix *Index) CheckAndRegister(ctx context.Context, cand crawler.Candidate) (crawler.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return crawler.Verdict{}, fmt.Errorf("dedup: %w", err)
	}
	normalized := Normalize(cand.Body)
	exactKey := sha256.SumString(normalized)
	sim := simhashNormalized(normalized)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.exact[exactKey]; ok {
		return crawler.Reject(cand.Fingerprint, crawler.ReasonDuplicate), nil
	}
	if ix.nearLocked(sim) {
		return crawler.Reject(cand.Fingerprint, crawler.ReasonDuplicate), nil
	}
	ix.registerLocked(exactKey, sim, cand.Fingerprint)
	return crawler.Accept(cand.Fingerprint), nil
}

// Warm registers previously exported text without checking it.
func (ix *Index) Warm(fingerprint, body string) {
	normalized := Normalize(body)
	exactKey := sha256.SumString(normalized)
	sim := simhashNormalized(normalized)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.exact[exactKey]; ok {
		return
	}
	ix.registerLocked(exactKey, sim, fingerprint)
}

// Len returns the number of registered texts.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.entries)
}

func (ix *Index) registerLocked(exactKey string, sim uint64, fingerprint string) {
	ix.exact[exactKey] = fingerprint
	id := len(ix.entries)
	ix.entries = append(ix.entries, entry{simhash: sim, fingerprint: fingerprint})
	for b := range ix.bands {
		key := band(sim, b)
		ix.bands[b][key] = append(ix.bands[b][key], id)
	}
}

func (ix *Index) nearLocked(sim uint64) bool {
	if ix.maxDistance <= 0 {
		return false
	}
	// With fewer differing bits than bands, some band must match exactly.
	if ix.maxDistance < bandCount {
		for b := range ix.bands {
			for _, id := range ix.bands[b][band(sim, b)] {
				if Hamming(ix.entries[id].simhash, sim) <= ix.maxDistance {
					return true
				}
			}
		}
		return false
	}
	for _, e := range ix.entries {
		if Hamming(e.simhash, sim) <= ix.maxDistance {
			return true
		}
	}
	return false
}

func band(sim uint64, b int) uint16 {
	return uint16(sim >> (uint(b) * bandBits))
}

// Normalize lowercases text, strips punctuation and collapses whitespace.
func Normalize(text string) string {
	text = strings.ToLower(text)
	text = nonWord.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(text), " ")
}

// SimHash returns the 64-bit SimHash of text over word 1-, 2- and 3-gram
// shingles.
func SimHash(text string) uint64 {
	return simhashNormalized(Normalize(text))
}

func simhashNormalized(normalized string) uint64 {
	words := strings.Fields(normalized)
	if len(words) == 0 {
		return 0
	}
	var weights [hashBits]int
	add := func(shingle string) {
		h := xxhash.Sum64String(shingle)
		for i := 0; i < hashBits; i++ {
			if h&(1<<uint(i)) != 0 {
				weights[i]++
			} else {
				weights[i]--
			}
		}
	}
	for n := 1; n <= 3; n++ {
		for i := 0; i+n <= len(words); i++ {
			add(strings.Join(words[i:i+n], " "))
		}
	}
	var out uint64
	for i, w := range weights {
		if w > 0 {
			out |= 1 << uint(i)
		}
	}
	return out
}

// Hamming returns the number of differing bits.
func Hamming(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}
