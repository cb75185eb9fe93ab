package worker

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/corpus-crawler/internal/crawler"
)

// Stats aggregates task outcomes across every worker of a run.
type Stats struct {
	attempted       atomic.Int64
	fetched         atomic.Int64
	fetchFailed     atomic.Int64
	retried         atomic.Int64
	headless        atomic.Int64
	extracted       atomic.Int64
	accepted        atomic.Int64
	exported        atomic.Int64
	alreadyExported atomic.Int64
	discovered      atomic.Int64

	mu       sync.Mutex
	rejected map[crawler.RejectReason]int64
}

// NewStats returns zeroed counters.
func NewStats() *Stats {
	return &Stats{rejected: make(map[crawler.RejectReason]int64)}
}

func (s *Stats) reject(reason crawler.RejectReason) {
	s.mu.Lock()
	s.rejected[reason]++
	s.mu.Unlock()
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Attempted       int64            `json:"attempted"`
	Fetched         int64            `json:"fetched"`
	FetchFailed     int64            `json:"fetch_failed"`
	Retried         int64            `json:"retried"`
	Headless        int64            `json:"headless"`
	Extracted       int64            `json:"extracted"`
	Accepted        int64            `json:"accepted"`
	Exported        int64            `json:"exported"`
	AlreadyExported int64            `json:"already_exported"`
	Duplicates      int64            `json:"duplicates"`
	Discovered      int64            `json:"discovered"`
	Rejected        map[string]int64 `json:"rejected"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() Snapshot {
	out := Snapshot{
		Attempted:       s.attempted.Load(),
		Fetched:         s.fetched.Load(),
		FetchFailed:     s.fetchFailed.Load(),
		Retried:         s.retried.Load(),
		Headless:        s.headless.Load(),
		Extracted:       s.extracted.Load(),
		Accepted:        s.accepted.Load(),
		Exported:        s.exported.Load(),
		AlreadyExported: s.alreadyExported.Load(),
		Discovered:      s.discovered.Load(),
		Rejected:        make(map[string]int64),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for reason, n := range s.rejected {
		out.Rejected[string(reason)] = n
	}
	out.Duplicates = s.rejected[crawler.ReasonDuplicate]
	return out
}

// RejectReasons lists the reasons seen so far in lexical order.
func (s Snapshot) RejectReasons() []string {
	out := make([]string, 0, len(s.Rejected))
	for r := range s.Rejected {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Budget caps the number of tasks attempted across all workers.
type Budget struct {
	max  int64
	used atomic.Int64
}

// NewBudget returns a Budget of max tasks; zero or less is unlimited.
func NewBudget(max int) *Budget {
	return &Budget{max: int64(max)}
}

// Take reserves one task. It reports false once the budget is spent.
func (b *Budget) Take() bool {
	if b == nil || b.max <= 0 {
		return true
	}
	for {
		used := b.used.Load()
		if used >= b.max {
			return false
		}
		if b.used.CompareAndSwap(used, used+1) {
			return true
		}
	}
}

// Exhausted reports whether every reservation is taken.
func (b *Budget) Exhausted() bool {
	return b != nil && b.max > 0 && b.used.Load() >= b.max
}
