package frontier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/corpus-crawler/internal/checkpoint/memory"
	"github.com/JakeFAU/corpus-crawler/internal/crawler"
)

func newTestFrontier(t *testing.T, cfg Config) (*Frontier, *memory.Store) {
	t.Helper()
	store := memory.New()
	return New(cfg, store, zap.NewNop()), store
}

func dequeue(t *testing.T, f *Frontier, timeout time.Duration) (crawler.CrawlTask, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return f.DequeueReady(ctx)
}

func TestEnqueueDedupsQueuedAndCompleted(t *testing.T) {
	t.Parallel()

	f, store := newTestFrontier(t, Config{})
	ctx := context.Background()

	res, err := f.Enqueue(ctx, "example.com", "https://Example.com/a#top")
	require.NoError(t, err)
	require.Equal(t, Admitted, res)

	res, err = f.Enqueue(ctx, "example.com", "https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, Duplicate, res)

	require.NoError(t, store.SaveProgress(ctx, "example.com", "https://example.com/done"))
	res, err = f.Enqueue(ctx, "example.com", "https://example.com/done")
	require.NoError(t, err)
	require.Equal(t, Duplicate, res)

	res, err = f.Enqueue(ctx, "example.com", "ftp://example.com/file")
	require.NoError(t, err)
	require.Equal(t, Rejected, res)

	require.Equal(t, 1, f.Len())
}

func TestEnqueueDedupsInFlight(t *testing.T) {
	t.Parallel()

	f, _ := newTestFrontier(t, Config{})
	ctx := context.Background()

	_, err := f.Enqueue(ctx, "example.com", "https://example.com/a")
	require.NoError(t, err)
	task, err := dequeue(t, f, time.Second)
	require.NoError(t, err)

	res, err := f.Enqueue(ctx, "example.com", "https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, Duplicate, res)

	require.NoError(t, f.Complete(ctx, task))
	res, err = f.Enqueue(ctx, "example.com", "https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, Duplicate, res, "completed URLs stay deduplicated")
}

func TestEnqueueRejectsDeniedAndOverflow(t *testing.T) {
	t.Parallel()

	f, _ := newTestFrontier(t, Config{DenyDomains: []string{"*.spam.test"}, MaxQueuePerSource: 1})
	ctx := context.Background()

	res, err := f.Enqueue(ctx, "", "https://www.spam.test/x")
	require.NoError(t, err)
	require.Equal(t, Rejected, res)

	res, err = f.Enqueue(ctx, "example.com", "https://example.com/1")
	require.NoError(t, err)
	require.Equal(t, Admitted, res)
	res, err = f.Enqueue(ctx, "example.com", "https://example.com/2")
	require.NoError(t, err)
	require.Equal(t, Rejected, res)
}

func TestDequeueHonorsPolitenessPerSource(t *testing.T) {
	t.Parallel()

	f, _ := newTestFrontier(t, Config{Politeness: 150 * time.Millisecond})
	ctx := context.Background()
	for _, u := range []string{"https://a.test/1", "https://a.test/2", "https://b.test/1"} {
		_, err := f.Enqueue(ctx, "", u)
		require.NoError(t, err)
	}

	start := time.Now()
	first, err := dequeue(t, f, time.Second)
	require.NoError(t, err)
	second, err := dequeue(t, f, time.Second)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 100*time.Millisecond, "different sources are not throttled by each other")
	require.NotEqual(t, first.Source, second.Source)

	third, err := dequeue(t, f, time.Second)
	require.NoError(t, err)
	require.Equal(t, "a.test", third.Source)
	require.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
}

func TestDequeueWakesOnEnqueue(t *testing.T) {
	t.Parallel()

	f, _ := newTestFrontier(t, Config{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = f.Enqueue(context.Background(), "example.com", "https://example.com/late")
	}()

	task, err := dequeue(t, f, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/late", task.URL)
}

func TestDequeueReturnsOnCancelAndClose(t *testing.T) {
	t.Parallel()

	f, _ := newTestFrontier(t, Config{})
	_, err := dequeue(t, f, 30*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	errCh := make(chan error, 1)
	go func() {
		_, err := f.DequeueReady(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	f.Close()
	select {
	case err := <-errCh:
		require.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("DequeueReady did not return after Close")
	}

	res, err := f.Enqueue(context.Background(), "example.com", "https://example.com/after")
	require.NoError(t, err)
	require.Equal(t, Rejected, res)
}

func TestRetryDelaysTaskAndCountsAttempts(t *testing.T) {
	t.Parallel()

	f, _ := newTestFrontier(t, Config{})
	ctx := context.Background()
	_, err := f.Enqueue(ctx, "example.com", "https://example.com/flaky")
	require.NoError(t, err)

	task, err := dequeue(t, f, time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, task.Attempt)

	require.True(t, f.Retry(task, time.Now().Add(120*time.Millisecond)))
	start := time.Now()
	retried, err := dequeue(t, f, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, retried.Attempt)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestRequeueKeepsAttemptCount(t *testing.T) {
	t.Parallel()

	f, _ := newTestFrontier(t, Config{})
	ctx := context.Background()
	_, err := f.Enqueue(ctx, "example.com", "https://example.com/later")
	require.NoError(t, err)

	task, err := dequeue(t, f, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, f.InFlight())
	require.True(t, f.Requeue(task))
	require.Zero(t, f.InFlight())

	again, err := dequeue(t, f, time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, again.Attempt)

	f.Close()
	require.False(t, f.Requeue(again), "a closed frontier drops requeued work")
	require.Zero(t, f.InFlight())
	require.Zero(t, f.Len())
}

func TestCompleteAndFailPersistProgress(t *testing.T) {
	t.Parallel()

	f, store := newTestFrontier(t, Config{})
	ctx := context.Background()
	_, err := f.Push(ctx, crawler.CrawlTask{Source: "example.com", URL: "https://example.com/", Revisit: true})
	require.NoError(t, err)
	_, err = f.Enqueue(ctx, "example.com", "https://example.com/gone")
	require.NoError(t, err)

	seed, err := dequeue(t, f, time.Second)
	require.NoError(t, err)
	gone, err := dequeue(t, f, time.Second)
	require.NoError(t, err)

	require.NoError(t, f.Complete(ctx, seed))
	require.NoError(t, f.Fail(ctx, gone))
	require.True(t, f.Idle())

	done, err := store.IsCompleted(ctx, "example.com", "https://example.com/gone")
	require.NoError(t, err)
	require.True(t, done)

	done, err = store.IsCompleted(ctx, "example.com", "https://example.com/")
	require.NoError(t, err)
	require.False(t, done, "seed pages are revisited on every pass")

	res, err := f.Push(ctx, crawler.CrawlTask{Source: "example.com", URL: "https://example.com/", Revisit: true})
	require.NoError(t, err)
	require.Equal(t, Admitted, res)
}

func TestSeedAndDiscover(t *testing.T) {
	t.Parallel()

	f, _ := newTestFrontier(t, Config{})
	ctx := context.Background()
	src := crawler.Source{
		Name:     "example",
		Domain:   "www.example.com",
		Seeds:    []string{"https://www.example.com/blog"},
		Include:  []string{`/blog/\d{4}/`},
		MaxDepth: 1,
	}
	n, err := f.Seed(ctx, src)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	seed, err := dequeue(t, f, time.Second)
	require.NoError(t, err)
	require.True(t, seed.Revisit)
	require.Equal(t, "example.com", seed.Source)

	n, err = f.Discover(ctx, seed, []string{
		"https://www.example.com/blog/2024/post-a",
		"https://www.example.com/about",
		"https://other.org/blog/2024/post-b",
		"https://www.example.com/blog/2024/post-a#comments",
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	child, err := dequeue(t, f, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, child.Depth)
	require.False(t, child.Revisit)

	n, err = f.Discover(ctx, child, []string{"https://www.example.com/blog/2024/post-c"})
	require.NoError(t, err)
	require.Zero(t, n, "max depth reached")
}

func TestRegisterRejectsBadPattern(t *testing.T) {
	t.Parallel()

	f, _ := newTestFrontier(t, Config{})
	err := f.Register(crawler.Source{Name: "bad", Domain: "example.com", Include: []string{"("}})
	require.Error(t, err)

	err = f.Register(crawler.Source{Name: "empty"})
	require.Error(t, err)
}

func TestHostFilter(t *testing.T) {
	t.Parallel()

	require.Nil(t, newHostFilter([]string{" ", ""}))
	f := newHostFilter([]string{"Blocked.com", "*.ads.net", ".tracker.io"})
	require.True(t, f.Match("blocked.com"))
	require.False(t, f.Match("sub.blocked.com"))
	require.True(t, f.Match("x.ads.net"))
	require.True(t, f.Match("ads.net"))
	require.True(t, f.Match("a.b.tracker.io"))
	require.False(t, f.Match("example.com"))

	var nilFilter *hostFilter
	require.False(t, nilFilter.Match("blocked.com"))
}
