package shard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/corpus-crawler/internal/checkpoint/memory"
	"github.com/JakeFAU/corpus-crawler/internal/crawler"
	"github.com/JakeFAU/corpus-crawler/internal/hash/sha256"
	blobmemory "github.com/JakeFAU/corpus-crawler/internal/storage/memory"
	pubmemory "github.com/JakeFAU/corpus-crawler/internal/publisher/memory"
)

func record(id string) crawler.OutputRecord {
	return crawler.OutputRecord{
		ID:   id,
		Text: "title " + id + "\nbody " + id,
		Meta: crawler.RecordMeta{
			Lang:    "en",
			URL:     "https://example.com/" + id,
			Source:  "example.com",
			Type:    "article",
			Title:   "title " + id,
			Content: "body " + id,
		},
		ContentInfo: crawler.ContentInfo{Domain: "daily_life", Subdomain: "cooking"},
	}
}

func line(t *testing.T, id string) []byte {
	t.Helper()
	raw, err := json.Marshal(record(id))
	require.NoError(t, err)
	return append(raw, '\n')
}

func openTest(t *testing.T, cfg Config, store crawler.CheckpointStore, hooks ...SealHook) *Writer {
	t.Helper()
	w, err := Open(context.Background(), cfg, store, nil, zap.NewNop(), hooks...)
	require.NoError(t, err)
	return w
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	raw, err := os.ReadFile(path) //nolint:gosec // test path.
	require.NoError(t, err)
	return string(raw)
}

func TestAppendRotatesAtCapacity(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := memory.New()
	w := openTest(t, Config{Dir: dir, Capacity: 3}, store)

	ctx := context.Background()
	for i := 1; i <= 7; i++ {
		res, err := w.Append(ctx, record(fmt.Sprintf("fp-%d", i)))
		require.NoError(t, err)
		require.Equal(t, crawler.Recorded, res)
	}

	stats := w.Stats()
	require.Equal(t, 2, stats.Sealed)
	require.Equal(t, 3, stats.Open.Sequence)
	require.Equal(t, 1, stats.Open.Lines)

	first := readFile(t, filepath.Join(dir, "shard-000001.jsonl"))
	require.Equal(t, 3, strings.Count(first, "\n"))
	sidecar := readFile(t, filepath.Join(dir, "shard-000001.jsonl.sha256"))
	require.Equal(t, sha256.SumString(first)+"  shard-000001.jsonl\n", sidecar)
	require.FileExists(t, filepath.Join(dir, "shard-000002.jsonl"))
	require.FileExists(t, filepath.Join(dir, "shard-000003.jsonl.partial"))

	rec, err := store.Lookup(ctx, "fp-5")
	require.NoError(t, err)
	require.Equal(t, "shard-000002", rec.ShardID)
	require.Equal(t, int64(len(line(t, "fp-4"))), rec.Offset)

	require.NoError(t, w.Close())
	results, err := Verify(dir, "shard")
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.True(t, r.OK, r.Name)
	}

	var ids []string
	require.NoError(t, Scan(dir, "shard", func(rec crawler.OutputRecord) error {
		ids = append(ids, rec.ID)
		return nil
	}))
	require.Equal(t, []string{"fp-1", "fp-2", "fp-3", "fp-4", "fp-5", "fp-6", "fp-7"}, ids)
}

func TestAppendSkipsExportedFingerprint(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w := openTest(t, Config{Dir: dir, Capacity: 10}, memory.New())
	ctx := context.Background()

	res, err := w.Append(ctx, record("fp-1"))
	require.NoError(t, err)
	require.Equal(t, crawler.Recorded, res)
	res, err = w.Append(ctx, record("fp-1"))
	require.NoError(t, err)
	require.Equal(t, crawler.AlreadyRecorded, res)

	require.Equal(t, 1, w.Stats().Open.Lines)
	require.Equal(t, string(line(t, "fp-1")), readFile(t, filepath.Join(dir, "shard-000001.jsonl.partial")))
	require.NoError(t, w.Close())
}

// racingStore hides claims made by another process from HasExported.
type racingStore struct {
	*memory.Store
}

func (racingStore) HasExported(context.Context, string) (bool, error) { return false, nil }

func TestAppendRollsBackLostClaim(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := memory.New()
	ctx := context.Background()
	_, err := store.RecordExport(ctx, crawler.CheckpointRecord{Fingerprint: "fp-2", ShardID: "other-000001"})
	require.NoError(t, err)

	w := openTest(t, Config{Dir: dir, Capacity: 10}, racingStore{store})
	_, err = w.Append(ctx, record("fp-1"))
	require.NoError(t, err)
	res, err := w.Append(ctx, record("fp-2"))
	require.NoError(t, err)
	require.Equal(t, crawler.AlreadyRecorded, res)
	_, err = w.Append(ctx, record("fp-3"))
	require.NoError(t, err)

	got := readFile(t, filepath.Join(dir, "shard-000001.jsonl.partial"))
	require.Equal(t, string(line(t, "fp-1"))+string(line(t, "fp-3")), got)
	rec, err := store.Lookup(ctx, "fp-3")
	require.NoError(t, err)
	require.Equal(t, int64(len(line(t, "fp-1"))), rec.Offset)
	require.NoError(t, w.Close())
}

func TestConcurrentAppendsExportOnce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w := openTest(t, Config{Dir: dir, Capacity: 4}, memory.New())

	var wg sync.WaitGroup
	var mu sync.Mutex
	recorded := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := w.Append(context.Background(), record(fmt.Sprintf("fp-%d", i%4)))
			require.NoError(t, err)
			if res == crawler.Recorded {
				mu.Lock()
				recorded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 4, recorded)
	require.NoError(t, w.Close())

	seen := map[string]int{}
	require.NoError(t, Scan(dir, "shard", func(rec crawler.OutputRecord) error {
		seen[rec.ID]++
		return nil
	}))
	require.Len(t, seen, 4)
	for id, n := range seen {
		require.Equal(t, 1, n, id)
	}
}

func TestOpenClaimsUnrecordedTrailingLine(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := memory.New()
	ctx := context.Background()
	first := line(t, "fp-1")
	second := line(t, "fp-2")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shard-000001.jsonl.partial"), append(append([]byte{}, first...), second...), 0o600))
	_, err := store.RecordExport(ctx, crawler.CheckpointRecord{Fingerprint: "fp-1", ShardID: "shard-000001"})
	require.NoError(t, err)

	w := openTest(t, Config{Dir: dir, Capacity: 10}, store)
	require.Equal(t, 2, w.Stats().Open.Lines)

	rec, err := store.Lookup(ctx, "fp-2")
	require.NoError(t, err)
	require.Equal(t, "shard-000001", rec.ShardID)
	require.Equal(t, int64(len(first)), rec.Offset)

	res, err := w.Append(ctx, record("fp-3"))
	require.NoError(t, err)
	require.Equal(t, crawler.Recorded, res)
	require.NoError(t, w.Close())
}

func TestOpenTruncatesLineClaimedElsewhere(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := memory.New()
	ctx := context.Background()
	first := line(t, "fp-1")
	path := filepath.Join(dir, "shard-000001.jsonl.partial")
	require.NoError(t, os.WriteFile(path, append(append([]byte{}, first...), line(t, "fp-2")...), 0o600))
	_, err := store.RecordExport(ctx, crawler.CheckpointRecord{Fingerprint: "fp-1", ShardID: "shard-000001", Offset: 0})
	require.NoError(t, err)
	_, err = store.RecordExport(ctx, crawler.CheckpointRecord{Fingerprint: "fp-2", ShardID: "shard-000007", Offset: 0})
	require.NoError(t, err)

	w := openTest(t, Config{Dir: dir, Capacity: 10}, store)
	require.Equal(t, 1, w.Stats().Open.Lines)
	require.Equal(t, string(first), readFile(t, path))
	require.NoError(t, w.Close())
}

func TestOpenTruncatesTornLine(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := memory.New()
	first := line(t, "fp-1")
	path := filepath.Join(dir, "shard-000001.jsonl.partial")
	require.NoError(t, os.WriteFile(path, append(append([]byte{}, first...), []byte(`{"id":"fp-2","te`)...), 0o600))
	_, err := store.RecordExport(context.Background(), crawler.CheckpointRecord{Fingerprint: "fp-1", ShardID: "shard-000001", Offset: 0})
	require.NoError(t, err)

	w := openTest(t, Config{Dir: dir, Capacity: 10}, store)
	require.Equal(t, 1, w.Stats().Open.Lines)
	require.Equal(t, string(first), readFile(t, path))

	_, err = w.Append(context.Background(), record("fp-2"))
	require.NoError(t, err)
	require.Equal(t, string(first)+string(line(t, "fp-2")), readFile(t, path))
	require.NoError(t, w.Close())
}

func TestOpenDropsUndecodableTrailingLine(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "shard-000001.jsonl.partial")
	require.NoError(t, os.WriteFile(path, []byte("not json\n"), 0o600))

	w := openTest(t, Config{Dir: dir, Capacity: 10}, memory.New())
	require.Zero(t, w.Stats().Open.Lines)
	require.Empty(t, readFile(t, path))
	require.NoError(t, w.Close())
	require.NoFileExists(t, path, "empty partial is removed on close")
}

func TestOpenSealsFullAndStalePartials(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := memory.New()
	ctx := context.Background()
	claim := func(id, shard string, offset int64) {
		_, err := store.RecordExport(ctx, crawler.CheckpointRecord{Fingerprint: id, ShardID: shard, Offset: offset})
		require.NoError(t, err)
	}

	// Full partial from a crash between the last append and the rename.
	full := append(append([]byte{}, line(t, "a")...), line(t, "b")...)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shard-000001.jsonl.partial"), full, 0o600))
	claim("a", "shard-000001", 0)
	claim("b", "shard-000001", int64(len(line(t, "a"))))
	// Sealed shard whose sidecar was never written.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shard-000002.jsonl"), line(t, "c"), 0o600))
	// Two short partials; only the highest stays open.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shard-000003.jsonl.partial"), line(t, "d"), 0o600))
	claim("d", "shard-000003", 0)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shard-000004.jsonl.partial"), line(t, "e"), 0o600))
	claim("e", "shard-000004", 0)

	w := openTest(t, Config{Dir: dir, Capacity: 2}, store)
	stats := w.Stats()
	require.Equal(t, 4, stats.Open.Sequence)
	require.Equal(t, 1, stats.Open.Lines)
	require.Equal(t, 3, stats.Sealed)

	results, err := Verify(dir, "shard")
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		require.True(t, r.OK, r.Name)
	}

	_, err = w.Append(ctx, record("f"))
	require.NoError(t, err)
	require.Equal(t, 5, w.Stats().Open.Sequence)
	require.NoError(t, w.Close())
}

func TestOpenStartsAfterHighestSealed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shard-000009.jsonl"), line(t, "a"), 0o600))
	w := openTest(t, Config{Dir: dir, Capacity: 5}, memory.New())
	require.Equal(t, 10, w.Stats().Open.Sequence)
	require.NoError(t, w.Close())
}

func TestCloseSealsOnShutdown(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w := openTest(t, Config{Dir: dir, Capacity: 10, SealOnShutdown: true}, memory.New())
	for _, id := range []string{"a", "b"} {
		_, err := w.Append(context.Background(), record(id))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	require.FileExists(t, filepath.Join(dir, "shard-000001.jsonl"))
	require.FileExists(t, filepath.Join(dir, "shard-000001.jsonl.sha256"))
	require.NoFileExists(t, filepath.Join(dir, "shard-000001.jsonl.partial"))

	_, err := w.Append(context.Background(), record("c"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestCloseKeepsPartialAndReopenContinues(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := memory.New()
	w := openTest(t, Config{Dir: dir, Capacity: 3}, store)
	_, err := w.Append(context.Background(), record("a"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.FileExists(t, filepath.Join(dir, "shard-000001.jsonl.partial"))

	w = openTest(t, Config{Dir: dir, Capacity: 3}, store)
	require.Equal(t, 1, w.Stats().Open.Lines)
	for _, id := range []string{"a", "b", "c"} {
		_, err := w.Append(context.Background(), record(id))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.Equal(t, 3, strings.Count(readFile(t, filepath.Join(dir, "shard-000001.jsonl")), "\n"))
}

// flakyFile fails the first failures writes.
type flakyFile struct {
	*os.File
	mu       sync.Mutex
	failures int
	writes   int
}

func (f *flakyFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.failures > 0 {
		f.failures--
		// Simulate a short write before the error.
		n, _ := f.File.Write(p[:len(p)/2])
		return n, errors.New("disk full")
	}
	return f.File.Write(p)
}

func openFlaky(t *testing.T, cfg Config, failures int) (*Writer, *flakyFile) {
	t.Helper()
	var ff *flakyFile
	open := func(path string) (file, error) {
		f, err := openOSFile(path)
		if err != nil {
			return nil, err
		}
		ff = &flakyFile{File: f.(*os.File), failures: failures}
		return ff, nil
	}
	w, err := openWriter(context.Background(), cfg, memory.New(), nil, zap.NewNop(), open)
	require.NoError(t, err)
	return w, ff
}

func TestAppendRetriesFailedWrite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, ff := openFlaky(t, Config{Dir: dir, Capacity: 10, WriteRetries: 2}, 2)
	res, err := w.Append(context.Background(), record("a"))
	require.NoError(t, err)
	require.Equal(t, crawler.Recorded, res)
	require.Equal(t, 3, ff.writes)
	require.Equal(t, string(line(t, "a")), readFile(t, filepath.Join(dir, "shard-000001.jsonl.partial")))
	require.NoError(t, w.Close())
}

func TestAppendFailsAfterRetries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, ff := openFlaky(t, Config{Dir: dir, Capacity: 10, WriteRetries: 1}, 5)
	_, err := w.Append(context.Background(), record("a"))
	require.ErrorIs(t, err, ErrWriteFailed)
	require.Equal(t, 2, ff.writes)
	require.Empty(t, readFile(t, filepath.Join(dir, "shard-000001.jsonl.partial")))

	_, err = w.Append(context.Background(), record("b"))
	require.ErrorIs(t, err, ErrWriteFailed, "writer stays failed")
	require.NoError(t, w.Close())
}

func TestSealHooksArchiveAndPublish(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	blobs := blobmemory.NewBlobStore()
	pub := pubmemory.New()
	w := openTest(t, Config{Dir: dir, Capacity: 2}, memory.New(),
		ArchiveAndPublishHook(blobs, "corpus", pub, "shard.sealed"))
	for _, id := range []string{"a", "b", "c"} {
		_, err := w.Append(context.Background(), record(id))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	require.Equal(t, []string{"corpus/shard-000001.jsonl", "corpus/shard-000001.jsonl.sha256"}, blobs.Paths())
	obj, ok := blobs.Get("corpus/shard-000001.jsonl")
	require.True(t, ok)
	require.Equal(t, readFile(t, filepath.Join(dir, "shard-000001.jsonl")), string(obj.Data))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "shard.sealed", msgs[0].Event)
	ev, ok := msgs[0].Payload.(SealedEvent)
	require.True(t, ok)
	require.Equal(t, "shard-000001.jsonl", ev.Shard)
	require.Equal(t, 2, ev.Lines)
	require.Equal(t, "memory://corpus/shard-000001.jsonl", ev.URI)
}

func TestSealHookErrorsDoNotFailAppend(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	failing := func(context.Context, Info) error { return errors.New("upload failed") }
	w := openTest(t, Config{Dir: dir, Capacity: 1}, memory.New(), failing)
	res, err := w.Append(context.Background(), record("a"))
	require.NoError(t, err)
	require.Equal(t, crawler.Recorded, res)
	require.NoError(t, w.Close())
	require.FileExists(t, filepath.Join(dir, "shard-000001.jsonl"))
}

func TestVerifyDetectsCorruption(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w := openTest(t, Config{Dir: dir, Capacity: 1}, memory.New())
	for _, id := range []string{"a", "b"} {
		_, err := w.Append(context.Background(), record(id))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "shard-000002.jsonl"), []byte("tampered\n"), 0o600))
	require.NoError(t, os.Remove(filepath.Join(dir, "shard-000001.jsonl.sha256")))

	results, err := Verify(dir, "")
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.False(t, results[0].OK)
	require.NotEmpty(t, results[0].Err)
	require.False(t, results[1].OK)
	require.Empty(t, results[1].Err)
	require.NotEqual(t, results[1].Expected, results[1].Actual)
}

func TestScanSkipsTornLinesAndMissingDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := string(line(t, "a")) + "garbage\n" + `{"id":"b"`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shard-000001.jsonl.partial"), []byte(content), 0o600))

	var ids []string
	require.NoError(t, Scan(dir, "shard", func(rec crawler.OutputRecord) error {
		ids = append(ids, rec.ID)
		return nil
	}))
	require.Equal(t, []string{"a"}, ids)

	require.NoError(t, Scan(filepath.Join(dir, "missing"), "shard", func(crawler.OutputRecord) error { return nil }))

	stop := errors.New("stop")
	err := Scan(dir, "shard", func(crawler.OutputRecord) error { return stop })
	require.ErrorIs(t, err, stop)
}

func TestOpenValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{Capacity: 1}, memory.New(), nil, nil)
	require.Error(t, err)
	_, err = Open(context.Background(), Config{Dir: t.TempDir()}, memory.New(), nil, nil)
	require.Error(t, err)
}
