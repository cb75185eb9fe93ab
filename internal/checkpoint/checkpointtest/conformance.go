// Package checkpointtest holds a behavioral test suite shared by every
// checkpoint store backend.
package checkpointtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/corpus-crawler/internal/checkpoint"
	"github.com/JakeFAU/corpus-crawler/internal/crawler"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) crawler.CheckpointStore

// Run exercises the crawler.CheckpointStore contract against a backend.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("record once", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		rec := crawler.CheckpointRecord{
			Fingerprint: "fp-1",
			ExportedAt:  time.Unix(1700000000, 0).UTC(),
			ShardID:     "shard-000001",
			Offset:      4,
		}

		exported, err := store.HasExported(ctx, rec.Fingerprint)
		require.NoError(t, err)
		require.False(t, exported)

		res, err := store.RecordExport(ctx, rec)
		require.NoError(t, err)
		require.Equal(t, crawler.Recorded, res)

		res, err = store.RecordExport(ctx, crawler.CheckpointRecord{
			Fingerprint: rec.Fingerprint,
			ExportedAt:  rec.ExportedAt.Add(time.Hour),
			ShardID:     "shard-000009",
			Offset:      0,
		})
		require.NoError(t, err)
		require.Equal(t, crawler.AlreadyRecorded, res)

		exported, err = store.HasExported(ctx, rec.Fingerprint)
		require.NoError(t, err)
		require.True(t, exported)

		got, err := store.Lookup(ctx, rec.Fingerprint)
		require.NoError(t, err)
		require.Equal(t, rec.ShardID, got.ShardID)
		require.Equal(t, rec.Offset, got.Offset)
		require.True(t, rec.ExportedAt.Equal(got.ExportedAt))
	})

	t.Run("lookup missing", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Lookup(context.Background(), "nope")
		require.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		const racers = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := store.RecordExport(ctx, crawler.CheckpointRecord{
					Fingerprint: "contended",
					ExportedAt:  time.Now().UTC(),
					ShardID:     fmt.Sprintf("shard-%06d", i),
				})
				require.NoError(t, err)
				if res == crawler.Recorded {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		require.Equal(t, 1, winners)
	})

	t.Run("progress round trip", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		p, err := store.LoadProgress(ctx, "example.com")
		require.NoError(t, err)
		require.Equal(t, "", p.LastMarker)
		require.Zero(t, p.Completed)

		require.NoError(t, store.SaveProgress(ctx, "example.com", "https://example.com/a"))
		require.NoError(t, store.SaveProgress(ctx, "example.com", "https://example.com/b"))
		require.NoError(t, store.SaveProgress(ctx, "example.com", "https://example.com/a"))

		p, err = store.LoadProgress(ctx, "example.com")
		require.NoError(t, err)
		require.Equal(t, "https://example.com/a", p.LastMarker)
		require.Equal(t, int64(2), p.Completed)

		done, err := store.IsCompleted(ctx, "example.com", "https://example.com/b")
		require.NoError(t, err)
		require.True(t, done)

		done, err = store.IsCompleted(ctx, "other.org", "https://example.com/b")
		require.NoError(t, err)
		require.False(t, done)
	})

	t.Run("ping", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Ping(context.Background()))
	})
}
