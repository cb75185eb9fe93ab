package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutAndGet(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "shards/shard-000001.jsonl", "application/x-ndjson", strings.NewReader("{}\n"))
	require.NoError(t, err)
	require.Equal(t, "memory://shards/shard-000001.jsonl", uri)

	obj, ok := store.Get("shards/shard-000001.jsonl")
	require.True(t, ok)
	require.Equal(t, "application/x-ndjson", obj.ContentType)
	require.Equal(t, "{}\n", string(obj.Data))
	require.Equal(t, []string{"shards/shard-000001.jsonl"}, store.Paths())

	_, ok = store.Get("missing")
	require.False(t, ok)
}

func TestBlobStoreHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBlobStore().PutObject(ctx, "x", "text/plain", strings.NewReader("x"))
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, NewBlobStore().Paths())
}
