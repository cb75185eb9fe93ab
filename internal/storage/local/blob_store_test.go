// Package local_test tests the local archive blob store.
package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/corpus-crawler/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "archive", "shards")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	t.Run("WritesNestedObject", func(t *testing.T) {
		uri, err := store.PutObject(context.Background(), "2026/shard-000001.jsonl", "application/x-ndjson", strings.NewReader("{\"id\":\"a\"}\n"))
		require.NoError(t, err)
		target := filepath.Join(dir, "2026", "shard-000001.jsonl")
		assert.Equal(t, "file://"+target, uri)
		got, err := os.ReadFile(target) //nolint:gosec // test path.
		require.NoError(t, err)
		assert.Equal(t, "{\"id\":\"a\"}\n", string(got))

		entries, err := os.ReadDir(filepath.Join(dir, "2026"))
		require.NoError(t, err)
		assert.Len(t, entries, 1, "temporary upload file is renamed away")
	})

	t.Run("Overwrites", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "x.txt", "text/plain", strings.NewReader("one"))
		require.NoError(t, err)
		_, err = store.PutObject(context.Background(), "x.txt", "text/plain", strings.NewReader("two"))
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(dir, "x.txt")) //nolint:gosec // test path.
		require.NoError(t, err)
		assert.Equal(t, "two", string(got))
	})

	t.Run("RejectsTraversal", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "../escape.txt", "text/plain", strings.NewReader("x"))
		assert.Error(t, err)
	})

	t.Run("RejectsEmptyPath", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), " ", "text/plain", strings.NewReader("x"))
		assert.Error(t, err)
	})
}
