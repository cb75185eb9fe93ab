package sources

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleYAML = `
sources:
  - name: cooking
    domain: www.seriouseats.com
    seeds:
      - https://www.seriouseats.com/recipes
    include:
      - '/recipes/\d{4}/'
    lang: en
    type: article
    max_depth: 2
  - name: gardening
    seeds:
      - https://gardening.example.org/
`

func TestLoadParsesSources(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	list, err := Load(path)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "cooking", list[0].Name)
	require.Equal(t, 2, list[0].MaxDepth)
	require.Equal(t, []string{`/recipes/\d{4}/`}, list[0].Include)
	require.Equal(t, "en", list[0].Lang)

	idx := NewIndex(list)
	src, ok := idx.Lookup("seriouseats.com")
	require.True(t, ok)
	require.Equal(t, "cooking", src.Name)
	src, ok = idx.Lookup("gardening.example.org")
	require.True(t, ok)
	require.Equal(t, "gardening", src.Name)
	_, ok = idx.Lookup("unknown.test")
	require.False(t, ok)
}

func TestParseAcceptsBareList(t *testing.T) {
	t.Parallel()

	list, err := Parse([]byte("- name: a\n  domain: a.test\n"))
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestParseRejectsInvalidSources(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty":          "",
		"no sources":     "sources: []\n",
		"missing name":   "sources:\n  - domain: a.test\n",
		"no domain":      "sources:\n  - name: a\n",
		"bad include":    "sources:\n  - name: a\n    domain: a.test\n    include: ['(']\n",
		"bad seed":       "sources:\n  - name: a\n    seeds: ['ftp://a.test/']\n",
		"duplicate name": "sources:\n  - name: a\n    domain: a.test\n  - name: a\n    domain: b.test\n",
		"unknown field":  "sources:\n  - name: a\n    domain: a.test\n    depth: 3\n",
		"negative depth": "sources:\n  - name: a\n    domain: a.test\n    max_depth: -1\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestSchedulerRunsReseed(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	s, err := NewScheduler("@every 1s", func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 1, ctx.Err()
	}, zap.NewNop())
	require.NoError(t, err)

	s.Start(context.Background())
	require.False(t, s.Next().IsZero())
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	s.Stop()
	s.Stop()

	after := calls.Load()
	time.Sleep(1200 * time.Millisecond)
	require.Equal(t, after, calls.Load(), "no reseed after Stop")
}

func TestNewSchedulerValidates(t *testing.T) {
	t.Parallel()

	noop := func(context.Context) (int, error) { return 0, nil }
	_, err := NewScheduler("", noop, nil)
	require.Error(t, err)
	_, err = NewScheduler("not a cron", noop, nil)
	require.Error(t, err)
	_, err = NewScheduler("0 * * * *", nil, nil)
	require.Error(t, err)

	s, err := NewScheduler("0 */6 * * *", noop, nil)
	require.NoError(t, err)
	s.Stop()
}
