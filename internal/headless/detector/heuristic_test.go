package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/corpus-crawler/internal/crawler"
)

func TestHeuristic_ShouldPromote_EmptyBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.True(t, h.ShouldPromote(crawler.FetchResponse{StatusCode: 200, Body: []byte("  \n")}))
}

func TestHeuristic_ShouldPromote_MountPoint(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	resp := crawler.FetchResponse{
		StatusCode: 200,
		Body:       []byte(`<html><body><div id="__next"></div></body></html>`),
	}
	require.True(t, h.ShouldPromote(resp))
}

func TestHeuristic_ServerRenderedFrameworkPageStays(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	article := strings.Repeat("Slow-cooked beans need patience and salt. ", 10)
	resp := crawler.FetchResponse{
		StatusCode: 200,
		Body:       []byte(`<html><body><div id="__next"><article>` + article + `</article></div></body></html>`),
	}
	require.False(t, h.ShouldPromote(resp))
}

func TestHeuristic_ShouldPromote_ScriptDensity(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	script := strings.Repeat("var a=1;", 50)
	resp := crawler.FetchResponse{
		StatusCode: 200,
		Body:       []byte(`<html><head><script>` + script + `</script></head><body><p>t</p></body></html>`),
	}
	require.True(t, h.ShouldPromote(resp))
}

func TestHeuristic_PlainShortPageStays(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	resp := crawler.FetchResponse{
		StatusCode: 200,
		Body:       []byte(`<html><body><p>Short but static.</p></body></html>`),
	}
	require.False(t, h.ShouldPromote(resp))
}

func TestHeuristic_ShouldPromote_DisabledForNon200(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	resp := crawler.FetchResponse{
		StatusCode: 404,
		Body:       []byte("not found"),
	}
	require.False(t, h.ShouldPromote(resp))
}

func TestNewHeuristicDefault(t *testing.T) {
	t.Parallel()

	require.Equal(t, 2048, NewHeuristic(0).MinTextChars)
}
