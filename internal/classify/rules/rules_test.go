package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyPicksBestTopic(t *testing.T) {
	t.Parallel()

	c, err := New(Config{})
	require.NoError(t, err)

	got, err := c.Classify(context.Background(), "Simmer the stock, then roast the vegetables. A good recipe tip.")
	require.NoError(t, err)
	require.True(t, got.Accept)
	require.Equal(t, "daily_life", got.Domain)
	require.Equal(t, "cooking_techniques", got.Subdomain)
	require.Equal(t, 3.0, got.Score)
}

func TestClassifyRejectsBelowMinimum(t *testing.T) {
	t.Parallel()

	c, err := New(Config{MinMatches: 2})
	require.NoError(t, err)

	got, err := c.Classify(context.Background(), "The quarterly earnings beat expectations. One recipe.")
	require.NoError(t, err)
	require.False(t, got.Accept)

	got, err = c.Classify(context.Background(), "Stock markets rallied.")
	require.NoError(t, err)
	require.False(t, got.Accept)
}

func TestCustomTopicsAndPhrases(t *testing.T) {
	t.Parallel()

	c, err := New(Config{Topics: []Topic{
		{Domain: "garden", Subdomain: "composting", Keywords: []string{"compost bin", "worm"}},
	}})
	require.NoError(t, err)

	got, err := c.Classify(context.Background(), "Set the COMPOST\n  BIN in shade.")
	require.NoError(t, err)
	require.True(t, got.Accept)
	require.Equal(t, "garden", got.Domain)
	require.Equal(t, "composting", got.Subdomain)

	got, err = c.Classify(context.Background(), "worms are not a whole-word match")
	require.NoError(t, err)
	require.False(t, got.Accept)
}

func TestNewValidatesTopics(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Topics: []Topic{{Keywords: []string{"x"}}}})
	require.Error(t, err)
	_, err = New(Config{Topics: []Topic{{Subdomain: "empty"}}})
	require.Error(t, err)
}

func TestClassifyHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	c, err := New(Config{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Classify(ctx, "recipe")
	require.ErrorIs(t, err, context.Canceled)
}

func TestClassifyExclusions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cfg      Config
		text     string
		accept   bool
		excluded bool
	}{
		{"no exclusions configured", Config{}, "A cooking recipe from the election night party.", true, false},
		{"default politics", Config{UseDefaultExclusions: true}, "A cooking recipe from the election night party.", false, true},
		{"default tv show", Config{UseDefaultExclusions: true}, "The TV  show chef shared a recipe.", false, true},
		{"default keeps stock", Config{UseDefaultExclusions: true}, "Simmer the stock for a rich soup recipe.", true, false},
		{"word boundary", Config{UseDefaultExclusions: true}, "Warm the oven before you bake the bread recipe.", true, false},
		{"custom pattern", Config{Exclusions: []string{`air\s?fryer`}}, "An AIR FRYER recipe for crisp potatoes.", false, true},
		{"custom plus defaults", Config{Exclusions: []string{"gadget"}, UseDefaultExclusions: true}, "A kitchen gadget review.", false, true},
		{"off topic is not excluded", Config{UseDefaultExclusions: true}, "The car needs new tyres.", false, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c, err := New(tc.cfg)
			require.NoError(t, err)
			got, err := c.Classify(context.Background(), tc.text)
			require.NoError(t, err)
			require.Equal(t, tc.accept, got.Accept)
			require.Equal(t, tc.excluded, got.Excluded)
		})
	}
}

func TestNewRejectsBadExclusion(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Exclusions: []string{"(unclosed"}})
	require.ErrorContains(t, err, "compile exclusion")
}
