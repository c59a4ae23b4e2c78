package abtest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	assert.Equal(t, uint32(0), hashString(""))
	assert.Equal(t, uint32(96354), hashString("abc"))
	// "polygenelubricants" hashes to MinInt32 in the 31-multiplier scheme
	assert.Equal(t, uint32(2147483648), hashString("polygenelubricants"))
	assert.Equal(t, hashString("user-1exp-1"), hashString("user-1exp-1"))
}

func TestPickVariant_FallsBackToLast(t *testing.T) {
	variants := []Variant{{ID: "a", Weight: 33.33}, {ID: "b", Weight: 33.33}, {ID: "c", Weight: 33.33}}
	assert.Equal(t, "a", pickVariant(variants, 0).ID)
	assert.Equal(t, "b", pickVariant(variants, 34).ID)
	assert.Equal(t, "c", pickVariant(variants, 99).ID)
}

func TestGenerateContentVariations(t *testing.T) {
	base := "Three quick tips for better morning routines #productivity"

	for _, kind := range []VariationKind{VariationCaption, VariationHashtags, VariationTone, VariationLength} {
		t.Run(string(kind), func(t *testing.T) {
			variants, err := GenerateContentVariations(base, kind)
			require.NoError(t, err)
			require.GreaterOrEqual(t, len(variants), 2)
			require.LessOrEqual(t, len(variants), 3)

			total := 0.0
			ids := map[string]bool{}
			for _, v := range variants {
				total += v.Weight
				assert.False(t, ids[v.ID], "duplicate id %s", v.ID)
				ids[v.ID] = true
				assert.Equal(t, string(kind), v.Configuration["variation_type"])
			}
			assert.InDelta(t, 100, total, 0.01)
			assert.NoError(t, validateVariants(variants))

			again, err := GenerateContentVariations(base, kind)
			require.NoError(t, err)
			assert.Equal(t, variants, again)
		})
	}
}

func TestGenerateContentVariations_Transforms(t *testing.T) {
	hashtags, err := GenerateContentVariations("Morning routines matter #productivity", VariationHashtags)
	require.NoError(t, err)
	assert.NotContains(t, hashtags[1].Configuration["content"], "#")
	assert.Contains(t, hashtags[2].Configuration["content"], "#routines")

	tone, err := GenerateContentVariations("Huge news!!", VariationTone)
	require.NoError(t, err)
	assert.NotContains(t, tone[2].Configuration["content"], "!")
	assert.True(t, strings.HasSuffix(tone[1].Configuration["content"].(string), "🔥"))

	long := strings.Repeat("word ", 60)
	length, err := GenerateContentVariations(long, VariationLength)
	require.NoError(t, err)
	short := length[0].Configuration["content"].(string)
	assert.LessOrEqual(t, len([]rune(short)), shortLength+3)
	assert.True(t, strings.HasSuffix(short, "..."))
	assert.Greater(t, len(length[1].Configuration["content"].(string)), len(strings.TrimSpace(long)))
}

func TestGenerateContentVariations_UnknownKind(t *testing.T) {
	_, err := GenerateContentVariations("x", VariationKind("emoji"))
	assert.Error(t, err)
}
