package abtest

import (
	"fmt"
	"strings"
	"unicode"
)

// VariationKind selects the content transform used by GenerateContentVariations.
type VariationKind string

const (
	VariationCaption  VariationKind = "caption"
	VariationHashtags VariationKind = "hashtags"
	VariationTone     VariationKind = "tone"
	VariationLength   VariationKind = "length"
)

const shortLength = 100

// GenerateContentVariations derives 2-3 variants from base content. The first
// variant is always the unchanged control. Weights sum to 100.
func GenerateContentVariations(base string, kind VariationKind) ([]Variant, error) {
	base = strings.TrimSpace(base)

	var variants []Variant
	switch kind {
	case VariationCaption:
		variants = []Variant{
			variation(kind, "control", "Original caption", base),
			variation(kind, "question", "Caption rephrased as a question", asQuestion(base)),
			variation(kind, "cta", "Caption with call to action", withSentence(base, "Tap the link to learn more!")),
		}
	case VariationHashtags:
		words := strings.Fields(stripTags(base))
		variants = []Variant{
			variation(kind, "control", "Original hashtags", base),
			variation(kind, "minimal", "Without hashtags", strings.Join(words, " ")),
			variation(kind, "extended", "Keywords promoted to hashtags", promoteTags(base, 3)),
		}
	case VariationTone:
		variants = []Variant{
			variation(kind, "control", "Original tone", base),
			variation(kind, "casual", "Casual tone", casual(base)),
			variation(kind, "professional", "Professional tone", professional(base)),
		}
	case VariationLength:
		variants = []Variant{
			variation(kind, "short", "Truncated content", truncate(base, shortLength)),
			variation(kind, "long", "Extended content", withSentence(base, "Here's what you need to know. Save this for later and share it with someone who needs it.")),
		}
	default:
		return nil, fmt.Errorf("unknown variation kind %q", kind)
	}

	spread(variants)
	return variants, nil
}

func variation(kind VariationKind, suffix, name, content string) Variant {
	return Variant{
		ID:   fmt.Sprintf("%s_%s", kind, suffix),
		Name: name,
		Configuration: map[string]any{
			"content":        content,
			"variation_type": string(kind),
		},
	}
}

// spread assigns equal weights and gives the rounding remainder to the first
// variant so the total is exactly 100.
func spread(variants []Variant) {
	n := len(variants)
	each := float64(100 / n)
	for i := range variants {
		variants[i].Weight = each
	}
	variants[0].Weight += float64(100 - (100/n)*n)
}

func asQuestion(s string) string {
	s = strings.TrimRight(s, ".!? ")
	if s == "" {
		return "What do you think?"
	}
	return s + "? What do you think?"
}

func withSentence(s, sentence string) string {
	if s == "" {
		return sentence
	}
	if !strings.HasSuffix(s, ".") && !strings.HasSuffix(s, "!") && !strings.HasSuffix(s, "?") {
		s += "."
	}
	return s + " " + sentence
}

func stripTags(s string) string {
	fields := strings.Fields(s)
	kept := fields[:0]
	for _, f := range fields {
		if !strings.HasPrefix(f, "#") {
			kept = append(kept, f)
		}
	}
	return strings.Join(kept, " ")
}

// promoteTags turns up to n of the longest plain words into hashtags.
func promoteTags(s string, n int) string {
	fields := strings.Fields(s)
	out := make([]string, len(fields))
	copy(out, fields)

	for promoted := 0; promoted < n; promoted++ {
		best, bestLen := -1, 0
		for i, f := range out {
			if strings.HasPrefix(f, "#") {
				continue
			}
			if l := len([]rune(word(f))); l >= 4 && l > bestLen {
				best, bestLen = i, l
			}
		}
		if best < 0 {
			break
		}
		out[best] = "#" + strings.ToLower(word(out[best]))
	}
	return strings.Join(out, " ")
}

func word(s string) string {
	return strings.TrimFunc(s, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
}

func casual(s string) string {
	s = strings.TrimRight(s, ".")
	return s + "! 🔥"
}

func professional(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '!' {
			return '.'
		}
		if unicode.Is(unicode.So, r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", ".")
	}
	if s != "" && !strings.HasSuffix(s, ".") && !strings.HasSuffix(s, "?") {
		s += "."
	}
	return s
}

// truncate cuts s to at most max runes on a word boundary and marks the cut.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	cut := string(r[:max])
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,.;:") + "..."
}
