package evidence

import (
	"math"
	"regexp"
	"strings"
	"unicode"
)

// whitespaceRegex matches one or more whitespace characters
var whitespaceRegex = regexp.MustCompile(`\s+`)

// stopwords are excluded from vocabulary comparisons.
var stopwords = map[string]bool{
	"the": true, "and": true, "but": true, "for": true, "are": true, "was": true,
	"this": true, "that": true, "with": true, "you": true, "its": true, "it's": true,
	"have": true, "has": true, "not": true, "just": true, "really": true, "like": true,
	"there": true, "here": true, "what": true, "they": true, "from": true, "about": true,
}

// Normalize trims, lowercases and collapses internal whitespace.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	return whitespaceRegex.ReplaceAllString(s, " ")
}

// EstimateTokens estimates token count using a word-based heuristic (1.3 tokens per word).
func EstimateTokens(text string) int {
	words := strings.Fields(strings.TrimSpace(text))
	return int(math.Ceil(float64(len(words)) * 1.3))
}

// Terms splits text into lowercase content words, dropping stopwords and
// words shorter than three runes.
func Terms(text string) []string {
	fields := strings.FieldsFunc(Normalize(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "'")
		if len([]rune(f)) < 3 || stopwords[f] {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

// Vocabulary returns the set of terms in text.
func Vocabulary(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range Terms(text) {
		set[t] = struct{}{}
	}
	return set
}

// Jaccard returns |a ∩ b| / |a ∪ b|. Two empty sets have similarity 0.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// TermVector returns a term-frequency vector for text.
func TermVector(text string) map[string]float64 {
	vec := make(map[string]float64)
	for _, t := range Terms(text) {
		vec[t]++
	}
	return vec
}

// Cosine returns the cosine similarity of two sparse vectors.
func Cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, na, nb float64
	for k, v := range a {
		na += v * v
		if w, ok := b[k]; ok {
			dot += v * w
		}
	}
	for _, w := range b {
		nb += w * w
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// TextSimilarity is the cosine similarity of the term vectors of a and b.
func TextSimilarity(a, b string) float64 {
	return Cosine(TermVector(a), TermVector(b))
}
