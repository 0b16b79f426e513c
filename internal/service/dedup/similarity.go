package dedup

import (
	"math"
	"strings"
	"unicode"
)

// Clean normalizes text for comparison: whitespace collapsed, characters
// outside a conservative alnum/punctuation set removed, lowercased.
func Clean(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := true
	for _, r := range strings.TrimSpace(text) {
		switch {
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' ||
			r == '.' || r == ',' || r == '!' || r == '?' || r == '-':
			b.WriteRune(unicode.ToLower(r))
			lastSpace = false
		}
	}
	return strings.TrimRight(b.String(), " ")
}

func tokenize(cleaned string) []string {
	return strings.FieldsFunc(cleaned, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

// termFreqs builds raw term-frequency maps for both documents.
func termFreqs(a, b []string) (map[string]float64, map[string]float64) {
	fa := make(map[string]float64, len(a))
	for _, t := range a {
		fa[t]++
	}
	fb := make(map[string]float64, len(b))
	for _, t := range b {
		fb[t]++
	}
	return fa, fb
}

// cosineTFIDF computes the cosine similarity of two token streams under a
// smoothed two-document TF-IDF weighting. Returns 0 when either vector
// degenerates, which signals the caller to fall back to Jaccard.
func cosineTFIDF(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	fa, fb := termFreqs(a, b)

	// Smoothed IDF over the two-document corpus: terms shared by both
	// documents still carry weight instead of vanishing.
	idf := func(term string) float64 {
		df := 0.0
		if fa[term] > 0 {
			df++
		}
		if fb[term] > 0 {
			df++
		}
		return math.Log((1+2)/(1+df)) + 1
	}

	var dot, na, nb float64
	seen := make(map[string]struct{}, len(fa)+len(fb))
	for term := range fa {
		seen[term] = struct{}{}
	}
	for term := range fb {
		seen[term] = struct{}{}
	}
	for term := range seen {
		w := idf(term)
		wa := fa[term] * w
		wb := fb[term] * w
		dot += wa * wb
		na += wa * wa
		nb += wb * wb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// jaccard computes set overlap over distinct words.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	sa := make(map[string]struct{}, len(a))
	for _, t := range a {
		sa[t] = struct{}{}
	}
	sb := make(map[string]struct{}, len(b))
	for _, t := range b {
		sb[t] = struct{}{}
	}
	inter := 0
	for t := range sa {
		if _, ok := sb[t]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Similarity scores two raw texts in [0, 1]. The TF-IDF cosine score is used
// when it is positive; otherwise the Jaccard word-set score stands in. The
// exact blend is a tunable, not a semantic guarantee.
func Similarity(a, b string) float64 {
	ca, cb := Clean(a), Clean(b)
	if ca == "" || cb == "" {
		return 0
	}
	if ca == cb {
		return 1
	}
	ta, tb := tokenize(ca), tokenize(cb)
	if score := cosineTFIDF(ta, tb); score > 0 {
		return score
	}
	return jaccard(ta, tb)
}
