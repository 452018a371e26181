// README: Affinity scorer: pool-relative TF-IDF with cosine similarity.
package ranking

import (
	"math"
	"strings"
	"unicode"
)

// Affinity measures how close each candidate's completed-task history is to
// the task's category. Every history is a bag of category tokens; term weights
// are TF-IDF with document frequencies computed over exactly the current
// candidate pool, so scores are comparable within one ranking pass and only
// there.
//
// IDF uses log(1 + N/df) so a term shared by every document still carries a
// positive weight; with plain log(N/df) a pool where all histories match the
// query would zero out and rank a perfect match below an empty history.
func Affinity(query string, histories [][]string) []float64 {
	queryTokens := Tokenize(query)
	docs := make([]map[string]float64, len(histories))
	df := map[string]int{}

	for i, history := range histories {
		tf := map[string]float64{}
		for _, label := range history {
			for _, tok := range Tokenize(label) {
				tf[tok]++
			}
		}
		docs[i] = tf
		for tok := range tf {
			df[tok]++
		}
	}

	n := float64(len(histories))
	idf := func(tok string) float64 {
		d := df[tok]
		if d == 0 {
			// Query-only terms: treat as appearing in no document.
			return math.Log(1 + n)
		}
		return math.Log(1 + n/float64(d))
	}

	queryVec := map[string]float64{}
	for _, tok := range queryTokens {
		queryVec[tok]++
	}
	for tok, tf := range queryVec {
		queryVec[tok] = tf * idf(tok)
	}

	scores := make([]float64, len(histories))
	for i, tf := range docs {
		if len(tf) == 0 {
			continue
		}
		vec := make(map[string]float64, len(tf))
		for tok, f := range tf {
			vec[tok] = f * idf(tok)
		}
		scores[i] = clamp01(cosine(queryVec, vec))
	}
	return scores
}

// Tokenize lowercases a category label and splits it on any non-alphanumeric
// run.
func Tokenize(label string) []string {
	label = strings.ToLower(label)
	return strings.FieldsFunc(label, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func cosine(a, b map[string]float64) float64 {
	var dot, na, nb float64
	for tok, va := range a {
		na += va * va
		if vb, ok := b[tok]; ok {
			dot += va * vb
		}
	}
	for _, vb := range b {
		nb += vb * vb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
