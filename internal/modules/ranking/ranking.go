// README: Ranking engine: weighted ordering over the candidate pool.
package ranking

import (
	"sort"

	"hatid/internal/types"
)

// Score weights. They must sum to 1 so the final score stays in [0,1].
const (
	weightDistance = 0.40
	weightRating   = 0.35
	weightAffinity = 0.25

	maxRating = 5.0
)

// Candidate is one eligible runner as assembled by the candidate pool.
// Ephemeral: rebuilt per ranking pass, never cached across evaluations.
type Candidate struct {
	ID    types.ID
	Point types.Point
	// Rating is 0-5, nil when unrated (scores as 0).
	Rating *float64
	// History is the bag of completed-task category labels.
	History []string
	// DistanceMeters from the requester, precomputed by the pool.
	DistanceMeters float64
	// DistanceScore in [0,1], precomputed by the pool.
	DistanceScore float64
}

// Scored is a candidate with its per-criterion and final scores. Exists only
// for the duration of one ranking pass.
type Scored struct {
	Candidate
	RatingScore   float64
	AffinityScore float64
	FinalScore    float64
}

// Rank orders candidates by descending final score. Ties break by ascending
// distance, then ascending ID, so identical input always yields identical
// output.
func Rank(category string, candidates []Candidate) []Scored {
	histories := make([][]string, len(candidates))
	for i, c := range candidates {
		histories[i] = c.History
	}
	affinities := Affinity(category, histories)

	scored := make([]Scored, len(candidates))
	for i, c := range candidates {
		var rating float64
		if c.Rating != nil {
			rating = *c.Rating
		}
		s := Scored{
			Candidate:     c,
			RatingScore:   rating / maxRating,
			AffinityScore: affinities[i],
		}
		s.FinalScore = weightDistance*c.DistanceScore +
			weightRating*s.RatingScore +
			weightAffinity*s.AffinityScore
		scored[i] = s
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].FinalScore != scored[j].FinalScore {
			return scored[i].FinalScore > scored[j].FinalScore
		}
		if scored[i].DistanceMeters != scored[j].DistanceMeters {
			return scored[i].DistanceMeters < scored[j].DistanceMeters
		}
		return scored[i].ID < scored[j].ID
	})
	return scored
}
