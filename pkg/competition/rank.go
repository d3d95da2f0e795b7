package competition

import (
	"math/big"
	"math/rand"
	"sort"
)

// ranked mirrors candidate but only ever holds solutions that survived
// Phase B.
type ranked struct {
	candidate
	rank int
}

// rankSurvivors implements Phase C: shuffle to break ties without
// solver bias, stable-sort ascending by score, then assign rank 1 to
// the highest score (the tail of the ascending list) and descending
// ranks moving toward the front.
func rankSurvivors(survivors []candidate, rnd *rand.Rand) []ranked {
	shuffled := make([]candidate, len(survivors))
	copy(shuffled, survivors)
	rnd.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	sort.SliceStable(shuffled, func(i, j int) bool {
		return scoreOf(shuffled[i]).Cmp(scoreOf(shuffled[j])) < 0
	})

	n := len(shuffled)
	out := make([]ranked, n)
	for i, c := range shuffled {
		out[i] = ranked{candidate: c, rank: n - i}
	}
	return out
}

func scoreOf(c candidate) *big.Int {
	if c.solution.Score == nil {
		return big.NewInt(0)
	}
	return c.solution.Score
}

// winnerOf returns the rank-1 solution, or false if none survived.
func winnerOf(rs []ranked) (ranked, bool) {
	for _, r := range rs {
		if r.rank == 1 {
			return r, true
		}
	}
	return ranked{}, false
}
