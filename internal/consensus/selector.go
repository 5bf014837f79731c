package consensus

import (
	"sort"

	"anpr-parking/internal/utils"
)

const minReadingLength = 5

type Method string

const (
	MethodVotes      Method = "votes"
	MethodSimilarity Method = "similarity"
	MethodNone       Method = "none"
)

// Decision describes how a consensus was (or was not) reached.
type Decision struct {
	Plate      string
	Method     Method
	Best       string
	Votes      int
	Similarity float64
}

func (d Decision) Accepted() bool {
	return d.Method != MethodNone
}

// Selector picks the most credible plate from a window of noisy readings.
// Votes win over similarity; both paths only accept the plate grammar.
type Selector struct {
	MinVotes         int
	AcceptSimilarity float64
	Candidates       int
}

func DefaultSelector() Selector {
	return Selector{
		MinVotes:         3,
		AcceptSimilarity: 0.8,
		Candidates:       3,
	}
}

func (s Selector) Select(readings []string) (string, bool) {
	d := s.SelectDetailed(readings)
	return d.Plate, d.Accepted()
}

func (s Selector) SelectDetailed(readings []string) Decision {
	normed := make([]string, 0, len(readings))
	for _, r := range readings {
		n := utils.NormalizePlate(r)
		if len(n) >= minReadingLength {
			normed = append(normed, n)
		}
	}
	if len(normed) == 0 {
		return Decision{Method: MethodNone}
	}

	pool := make([]string, 0, len(normed))
	for _, n := range normed {
		if len(n) == utils.PlateLength {
			pool = append(pool, n)
		}
	}
	if len(pool) == 0 {
		pool = normed
	}

	ranked := rank(pool)
	best := ranked[0]
	if best.count >= s.MinVotes && utils.MatchesPlateGrammar(best.value) {
		return Decision{Plate: best.value, Method: MethodVotes, Best: best.value, Votes: best.count}
	}

	// A small window needs two agreeing readings, otherwise a lone reading
	// would agree with itself.
	if len(pool) < s.MinVotes && best.count < 2 {
		return Decision{Method: MethodNone, Best: best.value, Votes: best.count}
	}

	limit := s.Candidates
	if limit > len(ranked) {
		limit = len(ranked)
	}
	for _, c := range ranked[:limit] {
		if len(c.value) != utils.PlateLength {
			continue
		}
		sim := meanSimilarity(c.value, pool)
		if sim > s.AcceptSimilarity && utils.MatchesPlateGrammar(c.value) {
			return Decision{Plate: c.value, Method: MethodSimilarity, Best: best.value, Votes: c.count, Similarity: sim}
		}
	}

	return Decision{Method: MethodNone, Best: best.value, Votes: best.count}
}

type tally struct {
	value string
	count int
}

// rank orders distinct values by count, earliest first occurrence on ties.
func rank(values []string) []tally {
	index := make(map[string]int, len(values))
	var out []tally
	for _, v := range values {
		if idx, ok := index[v]; ok {
			out[idx].count++
			continue
		}
		index[v] = len(out)
		out = append(out, tally{value: v, count: 1})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].count > out[j].count
	})
	return out
}

func meanSimilarity(candidate string, pool []string) float64 {
	var sum float64
	for _, other := range pool {
		sum += utils.Similarity(candidate, other)
	}
	return sum / float64(len(pool))
}
