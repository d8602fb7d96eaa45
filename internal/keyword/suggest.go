package keyword

import (
	"strings"
)

// maxSuggestDistance is the largest edit distance considered for a correction.
const maxSuggestDistance = 2

// Suggest returns the query with each unknown term replaced by the most frequent indexed
// caption term within maxSuggestDistance edits. It returns "" when every term is known or no
// term has a close match.
func (b *BleveIndex) Suggest(query string) (string, error) {
	terms := tokenizeQuery(query)
	if len(terms) == 0 {
		return "", nil
	}
	dict, err := b.termCounts()
	if err != nil {
		return "", err
	}

	changed := false
	out := make([]string, len(terms))
	for i, term := range terms {
		out[i] = term
		if _, ok := dict[term]; ok {
			continue
		}
		if best := closestTerm(term, dict); best != "" {
			out[i] = best
			changed = true
		}
	}
	if !changed {
		return "", nil
	}
	return strings.Join(out, " "), nil
}

func (b *BleveIndex) termCounts() (map[string]uint64, error) {
	fd, err := b.index.FieldDict(fieldCaption)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	counts := make(map[string]uint64)
	for {
		entry, err := fd.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return counts, nil
		}
		counts[entry.Term] = entry.Count
	}
}

// closestTerm picks the candidate with the smallest distance, then the highest count, then
// the lexically smallest term.
func closestTerm(term string, dict map[string]uint64) string {
	best, bestDist := "", maxSuggestDistance+1
	var bestCount uint64
	n := len([]rune(term))
	for cand, count := range dict {
		if d := len([]rune(cand)) - n; d > maxSuggestDistance || -d > maxSuggestDistance {
			continue
		}
		dist := editDistance(term, cand)
		if dist > maxSuggestDistance {
			continue
		}
		if dist < bestDist ||
			(dist == bestDist && count > bestCount) ||
			(dist == bestDist && count == bestCount && cand < best) {
			best, bestDist, bestCount = cand, dist, count
		}
	}
	return best
}

// editDistance is the optimal string alignment distance: insertions, deletions,
// substitutions and adjacent transpositions each cost one.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	// Three rolling rows: two back (for transpositions), previous, current.
	prev2 := make([]int, len(rb)+1)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
			if i > 1 && j > 1 && ra[i-1] == rb[j-2] && ra[i-2] == rb[j-1] {
				cur[j] = min(cur[j], prev2[j-2]+1)
			}
		}
		prev2, prev, cur = prev, cur, prev2
	}
	return prev[len(rb)]
}
