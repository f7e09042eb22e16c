package ragcontext

import "strings"

// DefaultDedupThreshold is the Jaccard similarity above which two passages
// count as duplicates.
const DefaultDedupThreshold = 0.8

// Jaccard returns the Jaccard similarity of the lower-cased whitespace
// token sets of a and b. It is 0 when either set is empty.
func Jaccard(a, b string) float64 {
	return jaccardSets(tokenSet(a), tokenSet(b))
}

// Deduplicate keeps texts in order, dropping any text whose similarity to an
// already kept text exceeds threshold. Quadratic in len(texts).
func Deduplicate(texts []string, threshold float64) []string {
	keep := dedupIndexes(texts, threshold)
	out := make([]string, len(keep))
	for i, idx := range keep {
		out[i] = texts[idx]
	}
	return out
}

func dedupIndexes(texts []string, threshold float64) []int {
	sets := make([]map[string]struct{}, len(texts))
	for i, t := range texts {
		sets[i] = tokenSet(t)
	}

	var kept []int
	for i := range texts {
		dup := false
		for _, k := range kept {
			if jaccardSets(sets[i], sets[k]) > threshold {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, i)
		}
	}
	return kept
}

func jaccardSets(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}
