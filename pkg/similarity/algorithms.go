package similarity

import "strings"

// Exact returns 1.0 on strict equality, 0.0 otherwise. Case folding belongs
// to the normalizer chain, not the comparison.
type Exact struct{}

func (Exact) Name() string {
	return AlgorithmExact
}

func (Exact) Compare(a string, b string) float64 {
	if a == b {
		return 1.0
	}
	return 0.0
}

// Levenshtein scores by normalized edit distance: 1 - distance/maxLen.
type Levenshtein struct{}

func (Levenshtein) Name() string {
	return AlgorithmLevenshtein
}

func (Levenshtein) Compare(a string, b string) float64 {
	maxLen := max(len(a), len(b))
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(editDistance(a, b))/float64(maxLen)
}

// editDistance is the classic two-row dynamic programming edit distance
func editDistance(a string, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	row := make([]int, len(b)+1)
	prevRow := make([]int, len(b)+1)

	for j := 0; j <= len(b); j++ {
		prevRow[j] = j
	}

	for i := 1; i <= len(a); i++ {
		row[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 0
			if a[i-1] != b[j-1] {
				cost = 1
			}
			row[j] = min(min(row[j-1]+1, prevRow[j]+1), prevRow[j-1]+cost)
		}
		row, prevRow = prevRow, row
	}

	return prevRow[len(b)]
}

// JaroWinkler boosts the Jaro similarity by up to four characters of common
// prefix with the standard 0.1 scaling factor.
type JaroWinkler struct{}

func (JaroWinkler) Name() string {
	return AlgorithmJaroWinkler
}

func (JaroWinkler) Compare(a string, b string) float64 {
	if a == b {
		return 1.0
	}

	jaro := jaroSimilarity(a, b)

	prefixLen := 0
	maxPrefix := 4
	for i := 0; i < len(a) && i < len(b) && i < maxPrefix; i++ {
		if a[i] == b[i] {
			prefixLen++
		} else {
			break
		}
	}

	scalingFactor := 0.1
	return jaro + float64(prefixLen)*scalingFactor*(1.0-jaro)
}

func jaroSimilarity(a string, b string) float64 {
	if a == b {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	// Maximum distance for character matching
	matchDist := max(len(a), len(b))/2 - 1
	if matchDist < 0 {
		matchDist = 0
	}

	aMatches := make([]bool, len(a))
	bMatches := make([]bool, len(b))

	matches := 0
	transpositions := 0

	for i := 0; i < len(a); i++ {
		start := max(0, i-matchDist)
		end := min(len(b), i+matchDist+1)

		for j := start; j < end; j++ {
			if bMatches[j] || a[i] != b[j] {
				continue
			}
			aMatches[i] = true
			bMatches[j] = true
			matches++
			break
		}
	}

	if matches == 0 {
		return 0.0
	}

	k := 0
	for i := 0; i < len(a); i++ {
		if !aMatches[i] {
			continue
		}
		for !bMatches[k] {
			k++
		}
		if a[i] != b[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	t := float64(transpositions) / 2

	return (m/float64(len(a)) + m/float64(len(b)) + (m-t)/m) / 3
}

// TokenOverlap scores by Jaccard overlap of whitespace-delimited token sets,
// so word order and repetition do not matter.
type TokenOverlap struct{}

func (TokenOverlap) Name() string {
	return AlgorithmTokenOverlap
}

func (TokenOverlap) Compare(a string, b string) float64 {
	aTokens := tokenSet(a)
	bTokens := tokenSet(b)

	if len(aTokens) == 0 && len(bTokens) == 0 {
		return 1.0
	}
	if len(aTokens) == 0 || len(bTokens) == 0 {
		return 0.0
	}

	intersection := 0
	for token := range aTokens {
		if _, ok := bTokens[token]; ok {
			intersection++
		}
	}

	union := len(aTokens) + len(bTokens) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, token := range strings.Fields(s) {
		tokens[token] = struct{}{}
	}
	return tokens
}
