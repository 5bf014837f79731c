package utils

// Similarity returns the Ratcliff/Obershelp ratio of a and b:
// 2*M / (len(a)+len(b)) where M is the number of characters in the
// matching blocks. Two empty strings are identical.
func Similarity(a, b string) float64 {
	total := len(a) + len(b)
	if total == 0 {
		return 1.0
	}
	return 2.0 * float64(matchingChars(a, b)) / float64(total)
}

func matchingChars(a, b string) int {
	i, j, k := longestMatch(a, b)
	if k == 0 {
		return 0
	}
	return k + matchingChars(a[:i], b[:j]) + matchingChars(a[i+k:], b[j+k:])
}

// longestMatch finds the longest common substring of a and b. Ties go to
// the block starting earliest in a, then earliest in b.
func longestMatch(a, b string) (int, int, int) {
	if a == "" || b == "" {
		return 0, 0, 0
	}

	bestI, bestJ, bestK := 0, 0, 0
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] != b[j-1] {
				curr[j] = 0
				continue
			}
			curr[j] = prev[j-1] + 1
			if curr[j] > bestK {
				bestK = curr[j]
				bestI = i - bestK
				bestJ = j - bestK
			}
		}
		prev, curr = curr, prev
	}
	return bestI, bestJ, bestK
}
