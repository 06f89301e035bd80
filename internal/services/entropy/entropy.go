// Package entropy computes Shannon entropy over concatenated text blocks.
package entropy

import (
	"math"
	"strings"
)

// Compute returns H = -sum(p * log2(p)) over the rune frequencies of the
// concatenated blocks, in bits per symbol. Empty input yields exactly 0.
func Compute(blocks []string) float64 {
	source := strings.Join(blocks, "")
	if source == "" {
		return 0.0
	}

	frequency := make(map[rune]int)
	total := 0
	for _, r := range source {
		frequency[r]++
		total++
	}

	entropy := 0.0
	n := float64(total)
	for _, count := range frequency {
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}

	// a single symbol gives -(1 * log2(1)) = -0; normalise the sign
	if entropy == 0 {
		return 0.0
	}
	return entropy
}

// MaxFor returns the upper bound log2(distinct symbols) for the blocks
func MaxFor(blocks []string) float64 {
	seen := make(map[rune]struct{})
	for _, b := range blocks {
		for _, r := range b {
			seen[r] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return 0.0
	}
	return math.Log2(float64(len(seen)))
}
