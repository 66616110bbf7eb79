// Package tokenutil estimates prompt sizes without a tokenizer.
package tokenutil

import "strings"

// EstimateTokens returns a word-based token estimate: words * 1.33, with
// len/4 as the floor for code and non-English text.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// TailWithinBudget returns the longest suffix of lines whose combined
// estimate fits budget. The newest line is always kept so a single huge
// line still yields something. budget <= 0 returns lines unchanged.
func TailWithinBudget(lines []string, budget int) []string {
	if budget <= 0 || len(lines) == 0 {
		return lines
	}
	used := 0
	for i := len(lines) - 1; i >= 0; i-- {
		used += EstimateTokens(lines[i])
		if used > budget && i < len(lines)-1 {
			return lines[i+1:]
		}
	}
	return lines
}
