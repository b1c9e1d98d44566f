package topic

import (
	"math"
	"strings"
)

// tokenize splits text into lowercase word tokens, keeping unicode runs.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' ||
			r > 127)
	})
	result := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(f)
		if len(w) > 1 {
			result = append(result, w)
		}
	}
	return result
}

// keywordSimilarity scores how well a message matches a cluster's keywords.
// Exact token matches count full, substring containment counts partial; the
// final score blends Jaccard overlap with keyword coverage.
func keywordSimilarity(keywords []string, content string) float64 {
	if len(keywords) == 0 {
		return 0
	}

	target := strings.ToLower(content)
	targetWords := tokenize(target)
	targetSet := make(map[string]bool, len(targetWords))
	for _, w := range targetWords {
		targetSet[w] = true
	}

	var matched int
	var weightedScore float64
	for _, kw := range keywords {
		kwLower := strings.ToLower(kw)
		if targetSet[kwLower] {
			matched++
			weightedScore += 1.0
		} else if strings.Contains(target, kwLower) {
			matched++
			weightedScore += 0.7
		}
	}

	if matched == 0 {
		return 0
	}

	overlap := float64(matched)
	union := float64(len(keywords) + len(targetSet) - matched)
	jaccard := overlap / math.Max(union, 1)
	coverage := weightedScore / float64(len(keywords))

	return 0.4*jaccard + 0.6*coverage
}

// containsExcluded reports whether content mentions any excluded keyword.
// Matching is plain case-insensitive containment so unsegmented CJK terms
// work the same as spaced ones.
func containsExcluded(content string, excluded []string) bool {
	if len(excluded) == 0 {
		return false
	}
	lower := strings.ToLower(content)
	for _, kw := range excluded {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
