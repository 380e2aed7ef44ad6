// Package locator resolves planner-supplied text queries against the
// current flattened screen using fuzzy partial-ratio scoring.
package locator

import (
	"sort"
	"strings"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"

	"github.com/stephengodman/ios-agent-runner/internal/screenmap"
)

const (
	// DefaultThreshold is the minimum score for a confident single match.
	DefaultThreshold = 60
	// CandidateThreshold is the looser floor used when listing alternatives.
	CandidateThreshold = 50
	// MaxCandidates bounds the candidate list returned to callers.
	MaxCandidates = 5
)

// Candidate pairs an element with its match score.
type Candidate struct {
	Element screenmap.Element
	Score   int
}

// score computes the 0-100 partial-ratio match between a query and an
// element's search text. Both sides are lowercased before comparison.
func score(query, searchText string) int {
	return fuzzy.PartialRatio(strings.ToLower(query), searchText)
}

// FindElement returns the best-scoring element for the query, or nil when
// nothing reaches the threshold. Elements with no text are skipped. Ties
// keep the earlier element: a later candidate must score strictly higher
// to displace the current best.
func FindElement(query string, elements []screenmap.Element, threshold int) (*screenmap.Element, int) {
	var best *screenmap.Element
	bestScore := 0
	for i := range elements {
		if elements[i].SearchText == "" {
			continue
		}
		s := score(query, elements[i].SearchText)
		if s > bestScore {
			best = &elements[i]
			bestScore = s
		}
	}
	if best == nil || bestScore < threshold {
		return nil, 0
	}
	return best, bestScore
}

// FindCandidates returns up to limit elements scoring at or above the
// threshold, sorted by descending score. The sort is stable so equal
// scores preserve screen order.
func FindCandidates(query string, elements []screenmap.Element, threshold, limit int) []Candidate {
	var out []Candidate
	for i := range elements {
		if elements[i].SearchText == "" {
			continue
		}
		s := score(query, elements[i].SearchText)
		if s >= threshold {
			out = append(out, Candidate{Element: elements[i], Score: s})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
