package moderation

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/intelboard/chatguard/internal/metrics"
)

// Scorer is the heuristic ToxicityScorer: keyword categories from a Filter
// plus the spam checks, summed and clamped to 1.
type Scorer struct {
	filter    *Filter
	threshold float64
}

// NewScorer creates a Scorer. A non-positive threshold selects
// DefaultBlockThreshold.
func NewScorer(filter *Filter, threshold float64) *Scorer {
	if filter == nil {
		filter = NewFilter()
	}
	if threshold <= 0 {
		threshold = DefaultBlockThreshold
	}
	return &Scorer{filter: filter, threshold: threshold}
}

// Score returns the toxicity score and the flags that contributed to it.
func (s *Scorer) Score(text string) Result {
	var total float64
	flags := make([]string, 0, 4)

	for _, hit := range s.filter.Match(text) {
		total += hit.Weight
		flags = append(flags, hit.Flag)
	}
	for _, sc := range spamChecks {
		if sc.match(text) {
			total += sc.weight
			flags = append(flags, sc.flag)
		}
	}
	if utf8.RuneCountInString(strings.TrimSpace(text)) < MinContentChars {
		flags = append(flags, "low_content")
	}

	// Round away float noise so weights summing to the threshold block.
	score := math.Min(1, math.Round(total*1e4)/1e4)
	metrics.ToxicityScore.Observe(score)
	return Result{Score: score, Flags: flags}
}

// ShouldBlock reports whether score reaches the block threshold.
func (s *Scorer) ShouldBlock(score float64) bool {
	return score >= s.threshold
}
