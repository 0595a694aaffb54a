package moderation

// DefaultBlockThreshold is the score at or above which content is rejected.
const DefaultBlockThreshold = 0.7

// MinContentChars is the length below which text is flagged low_content.
const MinContentChars = 3

// Result is the outcome of scoring a text.
type Result struct {
	Score float64  `json:"score"` // in [0, 1]
	Flags []string `json:"flags"` // detector flags, in detection order
}

// ToxicityScorer scores text and decides whether a score is blocking.
// Implementations must be pure and safe for concurrent use so an external
// moderation service can be dropped in without changing callers.
type ToxicityScorer interface {
	Score(text string) Result
	ShouldBlock(score float64) bool
}
