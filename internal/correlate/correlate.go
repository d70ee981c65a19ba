// Package correlate matches bot messages back to the prompts that produced
// them. The bot echoes a modified copy of the prompt, so matching is done on
// a character-level similarity ratio rather than on equality.
package correlate

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/hochfrequenz/midjourney-orchestrator/internal/domain"
)

// Threshold is the similarity a candidate must exceed to be accepted
const Threshold = 0.7

// Ratio returns the Ratcliff/Obershelp similarity of the lower-cased texts:
// 2*M/T where M is the number of matching characters and T the combined
// length. Identical to Python's difflib.SequenceMatcher(None, a, b).ratio(),
// including the automatic junk heuristic for long b.
func Ratio(a, b string) float64 {
	m := difflib.NewMatcher(chars(strings.ToLower(a)), chars(strings.ToLower(b)))
	return m.Ratio()
}

func chars(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "")
}

// Match returns the request in pool whose prompt is most similar to text,
// considering only requests for which unclaimed returns true. The best ratio
// must be strictly above Threshold; on equal ratios the earlier request wins.
func Match(text string, pool []*domain.PromptRequest, unclaimed func(*domain.PromptRequest) bool) *domain.PromptRequest {
	var best *domain.PromptRequest
	bestScore := Threshold
	for _, r := range pool {
		if unclaimed != nil && !unclaimed(r) {
			continue
		}
		if score := Ratio(text, r.Prompt); score > bestScore {
			best = r
			bestScore = score
		}
	}
	return best
}

// UnclickedFor selects requests whose variant button has not been clicked
func UnclickedFor(label domain.VariantLabel) func(*domain.PromptRequest) bool {
	return func(r *domain.PromptRequest) bool { return r.Unclicked(label) }
}

// UnsavedFor selects requests whose clicked variant is still waiting for its image
func UnsavedFor(label domain.VariantLabel) func(*domain.PromptRequest) bool {
	return func(r *domain.PromptRequest) bool { return r.Unsaved(label) }
}
