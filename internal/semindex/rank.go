package semindex

import (
	"math"
	"sort"
)

// ScoredTool pairs a tool name with its weighted similarity score.
type ScoredTool struct {
	Name  string
	Score float64
}

// Cosine returns the cosine similarity dot(a,b) / (‖a‖·‖b‖) of two vectors.
// A zero-norm vector (including a degenerate all-zero embedding) yields 0,
// not a fault, and mismatched lengths compare over the shorter prefix of
// neither — they score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Rank scores the tools in subset against query and returns up to topK names
// ordered by descending score.
//
// subset carries both the gating decision and the tie-break order: only tools
// named in it are scored, and ties resolve in favour of the tool appearing
// earlier (callers pass gated names in catalog registration order). Tools
// with no records in the snapshot are skipped.
//
// A tool's score is the weighted sum over variants of the best cosine
// similarity found within each variant group — a single strong match in any
// variant should surface the tool, so no averaging. When minScore is non-nil,
// candidates scoring below it are filtered out; topK <= 0 means no limit.
func (s *Snapshot) Rank(query []float32, subset []string, topK int, minScore *float64) []ScoredTool {
	if len(subset) == 0 || len(s.Records) == 0 {
		return nil
	}

	// Index records by tool so each subset entry is scored in one pass.
	byTool := make(map[string][]Record, len(subset))
	wanted := make(map[string]bool, len(subset))
	for _, name := range subset {
		wanted[name] = true
	}
	for _, r := range s.Records {
		if wanted[r.ToolName] {
			byTool[r.ToolName] = append(byTool[r.ToolName], r)
		}
	}

	scored := make([]ScoredTool, 0, len(subset))
	for _, name := range subset {
		records, ok := byTool[name]
		if !ok {
			continue
		}

		best := map[Variant]float64{}
		for _, r := range records {
			sim := Cosine(query, r.Vector)
			if cur, seen := best[r.Variant]; !seen || sim > cur {
				best[r.Variant] = sim
			}
		}

		var score float64
		for variant, sim := range best {
			score += s.Weights.forVariant(variant) * sim
		}

		if minScore != nil && score < *minScore {
			continue
		}
		scored = append(scored, ScoredTool{Name: name, Score: score})
	}

	// Stable sort: scored starts in subset (registration) order, so equal
	// scores keep the earlier-registered tool first.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}
