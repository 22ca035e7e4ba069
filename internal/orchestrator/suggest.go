package orchestrator

import "github.com/antzucaro/matchr"

// maxSuggestDistance bounds how far a misspelling may drift before no
// suggestion is offered. Hallucinated names far from every exposed tool get
// none rather than a misleading one.
const maxSuggestDistance = 3

// nearestName returns the exposed tool name closest to proposed by edit
// distance, or "" when nothing is plausibly close. Ties resolve to the
// earlier exposed name.
func nearestName(proposed string, exposed []string) string {
	best := ""
	bestDist := maxSuggestDistance + 1
	for _, name := range exposed {
		if d := matchr.Levenshtein(proposed, name); d < bestDist {
			best = name
			bestDist = d
		}
	}
	return best
}
