package generator

import (
	"github.com/bestZwei/AIBC/internal/channel"
	"github.com/bestZwei/AIBC/internal/segment"
)

// pickType draws a segment type from weights. draw is uniform in [0,1); the
// first type whose cumulative weight reaches draw*total wins. If no type is
// reached (rounding), the first declared type is returned.
func pickType(weights []channel.Weight, draw float64) (segment.Type, bool) {
	if len(weights) == 0 {
		return "", false
	}
	var total float64
	for _, w := range weights {
		if w.Weight > 0 {
			total += w.Weight
		}
	}
	if total <= 0 {
		return weights[0].Type, true
	}
	target := draw * total
	var cumulative float64
	for _, w := range weights {
		if w.Weight <= 0 {
			continue
		}
		cumulative += w.Weight
		if cumulative >= target {
			return w.Type, true
		}
	}
	return weights[0].Type, true
}
