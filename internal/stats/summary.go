package stats

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"demeflow/internal/model"
)

// PosteriorSummary condenses the internal-node marginals of one
// reconstruction. Tips are fixed by their observed state and are excluded.
type PosteriorSummary struct {
	RunID            string   `json:"run_id"`
	InternalNodes    int      `json:"internal_nodes"`
	MeanMaxPosterior float64  `json:"mean_max_posterior"`
	StdMaxPosterior  float64  `json:"std_max_posterior"`
	MinMaxPosterior  float64  `json:"min_max_posterior"`
	MaxMaxPosterior  float64  `json:"max_max_posterior"`
	MeanEntropy      float64  `json:"mean_entropy"`
	RootState        string   `json:"root_state,omitempty"`
	RootPosterior    float64  `json:"root_posterior"`
	StateCounts      []int    `json:"state_counts"`
	States           []string `json:"states"`
}

func Summarize(rec model.Reconstruction) PosteriorSummary {
	summary := PosteriorSummary{
		RunID:       rec.ID,
		States:      append([]string(nil), rec.States...),
		StateCounts: make([]int, len(rec.States)),
	}

	var maxima, entropies []float64
	rootHeight := math.Inf(-1)
	for _, node := range rec.Nodes {
		if node.Leaf || len(node.Marginal) == 0 {
			continue
		}
		summary.InternalNodes++
		top := floats.Max(node.Marginal)
		maxima = append(maxima, top)
		entropies = append(entropies, stat.Entropy(node.Marginal))
		if node.MaxState >= 0 && node.MaxState < len(summary.StateCounts) {
			summary.StateCounts[node.MaxState]++
		}
		if node.Height > rootHeight {
			rootHeight = node.Height
			summary.RootPosterior = top
			if node.MaxState >= 0 && node.MaxState < len(rec.States) {
				summary.RootState = rec.States[node.MaxState]
			}
		}
	}
	if len(maxima) == 0 {
		return summary
	}

	summary.MeanMaxPosterior = stat.Mean(maxima, nil)
	if len(maxima) > 1 {
		summary.StdMaxPosterior = stat.StdDev(maxima, nil)
	}
	summary.MinMaxPosterior = floats.Min(maxima)
	summary.MaxMaxPosterior = floats.Max(maxima)
	summary.MeanEntropy = stat.Mean(entropies, nil)
	return summary
}
