package updown

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"demeflow/internal/tree"
)

// downPass converts subtree posteriors into whole-tree marginals, walking the
// coalescent events from the root towards the tips.
func downPass(events TreeIntervals, subtree [][]float64, flows map[int]*mat.Dense) ([][]float64, error) {
	marginal := make([][]float64, len(subtree))
	for i := events.Count() - 1; i >= 0; i-- {
		if events.Type(i) != tree.Coalescent {
			continue
		}
		node := events.Added(i)[0]
		start := subtree[node.Nr]
		if start == nil {
			return nil, &TreeError{Node: node.Nr, NodeID: node.ID, Event: i, Err: fmt.Errorf("no subtree posterior")}
		}
		if node.IsRoot() {
			marginal[node.Nr] = append([]float64(nil), start...)
			continue
		}

		flow, ok := flows[node.Nr]
		if !ok {
			return nil, &TreeError{Node: node.Nr, NodeID: node.ID, Event: i, Err: ErrMissingFlow}
		}
		end := marginal[node.Parent.Nr]
		if end == nil {
			return nil, &TreeError{Node: node.Nr, NodeID: node.ID, Event: i, Err: fmt.Errorf("parent %d has no marginal yet", node.Parent.Nr)}
		}

		cond, err := condition(start, end, flow)
		if err != nil {
			return nil, &TreeError{Node: node.Nr, NodeID: node.ID, Event: i, Err: err}
		}
		marginal[node.Nr] = cond
	}
	return marginal, nil
}

// condition computes normalize((flow * (end ./ (start^T flow))) .* start).
// States the flow predicts with zero mass carry no information.
func condition(start, end []float64, flow *mat.Dense) ([]float64, error) {
	s := len(start)
	startVec := mat.NewVecDense(s, append([]float64(nil), start...))

	var predicted mat.VecDense
	predicted.MulVec(flow.T(), startVec)

	other := mat.NewVecDense(s, nil)
	for j := 0; j < s; j++ {
		if q := predicted.AtVec(j); q != 0 {
			other.SetVec(j, end[j]/q)
		}
	}

	var cond mat.VecDense
	cond.MulVec(flow, other)
	out := make([]float64, s)
	for k := range out {
		out[k] = cond.AtVec(k) * start[k]
	}
	total := floats.Sum(out)
	if !(total > 0) || floats.HasNaN(out) {
		return nil, fmt.Errorf("%w: total %g", ErrDegenerateConditional, total)
	}
	floats.Scale(1/total, out)
	return out, nil
}
