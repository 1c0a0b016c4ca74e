package updown

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// arena holds the active lineages of the up-pass. Lineage i owns
// probs[i*S:(i+1)*S] and the row-major flow matrix flows[i*S*S:(i+1)*S*S]
// whose rows are origin states and columns current states.
type arena struct {
	states int
	nrs    []int
	probs  []float64
	flows  []float64
}

func newArena(states, capacity int) *arena {
	return &arena{
		states: states,
		nrs:    make([]int, 0, capacity),
		probs:  make([]float64, 0, capacity*states),
		flows:  make([]float64, 0, capacity*states*states),
	}
}

func (a *arena) active() int {
	return len(a.nrs)
}

func (a *arena) prob(i int) []float64 {
	return a.probs[i*a.states : (i+1)*a.states]
}

func (a *arena) flow(i int) []float64 {
	ss := a.states * a.states
	return a.flows[i*ss : (i+1)*ss]
}

func (a *arena) indexOf(nr int) int {
	for i, n := range a.nrs {
		if n == nr {
			return i
		}
	}
	return -1
}

// add appends a lineage with the given probabilities and an identity flow.
func (a *arena) add(nr int, probs []float64) {
	a.nrs = append(a.nrs, nr)
	a.probs = append(a.probs, probs...)
	for s := 0; s < a.states; s++ {
		for c := 0; c < a.states; c++ {
			if s == c {
				a.flows = append(a.flows, 1)
			} else {
				a.flows = append(a.flows, 0)
			}
		}
	}
}

// take removes lineage i and returns its flow matrix.
func (a *arena) take(i int) *mat.Dense {
	s, ss := a.states, a.states*a.states
	flow := mat.NewDense(s, s, append([]float64(nil), a.flow(i)...))

	a.nrs = append(a.nrs[:i], a.nrs[i+1:]...)
	a.probs = append(a.probs[:i*s], a.probs[(i+1)*s:]...)
	a.flows = append(a.flows[:i*ss], a.flows[(i+1)*ss:]...)
	return flow
}

func (a *arena) check() error {
	n := a.active()
	if len(a.probs) != n*a.states {
		return fmt.Errorf("lineage arena: %d probabilities for %d lineages of %d states", len(a.probs), n, a.states)
	}
	if len(a.flows) != n*a.states*a.states {
		return fmt.Errorf("lineage arena: %d flow entries for %d lineages of %d states", len(a.flows), n, a.states)
	}
	return nil
}

// pack writes probabilities followed by flows into y, growing it if needed.
func (a *arena) pack(y []float64) []float64 {
	n := len(a.probs) + len(a.flows)
	if cap(y) < n {
		y = make([]float64, n)
	}
	y = y[:n]
	copy(y, a.probs)
	copy(y[len(a.probs):], a.flows)
	return y
}

func (a *arena) unpack(y []float64) {
	copy(a.probs, y[:len(a.probs)])
	copy(a.flows, y[len(a.probs):])
}

// normalizeProbs rescales every lineage vector to sum to one. Negative or NaN
// entries and non-positive totals are numerical failures.
func (a *arena) normalizeProbs() error {
	for i := 0; i < a.active(); i++ {
		if err := normalize(a.prob(i)); err != nil {
			return fmt.Errorf("lineage %d: %w", a.nrs[i], err)
		}
	}
	return nil
}

// normalizeFlows rescales every flow row to sum to one.
func (a *arena) normalizeFlows() error {
	s := a.states
	for i := 0; i < a.active(); i++ {
		f := a.flow(i)
		for r := 0; r < s; r++ {
			if err := normalize(f[r*s : (r+1)*s]); err != nil {
				return fmt.Errorf("flow of lineage %d row %d: %w", a.nrs[i], r, err)
			}
		}
	}
	return nil
}

func normalize(v []float64) error {
	for _, x := range v {
		if !(x >= 0) {
			return fmt.Errorf("%w: entry %g", errInvalidMass, x)
		}
	}
	total := floats.Sum(v)
	if !(total > 0) || math.IsInf(total, 0) {
		return fmt.Errorf("%w: total %g", errInvalidMass, total)
	}
	floats.Scale(1/total, v)
	return nil
}
