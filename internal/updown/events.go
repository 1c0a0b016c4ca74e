package updown

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"demeflow/internal/ode"
	"demeflow/internal/rates"
	"demeflow/internal/tipstate"
)

// pass is the mutable state of one up-pass attempt. Nothing in it survives a
// retry.
type pass struct {
	states    int
	events    TreeIntervals
	tipStates []int
	lineages  *arena
	subtree   [][]float64
	flows     map[int]*mat.Dense
	solver    *ode.DormandPrince
	y         []float64
	evals     int
}

func newPass(states, nodes int, events TreeIntervals, tipStates []int, solver *ode.DormandPrince) *pass {
	return &pass{
		states:    states,
		events:    events,
		tipStates: tipStates,
		lineages:  newArena(states, events.SampleCount()),
		subtree:   make([][]float64, nodes),
		flows:     make(map[int]*mat.Dense, nodes),
		solver:    solver,
	}
}

// propagate integrates all active lineages across the span of step.
func (p *pass) propagate(step Step, r rates.Rates) error {
	n := p.lineages.active()
	if step.Duration <= 0 || n == 0 {
		return nil
	}
	sys := newSystem(r, n)
	p.y = p.lineages.pack(p.y)
	stats, err := p.solver.Integrate(sys.derivatives, 0, p.y, step.Duration)
	p.evals += stats.Evaluations
	if err != nil {
		return &retryError{step: step, reason: "integration failed", err: err}
	}
	p.lineages.unpack(p.y)
	return nil
}

func (p *pass) sample(step Step) error {
	if p.lineages.active() > 0 {
		if err := p.lineages.normalizeProbs(); err != nil {
			return &retryError{step: step, reason: "normalizing lineages before sampling", err: err}
		}
	}
	for _, tip := range p.events.Added(step.Event) {
		if tip.Nr < 0 || tip.Nr >= len(p.tipStates) {
			return &TreeError{Node: tip.Nr, NodeID: tip.ID, Event: step.Event, Err: fmt.Errorf("sampled node is not a tip")}
		}
		p.lineages.add(tip.Nr, tipstate.Indicator(p.states, p.tipStates[tip.Nr]))
	}
	return p.lineages.check()
}

func (p *pass) coalesce(step Step, r rates.Rates) error {
	removed := p.events.Removed(step.Event)
	added := p.events.Added(step.Event)
	if len(added) != 1 {
		return &TreeError{Node: -1, Event: step.Event, Err: fmt.Errorf("%w: %d parents", ErrNonBinary, len(added))}
	}
	parent := added[0]
	if len(removed) != 2 {
		return &TreeError{Node: parent.Nr, NodeID: parent.ID, Event: step.Event, Err: fmt.Errorf("%w: %d daughters", ErrNonBinary, len(removed))}
	}

	if err := p.lineages.normalizeProbs(); err != nil {
		return &retryError{step: step, reason: "normalizing lineages before coalescence", err: err}
	}
	if err := p.lineages.normalizeFlows(); err != nil {
		return &retryError{step: step, reason: "normalizing flows before coalescence", err: err}
	}

	i1 := p.lineages.indexOf(removed[0].Nr)
	i2 := p.lineages.indexOf(removed[1].Nr)
	for k, idx := range []int{i1, i2} {
		if idx < 0 {
			d := removed[k]
			return &TreeError{Node: parent.Nr, NodeID: parent.ID, Event: step.Event, Err: fmt.Errorf("%w: daughter %d (%s)", ErrMissingDaughter, d.Nr, d.ID)}
		}
	}

	posterior, err := coalescentPosterior(r.Coalescent, p.lineages.prob(i1), p.lineages.prob(i2))
	if err != nil {
		return &TreeError{Node: parent.Nr, NodeID: parent.ID, Event: step.Event, Err: err}
	}
	p.subtree[parent.Nr] = posterior

	// remove the higher index first so the lower one stays valid
	if i1 > i2 {
		p.flows[removed[0].Nr] = p.lineages.take(i1)
		p.flows[removed[1].Nr] = p.lineages.take(i2)
	} else {
		p.flows[removed[1].Nr] = p.lineages.take(i2)
		p.flows[removed[0].Nr] = p.lineages.take(i1)
	}
	p.lineages.add(parent.Nr, append([]float64(nil), posterior...))
	return p.lineages.check()
}

// coalescentPosterior is lambda_k * 2 * p1_k * p2_k normalized over k.
func coalescentPosterior(coal, p1, p2 []float64) ([]float64, error) {
	mass := make([]float64, len(coal))
	for k := range mass {
		mass[k] = coal[k] * 2 * p1[k] * p2[k]
		if math.IsNaN(mass[k]) {
			return nil, fmt.Errorf("%w: state %d (rate %g)", ErrInvalidCoalescentMass, k, coal[k])
		}
	}
	total := floats.Sum(mass)
	if total == 0 {
		return nil, ErrZeroCoalescentMass
	}
	if math.IsInf(total, 0) || total < 0 {
		return nil, fmt.Errorf("%w: total %g", ErrInvalidCoalescentMass, total)
	}
	floats.Scale(1/total, mass)
	return mass, nil
}
