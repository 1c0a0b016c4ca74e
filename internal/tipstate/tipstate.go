// Package tipstate maps sampled tips to the discrete state they were
// observed in.
package tipstate

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"demeflow/internal/tree"
)

var (
	ErrUnknownTip   = errors.New("tip state unknown")
	ErrUnknownState = errors.New("state name not in state list")
	ErrStateRange   = errors.New("state index out of range")
)

type Resolver interface {
	State(tip *tree.Node) (int, error)
}

// Traits is an explicit tip id -> state name table.
type Traits struct {
	index map[string]int
	names []string
}

func NewTraits(states []string, values map[string]string) (*Traits, error) {
	index := make(map[string]int, len(states))
	for i, name := range states {
		if _, dup := index[name]; dup {
			return nil, fmt.Errorf("duplicate state name %q", name)
		}
		index[name] = i
	}
	resolved := make(map[string]int, len(values))
	for tip, name := range values {
		s, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("%w: tip %s has state %q", ErrUnknownState, tip, name)
		}
		resolved[tip] = s
	}
	return &Traits{index: resolved, names: append([]string(nil), states...)}, nil
}

func (t *Traits) State(tip *tree.Node) (int, error) {
	s, ok := t.index[tip.ID]
	if !ok {
		return 0, fmt.Errorf("%w: %s has no trait value", ErrUnknownTip, tip.ID)
	}
	return s, nil
}

// LabelSuffix reads the state index from the last "_" separated token of the
// tip label. With a single state every tip is in state 0.
type LabelSuffix struct {
	States int
}

func (l LabelSuffix) State(tip *tree.Node) (int, error) {
	if l.States <= 1 {
		return 0, nil
	}
	token := tip.ID
	if i := strings.LastIndex(token, "_"); i >= 0 {
		token = token[i+1:]
	}
	s, err := strconv.Atoi(token)
	if err != nil {
		return 0, fmt.Errorf("%w: label %q has no numeric state suffix", ErrUnknownTip, tip.ID)
	}
	if s < 0 || s >= l.States {
		return 0, fmt.Errorf("%w: label %q encodes state %d of %d", ErrStateRange, tip.ID, s, l.States)
	}
	return s, nil
}

// Variable draws each tip's state once from per-tip weights and then keeps
// it, so one run sees a consistent assignment.
type Variable struct {
	weights map[string][]float64
	rng     *rand.Rand
	drawn   map[string]int
}

func NewVariable(states int, weights map[string][]float64, seed int64) (*Variable, error) {
	copied := make(map[string][]float64, len(weights))
	for tip, w := range weights {
		if len(w) != states {
			return nil, fmt.Errorf("variable trait %s: %d weights for %d states", tip, len(w), states)
		}
		total := 0.0
		for _, v := range w {
			if v < 0 {
				return nil, fmt.Errorf("variable trait %s: negative weight %g", tip, v)
			}
			total += v
		}
		if total <= 0 {
			return nil, fmt.Errorf("variable trait %s: weights sum to zero", tip)
		}
		copied[tip] = append([]float64(nil), w...)
	}
	return &Variable{
		weights: copied,
		rng:     rand.New(rand.NewSource(seed)),
		drawn:   make(map[string]int, len(weights)),
	}, nil
}

func (v *Variable) State(tip *tree.Node) (int, error) {
	if s, ok := v.drawn[tip.ID]; ok {
		return s, nil
	}
	w, ok := v.weights[tip.ID]
	if !ok {
		return 0, fmt.Errorf("%w: %s has no variable trait", ErrUnknownTip, tip.ID)
	}
	total := 0.0
	for _, x := range w {
		total += x
	}
	u := v.rng.Float64() * total
	s := len(w) - 1
	for i, x := range w {
		if u < x {
			s = i
			break
		}
		u -= x
	}
	v.drawn[tip.ID] = s
	return s, nil
}

// Chain asks each resolver in turn; the first one that knows the tip wins.
// Errors other than ErrUnknownTip stop the search.
type Chain []Resolver

func (c Chain) State(tip *tree.Node) (int, error) {
	for _, r := range c {
		s, err := r.State(tip)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrUnknownTip) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownTip, tip.ID)
}

// New builds the resolver for one run: variable traits take precedence over
// the trait table, and the label suffix is the fallback.
func New(states int, variable *Variable, traits *Traits) Resolver {
	var chain Chain
	if variable != nil {
		chain = append(chain, variable)
	}
	if traits != nil {
		chain = append(chain, traits)
	}
	return append(chain, LabelSuffix{States: states})
}

// Indicator returns the one-hot probability vector of state s.
func Indicator(states, s int) []float64 {
	v := make([]float64, states)
	v[s] = 1
	return v
}
