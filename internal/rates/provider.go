package rates

import (
	"fmt"
	"math"
)

// Rates are the capped coalescent and backwards-time migration rates of one
// epoch. Migration[a][b] is the rate at which a lineage in state a moves to
// state b going back in time; the diagonal is zero.
type Rates struct {
	Epoch      int
	Coalescent []float64
	Migration  [][]float64
}

// ConfigError reports a rate configuration that cannot be used. It is not
// recoverable at runtime.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("rates: invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Provider derives capped per-epoch rates from an effective population size
// parameterization and a raw migration parameterization.
type Provider struct {
	states    int
	schedule  Schedule
	ne        Parameterization
	migration Parameterization
	maxRate   float64
}

// NewProvider validates that both parameterizations match the state count and
// the number of configured rate shifts. A maxRate of zero means unbounded.
func NewProvider(states int, shifts []float64, ne, migration Parameterization, maxRate float64) (*Provider, error) {
	if states < 1 {
		return nil, &ConfigError{Field: "states", Err: fmt.Errorf("%w: need at least one state", ErrDimensionMismatch)}
	}
	if ne == nil || migration == nil {
		return nil, &ConfigError{Field: "parameterization", Err: fmt.Errorf("%w: ne and migration are required", ErrDimensionMismatch)}
	}
	if maxRate < 0 || math.IsNaN(maxRate) {
		return nil, &ConfigError{Field: "max_rate", Err: fmt.Errorf("%w: %g", ErrInvalidRate, maxRate)}
	}
	if maxRate == 0 {
		maxRate = math.Inf(1)
	}

	if err := checkShifts(shifts); err != nil {
		return nil, &ConfigError{Field: "rate_shifts", Err: err}
	}
	schedule := NewSchedule(shifts)
	if ne.Epochs() != schedule.Epochs() {
		return nil, &ConfigError{Field: "ne", Err: fmt.Errorf("%w: %d epochs for %d rate shifts", ErrDimensionMismatch, ne.Epochs(), schedule.Epochs())}
	}
	if migration.Epochs() != schedule.Epochs() {
		return nil, &ConfigError{Field: "migration", Err: fmt.Errorf("%w: %d epochs for %d rate shifts", ErrDimensionMismatch, migration.Epochs(), schedule.Epochs())}
	}
	if ne.Entries() != states {
		return nil, &ConfigError{Field: "ne", Err: fmt.Errorf("%w: %d entries for %d states", ErrDimensionMismatch, ne.Entries(), states)}
	}
	if want := states * (states - 1); migration.Entries() != want {
		return nil, &ConfigError{Field: "migration", Err: fmt.Errorf("%w: %d entries, want %d", ErrDimensionMismatch, migration.Entries(), want)}
	}

	p := &Provider{
		states:    states,
		schedule:  schedule,
		ne:        ne,
		migration: migration,
		maxRate:   maxRate,
	}
	for epoch := 0; epoch < schedule.Epochs(); epoch++ {
		if _, err := p.epochRates(epoch); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func checkShifts(shifts []float64) error {
	for i, s := range shifts {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return fmt.Errorf("%w: shift %d is %g", ErrInvalidShifts, i, s)
		}
		if i > 0 && s < shifts[i-1] {
			return fmt.Errorf("%w: shift %d (%g) precedes shift %d (%g)", ErrInvalidShifts, i, s, i-1, shifts[i-1])
		}
	}
	return nil
}

func (p *Provider) Dimension() int {
	return p.states
}

// EpochCount is the number of parameterization epochs.
func (p *Provider) EpochCount() int {
	return p.schedule.Epochs()
}

func (p *Provider) Schedule() Schedule {
	return p.schedule
}

func (p *Provider) MaxRate() float64 {
	return p.maxRate
}

func (p *Provider) Interval(i int) float64 {
	return p.schedule.Interval(i)
}

func (p *Provider) Dirty() bool {
	return p.ne.Dirty() || p.migration.Dirty()
}

func (p *Provider) MarkClean() {
	p.ne.MarkClean()
	p.migration.MarkClean()
}

// Rates computes the capped rates in force during timeline epoch i. Population
// sizes must be finite and positive, raw migration rates finite and
// non-negative; anything else is a *ConfigError.
func (p *Provider) Rates(i int) (Rates, error) {
	return p.epochRates(p.schedule.EpochIndex(i))
}

func (p *Provider) epochRates(epoch int) (Rates, error) {
	n := p.states
	ne := p.ne.Rates(epoch)

	coal := make([]float64, n)
	for j := range coal {
		if !(ne[j] > 0) || math.IsInf(ne[j], 0) {
			return Rates{}, &ConfigError{Field: "ne", Err: fmt.Errorf("%w: epoch %d state %d has population size %g", ErrInvalidRate, epoch, j, ne[j])}
		}
		coal[j] = math.Min(1/ne[j], p.maxRate)
	}

	raw := p.migration.Rates(epoch)
	for c, v := range raw {
		if !(v >= 0) || math.IsInf(v, 0) {
			return Rates{}, &ConfigError{Field: "migration", Err: fmt.Errorf("%w: epoch %d entry %d is %g", ErrInvalidRate, epoch, c, v)}
		}
	}
	mig := make([][]float64, n)
	for b := range mig {
		mig[b] = make([]float64, n)
	}
	c := 0
	for a := 0; a < n; a++ {
		for b := 0; b < n; b++ {
			if a == b {
				continue
			}
			// raw entry c describes (a, b); scaled by relative population
			// sizes it becomes the backwards rate from b to a.
			mig[b][a] = math.Min(ne[a]*raw[c]/ne[b], p.maxRate)
			c++
		}
	}

	return Rates{Epoch: epoch, Coalescent: coal, Migration: mig}, nil
}

// LogColumns names the effective population size trace columns, one per
// state and parameterization epoch.
func (p *Provider) LogColumns() []string {
	cols := make([]string, 0, p.states*p.schedule.Epochs())
	for j := 0; j < p.states; j++ {
		for i := 0; i < p.schedule.Epochs(); i++ {
			cols = append(cols, fmt.Sprintf("Ne.%d.%d", j, i))
		}
	}
	return cols
}

// LogValues returns the raw effective population sizes in LogColumns order.
func (p *Provider) LogValues() []float64 {
	perEpoch := make([][]float64, p.schedule.Epochs())
	for i := range perEpoch {
		perEpoch[i] = p.ne.Rates(i)
	}
	values := make([]float64, 0, p.states*len(perEpoch))
	for j := 0; j < p.states; j++ {
		for i := range perEpoch {
			values = append(values, perEpoch[i][j])
		}
	}
	return values
}
