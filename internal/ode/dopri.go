// Package ode integrates systems of first-order ordinary differential
// equations with an adaptive explicit Runge-Kutta scheme.
package ode

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

var (
	ErrStepSizeUnderflow = errors.New("ode: step size underflow")
	ErrMaxEvaluations    = errors.New("ode: maximum number of evaluations exceeded")
	ErrNonFinite         = errors.New("ode: state is not finite")
	ErrInvalidSpan       = errors.New("ode: integration span must be non-negative")
)

// Func writes dy/dt at (t, y) into dydt. It must not retain y or dydt.
type Func func(t float64, y, dydt []float64)

type Options struct {
	AbsTol         float64
	RelTol         float64
	MinStep        float64
	MaxStep        float64
	MaxEvaluations int
}

func DefaultOptions() Options {
	return Options{
		AbsTol:         1e-5,
		RelTol:         1e-100,
		MinStep:        1e-32,
		MaxStep:        1e10,
		MaxEvaluations: 1e9,
	}
}

type Stats struct {
	Evaluations int
	Accepted    int
	Rejected    int
}

// Dormand-Prince 5(4) tableau.
const (
	c2, c3, c4, c5 = 1.0 / 5, 3.0 / 10, 4.0 / 5, 8.0 / 9

	a21 = 1.0 / 5
	a31 = 3.0 / 40
	a32 = 9.0 / 40
	a41 = 44.0 / 45
	a42 = -56.0 / 15
	a43 = 32.0 / 9
	a51 = 19372.0 / 6561
	a52 = -25360.0 / 2187
	a53 = 64448.0 / 6561
	a54 = -212.0 / 729
	a61 = 9017.0 / 3168
	a62 = -355.0 / 33
	a63 = 46732.0 / 5247
	a64 = 49.0 / 176
	a65 = -5103.0 / 18656
	a71 = 35.0 / 384
	a73 = 500.0 / 1113
	a74 = 125.0 / 192
	a75 = -2187.0 / 6784
	a76 = 11.0 / 84

	e1 = 71.0 / 57600
	e3 = -71.0 / 16695
	e4 = 71.0 / 1920
	e5 = -17253.0 / 339200
	e6 = 22.0 / 525
	e7 = -1.0 / 40
)

const (
	safety    = 0.9
	minFactor = 0.2
	maxFactor = 10.0
)

// DormandPrince is an adaptive fifth-order integrator with an embedded
// fourth-order error estimate. Buffers are reused across calls; an instance
// must not be shared between goroutines.
type DormandPrince struct {
	opts Options
	k    [7][]float64
	tmp  []float64
	next []float64
	err  []float64
}

func NewDormandPrince(opts Options) *DormandPrince {
	def := DefaultOptions()
	if opts.AbsTol <= 0 {
		opts.AbsTol = def.AbsTol
	}
	if opts.RelTol <= 0 {
		opts.RelTol = def.RelTol
	}
	if opts.MinStep <= 0 {
		opts.MinStep = def.MinStep
	}
	if opts.MaxStep <= 0 {
		opts.MaxStep = def.MaxStep
	}
	if opts.MaxEvaluations <= 0 {
		opts.MaxEvaluations = def.MaxEvaluations
	}
	return &DormandPrince{opts: opts}
}

func (dp *DormandPrince) Options() Options {
	return dp.opts
}

func (dp *DormandPrince) resize(n int) {
	if len(dp.tmp) == n {
		return
	}
	for i := range dp.k {
		dp.k[i] = make([]float64, n)
	}
	dp.tmp = make([]float64, n)
	dp.next = make([]float64, n)
	dp.err = make([]float64, n)
}

// Integrate advances y in place from t0 to t1.
func (dp *DormandPrince) Integrate(f Func, t0 float64, y []float64, t1 float64) (Stats, error) {
	var stats Stats
	span := t1 - t0
	if span < 0 || math.IsNaN(span) {
		return stats, fmt.Errorf("%w: [%g, %g]", ErrInvalidSpan, t0, t1)
	}
	if span == 0 || len(y) == 0 {
		return stats, nil
	}
	if !allFinite(y) {
		return stats, fmt.Errorf("%w at t=%g", ErrNonFinite, t0)
	}

	dp.resize(len(y))
	k := dp.k

	f(t0, y, k[0])
	stats.Evaluations++
	if !allFinite(k[0]) {
		return stats, fmt.Errorf("%w: derivative at t=%g", ErrNonFinite, t0)
	}
	h := dp.initialStep(f, t0, y, span, &stats)
	if !(h >= dp.opts.MinStep) {
		return stats, fmt.Errorf("%w: initial h=%g at t=%g", ErrStepSizeUnderflow, h, t0)
	}

	t := t0
	rejectedLast := false
	for t < t1 {
		if stats.Evaluations >= dp.opts.MaxEvaluations {
			return stats, fmt.Errorf("%w (%d) at t=%g", ErrMaxEvaluations, stats.Evaluations, t)
		}
		last := false
		if t+h >= t1 {
			h = t1 - t
			last = true
		}

		dp.stages(f, t, y, h)
		stats.Evaluations += 6

		errNorm := dp.errorNorm(y)
		if math.IsNaN(errNorm) || math.IsInf(errNorm, 0) {
			stats.Rejected++
			h *= minFactor
			rejectedLast = true
			if !(h >= dp.opts.MinStep) {
				return stats, fmt.Errorf("%w at t=%g", ErrNonFinite, t)
			}
			continue
		}

		if errNorm <= 1 {
			stats.Accepted++
			if last {
				t = t1
			} else {
				t += h
			}
			copy(y, dp.next)
			k[0], k[6] = k[6], k[0]
			if !allFinite(y) || !allFinite(k[0]) {
				return stats, fmt.Errorf("%w at t=%g", ErrNonFinite, t)
			}
		} else {
			stats.Rejected++
		}

		factor := maxFactor
		if errNorm > 0 {
			factor = math.Min(maxFactor, math.Max(minFactor, safety*math.Pow(errNorm, -0.2)))
		}
		if errNorm > 1 || rejectedLast {
			factor = math.Min(factor, 1)
		}
		rejectedLast = errNorm > 1
		h = math.Min(h*factor, dp.opts.MaxStep)
		if t < t1 && (!(h >= dp.opts.MinStep) || t+h == t) {
			return stats, fmt.Errorf("%w: h=%g at t=%g", ErrStepSizeUnderflow, h, t)
		}
	}
	return stats, nil
}

// stages evaluates k2..k7 from k1 = k[0] and writes the fifth-order solution
// into dp.next and the embedded error estimate into dp.err.
func (dp *DormandPrince) stages(f Func, t float64, y []float64, h float64) {
	k, tmp := dp.k, dp.tmp

	for i := range y {
		tmp[i] = y[i] + h*a21*k[0][i]
	}
	f(t+c2*h, tmp, k[1])
	for i := range y {
		tmp[i] = y[i] + h*(a31*k[0][i]+a32*k[1][i])
	}
	f(t+c3*h, tmp, k[2])
	for i := range y {
		tmp[i] = y[i] + h*(a41*k[0][i]+a42*k[1][i]+a43*k[2][i])
	}
	f(t+c4*h, tmp, k[3])
	for i := range y {
		tmp[i] = y[i] + h*(a51*k[0][i]+a52*k[1][i]+a53*k[2][i]+a54*k[3][i])
	}
	f(t+c5*h, tmp, k[4])
	for i := range y {
		tmp[i] = y[i] + h*(a61*k[0][i]+a62*k[1][i]+a63*k[2][i]+a64*k[3][i]+a65*k[4][i])
	}
	f(t+h, tmp, k[5])
	for i := range y {
		dp.next[i] = y[i] + h*(a71*k[0][i]+a73*k[2][i]+a74*k[3][i]+a75*k[4][i]+a76*k[5][i])
	}
	f(t+h, dp.next, k[6])
	for i := range y {
		dp.err[i] = h * (e1*k[0][i] + e3*k[2][i] + e4*k[3][i] + e5*k[4][i] + e6*k[5][i] + e7*k[6][i])
	}
}

func (dp *DormandPrince) errorNorm(y []float64) float64 {
	sum := 0.0
	for i := range y {
		scale := dp.opts.AbsTol + dp.opts.RelTol*math.Max(math.Abs(y[i]), math.Abs(dp.next[i]))
		r := dp.err[i] / scale
		sum += r * r
	}
	return math.Sqrt(sum / float64(len(y)))
}

func (dp *DormandPrince) weightedNorm(v, y []float64) float64 {
	sum := 0.0
	for i := range v {
		r := v[i] / (dp.opts.AbsTol + dp.opts.RelTol*math.Abs(y[i]))
		sum += r * r
	}
	return math.Sqrt(sum / float64(len(v)))
}

// initialStep follows the starting step heuristic of Hairer, Norsett and
// Wanner (Solving ODEs I, II.4).
func (dp *DormandPrince) initialStep(f Func, t0 float64, y []float64, span float64, stats *Stats) float64 {
	d0 := dp.weightedNorm(y, y)
	d1 := dp.weightedNorm(dp.k[0], y)
	h0 := 1e-6
	if d0 >= 1e-5 && d1 >= 1e-5 {
		h0 = 0.01 * d0 / d1
	}
	h0 = math.Min(h0, span)

	floats.AddScaledTo(dp.tmp, y, h0, dp.k[0])
	f(t0+h0, dp.tmp, dp.k[1])
	stats.Evaluations++
	floats.SubTo(dp.err, dp.k[1], dp.k[0])
	d2 := dp.weightedNorm(dp.err, y) / h0

	var h1 float64
	if m := math.Max(d1, d2); m <= 1e-15 {
		h1 = math.Max(1e-6, h0*1e-3)
	} else {
		h1 = math.Pow(0.01/m, 1.0/5)
	}
	h := math.Min(100*h0, h1)
	h = math.Min(h, dp.opts.MaxStep)
	h = math.Min(h, span)
	return math.Max(h, dp.opts.MinStep)
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
