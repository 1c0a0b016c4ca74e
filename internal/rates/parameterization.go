package rates

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

var (
	ErrDimensionMismatch = errors.New("rate parameterization dimension mismatch")
	ErrInvalidRate       = errors.New("invalid raw rate")
	ErrInvalidShifts     = errors.New("rate shifts must be finite and ascending")
)

// Parameterization yields raw per-epoch rate values: effective population
// sizes (one per state) or raw migration rates (one per ordered state pair).
type Parameterization interface {
	Epochs() int
	Entries() int
	Rates(epoch int) []float64
	Dirty() bool
	MarkClean()
}

// Constant holds raw values directly, one row per epoch.
type Constant struct {
	values [][]float64
	dirty  bool
}

func NewConstant(values [][]float64) (*Constant, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: no epochs", ErrDimensionMismatch)
	}
	entries := len(values[0])
	copied := make([][]float64, len(values))
	for i, row := range values {
		if len(row) != entries {
			return nil, fmt.Errorf("%w: epoch %d has %d entries, want %d", ErrDimensionMismatch, i, len(row), entries)
		}
		if err := checkRaw(row); err != nil {
			return nil, fmt.Errorf("epoch %d: %w", i, err)
		}
		copied[i] = append([]float64(nil), row...)
	}
	return &Constant{values: copied, dirty: true}, nil
}

func (c *Constant) Epochs() int {
	return len(c.values)
}

func (c *Constant) Entries() int {
	return len(c.values[0])
}

func (c *Constant) Rates(epoch int) []float64 {
	return append([]float64(nil), c.values[epoch]...)
}

// Set replaces the raw values of one epoch and marks the parameterization
// dirty.
func (c *Constant) Set(epoch int, values []float64) error {
	if epoch < 0 || epoch >= len(c.values) {
		return fmt.Errorf("%w: epoch %d out of range", ErrDimensionMismatch, epoch)
	}
	if len(values) != c.Entries() {
		return fmt.Errorf("%w: %d entries, want %d", ErrDimensionMismatch, len(values), c.Entries())
	}
	if err := checkRaw(values); err != nil {
		return err
	}
	c.values[epoch] = append([]float64(nil), values...)
	c.dirty = true
	return nil
}

// checkRaw rejects raw values that can never be a rate or a population size.
func checkRaw(values []float64) error {
	for k, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%w: entry %d is %g", ErrInvalidRate, k, v)
		}
	}
	return nil
}

func (c *Constant) Dirty() bool {
	return c.dirty
}

func (c *Constant) MarkClean() {
	c.dirty = false
}

// Predictor is one covariate of a GLM, laid out as [epoch][entry].
type Predictor struct {
	Name   string
	Values [][]float64
}

// LogStandardize returns the predictor log-transformed and scaled to zero
// mean and unit variance across all epochs and entries.
func LogStandardize(p Predictor) (Predictor, error) {
	var flat []float64
	for _, row := range p.Values {
		for _, v := range row {
			if v <= 0 {
				return Predictor{}, fmt.Errorf("predictor %s: non-positive value %g cannot be log-transformed", p.Name, v)
			}
			flat = append(flat, math.Log(v))
		}
	}
	mean, sd := stat.MeanStdDev(flat, nil)
	if sd == 0 || math.IsNaN(sd) {
		sd = 1
	}

	out := Predictor{Name: p.Name, Values: make([][]float64, len(p.Values))}
	for i, row := range p.Values {
		out.Values[i] = make([]float64, len(row))
		for j, v := range row {
			out.Values[i][j] = (math.Log(v) - mean) / sd
		}
	}
	return out, nil
}

// GLM is a log-linear rate model: rate = scaler * exp(sum_p indicator_p *
// coefficient_p * predictor_p[epoch][entry]).
type GLM struct {
	scaler       float64
	predictors   []Predictor
	coefficients []float64
	indicators   []bool
	epochs       int
	entries      int
	dirty        bool
}

func NewGLM(scaler float64, predictors []Predictor, coefficients []float64, indicators []bool) (*GLM, error) {
	if len(predictors) == 0 {
		return nil, fmt.Errorf("%w: glm needs at least one predictor", ErrDimensionMismatch)
	}
	if len(coefficients) != len(predictors) {
		return nil, fmt.Errorf("%w: %d coefficients for %d predictors", ErrDimensionMismatch, len(coefficients), len(predictors))
	}
	if indicators == nil {
		indicators = make([]bool, len(predictors))
		for i := range indicators {
			indicators[i] = true
		}
	}
	if len(indicators) != len(predictors) {
		return nil, fmt.Errorf("%w: %d indicators for %d predictors", ErrDimensionMismatch, len(indicators), len(predictors))
	}
	if scaler <= 0 {
		return nil, fmt.Errorf("%w: glm scaler must be > 0, got %g", ErrInvalidRate, scaler)
	}

	epochs := len(predictors[0].Values)
	if epochs == 0 {
		return nil, fmt.Errorf("%w: predictor %s has no epochs", ErrDimensionMismatch, predictors[0].Name)
	}
	entries := len(predictors[0].Values[0])
	for _, p := range predictors {
		if len(p.Values) != epochs {
			return nil, fmt.Errorf("%w: predictor %s has %d epochs, want %d", ErrDimensionMismatch, p.Name, len(p.Values), epochs)
		}
		for i, row := range p.Values {
			if len(row) != entries {
				return nil, fmt.Errorf("%w: predictor %s epoch %d has %d entries, want %d", ErrDimensionMismatch, p.Name, i, len(row), entries)
			}
		}
	}

	return &GLM{
		scaler:       scaler,
		predictors:   predictors,
		coefficients: append([]float64(nil), coefficients...),
		indicators:   append([]bool(nil), indicators...),
		epochs:       epochs,
		entries:      entries,
		dirty:        true,
	}, nil
}

func (g *GLM) Epochs() int {
	return g.epochs
}

func (g *GLM) Entries() int {
	return g.entries
}

func (g *GLM) Rates(epoch int) []float64 {
	out := make([]float64, g.entries)
	for k := range out {
		linear := 0.0
		for p, predictor := range g.predictors {
			if g.indicators[p] {
				linear += g.coefficients[p] * predictor.Values[epoch][k]
			}
		}
		out[k] = g.scaler * math.Exp(linear)
	}
	return out
}

// SetCoefficients updates the GLM coefficients and marks the model dirty.
func (g *GLM) SetCoefficients(coefficients []float64) error {
	if len(coefficients) != len(g.coefficients) {
		return fmt.Errorf("%w: %d coefficients, want %d", ErrDimensionMismatch, len(coefficients), len(g.coefficients))
	}
	copy(g.coefficients, coefficients)
	g.dirty = true
	return nil
}

func (g *GLM) SetScaler(scaler float64) error {
	if scaler <= 0 {
		return fmt.Errorf("%w: glm scaler must be > 0, got %g", ErrInvalidRate, scaler)
	}
	g.scaler = scaler
	g.dirty = true
	return nil
}

func (g *GLM) Dirty() bool {
	return g.dirty
}

func (g *GLM) MarkClean() {
	g.dirty = false
}
