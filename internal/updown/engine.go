// Package updown reconstructs ancestral states on a time tree under the
// structured coalescent. An up-pass integrates per-lineage state
// probabilities and flow matrices from the tips to the root; a down-pass then
// conditions every internal node on the whole tree.
package updown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/mat"

	"demeflow/internal/ode"
	"demeflow/internal/rates"
	"demeflow/internal/tipstate"
	"demeflow/internal/tree"
)

// RateSource provides capped rates per timeline epoch. Rates errors are
// configuration failures and are never retried.
type RateSource interface {
	Dimension() int
	Interval(i int) float64
	Rates(i int) (rates.Rates, error)
}

type Config struct {
	Tolerance       float64 `json:"tolerance" yaml:"tolerance"`
	ToleranceFactor float64 `json:"tolerance_factor" yaml:"tolerance_factor"`
	MaxRetries      int     `json:"max_retries" yaml:"max_retries"`
	MinStep         float64 `json:"min_step" yaml:"min_step"`
	MaxStep         float64 `json:"max_step" yaml:"max_step"`
	MaxEvaluations  int     `json:"max_evaluations" yaml:"max_evaluations"`
}

func DefaultConfig() Config {
	return Config{
		Tolerance:       1e-5,
		ToleranceFactor: 0.9,
		MaxRetries:      10,
		MinStep:         1e-32,
		MaxStep:         1e10,
		MaxEvaluations:  1e9,
	}
}

func (c Config) Validate() error {
	if !(c.Tolerance > 0) {
		return fmt.Errorf("tolerance must be > 0, got %g", c.Tolerance)
	}
	if !(c.ToleranceFactor > 0 && c.ToleranceFactor < 1) {
		return fmt.Errorf("tolerance factor must be in (0, 1), got %g", c.ToleranceFactor)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", c.MaxRetries)
	}
	return nil
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Engine runs reconstructions against one rate model. It is not safe for
// concurrent use.
type Engine struct {
	rates  RateSource
	tips   tipstate.Resolver
	cfg    Config
	logger *slog.Logger
}

// New builds an engine. A nil resolver falls back to numeric label suffixes.
func New(rs RateSource, tips tipstate.Resolver, cfg Config, opts ...Option) (*Engine, error) {
	if rs == nil {
		return nil, errors.New("updown: rate source is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("updown: %w", err)
	}
	if tips == nil {
		tips = tipstate.LabelSuffix{States: rs.Dimension()}
	}
	e := &Engine{
		rates:  rs,
		tips:   tips,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Result holds the posteriors of one reconstruction, indexed by node number.
// Subtree and Marginal are nil for tips.
type Result struct {
	States      int
	Subtree     [][]float64
	Marginal    [][]float64
	Flows       map[int]*mat.Dense
	TipStates   []int
	Tolerance   float64
	Attempts    int
	Evaluations int
}

// Posterior returns the distribution of node nr: the marginal (whole tree)
// or the subtree conditional one. Tips yield their observed indicator.
func (r *Result) Posterior(nr int, marginal bool) []float64 {
	if nr >= 0 && nr < len(r.TipStates) {
		return tipstate.Indicator(r.States, r.TipStates[nr])
	}
	if marginal {
		return r.Marginal[nr]
	}
	return r.Subtree[nr]
}

func (e *Engine) Reconstruct(ctx context.Context, t *tree.Tree) (*Result, error) {
	iv := tree.NewIntervals(t)
	iv.Swap()
	return e.ReconstructIntervals(ctx, t, iv)
}

// ReconstructIntervals runs the up-down pass over an explicit event order.
// Numerical failures restart the whole up-pass with the tolerance reduced by
// ToleranceFactor, at most MaxRetries times.
func (e *Engine) ReconstructIntervals(ctx context.Context, t *tree.Tree, events TreeIntervals) (res *Result, err error) {
	started := time.Now()
	states := e.rates.Dimension()
	ctx, span := tracer.Start(ctx, "updown.Reconstruct", trace.WithAttributes(
		attribute.Int("tree.tips", t.LeafCount()),
		attribute.Int("rates.states", states),
	))
	defer func() {
		reconstructionDuration.Observe(time.Since(started).Seconds())
		if err != nil {
			reconstructionsTotal.WithLabelValues("failed").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			reconstructionsTotal.WithLabelValues("ok").Inc()
			span.SetAttributes(
				attribute.Int("updown.attempts", res.Attempts),
				attribute.Float64("updown.tolerance", res.Tolerance),
			)
		}
		span.End()
	}()

	tipStates, err := e.resolveTips(t)
	if err != nil {
		return nil, err
	}
	steps := BuildTimeline(events, e.rates)

	tolerance := e.cfg.Tolerance
	evaluations := 0
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, evals, err := e.attempt(ctx, t, events, steps, tipStates, tolerance)
		evaluations += evals
		odeEvaluations.Add(float64(evals))
		if err == nil {
			res.Tolerance = tolerance
			res.Attempts = attempt
			res.Evaluations = evaluations
			return res, nil
		}

		var retry *retryError
		if !errors.As(err, &retry) {
			return nil, err
		}
		if attempt > e.cfg.MaxRetries {
			return nil, &NumericalError{
				Tolerance:  tolerance,
				Attempts:   attempt,
				SpanStart:  retry.step.Start,
				SpanLength: retry.step.Duration,
				Epoch:      retry.step.Epoch,
				Event:      retry.step.Event,
				Reason:     retry.reason,
				Err:        retry.err,
			}
		}
		retriesTotal.Inc()
		e.logger.Warn("numerical failure, reducing tolerance",
			"reason", retry.reason,
			"err", retry.err,
			"attempt", attempt,
			"tolerance", tolerance,
			"next_tolerance", tolerance*e.cfg.ToleranceFactor,
			"span_start", retry.step.Start,
			"epoch", retry.step.Epoch,
		)
		tolerance *= e.cfg.ToleranceFactor
	}
}

func (e *Engine) resolveTips(t *tree.Tree) ([]int, error) {
	states := e.rates.Dimension()
	out := make([]int, t.LeafCount())
	for _, leaf := range t.Leaves() {
		s, err := e.tips.State(leaf)
		if err != nil {
			return nil, &TreeError{Node: leaf.Nr, NodeID: leaf.ID, Event: -1, Err: err}
		}
		if s < 0 || s >= states {
			return nil, &TreeError{Node: leaf.Nr, NodeID: leaf.ID, Event: -1, Err: fmt.Errorf("%w: state %d of %d", tipstate.ErrStateRange, s, states)}
		}
		out[leaf.Nr] = s
	}
	return out, nil
}

func (e *Engine) attempt(ctx context.Context, t *tree.Tree, events TreeIntervals, steps []Step, tipStates []int, tolerance float64) (*Result, int, error) {
	solver := ode.NewDormandPrince(ode.Options{
		AbsTol:         tolerance,
		RelTol:         1e-100,
		MinStep:        e.cfg.MinStep,
		MaxStep:        e.cfg.MaxStep,
		MaxEvaluations: e.cfg.MaxEvaluations,
	})
	p := newPass(e.rates.Dimension(), t.NodeCount(), events, tipStates, solver)

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, p.evals, err
		}
		r, err := e.rates.Rates(step.Epoch)
		if err != nil {
			return nil, p.evals, err
		}
		if err := p.propagate(step, r); err != nil {
			return nil, p.evals, err
		}
		if step.Kind != TreeEvent {
			continue
		}
		switch events.Type(step.Event) {
		case tree.Sample:
			err = p.sample(step)
		case tree.Coalescent:
			err = p.coalesce(step, r)
		default:
			err = fmt.Errorf("updown: unknown event type %v", events.Type(step.Event))
		}
		if err != nil {
			return nil, p.evals, err
		}
	}

	marginal, err := downPass(events, p.subtree, p.flows)
	if err != nil {
		return nil, p.evals, err
	}
	return &Result{
		States:    e.rates.Dimension(),
		Subtree:   p.subtree,
		Marginal:  marginal,
		Flows:     p.flows,
		TipStates: tipStates,
	}, p.evals, nil
}
