package rates

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constant(t *testing.T, values ...[]float64) *Constant {
	t.Helper()
	c, err := NewConstant(values)
	require.NoError(t, err)
	return c
}

func ratesAt(t *testing.T, src interface{ Rates(int) (Rates, error) }, i int) Rates {
	t.Helper()
	r, err := src.Rates(i)
	require.NoError(t, err)
	return r
}

func TestCoalescentRateCapping(t *testing.T) {
	p, err := NewProvider(2, nil, constant(t, []float64{0.1, 100}), constant(t, []float64{0, 0}), 2.0)
	require.NoError(t, err)

	r, err := p.Rates(0)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, r.Coalescent[0], 1e-12)
	assert.InDelta(t, 0.01, r.Coalescent[1], 1e-12)
}

func TestUnboundedMaxRateByDefault(t *testing.T) {
	p, err := NewProvider(2, nil, constant(t, []float64{0.1, 100}), constant(t, []float64{0, 0}), 0)
	require.NoError(t, err)
	assert.True(t, math.IsInf(p.MaxRate(), 1))
	assert.InDelta(t, 10, ratesAt(t, p, 0).Coalescent[0], 1e-12)
}

func TestMigrationScalingByPopulationSize(t *testing.T) {
	ne := constant(t, []float64{1, 2, 4})
	// ordered pairs (0,1) (0,2) (1,0) (1,2) (2,0) (2,1)
	raw := constant(t, []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6})
	p, err := NewProvider(3, nil, ne, raw, 0)
	require.NoError(t, err)

	m := ratesAt(t, p, 0).Migration
	assert.InDelta(t, 1*0.1/2, m[1][0], 1e-12)
	assert.InDelta(t, 1*0.2/4, m[2][0], 1e-12)
	assert.InDelta(t, 2*0.3/1, m[0][1], 1e-12)
	assert.InDelta(t, 2*0.4/4, m[2][1], 1e-12)
	assert.InDelta(t, 4*0.5/1, m[0][2], 1e-12)
	assert.InDelta(t, 4*0.6/2, m[1][2], 1e-12)
	for i := 0; i < 3; i++ {
		assert.Zero(t, m[i][i])
	}
}

func TestMigrationCapping(t *testing.T) {
	p, err := NewProvider(2, nil, constant(t, []float64{10, 1}), constant(t, []float64{1, 1}), 2)
	require.NoError(t, err)
	m := ratesAt(t, p, 0).Migration
	assert.InDelta(t, 2, m[1][0], 1e-12, "10*1/1 capped")
	assert.InDelta(t, 0.1, m[0][1], 1e-12)
}

func TestDimensionMismatchIsConfigError(t *testing.T) {
	tests := []struct {
		name   string
		shifts []float64
		ne     *Constant
		mig    *Constant
	}{
		{name: "epochs", shifts: []float64{0, 1}, ne: constant(t, []float64{1, 1}), mig: constant(t, []float64{1, 1}, []float64{1, 1})},
		{name: "ne entries", ne: constant(t, []float64{1, 1, 1}), mig: constant(t, []float64{1, 1})},
		{name: "migration entries", ne: constant(t, []float64{1, 1}), mig: constant(t, []float64{1})},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewProvider(2, tc.shifts, tc.ne, tc.mig, 0)
			require.Error(t, err)
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.ErrorIs(t, err, ErrDimensionMismatch)
		})
	}
}

func TestScheduleWithoutShifts(t *testing.T) {
	s := NewSchedule(nil)
	assert.Equal(t, 1, s.Epochs())
	assert.True(t, math.IsInf(s.Interval(0), 1))
	assert.Equal(t, 0, s.EpochIndex(0))
	assert.Equal(t, 0, s.EpochIndex(5))
}

func TestScheduleOffsetsLeadingZeroShift(t *testing.T) {
	s := NewSchedule([]float64{0, 1, 3})
	assert.Equal(t, 1, s.Offset())
	assert.InDelta(t, 1, s.Interval(0), 1e-12)
	assert.InDelta(t, 2, s.Interval(1), 1e-12)
	assert.True(t, math.IsInf(s.Interval(2), 1))
	assert.Equal(t, []int{1, 2, 2, 2}, []int{s.EpochIndex(0), s.EpochIndex(1), s.EpochIndex(2), s.EpochIndex(3)})
}

func TestScheduleWithoutPositiveShiftsIsSingleEpoch(t *testing.T) {
	s := NewSchedule([]float64{-2, 0})
	assert.True(t, math.IsInf(s.Interval(0), 1))
	assert.Equal(t, 1, s.EpochIndex(0))
}

func TestScheduleFromPositiveShifts(t *testing.T) {
	s := NewSchedule([]float64{0.5, 2})
	assert.Equal(t, 0, s.Offset())
	assert.InDelta(t, 0.5, s.Interval(0), 1e-12)
	assert.InDelta(t, 1.5, s.Interval(1), 1e-12)
	assert.True(t, math.IsInf(s.Interval(2), 1))
	assert.Equal(t, 1, s.EpochIndex(2))
}

func TestGLMRates(t *testing.T) {
	distance := Predictor{Name: "distance", Values: [][]float64{{0, 1}, {2, -1}}}
	size := Predictor{Name: "size", Values: [][]float64{{1, 1}, {0, 0}}}
	g, err := NewGLM(2, []Predictor{distance, size}, []float64{0.5, -1}, []bool{true, false})
	require.NoError(t, err)

	assert.Equal(t, 2, g.Epochs())
	assert.Equal(t, 2, g.Entries())
	got := g.Rates(1)
	assert.InDelta(t, 2*math.Exp(1), got[0], 1e-12)
	assert.InDelta(t, 2*math.Exp(-0.5), got[1], 1e-12)

	g.MarkClean()
	require.NoError(t, g.SetCoefficients([]float64{0, 0}))
	assert.True(t, g.Dirty())
	assert.InDelta(t, 2, g.Rates(0)[1], 1e-12)
}

func TestGLMValidation(t *testing.T) {
	p := Predictor{Name: "p", Values: [][]float64{{1, 2}}}
	_, err := NewGLM(1, []Predictor{p}, []float64{1, 2}, nil)
	require.ErrorIs(t, err, ErrDimensionMismatch)
	_, err = NewGLM(0, []Predictor{p}, []float64{1}, nil)
	require.ErrorIs(t, err, ErrInvalidRate)
	ragged := Predictor{Name: "q", Values: [][]float64{{1, 2}, {1}}}
	_, err = NewGLM(1, []Predictor{ragged}, []float64{1}, nil)
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestLogStandardize(t *testing.T) {
	p, err := LogStandardize(Predictor{Name: "d", Values: [][]float64{{1, math.E}, {math.E * math.E, 1}}})
	require.NoError(t, err)
	sum := 0.0
	for _, row := range p.Values {
		for _, v := range row {
			sum += v
		}
	}
	assert.InDelta(t, 0, sum, 1e-12)

	_, err = LogStandardize(Predictor{Name: "bad", Values: [][]float64{{0}}})
	require.Error(t, err)
}

func TestIntervalsRecomputeWhenDirty(t *testing.T) {
	ne := constant(t, []float64{1, 1}, []float64{2, 2})
	mig := constant(t, []float64{0.1, 0.1}, []float64{0.1, 0.1})
	p, err := NewProvider(2, []float64{0, 1}, ne, mig, 0)
	require.NoError(t, err)

	iv := NewIntervals(p)
	assert.True(t, iv.Dirty())
	assert.InDelta(t, 0.5, ratesAt(t, iv, 0).Coalescent[0], 1e-12)
	assert.False(t, iv.Dirty())

	require.NoError(t, ne.Set(1, []float64{4, 4}))
	assert.True(t, iv.Dirty())
	assert.InDelta(t, 0.25, ratesAt(t, iv, 0).Coalescent[0], 1e-12)
	assert.Equal(t, 1, ratesAt(t, iv, 3).Epoch)
}

func TestLogColumnsAndValues(t *testing.T) {
	ne := constant(t, []float64{1, 2}, []float64{3, 4})
	mig := constant(t, []float64{0, 0}, []float64{0, 0})
	p, err := NewProvider(2, []float64{1, 2}, ne, mig, 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"Ne.0.0", "Ne.0.1", "Ne.1.0", "Ne.1.1"}, p.LogColumns())
	assert.Equal(t, []float64{1, 3, 2, 4}, p.LogValues())
}

func TestInvalidPopulationSizesRejected(t *testing.T) {
	for name, ne := range map[string][]float64{
		"zero":     {0, 1},
		"negative": {-1, 1},
		"nan":      {math.NaN(), 1},
		"inf":      {math.Inf(1), 1},
	} {
		t.Run(name, func(t *testing.T) {
			param, err := NewConstant([][]float64{ne})
			if err != nil {
				require.ErrorIs(t, err, ErrInvalidRate)
				return
			}
			_, err = NewProvider(2, nil, param, constant(t, []float64{1, 1}), 0)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, "ne", cfgErr.Field)
			assert.ErrorIs(t, err, ErrInvalidRate)
		})
	}
}

func TestConstantRejectsNonFiniteValues(t *testing.T) {
	_, err := NewConstant([][]float64{{math.Inf(1), 1}})
	require.ErrorIs(t, err, ErrInvalidRate)
	_, err = NewConstant([][]float64{{-0.5, 1}})
	require.ErrorIs(t, err, ErrInvalidRate)

	c := constant(t, []float64{1, 1})
	require.ErrorIs(t, c.Set(0, []float64{math.NaN(), 1}), ErrInvalidRate)
}

func TestGLMOverflowIsAConfigError(t *testing.T) {
	ne := constant(t, []float64{1, 1})
	mig, err := NewGLM(1, []Predictor{{Name: "d", Values: [][]float64{{1, 1}}}}, []float64{0}, nil)
	require.NoError(t, err)
	p, err := NewProvider(2, nil, ne, mig, 0)
	require.NoError(t, err)
	iv := NewIntervals(p)
	_ = ratesAt(t, iv, 0)

	require.NoError(t, mig.SetCoefficients([]float64{1e6}))
	_, err = iv.Rates(0)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "migration", cfgErr.Field)
	assert.True(t, iv.Dirty(), "a failed refresh keeps the model dirty")
}

func TestRateShiftsMustBeFiniteAndAscending(t *testing.T) {
	for name, shifts := range map[string][]float64{
		"descending": {2, 1},
		"nan":        {0.5, math.NaN()},
		"inf":        {math.Inf(1), 2},
	} {
		t.Run(name, func(t *testing.T) {
			ne := constant(t, []float64{1, 1}, []float64{1, 1})
			mig := constant(t, []float64{1, 1}, []float64{1, 1})
			_, err := NewProvider(2, shifts, ne, mig, 0)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, "rate_shifts", cfgErr.Field)
			assert.ErrorIs(t, err, ErrInvalidShifts)
		})
	}

	ne := constant(t, []float64{1, 1}, []float64{1, 1}, []float64{1, 1})
	mig := constant(t, []float64{1, 1}, []float64{1, 1}, []float64{1, 1})
	_, err := NewProvider(2, []float64{-1, 1, 1}, ne, mig, 0)
	require.NoError(t, err, "equal and negative shifts are allowed")
}
