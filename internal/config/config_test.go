package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"demeflow/internal/rates"
	"demeflow/internal/tipstate"
	"demeflow/internal/tree"
)

const sampleYAML = `
tree: "((A_0:0.5,B_1:0.7):0.4,(C_2:0.2,D_0:1.0):0.3);"
states: [north, south, east]
rate_shifts: [0.5, 1.1]
ne:
  model: constant
  values:
    - [1, 2, 3]
    - [1, 2, 3]
migration:
  values:
    - [0.1, 0.1, 0.1, 0.1, 0.1, 0.1]
    - [0.2, 0.2, 0.2, 0.2, 0.2, 0.2]
tolerance: 0.0001
max_retries: 4
take_max: true
decimal_places: 3
traits:
  A_0: south
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAMLMergesDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "run.yaml", sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"north", "south", "east"}, cfg.States)
	assert.Equal(t, 1e-4, cfg.Tolerance)
	assert.Equal(t, 4, cfg.MaxRetries)
	assert.Equal(t, 0.9, cfg.ToleranceFactor, "defaults survive a partial file")
	assert.Equal(t, ModelConstant, cfg.Migration.ModelName())
	assert.True(t, cfg.TakeMax)
	assert.True(t, cfg.UseMarginal)
	assert.Equal(t, "type", cfg.TraitName)
	assert.Equal(t, "inline", cfg.TreeSource())
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "run.json", `{
		"tree": "(A_0:1,B_1:1);",
		"states": ["a", "b"],
		"ne": {"values": [[1, 1]]},
		"migration": {"values": [[0.5, 0.5]]},
		"tolerance": 0.001
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1e-3, cfg.Tolerance)
	assert.Equal(t, 10, cfg.MaxRetries)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("DEMEFLOW_TOLERANCE", "0.01")
	t.Setenv("DEMEFLOW_STORE", "sqlite")
	cfg, err := Load(writeFile(t, "run.yaml", sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 0.01, cfg.Tolerance)
	assert.Equal(t, "sqlite", cfg.Store)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Run {
		cfg := Default()
		cfg.Tree = "(A_0:1,B_1:1);"
		cfg.States = []string{"a", "b"}
		cfg.Ne.Values = [][]float64{{1, 1}}
		cfg.Migration.Values = [][]float64{{1, 1}}
		return cfg
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(*Run){
		"no tree":           func(r *Run) { r.Tree = "" },
		"both trees":        func(r *Run) { r.TreePath = "x.nwk" },
		"no states":         func(r *Run) { r.States = nil },
		"duplicate state":   func(r *Run) { r.States = []string{"a", "a"} },
		"unknown model":     func(r *Run) { r.Ne.Model = "skyline" },
		"glm no predictors": func(r *Run) { r.Migration.Model = ModelGLM },
		"negative max rate": func(r *Run) { r.MaxRate = -1 },
		"bad tolerance":     func(r *Run) { r.Tolerance = 0 },
		"bad clock":         func(r *Run) { r.Substitutions = true; r.ClockRate = 0 },
		"bad weights":       func(r *Run) { r.VariableTraits = map[string][]float64{"A_0": {1}} },
		"empty trait name":  func(r *Run) { r.TraitName = " " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestRateModelConstant(t *testing.T) {
	cfg, err := Load(writeFile(t, "run.yaml", sampleYAML))
	require.NoError(t, err)

	iv, provider, err := cfg.RateModel()
	require.NoError(t, err)
	assert.Equal(t, 3, iv.Dimension())
	assert.Equal(t, 2, provider.EpochCount())

	r, err := iv.Rates(0)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, r.Coalescent[1], 1e-12)
	// raw entry 0 is the pair (0,1): Ne[0]*0.1/Ne[1] stored at [1][0].
	assert.InDelta(t, 0.05, r.Migration[1][0], 1e-12)
}

func TestRateModelDimensionMismatch(t *testing.T) {
	cfg, err := Load(writeFile(t, "run.yaml", sampleYAML))
	require.NoError(t, err)
	cfg.RateShifts = []float64{0.5}

	_, _, err = cfg.RateModel()
	var cfgErr *rates.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, rates.ErrDimensionMismatch)
}

func TestRateModelGLM(t *testing.T) {
	cfg := Default()
	cfg.Tree = "(A_0:1,B_1:1);"
	cfg.States = []string{"a", "b"}
	cfg.Ne = Parameterization{
		Model:        ModelGLM,
		Scaler:       2,
		Predictors:   []Predictor{{Name: "size", Values: [][]float64{{1, 3}}, LogStandardize: true}},
		Coefficients: []float64{0},
	}
	cfg.Migration.Values = [][]float64{{1, 1}}
	require.NoError(t, cfg.Validate())

	iv, _, err := cfg.RateModel()
	require.NoError(t, err)
	// a zero coefficient leaves Ne at the scaler.
	r, err := iv.Rates(0)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, r.Coalescent[0], 1e-12)
}

func TestRateModelGLMRejectsNonPositivePredictor(t *testing.T) {
	cfg := Default()
	cfg.States = []string{"a", "b"}
	cfg.Ne = Parameterization{
		Model:        ModelGLM,
		Predictors:   []Predictor{{Name: "size", Values: [][]float64{{0, 3}}, LogStandardize: true}},
		Coefficients: []float64{1},
	}
	cfg.Migration.Values = [][]float64{{1, 1}}

	_, _, err := cfg.RateModel()
	var cfgErr *rates.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "ne", cfgErr.Field)
}

func TestResolverPrecedence(t *testing.T) {
	cfg, err := Load(writeFile(t, "run.yaml", sampleYAML))
	require.NoError(t, err)

	tr, err := cfg.LoadTree()
	require.NoError(t, err)
	resolver, err := cfg.Resolver()
	require.NoError(t, err)

	states := map[string]int{}
	for _, leaf := range tr.Leaves() {
		s, err := resolver.State(leaf)
		require.NoError(t, err)
		states[leaf.ID] = s
	}
	assert.Equal(t, 1, states["A_0"], "trait table overrides the label suffix")
	assert.Equal(t, 1, states["B_1"])
	assert.Equal(t, 2, states["C_2"])
}

func TestResolverUnknownTraitState(t *testing.T) {
	cfg := Default()
	cfg.States = []string{"a", "b"}
	cfg.Traits = map[string]string{"A_0": "z"}
	_, err := cfg.Resolver()
	assert.ErrorIs(t, err, tipstate.ErrUnknownState)
}

func TestResolverTraitsFile(t *testing.T) {
	cfg := Default()
	cfg.States = []string{"a", "b", "c"}
	cfg.TraitsPath = writeFile(t, "traits.tsv", "traits\ttype\nA_0\tc\nB_1\ta\n")
	cfg.Traits = map[string]string{"B_1": "b"}
	resolver, err := cfg.Resolver()
	require.NoError(t, err)

	s, err := resolver.State(&tree.Node{ID: "A_0"})
	require.NoError(t, err)
	assert.Equal(t, 2, s)
	s, err = resolver.State(&tree.Node{ID: "B_1"})
	require.NoError(t, err)
	assert.Equal(t, 1, s, "inline traits override the file")

	cfg.TraitsPath = filepath.Join(t.TempDir(), "missing.tsv")
	_, err = cfg.Resolver()
	assert.Error(t, err)
}

func TestLoadTreeFromFile(t *testing.T) {
	cfg := Default()
	cfg.TreePath = writeFile(t, "tree.nwk", "# sampled tree\n\n(A_0:1,B_1:2);\n")
	tr, err := cfg.LoadTree()
	require.NoError(t, err)
	assert.Equal(t, 2, tr.LeafCount())
	assert.Equal(t, cfg.TreePath, cfg.TreeSource())

	cfg.TreePath = writeFile(t, "empty.nwk", "# nothing\n")
	_, err = cfg.LoadTree()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoggerOptions(t *testing.T) {
	cfg := Default()
	opts := cfg.LoggerOptions()
	assert.Nil(t, opts.Clock)
	assert.Equal(t, -1, opts.DecimalPlaces)
	assert.True(t, opts.UseMarginal)

	cfg.Substitutions = true
	cfg.ClockRate = 0.25
	opts = cfg.LoggerOptions()
	require.NotNil(t, opts.Clock)
	assert.Equal(t, 0.25, opts.Clock.RateForBranch(nil))
}
