// Package config loads reconstruction run settings and turns them into the
// rate model, tip resolver and tree logger options a run needs.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"demeflow/internal/newick"
	"demeflow/internal/rates"
	"demeflow/internal/storage"
	"demeflow/internal/tipstate"
	"demeflow/internal/tree"
	"demeflow/internal/updown"
)

var ErrInvalidConfig = errors.New("invalid run config")

const (
	ModelConstant = "constant"
	ModelGLM      = "glm"
)

// Run is one reconstruction request. Engine settings (tolerance,
// max_retries, ...) sit at the top level of the file.
type Run struct {
	TreePath string `json:"tree_path" yaml:"tree_path"`
	Tree     string `json:"tree" yaml:"tree"`

	States     []string         `json:"states" yaml:"states"`
	RateShifts []float64        `json:"rate_shifts" yaml:"rate_shifts"`
	Ne         Parameterization `json:"ne" yaml:"ne"`
	Migration  Parameterization `json:"migration" yaml:"migration"`
	MaxRate    float64          `json:"max_rate" yaml:"max_rate"`

	updown.Config `yaml:",inline"`

	TraitName      string               `json:"trait_name" yaml:"trait_name"`
	Traits         map[string]string    `json:"traits" yaml:"traits"`
	TraitsPath     string               `json:"traits_path" yaml:"traits_path"`
	VariableTraits map[string][]float64 `json:"variable_traits" yaml:"variable_traits"`
	Seed           int64                `json:"seed" yaml:"seed"`

	TakeMax       bool    `json:"take_max" yaml:"take_max"`
	DecimalPlaces int     `json:"decimal_places" yaml:"decimal_places"`
	Substitutions bool    `json:"substitutions" yaml:"substitutions"`
	ClockRate     float64 `json:"clock_rate" yaml:"clock_rate"`
	UseMarginal   bool    `json:"use_marginal" yaml:"use_marginal"`

	Store        string `json:"store" yaml:"store"`
	SQLitePath   string `json:"sqlite_path" yaml:"sqlite_path"`
	ArtifactsDir string `json:"artifacts_dir" yaml:"artifacts_dir"`
}

// Parameterization describes either raw constant values, one row per epoch,
// or a log-linear GLM over predictors.
type Parameterization struct {
	Model        string      `json:"model" yaml:"model"`
	Values       [][]float64 `json:"values" yaml:"values"`
	Scaler       float64     `json:"scaler" yaml:"scaler"`
	Predictors   []Predictor `json:"predictors" yaml:"predictors"`
	Coefficients []float64   `json:"coefficients" yaml:"coefficients"`
	Indicators   []bool      `json:"indicators" yaml:"indicators"`
}

type Predictor struct {
	Name           string      `json:"name" yaml:"name"`
	Values         [][]float64 `json:"values" yaml:"values"`
	LogStandardize bool        `json:"log_standardize" yaml:"log_standardize"`
}

func Default() Run {
	return Run{
		Ne:            Parameterization{Model: ModelConstant},
		Migration:     Parameterization{Model: ModelConstant},
		Config:        updown.DefaultConfig(),
		TraitName:     "type",
		DecimalPlaces: -1,
		ClockRate:     1,
		UseMarginal:   true,
		Store:         storage.DefaultStoreKind(),
		SQLitePath:    "demeflow.db",
		ArtifactsDir:  "demeflow_runs",
	}
}

// Load merges defaults, the config file (when path is non-empty) and
// DEMEFLOW_* environment overrides, then validates the result.
func Load(path string) (Run, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Read is Load without validation, for callers that apply further overrides.
func Read(path string) (Run, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	loadEnv(&cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Run) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadEnv(cfg *Run) {
	if v := os.Getenv("DEMEFLOW_TOLERANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tolerance = f
		}
	}
	if v := os.Getenv("DEMEFLOW_MAX_RETRIES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = i
		}
	}
	if v := os.Getenv("DEMEFLOW_STORE"); v != "" {
		cfg.Store = v
	}
	if v := os.Getenv("DEMEFLOW_SQLITE_PATH"); v != "" {
		cfg.SQLitePath = v
	}
	if v := os.Getenv("DEMEFLOW_ARTIFACTS_DIR"); v != "" {
		cfg.ArtifactsDir = v
	}
}

func (r Run) Validate() error {
	if r.Tree == "" && r.TreePath == "" {
		return fmt.Errorf("%w: one of tree or tree_path is required", ErrInvalidConfig)
	}
	if r.Tree != "" && r.TreePath != "" {
		return fmt.Errorf("%w: tree and tree_path are mutually exclusive", ErrInvalidConfig)
	}
	if len(r.States) == 0 {
		return fmt.Errorf("%w: states must name at least one state", ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, len(r.States))
	for _, s := range r.States {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: empty state name", ErrInvalidConfig)
		}
		if _, dup := seen[s]; dup {
			return fmt.Errorf("%w: duplicate state %q", ErrInvalidConfig, s)
		}
		seen[s] = struct{}{}
	}
	if err := r.Ne.validate("ne"); err != nil {
		return err
	}
	if err := r.Migration.validate("migration"); err != nil {
		return err
	}
	if r.MaxRate < 0 || math.IsNaN(r.MaxRate) {
		return fmt.Errorf("%w: max_rate must be >= 0, got %g", ErrInvalidConfig, r.MaxRate)
	}
	if err := r.Config.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if r.Substitutions && !(r.ClockRate > 0) {
		return fmt.Errorf("%w: clock_rate must be > 0 when substitutions are logged", ErrInvalidConfig)
	}
	if strings.TrimSpace(r.TraitName) == "" {
		return fmt.Errorf("%w: trait_name is required", ErrInvalidConfig)
	}
	for tip, weights := range r.VariableTraits {
		if len(weights) != len(r.States) {
			return fmt.Errorf("%w: variable trait %s has %d weights for %d states", ErrInvalidConfig, tip, len(weights), len(r.States))
		}
	}
	return nil
}

func (p Parameterization) validate(field string) error {
	switch p.Model {
	case "", ModelConstant:
		if len(p.Values) == 0 {
			return fmt.Errorf("%w: %s.values are required for a constant model", ErrInvalidConfig, field)
		}
	case ModelGLM:
		if len(p.Predictors) == 0 {
			return fmt.Errorf("%w: %s.predictors are required for a glm model", ErrInvalidConfig, field)
		}
	default:
		return fmt.Errorf("%w: %s.model %q is not one of constant, glm", ErrInvalidConfig, field, p.Model)
	}
	return nil
}

func (p Parameterization) build() (rates.Parameterization, error) {
	if p.Model != ModelGLM {
		return rates.NewConstant(p.Values)
	}
	predictors := make([]rates.Predictor, len(p.Predictors))
	for i, pc := range p.Predictors {
		predictor := rates.Predictor{Name: pc.Name, Values: pc.Values}
		if pc.LogStandardize {
			standardized, err := rates.LogStandardize(predictor)
			if err != nil {
				return nil, err
			}
			predictor = standardized
		}
		predictors[i] = predictor
	}
	scaler := p.Scaler
	if scaler == 0 {
		scaler = 1
	}
	return rates.NewGLM(scaler, predictors, p.Coefficients, p.Indicators)
}

// RateModel builds the capped rate provider and its epoch cache.
func (r Run) RateModel() (*rates.Intervals, *rates.Provider, error) {
	ne, err := r.Ne.build()
	if err != nil {
		return nil, nil, &rates.ConfigError{Field: "ne", Err: err}
	}
	migration, err := r.Migration.build()
	if err != nil {
		return nil, nil, &rates.ConfigError{Field: "migration", Err: err}
	}
	provider, err := rates.NewProvider(len(r.States), r.RateShifts, ne, migration, r.MaxRate)
	if err != nil {
		return nil, nil, err
	}
	return rates.NewIntervals(provider), provider, nil
}

// Resolver builds the tip-state lookup: variable traits, then the trait
// table, then the numeric label suffix. Inline traits override rows read
// from TraitsPath.
func (r Run) Resolver() (tipstate.Resolver, error) {
	values := make(map[string]string, len(r.Traits))
	if r.TraitsPath != "" {
		table, err := tipstate.ReadTraitTableFile(r.TraitsPath)
		if err != nil {
			return nil, fmt.Errorf("read traits: %w", err)
		}
		for tip, state := range table {
			values[tip] = state
		}
	}
	for tip, state := range r.Traits {
		values[tip] = state
	}

	var traits *tipstate.Traits
	if len(values) > 0 {
		t, err := tipstate.NewTraits(r.States, values)
		if err != nil {
			return nil, err
		}
		traits = t
	}
	var variable *tipstate.Variable
	if len(r.VariableTraits) > 0 {
		v, err := tipstate.NewVariable(len(r.States), r.VariableTraits, r.Seed)
		if err != nil {
			return nil, err
		}
		variable = v
	}
	return tipstate.New(len(r.States), variable, traits), nil
}

// TreeText returns the inline tree or the first non-empty, non-comment line
// of the file at TreePath.
func (r Run) TreeText() (string, error) {
	if r.Tree != "" {
		return strings.TrimSpace(r.Tree), nil
	}
	data, err := os.ReadFile(r.TreePath)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line, nil
	}
	return "", fmt.Errorf("%w: %s contains no tree", ErrInvalidConfig, r.TreePath)
}

func (r Run) LoadTree() (*tree.Tree, error) {
	text, err := r.TreeText()
	if err != nil {
		return nil, err
	}
	return tree.ParseNewick(text)
}

// TreeSource names where the tree came from, for run records.
func (r Run) TreeSource() string {
	if r.TreePath != "" {
		return r.TreePath
	}
	return "inline"
}

func (r Run) LoggerOptions() newick.Options {
	opts := newick.DefaultOptions()
	opts.Trait = r.TraitName
	opts.TakeMax = r.TakeMax
	opts.DecimalPlaces = r.DecimalPlaces
	opts.Substitutions = r.Substitutions
	opts.UseMarginal = r.UseMarginal
	if r.Substitutions {
		opts.Clock = newick.StrictClock(r.ClockRate)
	}
	return opts
}

// ModelName describes a parameterization for run records.
func (p Parameterization) ModelName() string {
	if p.Model == "" {
		return ModelConstant
	}
	return p.Model
}
