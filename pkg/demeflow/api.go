package demeflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"

	"demeflow/internal/config"
	"demeflow/internal/model"
	"demeflow/internal/newick"
	"demeflow/internal/stats"
	"demeflow/internal/storage"
	"demeflow/internal/tree"
	"demeflow/internal/updown"
)

const (
	defaultRunsDir    = "demeflow_runs"
	defaultExportsDir = "exports"
	defaultDBPath     = "demeflow.db"
)

type Options struct {
	StoreKind  string
	DBPath     string
	RunsDir    string
	ExportsDir string
	Logger     *slog.Logger
}

// Client runs reconstructions and keeps their records in a store and in a
// runs directory indexed by run_index.json.
type Client struct {
	store  storage.Store
	logger *slog.Logger

	runsDir    string
	exportsDir string
}

type ReconstructRequest struct {
	Config config.Run
	// RunID is generated when empty.
	RunID string
}

type ReconstructSummary struct {
	RunID         string  `json:"run_id"`
	ArtifactsDir  string  `json:"artifacts_dir"`
	Tips          int     `json:"tips"`
	States        int     `json:"states"`
	Attempts      int     `json:"attempts"`
	Evaluations   int     `json:"evaluations"`
	Tolerance     float64 `json:"tolerance"`
	RootState     string  `json:"root_state"`
	RootPosterior float64 `json:"root_posterior"`
	Annotated     string  `json:"annotated"`
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string  `json:"run_id"`
	CreatedAtUTC string  `json:"created_at_utc"`
	TreeSource   string  `json:"tree_source"`
	Tips         int     `json:"tips"`
	States       int     `json:"states"`
	Attempts     int     `json:"attempts"`
	Tolerance    float64 `json:"tolerance"`
}

// RunRef selects one run, either by id or the most recent one.
type RunRef struct {
	RunID  string
	Latest bool
}

type ShowResult struct {
	Reconstruction model.Reconstruction   `json:"reconstruction"`
	Summary        stats.PosteriorSummary `json:"summary"`
}

type ExportRequest struct {
	RunRef
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:      store,
		logger:     logger,
		runsDir:    runsDir,
		exportsDir: exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

// Reconstruct runs the up-down pass for one configured tree and persists the
// posteriors, the annotated tree and the Ne trace.
func (c *Client) Reconstruct(ctx context.Context, req ReconstructRequest) (ReconstructSummary, error) {
	cfg := req.Config
	if err := cfg.Validate(); err != nil {
		return ReconstructSummary{}, err
	}

	text, err := cfg.TreeText()
	if err != nil {
		return ReconstructSummary{}, err
	}
	t, err := tree.ParseNewick(text)
	if err != nil {
		return ReconstructSummary{}, fmt.Errorf("parse tree: %w", err)
	}
	iv, provider, err := cfg.RateModel()
	if err != nil {
		return ReconstructSummary{}, err
	}
	resolver, err := cfg.Resolver()
	if err != nil {
		return ReconstructSummary{}, err
	}

	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := c.logger.With("run_id", runID)

	engine, err := updown.New(iv, resolver, cfg.Config, updown.WithLogger(logger))
	if err != nil {
		return ReconstructSummary{}, err
	}
	res, err := engine.Reconstruct(ctx, t)
	if err != nil {
		return ReconstructSummary{}, err
	}

	treeLogger := newick.NewTreeLogger(cfg.LoggerOptions())
	var nexus strings.Builder
	if err := treeLogger.Init(&nexus, t); err != nil {
		return ReconstructSummary{}, err
	}
	if err := treeLogger.Log(&nexus, 0, t, res); err != nil {
		return ReconstructSummary{}, err
	}
	if err := treeLogger.Close(&nexus); err != nil {
		return ReconstructSummary{}, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	rec := model.Reconstruction{
		VersionedRecord: storage.Versioned(),
		ID:              runID,
		CreatedAtUTC:    now,
		Tree:            text,
		States:          append([]string(nil), cfg.States...),
		Trait:           cfg.TraitName,
		Tolerance:       res.Tolerance,
		Attempts:        res.Attempts,
		Evaluations:     res.Evaluations,
		Annotated:       treeLogger.Newick(t, res),
		Nodes:           nodePosteriors(t, res),
	}
	trace := model.RateTrace{
		VersionedRecord: storage.Versioned(),
		RunID:           runID,
		Columns:         provider.LogColumns(),
		Values:          provider.LogValues(),
	}

	if err := c.store.SaveReconstruction(ctx, rec); err != nil {
		return ReconstructSummary{}, err
	}
	if err := c.store.SaveRateTrace(ctx, trace); err != nil {
		return ReconstructSummary{}, err
	}

	runDir, err := stats.WriteRunArtifacts(c.runsDir, stats.RunArtifacts{
		Config:         runConfig(runID, cfg),
		Reconstruction: rec,
		Trees:          nexus.String(),
		RateTrace:      &trace,
	})
	if err != nil {
		return ReconstructSummary{}, err
	}
	summary := rec.Summary()
	if err := stats.AppendRunIndex(c.runsDir, stats.RunIndexEntry{
		RunID:        runID,
		TreeSource:   cfg.TreeSource(),
		Tips:         summary.Tips,
		States:       summary.States,
		Attempts:     rec.Attempts,
		Tolerance:    rec.Tolerance,
		Seed:         cfg.Seed,
		CreatedAtUTC: now,
	}); err != nil {
		return ReconstructSummary{}, err
	}

	posterior := stats.Summarize(rec)
	logger.Info("reconstruction stored",
		"tips", summary.Tips,
		"attempts", rec.Attempts,
		"root_state", posterior.RootState,
		"artifacts", runDir,
	)
	return ReconstructSummary{
		RunID:         runID,
		ArtifactsDir:  runDir,
		Tips:          summary.Tips,
		States:        summary.States,
		Attempts:      rec.Attempts,
		Evaluations:   rec.Evaluations,
		Tolerance:     rec.Tolerance,
		RootState:     posterior.RootState,
		RootPosterior: posterior.RootPosterior,
		Annotated:     rec.Annotated,
	}, nil
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:        e.RunID,
			CreatedAtUTC: e.CreatedAtUTC,
			TreeSource:   e.TreeSource,
			Tips:         e.Tips,
			States:       e.States,
			Attempts:     e.Attempts,
			Tolerance:    e.Tolerance,
		})
	}
	return out, nil
}

// Show loads a reconstruction from the store, falling back to the runs
// directory for runs recorded by another process.
func (c *Client) Show(ctx context.Context, ref RunRef) (ShowResult, error) {
	runID, err := c.resolveRunID(ref)
	if err != nil {
		return ShowResult{}, err
	}

	rec, ok, err := c.store.GetReconstruction(ctx, runID)
	if err != nil {
		return ShowResult{}, err
	}
	if !ok {
		rec, ok, err = stats.ReadPosteriors(c.runsDir, runID)
		if err != nil {
			return ShowResult{}, err
		}
		if !ok {
			return ShowResult{}, fmt.Errorf("reconstruction not found for run id: %s", runID)
		}
	}
	return ShowResult{Reconstruction: rec, Summary: stats.Summarize(rec)}, nil
}

// RateTrace returns the effective population sizes a run used.
func (c *Client) RateTrace(ctx context.Context, ref RunRef) (model.RateTrace, error) {
	runID, err := c.resolveRunID(ref)
	if err != nil {
		return model.RateTrace{}, err
	}

	trace, ok, err := c.store.GetRateTrace(ctx, runID)
	if err != nil {
		return model.RateTrace{}, err
	}
	if ok {
		return trace, nil
	}
	trace, ok, err = stats.ReadRateTraceCSV(c.runsDir, runID)
	if err != nil {
		return model.RateTrace{}, err
	}
	if !ok {
		return model.RateTrace{}, fmt.Errorf("rate trace not found for run id: %s", runID)
	}
	return trace, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	runID, err := c.resolveRunID(req.RunRef)
	if err != nil {
		return ExportSummary{}, err
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	exportedDir, err := stats.ExportRunArtifacts(c.runsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

// Delete removes a run from the store, the runs directory and the index.
func (c *Client) Delete(ctx context.Context, ref RunRef) (string, error) {
	runID, err := c.resolveRunID(ref)
	if err != nil {
		return "", err
	}
	if err := c.store.DeleteReconstruction(ctx, runID); err != nil {
		return "", err
	}
	if err := stats.RemoveRun(c.runsDir, runID); err != nil {
		return "", err
	}
	return runID, nil
}

func (c *Client) resolveRunID(ref RunRef) (string, error) {
	if ref.RunID != "" && ref.Latest {
		return "", errors.New("use either run id or latest")
	}
	if ref.RunID != "" {
		return ref.RunID, nil
	}
	if !ref.Latest {
		return "", errors.New("run id or latest is required")
	}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs available")
	}
	return entries[0].RunID, nil
}

func nodePosteriors(t *tree.Tree, res *updown.Result) []model.NodePosterior {
	nodes := make([]model.NodePosterior, 0, t.NodeCount())
	for _, n := range t.Nodes() {
		marginal := append([]float64(nil), res.Posterior(n.Nr, true)...)
		np := model.NodePosterior{
			Nr:       n.Nr,
			ID:       n.ID,
			Height:   n.Height,
			Leaf:     n.IsLeaf(),
			Marginal: marginal,
			MaxState: floats.MaxIdx(marginal),
		}
		if !np.Leaf {
			np.Subtree = append([]float64(nil), res.Subtree[n.Nr]...)
		}
		nodes = append(nodes, np)
	}
	return nodes
}

func runConfig(runID string, cfg config.Run) stats.RunConfig {
	return stats.RunConfig{
		RunID:          runID,
		TreeSource:     cfg.TreeSource(),
		Trait:          cfg.TraitName,
		States:         append([]string(nil), cfg.States...),
		RateShifts:     append([]float64(nil), cfg.RateShifts...),
		NeModel:        cfg.Ne.ModelName(),
		MigrationModel: cfg.Migration.ModelName(),
		MaxRate:        cfg.MaxRate,
		Tolerance:      cfg.Tolerance,
		MaxRetries:     cfg.MaxRetries,
		TakeMax:        cfg.TakeMax,
		DecimalPlaces:  cfg.DecimalPlaces,
		UseMarginal:    cfg.UseMarginal,
		Substitutions:  cfg.Substitutions,
		ClockRate:      cfg.ClockRate,
		Seed:           cfg.Seed,
	}
}
