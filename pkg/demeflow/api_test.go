package demeflow

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"demeflow/internal/config"
	"demeflow/internal/rates"
	"demeflow/internal/updown"
)

func symmetricConfig() config.Run {
	cfg := config.Default()
	cfg.Tree = "(A_0:1,B_1:1);"
	cfg.States = []string{"north", "south"}
	cfg.Ne.Values = [][]float64{{1, 1}}
	cfg.Migration.Values = [][]float64{{1, 1}}
	cfg.DecimalPlaces = 3
	return cfg
}

func newTestClient(t *testing.T, runsDir string) *Client {
	t.Helper()
	client, err := New(Options{
		StoreKind:  "memory",
		RunsDir:    runsDir,
		ExportsDir: filepath.Join(t.TempDir(), "exports"),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Init(context.Background()); err != nil {
		t.Fatalf("init client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func TestClientReconstructRunsShowAndExport(t *testing.T) {
	ctx := context.Background()
	runsDir := filepath.Join(t.TempDir(), "runs")
	client := newTestClient(t, runsDir)

	summary, err := client.Reconstruct(ctx, ReconstructRequest{Config: symmetricConfig(), RunID: "run-sym"})
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if summary.RunID != "run-sym" || summary.Tips != 2 || summary.States != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.Attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", summary.Attempts)
	}
	if math.Abs(summary.RootPosterior-0.5) > 1e-9 {
		t.Fatalf("expected symmetric root posterior, got %v", summary.RootPosterior)
	}
	if !strings.Contains(summary.Annotated, "[&typeprob={1.0,0.0},maxtype=0]:1") {
		t.Fatalf("unexpected annotated tree: %s", summary.Annotated)
	}

	nexus, err := os.ReadFile(filepath.Join(summary.ArtifactsDir, "trees.nex"))
	if err != nil {
		t.Fatalf("read trees: %v", err)
	}
	if !strings.HasPrefix(string(nexus), "#NEXUS") || !strings.Contains(string(nexus), "tree STATE_0 = ") {
		t.Fatalf("unexpected trees file: %s", nexus)
	}

	runs, err := client.Runs(ctx, RunsRequest{})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "run-sym" || runs[0].TreeSource != "inline" {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	shown, err := client.Show(ctx, RunRef{Latest: true})
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if len(shown.Reconstruction.Nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(shown.Reconstruction.Nodes))
	}
	root := shown.Reconstruction.Nodes[2]
	if root.Leaf || math.Abs(root.Marginal[0]-0.5) > 1e-9 || math.Abs(root.Marginal[1]-0.5) > 1e-9 {
		t.Fatalf("unexpected root posterior: %+v", root)
	}
	if shown.Summary.InternalNodes != 1 {
		t.Fatalf("unexpected posterior summary: %+v", shown.Summary)
	}

	trace, err := client.RateTrace(ctx, RunRef{RunID: "run-sym"})
	if err != nil {
		t.Fatalf("rate trace: %v", err)
	}
	if strings.Join(trace.Columns, ",") != "Ne.0.0,Ne.1.0" || trace.Values[0] != 1 || trace.Values[1] != 1 {
		t.Fatalf("unexpected rate trace: %+v", trace)
	}

	exported, err := client.Export(ctx, ExportRequest{RunRef: RunRef{Latest: true}})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	for _, file := range []string{"config.json", "posteriors.json", "posteriors.csv", "summary.json", "trees.nex", "rates.csv"} {
		if _, err := os.Stat(filepath.Join(exported.Directory, file)); err != nil {
			t.Fatalf("expected exported file %s: %v", file, err)
		}
	}
}

func TestClientShowFallsBackToRunsDir(t *testing.T) {
	ctx := context.Background()
	runsDir := filepath.Join(t.TempDir(), "runs")

	first := newTestClient(t, runsDir)
	if _, err := first.Reconstruct(ctx, ReconstructRequest{Config: symmetricConfig(), RunID: "run-a"}); err != nil {
		t.Fatalf("reconstruct: %v", err)
	}

	second := newTestClient(t, runsDir)
	shown, err := second.Show(ctx, RunRef{RunID: "run-a"})
	if err != nil {
		t.Fatalf("show from runs dir: %v", err)
	}
	if shown.Reconstruction.ID != "run-a" {
		t.Fatalf("unexpected reconstruction: %+v", shown.Reconstruction)
	}
	trace, err := second.RateTrace(ctx, RunRef{RunID: "run-a"})
	if err != nil {
		t.Fatalf("rate trace from runs dir: %v", err)
	}
	if len(trace.Values) != 2 {
		t.Fatalf("unexpected rate trace: %+v", trace)
	}
}

func TestClientGeneratesRunID(t *testing.T) {
	client := newTestClient(t, filepath.Join(t.TempDir(), "runs"))
	summary, err := client.Reconstruct(context.Background(), ReconstructRequest{Config: symmetricConfig()})
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if _, err := uuid.Parse(summary.RunID); err != nil {
		t.Fatalf("expected uuid run id, got %q: %v", summary.RunID, err)
	}
}

func TestClientDelete(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, filepath.Join(t.TempDir(), "runs"))
	if _, err := client.Reconstruct(ctx, ReconstructRequest{Config: symmetricConfig(), RunID: "run-del"}); err != nil {
		t.Fatalf("reconstruct: %v", err)
	}

	deleted, err := client.Delete(ctx, RunRef{Latest: true})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != "run-del" {
		t.Fatalf("unexpected deleted run: %s", deleted)
	}
	runs, err := client.Runs(ctx, RunsRequest{})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected no runs after delete, got %+v", runs)
	}
	if _, err := client.Show(ctx, RunRef{RunID: "run-del"}); err == nil {
		t.Fatal("expected show error after delete")
	}
}

func TestClientRunRefValidation(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, filepath.Join(t.TempDir(), "runs"))

	if _, err := client.Show(ctx, RunRef{RunID: "x", Latest: true}); err == nil {
		t.Fatal("expected error for run id and latest")
	}
	if _, err := client.Show(ctx, RunRef{}); err == nil {
		t.Fatal("expected error without run id or latest")
	}
	if _, err := client.Export(ctx, ExportRequest{RunRef: RunRef{Latest: true}}); err == nil {
		t.Fatal("expected error with no runs")
	}
}

func TestClientReconstructFailures(t *testing.T) {
	ctx := context.Background()
	runsDir := filepath.Join(t.TempDir(), "runs")
	client := newTestClient(t, runsDir)

	invalid := symmetricConfig()
	invalid.States = nil
	if _, err := client.Reconstruct(ctx, ReconstructRequest{Config: invalid}); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("expected invalid config error, got %v", err)
	}

	isolated := symmetricConfig()
	isolated.Migration.Values = [][]float64{{0, 0}}
	_, err := client.Reconstruct(ctx, ReconstructRequest{Config: isolated, RunID: "run-isolated"})
	var treeErr *updown.TreeError
	if !errors.As(err, &treeErr) || !errors.Is(err, updown.ErrZeroCoalescentMass) {
		t.Fatalf("expected zero coalescent mass tree error, got %v", err)
	}

	emptyDeme := symmetricConfig()
	emptyDeme.Ne.Values = [][]float64{{0, 1}}
	_, err = client.Reconstruct(ctx, ReconstructRequest{Config: emptyDeme, RunID: "run-empty"})
	var rateErr *rates.ConfigError
	if !errors.As(err, &rateErr) || !errors.Is(err, rates.ErrInvalidRate) {
		t.Fatalf("expected invalid population size error, got %v", err)
	}

	descending := symmetricConfig()
	descending.RateShifts = []float64{2, 1}
	descending.Ne.Values = [][]float64{{1, 1}, {1, 1}}
	descending.Migration.Values = [][]float64{{1, 1}, {1, 1}}
	_, err = client.Reconstruct(ctx, ReconstructRequest{Config: descending, RunID: "run-descending"})
	if !errors.Is(err, rates.ErrInvalidShifts) {
		t.Fatalf("expected invalid rate shifts error, got %v", err)
	}

	runs, err := client.Runs(ctx, RunsRequest{})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("failed runs must not be indexed: %+v", runs)
	}
}
