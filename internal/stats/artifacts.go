package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"demeflow/internal/model"
)

const (
	runIndexFile      = "run_index.json"
	configFile        = "config.json"
	posteriorsFile    = "posteriors.json"
	posteriorsCSVFile = "posteriors.csv"
	summaryFile       = "summary.json"
	treesFile         = "trees.nex"
	ratesFile         = "rates.csv"
)

// RunConfig is the resolved configuration a reconstruction ran with.
type RunConfig struct {
	RunID          string    `json:"run_id"`
	TreeSource     string    `json:"tree_source"`
	Trait          string    `json:"trait"`
	States         []string  `json:"states"`
	RateShifts     []float64 `json:"rate_shifts,omitempty"`
	NeModel        string    `json:"ne_model"`
	MigrationModel string    `json:"migration_model"`
	MaxRate        float64   `json:"max_rate,omitempty"`
	Tolerance      float64   `json:"tolerance"`
	MaxRetries     int       `json:"max_retries"`
	TakeMax        bool      `json:"take_max"`
	DecimalPlaces  int       `json:"decimal_places"`
	UseMarginal    bool      `json:"use_marginal"`
	Substitutions  bool      `json:"substitutions"`
	ClockRate      float64   `json:"clock_rate,omitempty"`
	Seed           int64     `json:"seed"`
}

type RunArtifacts struct {
	Config         RunConfig            `json:"config"`
	Reconstruction model.Reconstruction `json:"reconstruction"`
	Trees          string               `json:"-"`
	RateTrace      *model.RateTrace     `json:"rate_trace,omitempty"`
}

type RunIndexEntry struct {
	RunID        string  `json:"run_id"`
	TreeSource   string  `json:"tree_source"`
	Tips         int     `json:"tips"`
	States       int     `json:"states"`
	Attempts     int     `json:"attempts"`
	Tolerance    float64 `json:"tolerance"`
	Seed         int64   `json:"seed"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, posteriorsFile), artifacts.Reconstruction); err != nil {
		return "", err
	}
	if err := WritePosteriorsCSV(runDir, artifacts.Reconstruction); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, summaryFile), Summarize(artifacts.Reconstruction)); err != nil {
		return "", err
	}
	if artifacts.Trees != "" {
		if err := os.WriteFile(filepath.Join(runDir, treesFile), []byte(artifacts.Trees), 0o644); err != nil {
			return "", err
		}
	}
	if artifacts.RateTrace != nil {
		if err := WriteRateTraceCSV(runDir, *artifacts.RateTrace); err != nil {
			return "", err
		}
	}

	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// RemoveRun deletes the run directory and its index entry. Missing runs are
// not an error.
func RemoveRun(baseDir, runID string) error {
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.RemoveAll(filepath.Join(baseDir, runID)); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}
	kept := index[:0]
	for _, entry := range index {
		if entry.RunID != runID {
			kept = append(kept, entry)
		}
	}
	if len(kept) == len(index) {
		return nil
	}
	return writeJSON(filepath.Join(baseDir, runIndexFile), kept)
}

// ExportRunArtifacts copies a run directory to outDir/runID. Optional files
// that the run never produced are skipped.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, posteriorsFile, posteriorsCSVFile, summaryFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	for _, file := range []string{treesFile, ratesFile} {
		path := filepath.Join(src, file)
		if _, err := os.Stat(path); err == nil {
			if err := copyFile(path, filepath.Join(dst, file)); err != nil {
				return "", err
			}
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}

	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	return cfg, ok, err
}

func ReadPosteriors(baseDir, runID string) (model.Reconstruction, bool, error) {
	var rec model.Reconstruction
	ok, err := readJSON(filepath.Join(baseDir, runID, posteriorsFile), &rec)
	return rec, ok, err
}

func ReadSummary(baseDir, runID string) (PosteriorSummary, bool, error) {
	var summary PosteriorSummary
	ok, err := readJSON(filepath.Join(baseDir, runID, summaryFile), &summary)
	return summary, ok, err
}

// WritePosteriorsCSV writes one row per node: nr, id, height, leaf, the
// maximum-posterior state name and one marginal column per state.
func WritePosteriorsCSV(runDir string, rec model.Reconstruction) error {
	file, err := os.Create(filepath.Join(runDir, posteriorsCSVFile))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"nr", "id", "height", "leaf", "max_state"}
	for _, state := range rec.States {
		header = append(header, "p_"+state)
	}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, node := range rec.Nodes {
		maxState := ""
		if node.MaxState >= 0 && node.MaxState < len(rec.States) {
			maxState = rec.States[node.MaxState]
		}
		row := []string{
			strconv.Itoa(node.Nr),
			node.ID,
			strconv.FormatFloat(node.Height, 'f', -1, 64),
			strconv.FormatBool(node.Leaf),
			maxState,
		}
		for _, p := range node.Marginal {
			row = append(row, strconv.FormatFloat(p, 'f', -1, 64))
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func WriteRateTraceCSV(runDir string, trace model.RateTrace) error {
	if len(trace.Columns) != len(trace.Values) {
		return fmt.Errorf("rate trace has %d columns and %d values", len(trace.Columns), len(trace.Values))
	}
	file, err := os.Create(filepath.Join(runDir, ratesFile))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"column", "value"}); err != nil {
		return err
	}
	for i, column := range trace.Columns {
		if err := writer.Write([]string{column, strconv.FormatFloat(trace.Values[i], 'g', -1, 64)}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadRateTraceCSV(baseDir, runID string) (model.RateTrace, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, ratesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return model.RateTrace{}, false, nil
		}
		return model.RateTrace{}, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return model.RateTrace{RunID: runID}, true, nil
		}
		return model.RateTrace{}, false, err
	}
	if len(header) < 2 || strings.TrimSpace(header[0]) != "column" {
		return model.RateTrace{}, false, fmt.Errorf("rate trace header must be column,value")
	}

	trace := model.RateTrace{RunID: runID}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return model.RateTrace{}, false, err
		}
		value, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return model.RateTrace{}, false, fmt.Errorf("rate trace %s: %w", record[0], err)
		}
		trace.Columns = append(trace.Columns, record[0])
		trace.Values = append(trace.Values, value)
	}
	return trace, true, nil
}

func readJSON(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
