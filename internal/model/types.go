package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Reconstruction is one finished up-down run over a single tree.
type Reconstruction struct {
	VersionedRecord
	ID           string          `json:"id"`
	CreatedAtUTC string          `json:"created_at_utc"`
	Tree         string          `json:"tree"`
	States       []string        `json:"states"`
	Trait        string          `json:"trait"`
	Tolerance    float64         `json:"tolerance"`
	Attempts     int             `json:"attempts"`
	Evaluations  int             `json:"evaluations"`
	Annotated    string          `json:"annotated"`
	Nodes        []NodePosterior `json:"nodes"`
}

// NodePosterior is the reconstructed state distribution of one node. Tips
// carry their observed state as an indicator and no subtree posterior.
type NodePosterior struct {
	Nr       int       `json:"nr"`
	ID       string    `json:"id,omitempty"`
	Height   float64   `json:"height"`
	Leaf     bool      `json:"leaf"`
	Subtree  []float64 `json:"subtree,omitempty"`
	Marginal []float64 `json:"marginal"`
	MaxState int       `json:"max_state"`
}

// RunSummary is the listing view of a stored reconstruction.
type RunSummary struct {
	ID           string `json:"id"`
	CreatedAtUTC string `json:"created_at_utc"`
	Tips         int    `json:"tips"`
	States       int    `json:"states"`
	Attempts     int    `json:"attempts"`
}

// RateTrace records the effective population sizes a run used, one column
// per state and epoch.
type RateTrace struct {
	VersionedRecord
	RunID   string    `json:"run_id"`
	Columns []string  `json:"columns"`
	Values  []float64 `json:"values"`
}

func (r Reconstruction) Summary() RunSummary {
	tips := 0
	for _, n := range r.Nodes {
		if n.Leaf {
			tips++
		}
	}
	return RunSummary{
		ID:           r.ID,
		CreatedAtUTC: r.CreatedAtUTC,
		Tips:         tips,
		States:       len(r.States),
		Attempts:     r.Attempts,
	}
}
