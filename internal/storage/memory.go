package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"demeflow/internal/model"
)

type MemoryStore struct {
	mu              sync.RWMutex
	initialized     bool
	reconstructions map[string]model.Reconstruction
	traces          map[string]model.RateTrace
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.reconstructions = make(map[string]model.Reconstruction)
	s.traces = make(map[string]model.RateTrace)
	return nil
}

func (s *MemoryStore) SaveReconstruction(_ context.Context, rec model.Reconstruction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	s.reconstructions[rec.ID] = cloneReconstruction(rec)
	return nil
}

func (s *MemoryStore) GetReconstruction(_ context.Context, id string) (model.Reconstruction, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.reconstructions[id]
	if !ok {
		return model.Reconstruction{}, false, nil
	}
	return cloneReconstruction(rec), true, nil
}

// ListReconstructions returns summaries newest first.
func (s *MemoryStore) ListReconstructions(_ context.Context) ([]model.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RunSummary, 0, len(s.reconstructions))
	for _, rec := range s.reconstructions {
		out = append(out, rec.Summary())
	}
	sortSummaries(out)
	return out, nil
}

func (s *MemoryStore) DeleteReconstruction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.reconstructions, id)
	delete(s.traces, id)
	return nil
}

func (s *MemoryStore) SaveRateTrace(_ context.Context, trace model.RateTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	trace.Columns = append([]string(nil), trace.Columns...)
	trace.Values = append([]float64(nil), trace.Values...)
	s.traces[trace.RunID] = trace
	return nil
}

func (s *MemoryStore) GetRateTrace(_ context.Context, runID string) (model.RateTrace, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trace, ok := s.traces[runID]
	if !ok {
		return model.RateTrace{}, false, nil
	}
	trace.Columns = append([]string(nil), trace.Columns...)
	trace.Values = append([]float64(nil), trace.Values...)
	return trace, true, nil
}

func cloneReconstruction(rec model.Reconstruction) model.Reconstruction {
	rec.States = append([]string(nil), rec.States...)
	nodes := make([]model.NodePosterior, len(rec.Nodes))
	for i, n := range rec.Nodes {
		n.Subtree = append([]float64(nil), n.Subtree...)
		n.Marginal = append([]float64(nil), n.Marginal...)
		nodes[i] = n
	}
	rec.Nodes = nodes
	return rec
}

func sortSummaries(runs []model.RunSummary) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC != runs[j].CreatedAtUTC {
			return runs[i].CreatedAtUTC > runs[j].CreatedAtUTC
		}
		return runs[i].ID < runs[j].ID
	})
}
