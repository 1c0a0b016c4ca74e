package storage

import (
	"context"

	"demeflow/internal/model"
)

// Store persists reconstruction runs and the rate traces they were computed
// with.
type Store interface {
	Init(ctx context.Context) error
	SaveReconstruction(ctx context.Context, rec model.Reconstruction) error
	GetReconstruction(ctx context.Context, id string) (model.Reconstruction, bool, error)
	ListReconstructions(ctx context.Context) ([]model.RunSummary, error)
	DeleteReconstruction(ctx context.Context, id string) error
	SaveRateTrace(ctx context.Context, trace model.RateTrace) error
	GetRateTrace(ctx context.Context, runID string) (model.RateTrace, bool, error)
}
