//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"demeflow/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveReconstruction(ctx context.Context, rec model.Reconstruction) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeReconstruction(rec)
	if err != nil {
		return err
	}
	summary := rec.Summary()

	_, err = db.ExecContext(ctx, `
		INSERT INTO reconstructions (id, created_at_utc, tips, states, attempts, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created_at_utc = excluded.created_at_utc,
			tips = excluded.tips,
			states = excluded.states,
			attempts = excluded.attempts,
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, rec.ID, rec.CreatedAtUTC, summary.Tips, summary.States, summary.Attempts, rec.SchemaVersion, rec.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetReconstruction(ctx context.Context, id string) (model.Reconstruction, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.Reconstruction{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM reconstructions WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Reconstruction{}, false, nil
		}
		return model.Reconstruction{}, false, err
	}

	rec, err := DecodeReconstruction(payload)
	if err != nil {
		return model.Reconstruction{}, false, fmt.Errorf("decode reconstruction %s: %w", id, err)
	}
	return rec, true, nil
}

func (s *SQLiteStore) ListReconstructions(ctx context.Context) ([]model.RunSummary, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, created_at_utc, tips, states, attempts
		FROM reconstructions
		ORDER BY created_at_utc DESC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RunSummary
	for rows.Next() {
		var run model.RunSummary
		if err := rows.Scan(&run.ID, &run.CreatedAtUTC, &run.Tips, &run.States, &run.Attempts); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteReconstruction(ctx context.Context, id string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM reconstructions WHERE id = ?`, id); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rate_traces WHERE run_id = ?`, id); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) SaveRateTrace(ctx context.Context, trace model.RateTrace) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeRateTrace(trace)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO rate_traces (run_id, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, trace.RunID, trace.SchemaVersion, trace.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetRateTrace(ctx context.Context, runID string) (model.RateTrace, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.RateTrace{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM rate_traces WHERE run_id = ?`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RateTrace{}, false, nil
		}
		return model.RateTrace{}, false, err
	}

	trace, err := DecodeRateTrace(payload)
	if err != nil {
		return model.RateTrace{}, false, fmt.Errorf("decode rate trace %s: %w", runID, err)
	}
	return trace, true, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS reconstructions (
			id TEXT PRIMARY KEY,
			created_at_utc TEXT NOT NULL,
			tips INTEGER NOT NULL,
			states INTEGER NOT NULL,
			attempts INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS rate_traces (
			run_id TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
	`)
	return err
}
