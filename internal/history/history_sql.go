package history

import (
	"context"
	"database/sql"
	"time"
)

// Store records finished download runs. Purely observational: the cache
// works identically without a database, and every method on a nil Store is
// a no-op.
type Store struct{ DB *sql.DB }

func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

func (s *Store) RecordRun(ctx context.Context, assetID string, completed, failed int, took time.Duration) error {
	if s == nil || s.DB == nil {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO download_runs (asset_id, segments_completed, segments_failed, duration_ms, finished_at)
VALUES ($1,$2,$3,$4, now())`,
		assetID, completed, failed, took.Milliseconds())
	return err
}

type Run struct {
	AssetID    string    `json:"assetId"`
	Completed  int       `json:"segmentsCompleted"`
	Failed     int       `json:"segmentsFailed"`
	DurationMs int64     `json:"durationMs"`
	FinishedAt time.Time `json:"finishedAt"`
}

func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if s == nil || s.DB == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT asset_id, segments_completed, segments_failed, duration_ms, finished_at
FROM download_runs
ORDER BY finished_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.AssetID, &r.Completed, &r.Failed, &r.DurationMs, &r.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
