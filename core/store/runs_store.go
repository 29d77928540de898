package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type ConsolidatorRunsStore interface {
	StartRun(ctx context.Context, startedAt time.Time) (int64, error)
	FinishRun(ctx context.Context, id int64, status, detail string, finishedAt time.Time) error
	LatestRun(ctx context.Context) (*ConsolidatorRun, error)
}

type consolidatorRunsStore struct {
	db *sql.DB
}

func NewConsolidatorRunsStore(db *sql.DB) ConsolidatorRunsStore {
	return &consolidatorRunsStore{db: db}
}

func (s *consolidatorRunsStore) StartRun(ctx context.Context, startedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO consolidator_runs(status, detail, started_at) VALUES(?,?,?)`,
		RunProcessing, "", startedAt.UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *consolidatorRunsStore) FinishRun(ctx context.Context, id int64, status, detail string, finishedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE consolidator_runs SET status=?, detail=?, finished_at=? WHERE id=?`,
		status, detail, finishedAt.UTC(), id)
	return err
}

func (s *consolidatorRunsStore) LatestRun(ctx context.Context) (*ConsolidatorRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, detail, started_at, finished_at FROM consolidator_runs ORDER BY id DESC LIMIT 1`)
	var run ConsolidatorRun
	var finished sql.NullTime
	err := row.Scan(&run.ID, &run.Status, &run.Detail, &run.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		val := finished.Time
		run.FinishedAt = &val
	}
	return &run, nil
}
