package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

type TasksStore interface {
	// ReplaceBatch deletes any prior batch for the incident and inserts the
	// new one in a single transaction. Generation is all-or-nothing.
	ReplaceBatch(ctx context.Context, incidentID int64, tasks []Task) error
	ListTasksForIncident(ctx context.Context, incidentID int64) ([]Task, error)
	CompleteTask(ctx context.Context, taskID int64, completedAt time.Time, evidenceRef string) error
	ListTasksDueBetween(ctx context.Context, from, to time.Time) ([]Task, error)
	ListPendingTasks(ctx context.Context) ([]Task, error)
	CountTasksForPolicy(ctx context.Context, policyID string, version int) (int64, error)
}

type tasksStore struct {
	db *sql.DB
}

func NewTasksStore(db *sql.DB) TasksStore {
	return &tasksStore{db: db}
}

const taskColumns = `id, incident_id, policy_id, policy_version, phase_index, visit_index, due_at, assigned_role, documentation_required, status, completed_at, completion_evidence_ref, created_at`

func (s *tasksStore) ReplaceBatch(ctx context.Context, incidentID int64, tasks []Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE incident_id=?`, incidentID); err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range tasks {
		t := &tasks[i]
		if strings.TrimSpace(t.Status) == "" {
			t.Status = TaskPending
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks(incident_id, policy_id, policy_version, phase_index, visit_index, due_at, assigned_role, documentation_required, status, completed_at, completion_evidence_ref, created_at)
			VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
			incidentID, t.PolicyID, t.PolicyVersion, t.PhaseIndex, t.VisitIndex, t.DueAt.UTC(),
			t.AssignedRole, boolToInt(t.DocumentationRequired), t.Status, nullableTime(t.CompletedAt), nullableString(t.CompletionEvidenceRef), now)
		if err != nil {
			return err
		}
		id, _ := res.LastInsertId()
		t.ID = id
		t.IncidentID = incidentID
		t.CreatedAt = now
	}
	return tx.Commit()
}

func (s *tasksStore) ListTasksForIncident(ctx context.Context, incidentID int64) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE incident_id=? ORDER BY phase_index, visit_index`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// CompleteTask transitions pending to completed. Completed tasks are never
// touched again, which keeps reconciliation monotonic.
func (s *tasksStore) CompleteTask(ctx context.Context, taskID int64, completedAt time.Time, evidenceRef string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status=?, completed_at=?, completion_evidence_ref=?
		WHERE id=? AND status=?`,
		TaskCompleted, completedAt.UTC(), strings.TrimSpace(evidenceRef), taskID, TaskPending)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *tasksStore) ListTasksDueBetween(ctx context.Context, from, to time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE due_at>=? AND due_at<? ORDER BY due_at`, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *tasksStore) ListPendingTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE status=? ORDER BY due_at`, TaskPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *tasksStore) CountTasksForPolicy(ctx context.Context, policyID string, version int) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE policy_id=? AND policy_version=?`, policyID, version).Scan(&count)
	return count, err
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var completedAt sql.NullTime
	var evidenceRef sql.NullString
	var docRequired int
	err := row.Scan(&t.ID, &t.IncidentID, &t.PolicyID, &t.PolicyVersion, &t.PhaseIndex, &t.VisitIndex,
		&t.DueAt, &t.AssignedRole, &docRequired, &t.Status, &completedAt, &evidenceRef, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.DocumentationRequired = docRequired != 0
	if completedAt.Valid {
		val := completedAt.Time
		t.CompletedAt = &val
	}
	if evidenceRef.Valid && evidenceRef.String != "" {
		val := evidenceRef.String
		t.CompletionEvidenceRef = &val
	}
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	items := []Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *t)
	}
	return items, rows.Err()
}

func nullableTime(v *time.Time) any {
	if v == nil || v.IsZero() {
		return nil
	}
	return v.UTC()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
