package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

type PoliciesStore interface {
	UpsertPolicy(ctx context.Context, rec *PolicyRecord) error
	GetPolicy(ctx context.Context, id string, version int) (*PolicyRecord, error)
	// ListActivePolicies returns active, effective, unexpired records for the
	// incident type, newest version first.
	ListActivePolicies(ctx context.Context, incidentType string, now time.Time) ([]PolicyRecord, error)
	DeactivatePolicy(ctx context.Context, id string, version int) error
}

type policiesStore struct {
	db *sql.DB
}

func NewPoliciesStore(db *sql.DB) PoliciesStore {
	return &policiesStore{db: db}
}

const policyColumns = `id, version, name, incident_type, sub_type, effective_from, expiry, is_active, assigned_role, documentation_required, trigger_json, schedule_json, created_at, updated_at`

func (s *policiesStore) UpsertPolicy(ctx context.Context, rec *PolicyRecord) error {
	if strings.TrimSpace(rec.ID) == "" || rec.Version <= 0 {
		return errors.New("policy id and version are required")
	}
	now := time.Now().UTC()
	existing, err := s.GetPolicy(ctx, rec.ID, rec.Version)
	if err != nil {
		return err
	}
	if existing == nil {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO policies(id, version, name, incident_type, sub_type, effective_from, expiry, is_active, assigned_role, documentation_required, trigger_json, schedule_json, created_at, updated_at)
			VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			rec.ID, rec.Version, rec.Name, strings.ToLower(strings.TrimSpace(rec.IncidentType)), nullableString(rec.SubType),
			rec.EffectiveFrom.UTC(), nullableTime(rec.Expiry), boolToInt(rec.IsActive), rec.AssignedRole,
			boolToInt(rec.DocumentationRequired), rec.TriggerJSON, rec.ScheduleJSON, now, now)
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE policies SET name=?, incident_type=?, sub_type=?, effective_from=?, expiry=?, is_active=?, assigned_role=?, documentation_required=?, trigger_json=?, schedule_json=?, updated_at=?
		WHERE id=? AND version=?`,
		rec.Name, strings.ToLower(strings.TrimSpace(rec.IncidentType)), nullableString(rec.SubType),
		rec.EffectiveFrom.UTC(), nullableTime(rec.Expiry), boolToInt(rec.IsActive), rec.AssignedRole,
		boolToInt(rec.DocumentationRequired), rec.TriggerJSON, rec.ScheduleJSON, now, rec.ID, rec.Version)
	return err
}

func (s *policiesStore) GetPolicy(ctx context.Context, id string, version int) (*PolicyRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id=? AND version=?`, strings.TrimSpace(id), version)
	return scanPolicyRecord(row)
}

func (s *policiesStore) ListActivePolicies(ctx context.Context, incidentType string, now time.Time) ([]PolicyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+policyColumns+` FROM policies
		WHERE incident_type=? AND is_active=1 AND effective_from<=? AND (expiry IS NULL OR expiry>?)
		ORDER BY version DESC`,
		strings.ToLower(strings.TrimSpace(incidentType)), now.UTC(), now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []PolicyRecord{}
	for rows.Next() {
		rec, err := scanPolicyRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *rec)
	}
	return items, rows.Err()
}

func (s *policiesStore) DeactivatePolicy(ctx context.Context, id string, version int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE policies SET is_active=0, updated_at=? WHERE id=? AND version=? AND is_active=1`,
		time.Now().UTC(), strings.TrimSpace(id), version)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

func scanPolicyRecord(row rowScanner) (*PolicyRecord, error) {
	var rec PolicyRecord
	var subType sql.NullString
	var expiry sql.NullTime
	var isActive, docRequired int
	err := row.Scan(&rec.ID, &rec.Version, &rec.Name, &rec.IncidentType, &subType, &rec.EffectiveFrom, &expiry,
		&isActive, &rec.AssignedRole, &docRequired, &rec.TriggerJSON, &rec.ScheduleJSON, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if subType.Valid && subType.String != "" {
		val := subType.String
		rec.SubType = &val
	}
	if expiry.Valid {
		val := expiry.Time
		rec.Expiry = &val
	}
	rec.IsActive = isActive != 0
	rec.DocumentationRequired = docRequired != 0
	return &rec, nil
}
