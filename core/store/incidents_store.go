package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

type IncidentsStore interface {
	CreateIncident(ctx context.Context, incident *Incident) (int64, error)
	GetIncident(ctx context.Context, id int64) (*Incident, error)
	GetIncidentByExternalRef(ctx context.Context, externalRef string) (*Incident, error)
	SetIncidentSubType(ctx context.Context, id int64, subType string) error
	SetIncidentStatus(ctx context.Context, id int64, status string) error
	ListIncidentsSince(ctx context.Context, since time.Time) ([]Incident, error)
	ListIncidentsByStatus(ctx context.Context, statuses []string) ([]Incident, error)
}

type incidentsStore struct {
	db *sql.DB
}

func NewIncidentsStore(db *sql.DB) IncidentsStore {
	return &incidentsStore{db: db}
}

const incidentColumns = `id, external_ref, subject_ref, incident_type, sub_type, occurred_at, site, description, status, created_at, updated_at`

func (s *incidentsStore) CreateIncident(ctx context.Context, incident *Incident) (int64, error) {
	if strings.TrimSpace(incident.ExternalRef) == "" {
		return 0, errors.New("external_ref is required")
	}
	if strings.TrimSpace(incident.Status) == "" {
		incident.Status = "open"
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents(external_ref, subject_ref, incident_type, sub_type, occurred_at, site, description, status, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?)`,
		strings.TrimSpace(incident.ExternalRef), strings.TrimSpace(incident.SubjectRef), strings.ToLower(strings.TrimSpace(incident.IncidentType)),
		nullableString(incident.SubType), incident.OccurredAt.UTC(), strings.TrimSpace(incident.Site), incident.Description, incident.Status, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrConflict
		}
		return 0, err
	}
	id, _ := res.LastInsertId()
	incident.ID = id
	incident.CreatedAt = now
	incident.UpdatedAt = now
	return id, nil
}

func (s *incidentsStore) GetIncident(ctx context.Context, id int64) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`, id)
	return scanIncident(row)
}

func (s *incidentsStore) GetIncidentByExternalRef(ctx context.Context, externalRef string) (*Incident, error) {
	ref := strings.TrimSpace(externalRef)
	if ref == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE external_ref=?`, ref)
	return scanIncident(row)
}

// SetIncidentSubType writes the classification once; a second write against
// an already-classified incident is a conflict so task history stays stable.
func (s *incidentsStore) SetIncidentSubType(ctx context.Context, id int64, subType string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET sub_type=?, updated_at=? WHERE id=? AND sub_type IS NULL`,
		strings.ToLower(strings.TrimSpace(subType)), now, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *incidentsStore) SetIncidentStatus(ctx context.Context, id int64, status string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `UPDATE incidents SET status=?, updated_at=? WHERE id=?`,
		strings.ToLower(strings.TrimSpace(status)), now, id)
	return err
}

func (s *incidentsStore) ListIncidentsSince(ctx context.Context, since time.Time) ([]Incident, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+incidentColumns+` FROM incidents WHERE occurred_at>=? ORDER BY occurred_at DESC`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIncidents(rows)
}

func (s *incidentsStore) ListIncidentsByStatus(ctx context.Context, statuses []string) ([]Incident, error) {
	var in []string
	for _, raw := range statuses {
		if strings.TrimSpace(raw) != "" {
			in = append(in, strings.ToLower(strings.TrimSpace(raw)))
		}
	}
	if len(in) == 0 {
		return []Incident{}, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(in)), ",")
	args := make([]any, 0, len(in))
	for _, val := range in {
		args = append(args, val)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+incidentColumns+` FROM incidents WHERE status IN (`+placeholders+`) ORDER BY occurred_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIncidents(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*Incident, error) {
	var inc Incident
	var subType sql.NullString
	err := row.Scan(&inc.ID, &inc.ExternalRef, &inc.SubjectRef, &inc.IncidentType, &subType,
		&inc.OccurredAt, &inc.Site, &inc.Description, &inc.Status, &inc.CreatedAt, &inc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if subType.Valid {
		val := subType.String
		inc.SubType = &val
	}
	return &inc, nil
}

func collectIncidents(rows *sql.Rows) ([]Incident, error) {
	items := []Incident{}
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *inc)
	}
	return items, rows.Err()
}

func nullableString(v *string) any {
	if v == nil || strings.TrimSpace(*v) == "" {
		return nil
	}
	return strings.TrimSpace(*v)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
