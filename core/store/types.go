package store

import (
	"errors"
	"time"
)

var ErrConflict = errors.New("conflict")

const (
	TaskPending   = "pending"
	TaskCompleted = "completed"
)

// Incident is one reported event ingested from the external collaborator.
// SubType stays nil until the policy selector classifies it; Status is owned
// by the status aggregator.
type Incident struct {
	ID           int64     `json:"id"`
	ExternalRef  string    `json:"external_ref"`
	SubjectRef   string    `json:"subject_ref"`
	IncidentType string    `json:"incident_type"`
	SubType      *string   `json:"sub_type,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
	Site         string    `json:"site"`
	Description  string    `json:"description"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Task is one concrete monitoring obligation derived from a policy phase.
// The (incident, policy, phase, visit) tuple is unique per batch.
type Task struct {
	ID                    int64      `json:"id"`
	IncidentID            int64      `json:"incident_id"`
	PolicyID              string     `json:"policy_id"`
	PolicyVersion         int        `json:"policy_version"`
	PhaseIndex            int        `json:"phase_index"`
	VisitIndex            int        `json:"visit_index"`
	DueAt                 time.Time  `json:"due_at"`
	AssignedRole          string     `json:"assigned_role"`
	DocumentationRequired bool       `json:"documentation_required"`
	Status                string     `json:"status"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	CompletionEvidenceRef *string    `json:"completion_evidence_ref,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

// PolicyRecord is the serialized form of a policy as persisted. The trigger
// and schedule columns hold the tagged-JSON documents decoded by core/policy.
type PolicyRecord struct {
	ID                    string     `json:"id"`
	Version               int        `json:"version"`
	Name                  string     `json:"name"`
	IncidentType          string     `json:"incident_type"`
	SubType               *string    `json:"sub_type,omitempty"`
	EffectiveFrom         time.Time  `json:"effective_from"`
	Expiry                *time.Time `json:"expiry,omitempty"`
	IsActive              bool       `json:"is_active"`
	AssignedRole          string     `json:"assigned_role"`
	DocumentationRequired bool       `json:"documentation_required"`
	TriggerJSON           string     `json:"trigger_json"`
	ScheduleJSON          string     `json:"schedule_json"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// CacheEntry is a precomputed aggregate view. Entries past ExpiresAt are
// invisible to readers.
type CacheEntry struct {
	Key        string    `json:"key"`
	Payload    string    `json:"payload"`
	ComputedAt time.Time `json:"computed_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

const (
	RunProcessing = "processing"
	RunIdle       = "idle"
	RunError      = "error"
)

// ConsolidatorRun records one consolidation cycle for observability.
type ConsolidatorRun struct {
	ID         int64      `json:"id"`
	Status     string     `json:"status"`
	Detail     string     `json:"detail,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
