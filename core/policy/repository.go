package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"carewatch/core/store"
)

// Repository is the engine's read path into versioned policy definitions.
type Repository interface {
	// FindActive returns the newest active policy matching the exact
	// (incident type, sub-type) pair, or nil when none matches.
	FindActive(ctx context.Context, incidentType string, subType *string) (*Policy, error)
	ListActiveForType(ctx context.Context, incidentType string) ([]Policy, error)
	Get(ctx context.Context, id string, version int) (*Policy, error)
	// Deactivate retires one policy version. Tasks already generated from it
	// keep their provenance; only future selection is affected.
	Deactivate(ctx context.Context, id string, version int) error
}

type storeRepository struct {
	policies store.PoliciesStore
	now      func() time.Time
}

func NewRepository(policies store.PoliciesStore) Repository {
	return &storeRepository{policies: policies, now: time.Now}
}

func (r *storeRepository) FindActive(ctx context.Context, incidentType string, subType *string) (*Policy, error) {
	items, err := r.ListActiveForType(ctx, incidentType)
	if err != nil {
		return nil, err
	}
	want := ""
	if subType != nil {
		want = strings.ToLower(strings.TrimSpace(*subType))
	}
	for i := range items {
		pol := &items[i]
		have := ""
		if pol.SubType != nil {
			have = strings.ToLower(strings.TrimSpace(*pol.SubType))
		}
		if have == want && pol.Trigger.Matches(incidentType, want) {
			return pol, nil
		}
	}
	return nil, nil
}

func (r *storeRepository) ListActiveForType(ctx context.Context, incidentType string) ([]Policy, error) {
	records, err := r.policies.ListActivePolicies(ctx, incidentType, r.now().UTC())
	if err != nil {
		return nil, err
	}
	// Records arrive newest version first; keep only the newest per id.
	seen := map[string]bool{}
	out := []Policy{}
	for i := range records {
		rec := &records[i]
		if seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true
		pol, err := FromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, *pol)
	}
	return out, nil
}

func (r *storeRepository) Deactivate(ctx context.Context, id string, version int) error {
	return r.policies.DeactivatePolicy(ctx, id, version)
}

func (r *storeRepository) Get(ctx context.Context, id string, version int) (*Policy, error) {
	rec, err := r.policies.GetPolicy(ctx, id, version)
	if err != nil || rec == nil {
		return nil, err
	}
	return FromRecord(rec)
}

// FromRecord decodes a persisted record into the domain policy.
func FromRecord(rec *store.PolicyRecord) (*Policy, error) {
	trigger, err := UnmarshalTrigger([]byte(rec.TriggerJSON))
	if err != nil {
		return nil, fmt.Errorf("policy %s v%d: %w", rec.ID, rec.Version, err)
	}
	var schedule []Phase
	if err := json.Unmarshal([]byte(rec.ScheduleJSON), &schedule); err != nil {
		return nil, fmt.Errorf("policy %s v%d: decode schedule: %w", rec.ID, rec.Version, err)
	}
	return &Policy{
		ID:                    rec.ID,
		Version:               rec.Version,
		Name:                  rec.Name,
		IncidentType:          rec.IncidentType,
		SubType:               rec.SubType,
		EffectiveFrom:         rec.EffectiveFrom,
		Expiry:                rec.Expiry,
		IsActive:              rec.IsActive,
		AssignedRole:          rec.AssignedRole,
		DocumentationRequired: rec.DocumentationRequired,
		Trigger:               trigger,
		Schedule:              schedule,
	}, nil
}

// ToRecord encodes a policy for persistence.
func ToRecord(pol *Policy) (*store.PolicyRecord, error) {
	triggerJSON, err := MarshalTrigger(pol.Trigger)
	if err != nil {
		return nil, err
	}
	scheduleJSON, err := json.Marshal(pol.Schedule)
	if err != nil {
		return nil, err
	}
	return &store.PolicyRecord{
		ID:                    pol.ID,
		Version:               pol.Version,
		Name:                  pol.Name,
		IncidentType:          strings.ToLower(strings.TrimSpace(pol.IncidentType)),
		SubType:               pol.SubType,
		EffectiveFrom:         pol.EffectiveFrom,
		Expiry:                pol.Expiry,
		IsActive:              pol.IsActive,
		AssignedRole:          pol.AssignedRole,
		DocumentationRequired: pol.DocumentationRequired,
		TriggerJSON:           string(triggerJSON),
		ScheduleJSON:          string(scheduleJSON),
	}, nil
}
