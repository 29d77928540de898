package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"carewatch/core/store"
	"carewatch/core/utils"
)

// policyDocument is the operator-edited configuration format: one JSON file
// holding every policy definition.
type policyDocument struct {
	Policies []policyDefinition `json:"policies"`
}

type policyDefinition struct {
	ID                    string          `json:"id"`
	Version               int             `json:"version"`
	Name                  string          `json:"name"`
	IncidentType          string          `json:"incident_type"`
	SubType               *string         `json:"sub_type,omitempty"`
	EffectiveFrom         time.Time       `json:"effective_from"`
	Expiry                *time.Time      `json:"expiry,omitempty"`
	IsActive              bool            `json:"is_active"`
	AssignedRole          string          `json:"assigned_role"`
	DocumentationRequired bool            `json:"documentation_required"`
	Trigger               json.RawMessage `json:"trigger"`
	Schedule              []Phase         `json:"schedule"`
}

// Loader seeds policy definitions from configuration into the store. A
// version already referenced by generated tasks is immutable: changing it in
// the file is a configuration error.
type Loader struct {
	policies store.PoliciesStore
	tasks    store.TasksStore
	logger   *utils.Logger
}

func NewLoader(policies store.PoliciesStore, tasks store.TasksStore, logger *utils.Logger) *Loader {
	return &Loader{policies: policies, tasks: tasks, logger: logger}
}

// SeedFromFile loads and upserts the definitions at path. A missing file is
// not an error; the store may already hold policies.
func (l *Loader) SeedFromFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if l.logger != nil {
				l.logger.Printf("policy: no definition file at %s, keeping stored policies", path)
			}
			return nil
		}
		return fmt.Errorf("read policy file: %w", err)
	}
	var doc policyDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse policy file %s: %w", path, err)
	}
	for i := range doc.Policies {
		if err := l.seedOne(ctx, &doc.Policies[i]); err != nil {
			return err
		}
	}
	if l.logger != nil {
		l.logger.Printf("policy: seeded %d definitions from %s", len(doc.Policies), path)
	}
	return nil
}

func (l *Loader) seedOne(ctx context.Context, def *policyDefinition) error {
	trigger, err := UnmarshalTrigger(def.Trigger)
	if err != nil {
		return fmt.Errorf("policy %s v%d: %w", def.ID, def.Version, err)
	}
	pol := &Policy{
		ID:                    def.ID,
		Version:               def.Version,
		Name:                  def.Name,
		IncidentType:          def.IncidentType,
		SubType:               def.SubType,
		EffectiveFrom:         def.EffectiveFrom,
		Expiry:                def.Expiry,
		IsActive:              def.IsActive,
		AssignedRole:          def.AssignedRole,
		DocumentationRequired: def.DocumentationRequired,
		Trigger:               trigger,
		Schedule:              def.Schedule,
	}
	if err := pol.Validate(); err != nil {
		return err
	}
	rec, err := ToRecord(pol)
	if err != nil {
		return err
	}
	existing, err := l.policies.GetPolicy(ctx, rec.ID, rec.Version)
	if err != nil {
		return err
	}
	if existing != nil && schedulesDiffer(existing, rec) {
		refs, err := l.tasks.CountTasksForPolicy(ctx, rec.ID, rec.Version)
		if err != nil {
			return err
		}
		if refs > 0 {
			return fmt.Errorf("policy %s v%d is referenced by %d tasks and cannot change; bump the version", rec.ID, rec.Version, refs)
		}
	}
	return l.policies.UpsertPolicy(ctx, rec)
}

func schedulesDiffer(a, b *store.PolicyRecord) bool {
	return a.ScheduleJSON != b.ScheduleJSON || a.TriggerJSON != b.TriggerJSON
}
