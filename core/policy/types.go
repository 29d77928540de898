// Package policy holds versioned monitoring policies: the trigger that binds
// a policy to an incident classification and the phased visit schedule that
// the task generator expands.
package policy

import (
	"fmt"
	"time"
)

const (
	UnitMinute = "minute"
	UnitHour   = "hour"
	UnitDay    = "day"
)

// Phase is one segment of a schedule: repeat a visit every Interval across
// Duration. Phases are sequential, never overlapping.
type Phase struct {
	Index        int    `json:"index"`
	Interval     int    `json:"interval"`
	IntervalUnit string `json:"interval_unit"`
	Duration     int    `json:"duration"`
	DurationUnit string `json:"duration_unit"`
}

// UnitMinutes normalizes a schedule unit to minutes; days convert at 24x60.
func UnitMinutes(unit string) (int64, error) {
	switch unit {
	case UnitMinute, "min", "minutes":
		return 1, nil
	case UnitHour, "hours":
		return 60, nil
	case UnitDay, "days":
		return 24 * 60, nil
	default:
		return 0, fmt.Errorf("unknown schedule unit %q", unit)
	}
}

func (p Phase) IntervalMinutes() (int64, error) {
	mult, err := UnitMinutes(p.IntervalUnit)
	if err != nil {
		return 0, err
	}
	return int64(p.Interval) * mult, nil
}

func (p Phase) DurationMinutes() (int64, error) {
	mult, err := UnitMinutes(p.DurationUnit)
	if err != nil {
		return 0, err
	}
	return int64(p.Duration) * mult, nil
}

// Policy is immutable once any task references it; new requirements become a
// new version. Deactivation is the only lifecycle change afterwards.
type Policy struct {
	ID                    string           `json:"id"`
	Version               int              `json:"version"`
	Name                  string           `json:"name"`
	IncidentType          string           `json:"incident_type"`
	SubType               *string          `json:"sub_type,omitempty"`
	EffectiveFrom         time.Time        `json:"effective_from"`
	Expiry                *time.Time       `json:"expiry,omitempty"`
	IsActive              bool             `json:"is_active"`
	AssignedRole          string           `json:"assigned_role"`
	DocumentationRequired bool             `json:"documentation_required"`
	Trigger               TriggerCondition `json:"-"`
	Schedule              []Phase          `json:"schedule"`
}

// TotalSpanMinutes is the full monitoring span covered by the schedule.
func (p *Policy) TotalSpanMinutes() (int64, error) {
	var total int64
	for _, ph := range p.Schedule {
		dur, err := ph.DurationMinutes()
		if err != nil {
			return 0, err
		}
		total += dur
	}
	return total, nil
}

// TotalVisits counts the tasks the schedule would produce.
func (p *Policy) TotalVisits() (int, error) {
	total := 0
	for _, ph := range p.Schedule {
		iv, err := ph.IntervalMinutes()
		if err != nil {
			return 0, err
		}
		dur, err := ph.DurationMinutes()
		if err != nil {
			return 0, err
		}
		if iv <= 0 {
			return 0, fmt.Errorf("phase %d: interval must be positive", ph.Index)
		}
		visits := dur / iv
		if visits < 1 {
			visits = 1
		}
		total += int(visits)
	}
	return total, nil
}

// Validate rejects malformed schedules at load time so the generator never
// sees them.
func (p *Policy) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("policy id is required")
	}
	if p.Version <= 0 {
		return fmt.Errorf("policy %s: version must be positive", p.ID)
	}
	if p.IncidentType == "" {
		return fmt.Errorf("policy %s: incident_type is required", p.ID)
	}
	if len(p.Schedule) == 0 {
		return fmt.Errorf("policy %s: schedule must not be empty", p.ID)
	}
	for i, ph := range p.Schedule {
		if ph.Index != i {
			return fmt.Errorf("policy %s: phase indexes must be contiguous from 0", p.ID)
		}
		iv, err := ph.IntervalMinutes()
		if err != nil {
			return fmt.Errorf("policy %s phase %d: %w", p.ID, i, err)
		}
		dur, err := ph.DurationMinutes()
		if err != nil {
			return fmt.Errorf("policy %s phase %d: %w", p.ID, i, err)
		}
		if iv <= 0 || dur <= 0 {
			return fmt.Errorf("policy %s phase %d: interval and duration must be positive", p.ID, i)
		}
	}
	if p.Trigger == nil {
		return fmt.Errorf("policy %s: trigger is required", p.ID)
	}
	return nil
}
