package policy

import (
	"context"
	"errors"
	"strings"

	"carewatch/core/classify"
	"carewatch/core/utils"
)

// ErrNoPolicy means no active policy exists for the incident type at all.
// Callers skip task generation and log the configuration gap; it is not a
// fault of the incident.
var ErrNoPolicy = errors.New("policy: no active policy for incident type")

// Selector picks the single applicable policy for an incident. When
// classification is inconclusive or has no exact policy it falls back to the
// most cautious variant for the incident type: the one with the
// longest/densest schedule. Under-monitoring is the unacceptable failure
// mode; over-monitoring is merely wasteful.
type Selector struct {
	repo   Repository
	logger *utils.Logger
}

func NewSelector(repo Repository, logger *utils.Logger) *Selector {
	return &Selector{repo: repo, logger: logger}
}

func (s *Selector) Select(ctx context.Context, incidentType, subType string) (*Policy, error) {
	incidentType = strings.ToLower(strings.TrimSpace(incidentType))
	subType = strings.ToLower(strings.TrimSpace(subType))

	if subType != "" && subType != classify.SubTypeUnknown {
		pol, err := s.repo.FindActive(ctx, incidentType, &subType)
		if err != nil {
			return nil, err
		}
		if pol != nil {
			return pol, nil
		}
		if s.logger != nil {
			s.logger.Printf("policy: no exact policy for %s/%s, using conservative fallback", incidentType, subType)
		}
	}
	return s.conservativeFallback(ctx, incidentType)
}

// conservativeFallback returns the active policy with the greatest total
// monitoring span, breaking ties by visit count and then by id for
// determinism. It never picks "any policy with a matching prefix".
func (s *Selector) conservativeFallback(ctx context.Context, incidentType string) (*Policy, error) {
	candidates, err := s.repo.ListActiveForType(ctx, incidentType)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoPolicy
	}
	var best *Policy
	var bestSpan int64
	var bestVisits int
	for i := range candidates {
		pol := &candidates[i]
		span, err := pol.TotalSpanMinutes()
		if err != nil {
			return nil, err
		}
		visits, err := pol.TotalVisits()
		if err != nil {
			return nil, err
		}
		switch {
		case best == nil,
			span > bestSpan,
			span == bestSpan && visits > bestVisits,
			span == bestSpan && visits == bestVisits && pol.ID < best.ID:
			best = pol
			bestSpan = span
			bestVisits = visits
		}
	}
	return best, nil
}
