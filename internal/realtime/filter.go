package realtime

import (
	"slices"

	"villaops/internal/domain"
	"villaops/internal/models"
)

// Filter selects the changes a session is interested in. Empty fields match
// everything.
type Filter struct {
	EntityTypes []string `json:"entity_types,omitempty"`
	PropertyIDs []string `json:"property_ids,omitempty"`
	StaffID     string   `json:"staff_id,omitempty"`
	Statuses    []string `json:"statuses,omitempty"`
}

func (f Filter) validate() error {
	verr := &domain.ValidationError{}
	for _, t := range f.EntityTypes {
		if t != models.EntityJob && t != models.EntityProgress {
			verr.Add("entity_types", "unknown entity type "+t)
		}
	}
	for _, s := range f.Statuses {
		if !models.JobStatus(s).Valid() {
			verr.Add("statuses", "unknown status "+s)
		}
	}
	return verr.OrNil()
}

// Match applies the whole filter client-side. Deletions that no longer know
// their property or assignee pass those checks so clients can drop them.
func (f Filter) Match(e models.ChangeEvent) bool {
	if len(f.EntityTypes) > 0 && !slices.Contains(f.EntityTypes, e.EntityType) {
		return false
	}
	deletedBlind := e.ChangeType == models.ChangeDeleted
	if len(f.PropertyIDs) > 0 && !slices.Contains(f.PropertyIDs, e.PropertyID) {
		if !deletedBlind || e.PropertyID != "" {
			return false
		}
	}
	if f.StaffID != "" && e.StaffID != f.StaffID {
		if !deletedBlind || e.StaffID != "" {
			return false
		}
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.Status) {
		if !deletedBlind || e.Status != "" {
			return false
		}
	}
	return true
}

// Query returns the part of the filter a tier evaluates server-side.
func (f Filter) Query(t Tier) domain.ChangeQuery {
	switch t {
	case TierPrimary:
		return domain.ChangeQuery{
			EntityTypes: f.EntityTypes,
			PropertyIDs: f.PropertyIDs,
			StaffID:     f.StaffID,
			Statuses:    f.Statuses,
		}
	case TierOptimized:
		return domain.ChangeQuery{PropertyIDs: f.PropertyIDs}
	default:
		return domain.ChangeQuery{}
	}
}
