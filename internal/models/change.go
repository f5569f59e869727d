package models

import "time"

// ChangeEvent is one committed change of an entity, in global commit order.
type ChangeEvent struct {
	Seq        int64             `json:"seq"`
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	ChangeType ChangeType        `json:"change_type"`
	Timestamp  time.Time         `json:"timestamp"`
	PropertyID string            `json:"property_id,omitempty"`
	StaffID    string            `json:"staff_id,omitempty"`
	Status     string            `json:"status,omitempty"`
	Job        *Job              `json:"job,omitempty"`
	Progress   *ProgressSnapshot `json:"progress,omitempty"`
}

// DedupeKey identifies a delivery for at-least-once de-duplication.
// Progress events reuse the job id, so the entity type is part of the key.
type DedupeKey struct {
	EntityType string
	EntityID   string
	ChangeType ChangeType
	Timestamp  int64
}

func (e ChangeEvent) Key() DedupeKey {
	return DedupeKey{EntityType: e.EntityType, EntityID: e.EntityID, ChangeType: e.ChangeType, Timestamp: e.Timestamp.UnixNano()}
}

// JobChange builds the change event for a job snapshot.
func JobChange(job *Job, changeType ChangeType) ChangeEvent {
	return ChangeEvent{
		EntityType: EntityJob,
		EntityID:   job.ID,
		ChangeType: changeType,
		Timestamp:  job.UpdatedAt,
		PropertyID: job.PropertyID,
		StaffID:    job.AssignedStaffID,
		Status:     string(job.Status),
		Job:        job,
	}
}
