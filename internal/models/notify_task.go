package models

import "time"

const (
	NotifyRiskEscalation   = "risk_escalation"
	NotifySchedulingFailed = "scheduling_failed"
	NotifyStaffAssigned    = "staff_assigned"
)

// NotifyTask is a queued outbound notification.
type NotifyTask struct {
	ID          int64      `json:"id"`
	TaskType    string     `json:"task_type"`
	EntityID    string     `json:"entity_id"`
	Payload     string     `json:"payload"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	LastError   *string    `json:"last_error"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at"`
	NextRetryAt *time.Time `json:"next_retry_at"`
}
