package models

import "time"

type Stage string

const (
	StageNotStarted   Stage = "not_started"
	StageTraveling    Stage = "traveling"
	StageOnSite       Stage = "on_site"
	StageInProgress   Stage = "in_progress"
	StageQualityCheck Stage = "quality_check"
	StageCompleted    Stage = "completed"
)

var stageFloors = map[Stage]int{
	StageNotStarted:   0,
	StageTraveling:    20,
	StageOnSite:       40,
	StageInProgress:   60,
	StageQualityCheck: 80,
	StageCompleted:    100,
}

// Floor is the minimum progress percentage displayed for the stage.
func (s Stage) Floor() int {
	return stageFloors[s]
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageFloors[s]
	return ok
}

type RiskLevel string

const (
	RiskNormal   RiskLevel = "normal"
	RiskElevated RiskLevel = "elevated"
	RiskCritical RiskLevel = "critical"
)

// LevelFor classifies a 0..100 delay risk.
func LevelFor(risk int) RiskLevel {
	switch {
	case risk > 70:
		return RiskCritical
	case risk >= 30:
		return RiskElevated
	default:
		return RiskNormal
	}
}

type ProgressSnapshot struct {
	JobID               string    `json:"job_id"`
	StaffID             string    `json:"staff_id,omitempty"`
	JobStatus           JobStatus `json:"job_status,omitempty"`
	ProgressPercentage  int       `json:"progress_percentage"`
	CurrentStage        Stage     `json:"current_stage"`
	DelayRiskPercent    int       `json:"delay_risk_percent"`
	RiskLevel           RiskLevel `json:"risk_level"`
	EstimatedCompletion time.Time `json:"estimated_completion"`
	LastUpdate          time.Time `json:"last_update"`
}

// TelemetryPing is a staff GPS/status update.
type TelemetryPing struct {
	StaffID          string    `json:"staff_id"`
	JobID            string    `json:"job_id,omitempty"`
	Latitude         float64   `json:"latitude"`
	Longitude        float64   `json:"longitude"`
	Stage            Stage     `json:"stage,omitempty"`
	// ReportedProgress is 0..100; zero reports nothing beyond the stage floor.
	ReportedProgress int       `json:"reported_progress"`
	RecordedAt       time.Time `json:"recorded_at"`
}
