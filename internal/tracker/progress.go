package tracker

import (
	"math"
	"time"

	"villaops/internal/models"
)

const earthRadiusMeters = 6371000.0

// DistanceMeters is the great-circle distance between two coordinates.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(a)))
}

// DeriveStage maps a job status and the latest location ping onto a
// progress stage. ping may be nil; property may be nil when unknown.
func DeriveStage(job *models.Job, ping *models.TelemetryPing, property *models.Property, radiusMeters float64) models.Stage {
	switch job.Status {
	case models.JobCompleted, models.JobVerified:
		return models.StageCompleted
	case models.JobInProgress:
		if ping != nil && ping.JobID == job.ID && ping.Stage == models.StageQualityCheck {
			return models.StageQualityCheck
		}
		return models.StageInProgress
	case models.JobAssigned, models.JobAccepted:
		if ping == nil {
			return models.StageNotStarted
		}
		if property == nil || (property.Latitude == 0 && property.Longitude == 0) {
			return models.StageTraveling
		}
		if DistanceMeters(ping.Latitude, ping.Longitude, property.Latitude, property.Longitude) <= radiusMeters {
			return models.StageOnSite
		}
		return models.StageTraveling
	default:
		return models.StageNotStarted
	}
}

// lifecycleRank orders the forward path of a job. Cancelled is unranked.
var lifecycleRank = map[models.JobStatus]int{
	models.JobPending:    1,
	models.JobAssigned:   2,
	models.JobAccepted:   3,
	models.JobInProgress: 4,
	models.JobCompleted:  5,
	models.JobVerified:   6,
}

// HoldStage keeps the stage already reached while the job moves forward
// under the same assignee. Rolling the status back or changing the assignee
// starts over from the derived stage.
func HoldStage(derived models.Stage, job *models.Job, prev *models.ProgressSnapshot) models.Stage {
	if prev == nil || prev.JobStatus == "" || prev.StaffID != job.AssignedStaffID {
		return derived
	}
	was, ok := lifecycleRank[prev.JobStatus]
	if !ok {
		return derived
	}
	now, ok := lifecycleRank[job.Status]
	if !ok || now < was {
		return derived
	}
	if derived.Floor() < prev.CurrentStage.Floor() {
		return prev.CurrentStage
	}
	return derived
}

// Progress is the displayed completion percentage. The previous value only
// holds while the stage does not move backwards; HoldStage decides when it
// may.
func Progress(stage models.Stage, reported int, previous *models.ProgressSnapshot) int {
	if stage == models.StageCompleted {
		return 100
	}
	p := stage.Floor()
	if reported > p {
		p = reported
	}
	if previous != nil && stage.Floor() >= previous.CurrentStage.Floor() && previous.ProgressPercentage > p {
		p = previous.ProgressPercentage
	}
	// Only a completed stage reports 100.
	return clamp(p, 0, 99)
}

// RiskInput is everything the delay risk depends on.
type RiskInput struct {
	DurationMinutes int
	Progress        int
	Deadline        time.Time
	Now             time.Time
	Stale           bool
	Penalty         int
}

// DelayRisk scores 0..100 how likely the job misses its deadline. The ratio
// of remaining work to remaining time maps to 0 up to 0.5, rises linearly to
// 70 at 1.0 and to 100 at 1.5. Overdue work scores 100.
func DelayRisk(in RiskInput) int {
	if in.Progress >= 100 {
		return 0
	}

	remainingWork := time.Duration(float64(in.DurationMinutes)*float64(100-in.Progress)/100) * time.Minute
	timeLeft := in.Deadline.Sub(in.Now)

	var risk float64
	switch {
	case timeLeft <= 0:
		risk = 100
	default:
		ratio := float64(remainingWork) / float64(timeLeft)
		switch {
		case ratio <= 0.5:
			risk = 0
		case ratio <= 1.0:
			risk = (ratio - 0.5) / 0.5 * 70
		case ratio <= 1.5:
			risk = 70 + (ratio-1.0)/0.5*30
		default:
			risk = 100
		}
	}

	if in.Stale {
		risk += float64(in.Penalty)
	}
	return clamp(int(math.Round(risk)), 0, 100)
}

// EstimatedCompletion projects the finish time from the remaining work,
// never earlier than the scheduled start.
func EstimatedCompletion(job *models.Job, progress int, now time.Time) time.Time {
	from := now
	if start := job.ScheduledStart(); start.After(from) {
		from = start
	}
	remaining := time.Duration(float64(job.EstimatedDuration)*float64(100-progress)/100) * time.Minute
	return from.Add(remaining)
}

// materialChange reports whether a new snapshot is worth broadcasting.
func materialChange(prev, next *models.ProgressSnapshot) bool {
	if prev == nil {
		return true
	}
	if prev.ProgressPercentage != next.ProgressPercentage ||
		prev.CurrentStage != next.CurrentStage ||
		prev.RiskLevel != next.RiskLevel ||
		prev.StaffID != next.StaffID {
		return true
	}
	diff := prev.DelayRiskPercent - next.DelayRiskPercent
	return diff >= 5 || diff <= -5
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
