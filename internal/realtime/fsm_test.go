package realtime

import (
	"testing"
	"time"

	"villaops/internal/domain"
	"villaops/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachineEscalatesThroughTiers(t *testing.T) {
	m := newMachine()
	assert.Equal(t, StateTryingPrimary, m.State())

	steps := []struct {
		event Event
		state State
		tier  Tier
	}{
		{EventSetupFailed, StateTryingOptimized, TierOptimized},
		{EventSetupOK, StateActive, TierOptimized},
		{EventHeartbeatTimeout, StateTryingFallback, TierFallback},
		{EventSetupOK, StateActive, TierFallback},
		{EventHeartbeatTimeout, StateUnavailable, TierFallback},
	}
	for _, step := range steps {
		state, err := m.Fire(step.event)
		require.NoError(t, err, "event %s", step.event)
		assert.Equal(t, step.state, state)
		assert.Equal(t, step.tier, m.Tier())
	}
}

func TestMachineRejectsInvalidEvents(t *testing.T) {
	m := newMachine()
	_, err := m.Fire(EventHeartbeatTimeout)
	assert.Error(t, err, "heartbeat timeout while still trying")

	_, err = m.Fire(EventSetupOK)
	require.NoError(t, err)
	_, err = m.Fire(EventSetupOK)
	assert.Error(t, err, "setup_ok while active")

	for range tierOrder {
		m.escalate()
	}
	assert.Equal(t, StateUnavailable, m.State())
	for _, ev := range []Event{EventSetupOK, EventSetupFailed, EventHeartbeatTimeout} {
		_, err := m.Fire(ev)
		assert.Error(t, err, "unavailable is final")
	}
}

func event(seq int64, id string, change models.ChangeType) models.ChangeEvent {
	return models.ChangeEvent{
		Seq:        seq,
		EntityType: models.EntityJob,
		EntityID:   id,
		ChangeType: change,
		Timestamp:  time.Unix(1_750_000_000, seq*1000).UTC(),
		PropertyID: "villa-1",
		StaffID:    "s1",
		Status:     string(models.JobAssigned),
	}
}

func TestDeduper(t *testing.T) {
	d := newDeduper(2)

	assert.True(t, d.Accept(event(1, "j1", models.ChangeAdded)))
	assert.False(t, d.Accept(event(1, "j1", models.ChangeAdded)), "same key")
	assert.True(t, d.Accept(event(2, "j2", models.ChangeAdded)))
	assert.False(t, d.Accept(event(1, "j9", models.ChangeAdded)), "seq already passed")

	noSeq := event(0, "j3", models.ChangeModified)
	assert.True(t, d.Accept(noSeq))
	assert.False(t, d.Accept(noSeq))

	progress := event(1, "j1", models.ChangeModified)
	progress.EntityType = models.EntityProgress
	assert.True(t, d.Accept(progress), "seq is tracked per entity type")

	assert.Equal(t, map[string]int64{models.EntityJob: 2, models.EntityProgress: 1}, d.LastSeq())
	assert.Len(t, d.order, 2)
}

func TestDeduper_JobAndProgressOfSameJob(t *testing.T) {
	d := newDeduper(8)

	job := event(0, "j1", models.ChangeModified)
	progress := job
	progress.EntityType = models.EntityProgress

	assert.True(t, d.Accept(job))
	assert.True(t, d.Accept(progress))
	assert.False(t, d.Accept(progress))
}

func TestFilterMatch(t *testing.T) {
	f := Filter{PropertyIDs: []string{"villa-1"}, StaffID: "s1", Statuses: []string{"assigned"}}

	assert.True(t, f.Match(event(1, "j1", models.ChangeModified)))

	other := event(2, "j2", models.ChangeModified)
	other.PropertyID = "villa-2"
	assert.False(t, f.Match(other))

	otherStaff := event(3, "j3", models.ChangeModified)
	otherStaff.StaffID = "s2"
	assert.False(t, f.Match(otherStaff))

	blind := models.ChangeEvent{EntityType: models.EntityProgress, EntityID: "j1", ChangeType: models.ChangeDeleted}
	assert.True(t, f.Match(blind), "deletion without attributes passes")

	typed := Filter{EntityTypes: []string{models.EntityProgress}}
	assert.False(t, typed.Match(event(4, "j4", models.ChangeAdded)))
	assert.True(t, typed.Match(blind))
}

func TestFilterQueryPerTier(t *testing.T) {
	f := Filter{EntityTypes: []string{"job"}, PropertyIDs: []string{"villa-1"}, StaffID: "s1", Statuses: []string{"pending"}}

	assert.Equal(t, domain.ChangeQuery{EntityTypes: []string{"job"}, PropertyIDs: []string{"villa-1"}, StaffID: "s1", Statuses: []string{"pending"}}, f.Query(TierPrimary))
	assert.Equal(t, domain.ChangeQuery{PropertyIDs: []string{"villa-1"}}, f.Query(TierOptimized))
	assert.Equal(t, domain.ChangeQuery{}, f.Query(TierFallback))
}

func TestFilterValidate(t *testing.T) {
	assert.NoError(t, Filter{EntityTypes: []string{"job", "progress"}, Statuses: []string{"pending"}}.validate())

	err := Filter{EntityTypes: []string{"booking"}, Statuses: []string{"done"}}.validate()
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 2)
}
