package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"villaops/internal/config"
	"villaops/internal/database"
	"villaops/internal/events"
	"villaops/internal/models"
	"villaops/internal/realtime"
	"villaops/internal/repository"
	"villaops/internal/service"
	"villaops/internal/tracker"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testProperties = []models.Property{
	{ID: "villa-sunset", Name: "Villa Sunset", MaxGuests: 6},
	{ID: "villa-broken", Name: "Villa Broken", MaxGuests: 4, CleaningStartTime: "late"},
}

var testStaff = []models.Staff{
	{ID: "s1", Name: "Ana"},
	{ID: "s2", Name: "Budi"},
}

type apiEnv struct {
	db  *database.DB
	svc Services
}

func setupServices(t *testing.T) *apiEnv {
	t.Helper()
	logger := zerolog.Nop()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "api.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := events.NewBus(nil)
	dir := service.NewStaticDirectory(testProperties, testStaff)
	dispatchCfg := config.DispatchConfig{
		CheckoutStartTime: models.DefaultCheckoutTime,
		CheckInTime:       models.DefaultCheckInTime,
		CleaningMinutes:   180,
		InspectionMinutes: 30,
		BulkConcurrency:   2,
	}

	jobs := service.NewJobService(db, dir, dir, bus, db, dispatchCfg, &logger)
	dispatch := service.NewDispatchService(jobs, db, dir, dispatchCfg, &logger)
	bookings := service.NewBookingService(db, jobs, dispatch, dir, db, &logger)
	progress := tracker.New(jobs, dir, repository.NewMemorySnapshotRepository(time.Hour), db, bus, db,
		config.TrackerConfig{Interval: 50 * time.Millisecond}, &logger)

	syncCfg := config.SyncConfig{
		SetupTimeout:     time.Second,
		HeartbeatTimeout: 2 * time.Second,
		PollInterval:     20 * time.Millisecond,
	}
	coordinator := realtime.NewCoordinator(realtime.NewLogSource(db, syncCfg, &logger), syncCfg, &logger)
	t.Cleanup(coordinator.Close)

	return &apiEnv{
		db: db,
		svc: Services{
			Jobs:     jobs,
			Dispatch: dispatch,
			Bookings: bookings,
			Tracker:  progress,
			Sync:     coordinator,
		},
	}
}

func openAPI() *config.APIConfig {
	return &config.APIConfig{
		Enabled: true,
		HTTP:    config.APIHTTPConfig{Enabled: true},
	}
}

func newTestHTTP(t *testing.T, env *apiEnv, cfg *config.APIConfig) *httptest.Server {
	t.Helper()
	logger := zerolog.Nop()
	srv := NewHTTPServer(cfg, env.svc, NewRateLimiter(cfg), &logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req, err := http.NewRequest(method, url, &payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(actorHeader, "dispatcher")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func cleaningSpec(propertyID, title string) models.JobSpec {
	return models.JobSpec{
		PropertyID:         propertyID,
		JobType:            models.JobTypeCleaning,
		Title:              title,
		EstimatedDuration:  120,
		ScheduledDate:      day(2025, 3, 1),
		ScheduledStartTime: "10:00",
	}
}
