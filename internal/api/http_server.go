package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"villaops/internal/config"
	"villaops/internal/domain"
	"villaops/internal/metrics"
	"villaops/internal/models"

	"github.com/igm/sockjs-go/sockjs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	actorHeader  = "X-Actor"
	defaultActor = "api"
	dateLayout   = "2006-01-02"
)

// HTTPServer exposes the REST API and the realtime endpoint alongside the
// gRPC service.
type HTTPServer struct {
	cfg    *config.APIConfig
	svc    Services
	server *http.Server
	auth   *HTTPAuth
	logger zerolog.Logger
}

func NewHTTPServer(cfg *config.APIConfig, svc Services, limiter *RateLimiter, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{cfg: cfg, svc: svc, logger: zerolog.Nop()}
	if logger != nil {
		srv.logger = logger.With().Str("component", "http").Logger()
	}
	srv.auth = NewHTTPAuth(cfg, limiter)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/jobs", srv.handleCreateJob)
	mux.HandleFunc("GET /api/v1/jobs", srv.handleListJobs)
	mux.HandleFunc("POST /api/v1/jobs/bulk-transition", srv.handleBulkTransition)
	mux.HandleFunc("GET /api/v1/jobs/{id}", srv.handleGetJob)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", srv.handleDeleteJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/transition", srv.handleTransition)
	mux.HandleFunc("POST /api/v1/jobs/{id}/assign", srv.handleAssign)
	mux.HandleFunc("GET /api/v1/jobs/{id}/progress", srv.handleProgress)
	mux.HandleFunc("POST /api/v1/bookings", srv.handleCreateBooking)
	mux.HandleFunc("GET /api/v1/bookings/{id}", srv.handleGetBooking)
	mux.HandleFunc("POST /api/v1/bookings/{id}/approve", srv.handleApproveBooking)
	mux.HandleFunc("POST /api/v1/bookings/{id}/reject", srv.handleRejectBooking)
	mux.HandleFunc("POST /api/v1/bookings/{id}/cancel", srv.handleCancelBooking)
	mux.HandleFunc("POST /api/v1/bookings/{id}/dispatch", srv.handleDispatchBooking)
	mux.HandleFunc("POST /api/v1/telemetry", srv.handleTelemetry)
	mux.HandleFunc("GET /api/v1/conflicts", srv.handleConflicts)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	rt := newRealtimeHandler(svc, srv.logger)
	mux.Handle(realtimePrefix+"/", sockjs.NewHandler(realtimePrefix, sockjs.DefaultOptions, rt.serve))

	handler := otelhttp.NewHandler(srv.loggingMiddleware(srv.auth.Wrap(mux)), "villaops-api")

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return srv
}

func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var spec models.JobSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	job, err := s.svc.Jobs.CreateJob(r.Context(), spec, actorFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *HTTPServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Jobs.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *HTTPServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.JobFilter{
		PropertyID: strings.TrimSpace(q.Get("property_id")),
		StaffID:    strings.TrimSpace(q.Get("staff_id")),
		BookingID:  strings.TrimSpace(q.Get("booking_id")),
	}
	for _, raw := range splitCSV(q.Get("status")) {
		filter.Statuses = append(filter.Statuses, models.JobStatus(raw))
	}

	verr := &domain.ValidationError{}
	var err error
	if filter.From, err = parseTimeParam(q.Get("from")); err != nil {
		verr.Add("from", err.Error())
	}
	if filter.To, err = parseTimeParam(q.Get("to")); err != nil {
		verr.Add("to", err.Error())
	}
	if err := verr.OrNil(); err != nil {
		writeServiceError(w, err)
		return
	}

	jobs, err := s.svc.Jobs.ListJobs(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, JobList{Jobs: jobs})
}

func (s *HTTPServer) handleTransition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		To    models.JobStatus `json:"to"`
		Notes string           `json:"notes"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.To == "" {
		writeError(w, http.StatusBadRequest, "to is required")
		return
	}
	job, err := s.svc.Jobs.Transition(r.Context(), r.PathValue("id"), body.To, actorFrom(r), body.Notes)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *HTTPServer) handleAssign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StaffID  string `json:"staff_id"`
		Override bool   `json:"override"`
		Notes    string `json:"notes"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.StaffID == "" {
		writeError(w, http.StatusBadRequest, "staff_id is required")
		return
	}
	job, err := s.svc.Jobs.AssignStaff(r.Context(), domain.AssignRequest{
		JobID:    r.PathValue("id"),
		StaffID:  body.StaffID,
		Actor:    actorFrom(r),
		Override: body.Override,
		Notes:    body.Notes,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *HTTPServer) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	err := s.svc.Jobs.DeleteJob(r.Context(), r.PathValue("id"), actorFrom(r), r.URL.Query().Get("confirm"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleBulkTransition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs   []string         `json:"ids"`
		To    models.JobStatus `json:"to"`
		Notes string           `json:"notes"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.IDs) == 0 || body.To == "" {
		writeError(w, http.StatusBadRequest, "ids and to are required")
		return
	}

	result := s.svc.Dispatch.BulkTransition(r.Context(), body.IDs, body.To, actorFrom(r), body.Notes)
	code := http.StatusOK
	if len(result.Failed) > 0 {
		code = http.StatusMultiStatus
	}
	writeJSON(w, code, result)
}

func (s *HTTPServer) handleProgress(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.svc.Tracker.Progress(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *HTTPServer) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var booking models.Booking
	if !decodeBody(w, r, &booking) {
		return
	}
	override, _ := strconv.ParseBool(r.URL.Query().Get("override"))
	created, err := s.svc.Bookings.CreateBooking(r.Context(), &booking, override)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	booking, err := s.svc.Bookings.GetBooking(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

// handleApproveBooking approves and schedules in one call. A booking that
// was approved but could not be scheduled answers 207 with the result.
func (s *HTTPServer) handleApproveBooking(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Override bool `json:"override"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	result, err := s.svc.Bookings.QuickApprove(r.Context(), r.PathValue("id"), actorFrom(r), body.Override)
	var serr *domain.SchedulingFailedError
	switch {
	case errors.As(err, &serr) && result != nil:
		writeJSON(w, http.StatusMultiStatus, result)
	case err != nil:
		writeServiceError(w, err)
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *HTTPServer) handleRejectBooking(w http.ResponseWriter, r *http.Request) {
	booking, err := s.svc.Bookings.RejectBooking(r.Context(), r.PathValue("id"), actorFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	booking, err := s.svc.Bookings.CancelBooking(r.Context(), r.PathValue("id"), actorFrom(r), body.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleDispatchBooking(w http.ResponseWriter, r *http.Request) {
	booking, err := s.svc.Bookings.GetBooking(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	jobs, err := s.svc.Dispatch.CreateJobsFromBooking(r.Context(), booking, actorFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, JobList{Jobs: jobs})
}

func (s *HTTPServer) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var ping models.TelemetryPing
	if !decodeBody(w, r, &ping) {
		return
	}
	snapshots, err := s.svc.Tracker.HandleTelemetry(r.Context(), ping)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if snapshots == nil {
		snapshots = []*models.ProgressSnapshot{}
	}
	writeJSON(w, http.StatusAccepted, SnapshotList{Snapshots: snapshots})
}

func (s *HTTPServer) handleConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, ferr := parseTimeParam(q.Get("from"))
	to, terr := parseTimeParam(q.Get("to"))
	if ferr != nil || terr != nil || from.IsZero() || to.IsZero() {
		writeError(w, http.StatusBadRequest, "from and to are required; expected YYYY-MM-DD or RFC3339")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "to must be after from")
		return
	}

	conflicts, err := s.svc.Dispatch.Conflicts(r.Context(), from, to)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []models.Conflict{}
	}
	writeJSON(w, http.StatusOK, ConflictList{Conflicts: conflicts})
}

func actorFrom(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get(actorHeader)); actor != "" {
		return actor
	}
	return defaultActor
}

// decodeBody decodes a JSON body into dst. An empty body leaves dst as is.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func parseTimeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(dateLayout, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q; expected YYYY-MM-DD or RFC3339", raw)
	}
	return t.UTC(), nil
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		dur := time.Since(start)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.IncHTTP(endpoint, recorder.status)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", dur).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the realtime websocket transport take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
