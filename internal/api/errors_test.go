package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"villaops/internal/domain"
	"villaops/internal/models"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		http int
		grpc codes.Code
	}{
		{"validation", &domain.ValidationError{Fields: []domain.FieldError{{Field: "title", Reason: "is required"}}}, http.StatusBadRequest, codes.InvalidArgument},
		{"transition", &domain.InvalidTransitionError{From: models.JobPending, To: models.JobCompleted}, http.StatusConflict, codes.FailedPrecondition},
		{"conflict", &domain.ConflictError{}, http.StatusConflict, codes.AlreadyExists},
		{"concurrent", fmt.Errorf("update job: %w", domain.ErrConcurrentModification), http.StatusConflict, codes.Aborted},
		{"not found", &domain.NotFoundError{Entity: "job", ID: "j1"}, http.StatusNotFound, codes.NotFound},
		{"confirmation", &domain.ConfirmationRequiredError{JobID: "j1", Phrase: "Turnover"}, http.StatusPreconditionRequired, codes.FailedPrecondition},
		{"unavailable", &domain.SyncUnavailableError{SessionID: "s1"}, http.StatusServiceUnavailable, codes.Unavailable},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.http, httpStatus(tt.err))
			assert.Equal(t, tt.grpc, status.Code(grpcError(tt.err)))
		})
	}

	assert.NoError(t, grpcError(nil))
}

func TestErrorResponse(t *testing.T) {
	body := errorResponse(&domain.ConfirmationRequiredError{JobID: "j1", Phrase: "Turnover"})
	assert.Equal(t, "Turnover", body.Phrase)

	body = errorResponse(&domain.SyncUnavailableError{Failures: []domain.TierFailure{{Tier: "primary", Reason: "timeout"}}})
	assert.Len(t, body.Failures, 1)

	body = errorResponse(fmt.Errorf("query: %w", errors.New("no such table")))
	assert.Equal(t, "internal error", body.Error)
}
