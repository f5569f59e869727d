package api

import (
	"errors"
	"net/http"

	"villaops/internal/domain"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errorBody struct {
	Error      string                         `json:"error"`
	Fields     []domain.FieldError            `json:"fields,omitempty"`
	Conflicts  any                            `json:"conflicts,omitempty"`
	Phrase     string                         `json:"confirmation_phrase,omitempty"`
	Failures   []domain.TierFailure           `json:"failures,omitempty"`
	Transition *domain.InvalidTransitionError `json:"transition,omitempty"`
}

// httpStatus maps service errors onto response codes.
func httpStatus(err error) int {
	var (
		verr *domain.ValidationError
		terr *domain.InvalidTransitionError
		cerr *domain.ConflictError
		nerr *domain.NotFoundError
		qerr *domain.ConfirmationRequiredError
		uerr *domain.SyncUnavailableError
		serr *domain.SchedulingFailedError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &terr), errors.As(err, &cerr), errors.Is(err, domain.ErrConcurrentModification):
		return http.StatusConflict
	case errors.As(err, &nerr):
		return http.StatusNotFound
	case errors.As(err, &qerr):
		return http.StatusPreconditionRequired
	case errors.As(err, &uerr):
		return http.StatusServiceUnavailable
	case errors.As(err, &serr):
		return http.StatusMultiStatus
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(err error) errorBody {
	body := errorBody{Error: err.Error()}
	var (
		verr *domain.ValidationError
		terr *domain.InvalidTransitionError
		cerr *domain.ConflictError
		qerr *domain.ConfirmationRequiredError
		uerr *domain.SyncUnavailableError
	)
	if errors.As(err, &verr) {
		body.Fields = verr.Fields
	}
	if errors.As(err, &terr) {
		body.Transition = terr
	}
	if errors.As(err, &cerr) {
		body.Conflicts = cerr.Conflicts
	}
	if errors.As(err, &qerr) {
		body.Phrase = qerr.Phrase
	}
	if errors.As(err, &uerr) {
		body.Failures = uerr.Failures
	}
	if httpStatus(err) == http.StatusInternalServerError {
		body.Error = "internal error"
	}
	return body
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), errorResponse(err))
}

// grpcError maps service errors onto status codes.
func grpcError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var code codes.Code
	switch httpStatus(err) {
	case http.StatusBadRequest:
		code = codes.InvalidArgument
	case http.StatusConflict:
		code = codes.FailedPrecondition
		var cerr *domain.ConflictError
		if errors.As(err, &cerr) {
			code = codes.AlreadyExists
		}
		if errors.Is(err, domain.ErrConcurrentModification) {
			code = codes.Aborted
		}
	case http.StatusNotFound:
		code = codes.NotFound
	case http.StatusPreconditionRequired:
		code = codes.FailedPrecondition
	case http.StatusServiceUnavailable:
		code = codes.Unavailable
	default:
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}
