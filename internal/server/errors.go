package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/me/kestrel/internal/scheduler"
	"github.com/me/kestrel/pkg/model"
)

// apiError maps a scheduler error to an API error body; its code gives the
// HTTP status.
func apiError(err error) *model.APIError {
	var (
		apiErr *model.APIError
		nf     *scheduler.NotFoundError
	)
	switch {
	case errors.Is(err, scheduler.ErrValidation):
		if errors.As(err, &apiErr) {
			return apiErr
		}
		return model.NewValidationError(err.Error())
	case errors.As(err, &nf):
		return model.NewNotFoundError(nf.Entity, nf.ID)
	case errors.Is(err, scheduler.ErrNotFound):
		return model.NewError(model.ErrNotFound, "%v", err)
	case errors.Is(err, scheduler.ErrUnauthorized):
		return model.NewError(model.ErrUnauthorized, "%v", err)
	case errors.Is(err, scheduler.ErrInvalidTransition):
		return model.NewError(model.ErrConflict, "%v", err)
	case errors.Is(err, scheduler.ErrStoreUnavailable),
		errors.Is(err, scheduler.ErrStopped),
		errors.Is(err, context.DeadlineExceeded):
		return model.NewError(model.ErrUnavailable, "%v", err)
	default:
		return model.NewError(model.ErrInternal, "%v", err)
	}
}

// respondSchedulerError writes err with the status its kind maps to.
func (s *Server) respondSchedulerError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apiError(err)
	status := apiErr.Code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	respondError(w, RequestIDFromContext(r.Context()), status, apiErr)
}
