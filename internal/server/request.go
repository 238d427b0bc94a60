package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/me/kestrel/pkg/model"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// decodeBody decodes the JSON request body into v. An empty body leaves v
// untouched. On failure it writes the 400 response.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	respondError(w, RequestIDFromContext(r.Context()), http.StatusBadRequest, &model.APIError{
		Code:    model.ErrValidation,
		Message: "invalid JSON body: " + err.Error(),
	})
	return false
}

// jobIDParam parses the {id} path parameter as a job id.
func jobIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		respondError(w, RequestIDFromContext(r.Context()), http.StatusBadRequest,
			model.NewValidationError("invalid job id",
				model.FieldError{Field: "id", Message: "job id must be a positive integer, got " + strconv.Quote(raw)}))
		return 0, false
	}
	return id, true
}

// taskIDParam parses the {tid} path parameter as a task ordinal.
func taskIDParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := chi.URLParam(r, "tid")
	id, err := strconv.Atoi(raw)
	if err != nil || id < 0 {
		respondError(w, RequestIDFromContext(r.Context()), http.StatusBadRequest,
			model.NewValidationError("invalid task id",
				model.FieldError{Field: "tid", Message: "task id must be a non-negative integer, got " + strconv.Quote(raw)}))
		return 0, false
	}
	return id, true
}

// listOptions reads limit and offset from the query string.
func listOptions(r *http.Request) model.ListOptions {
	q := r.URL.Query()
	return model.ParseListOptions(q.Get("limit"), q.Get("offset"))
}
