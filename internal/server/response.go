package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/me/kestrel/pkg/model"
)

// requestID generates a short request identifier.
func requestID() string {
	return "req_" + uuid.New().String()[:8]
}

func respondOK(w http.ResponseWriter, reqID string, data any) {
	writeEnvelope(w, http.StatusOK, model.Response{RequestID: reqID, Data: data})
}

func respondCreated(w http.ResponseWriter, reqID string, data any) {
	writeEnvelope(w, http.StatusCreated, model.Response{RequestID: reqID, Data: data})
}

// respondPage writes the page of items selected by opts along with its
// pagination metadata. An empty page is written as [] rather than null.
func respondPage[T any](w http.ResponseWriter, reqID string, items []T, opts model.ListOptions) {
	total := len(items)
	start := min(opts.Offset, total)
	end := min(start+opts.Limit, total)
	page := items[start:end]
	if page == nil {
		page = []T{}
	}
	writeEnvelope(w, http.StatusOK, model.Response{
		RequestID: reqID,
		Data:      page,
		Pagination: &model.Pagination{
			Total:   total,
			Limit:   opts.Limit,
			Offset:  opts.Offset,
			HasMore: end < total,
		},
	})
}

func respondError(w http.ResponseWriter, reqID string, status int, apiErr *model.APIError) {
	writeEnvelope(w, status, model.Response{RequestID: reqID, Error: apiErr})
}

// writeEnvelope fills in the status and timestamp and encodes resp.
func writeEnvelope(w http.ResponseWriter, status int, resp model.Response) {
	resp.Status = "ok"
	if resp.Error != nil {
		resp.Status = "error"
	}
	resp.Timestamp = time.Now().UTC()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
