package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/me/kestrel/internal/scheduler"
	"github.com/me/kestrel/pkg/model"
)

// eventFilter builds the subscription filter from ?worker=, ?owner= and a
// comma-separated ?kind=.
func eventFilter(r *http.Request) scheduler.Filter {
	q := r.URL.Query()
	var filters []scheduler.Filter
	if id := q.Get("worker"); id != "" {
		filters = append(filters, scheduler.ForWorker(id))
	}
	if owner := q.Get("owner"); owner != "" {
		filters = append(filters, scheduler.ForOwner(owner))
	}
	if raw := q.Get("kind"); raw != "" {
		var kinds []model.NotificationKind
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds = append(kinds, model.NotificationKind(k))
			}
		}
		filters = append(filters, scheduler.OfKind(kinds...))
	}
	if len(filters) == 0 {
		return nil
	}
	return scheduler.All(filters...)
}

// handleEvents streams scheduler notifications via Server-Sent Events. Each
// event is named after the notification kind.
// GET /api/v1/events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	sub := s.sched.Events().Subscribe(s.eventBuf, eventFilter(r))
	defer func() {
		sub.Close()
		if n := sub.Dropped(); n > 0 {
			s.logger.Warn("sse subscriber dropped notifications", "dropped", n)
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	if err := sendSSEEvent(w, flusher, "ready", map[string]string{
		"request_id": RequestIDFromContext(r.Context()),
	}); err != nil {
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case n, ok := <-sub.C:
			if !ok {
				return
			}
			if err := sendSSEEvent(w, flusher, string(n.Kind), n); err != nil {
				s.logger.Debug("sse client disconnected", "error", err)
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	if err != nil {
		return err
	}

	flusher.Flush()
	return nil
}
