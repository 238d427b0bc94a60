package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/me/kestrel/internal/config"
	"github.com/me/kestrel/internal/logging"
	"github.com/me/kestrel/internal/scheduler"
	"github.com/me/kestrel/internal/store"
	"github.com/me/kestrel/pkg/model"
)

func testServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	return testServerWithConfig(t, config.DefaultServerConfig(), opts...)
}

func testServerWithConfig(t *testing.T, cfg config.ServerConfig, opts ...Option) *Server {
	t.Helper()
	return testServerOver(t, store.NewMemoryStore(logging.Discard()), cfg, opts...)
}

func testServerOver(t *testing.T, st store.Store, cfg config.ServerConfig, opts ...Option) *Server {
	t.Helper()
	logger := logging.Discard()
	sc := scheduler.DefaultConfig()
	sc.Policy = scheduler.FIFOPolicy{}
	sched := scheduler.New(st, sc, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return New(cfg, sched, logger, opts...)
}

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Timestamp  string            `json:"timestamp"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

func do(t *testing.T, srv *Server, method, path string, body any, header ...string) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: invalid JSON: %v, body=%s", method, path, err, w.Body.String())
	}
	return w.Code, env
}

func doOK(t *testing.T, srv *Server, method, path string, body any, want int, out any) {
	t.Helper()
	code, env := do(t, srv, method, path, body)
	if code != want {
		t.Fatalf("%s %s: status=%d, want %d, error=%+v", method, path, code, want, env.Error)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("%s %s: decode data: %v", method, path, err)
		}
	}
}

func registerAvailable(t *testing.T, srv *Server, id string, caps ...string) {
	t.Helper()
	doOK(t, srv, "POST", "/api/v1/workers", map[string]any{"id": id, "capabilities": caps}, http.StatusCreated, nil)
	doOK(t, srv, "PUT", "/api/v1/workers/"+id+"/presence", map[string]string{"state": "available"}, http.StatusOK, nil)
}

func TestDiscovery(t *testing.T) {
	srv := testServer(t)
	var data discoveryResponse
	doOK(t, srv, "GET", "/api/v1/", nil, http.StatusOK, &data)
	if data.Name != "Kestrel API" {
		t.Errorf("name = %q, want Kestrel API", data.Name)
	}
	if len(data.Endpoints) < 10 {
		t.Errorf("endpoints count = %d, want >= 10", len(data.Endpoints))
	}
}

func TestHealth(t *testing.T) {
	srv := testServer(t)
	code, env := do(t, srv, "GET", "/api/v1/health", nil)
	if code != http.StatusOK || env.Status != "ok" || env.RequestID == "" {
		t.Fatalf("health: code=%d env=%+v", code, env)
	}
	var data healthResponse
	json.Unmarshal(env.Data, &data)
	if data.Status != "healthy" || data.Store != "memory" || data.Policy != "fifo" {
		t.Errorf("health = %+v", data)
	}
	if !strings.HasPrefix(data.GoVersion, "go") {
		t.Errorf("go_version = %q", data.GoVersion)
	}
}

// downStore is a store whose connection has gone away.
type downStore struct{ store.Store }

func (downStore) Ping(context.Context) error { return errors.New("dial tcp 10.0.0.7:5432: connection refused") }

func TestHealth_StoreDown(t *testing.T) {
	srv := testServerOver(t, downStore{store.NewMemoryStore(logging.Discard())}, config.DefaultServerConfig())
	code, env := do(t, srv, "GET", "/api/v1/health", nil)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503", code)
	}
	if env.Error != nil {
		t.Errorf("error = %+v, want health body", env.Error)
	}
	var data healthResponse
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.Status != "unhealthy" || !strings.Contains(data.StoreStatus, "connection refused") {
		t.Errorf("health = %+v", data)
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv := testServer(t)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/pool", nil))
	if id := w.Header().Get("X-Request-ID"); !strings.HasPrefix(id, "req_") {
		t.Errorf("X-Request-ID = %q", id)
	}

	tests := []struct {
		inbound string
		reused  bool
	}{
		{"trace-42", true},
		{"bad id with spaces", false},
		{strings.Repeat("x", 65), false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/api/v1/pool", nil)
		req.Header.Set("X-Request-ID", tt.inbound)
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		if got := w.Header().Get("X-Request-ID") == tt.inbound; got != tt.reused {
			t.Errorf("inbound %q reused = %v, want %v", tt.inbound, got, tt.reused)
		}
	}
}

func TestTracingSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	srv := testServer(t)
	do(t, srv, "GET", "/api/v1/jobs/7", nil)

	var names []string
	found := false
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
		if strings.HasPrefix(span.Name(), "GET /api/v1/jobs/{id}") {
			found = true
		}
	}
	if !found {
		t.Errorf("spans = %v, want route-named request span", names)
	}
}

func TestJobLifecycle(t *testing.T) {
	srv := testServer(t)
	registerAvailable(t, srv, "w1", "linux")

	var sub model.Submitted
	doOK(t, srv, "POST", "/api/v1/jobs", model.JobSpec{
		Owner: "alice", Command: "render", Size: 2, Requirements: []string{"LINUX"},
	}, http.StatusCreated, &sub)
	if sub.JobID != 1 || sub.Dispatched[0] != "w1" || len(sub.Dispatched) != 1 {
		t.Fatalf("submitted = %+v", sub)
	}

	var worker model.WorkerDetail
	doOK(t, srv, "GET", "/api/v1/workers/w1", nil, http.StatusOK, &worker)
	if len(worker.Tasks) != 1 || worker.Tasks[0].JobID != 1 {
		t.Errorf("worker tasks = %+v", worker.Tasks)
	}

	task := map[string]string{"worker_id": "w1"}
	doOK(t, srv, "PUT", "/api/v1/jobs/1/tasks/0/start", task, http.StatusOK, nil)

	var fin scheduler.FinishResult
	doOK(t, srv, "PUT", "/api/v1/jobs/1/tasks/0/finish", task, http.StatusOK, &fin)
	if !fin.Changed || fin.Assigned == nil || fin.Assigned.TaskID != 1 {
		t.Fatalf("finish = %+v", fin)
	}

	doOK(t, srv, "PUT", "/api/v1/jobs/1/tasks/1/start", task, http.StatusOK, nil)
	doOK(t, srv, "PUT", "/api/v1/jobs/1/tasks/1/finish", task, http.StatusOK, nil)

	var report model.JobReport
	doOK(t, srv, "GET", "/api/v1/jobs/1", nil, http.StatusOK, &report)
	if report.Status != model.JobStatusCompleted || report.Tasks.Completed != 2 {
		t.Errorf("report = %+v", report)
	}

	var detail model.JobDetail
	doOK(t, srv, "GET", "/api/v1/jobs/1/tasks", nil, http.StatusOK, &detail)
	if len(detail.Tasks) != 2 || detail.Owner != "alice" {
		t.Errorf("detail = %+v", detail)
	}

	var done model.JobDetail
	doOK(t, srv, "GET", "/api/v1/jobs/1/tasks?status=completed", nil, http.StatusOK, &done)
	if len(done.Tasks) != 2 {
		t.Errorf("completed tasks = %+v", done.Tasks)
	}
	var none model.JobDetail
	doOK(t, srv, "GET", "/api/v1/jobs/1/tasks?status=queued", nil, http.StatusOK, &none)
	if len(none.Tasks) != 0 || none.Counts.Completed != 2 {
		t.Errorf("queued tasks = %+v, counts = %+v", none.Tasks, none.Counts)
	}

	var active []model.JobReport
	doOK(t, srv, "GET", "/api/v1/jobs", nil, http.StatusOK, &active)
	if len(active) != 0 {
		t.Errorf("active jobs = %+v, want none", active)
	}
	var owned []model.JobReport
	doOK(t, srv, "GET", "/api/v1/jobs?owner=alice", nil, http.StatusOK, &owned)
	if len(owned) != 1 {
		t.Errorf("owner jobs = %+v", owned)
	}
}

func TestCancelAndPresence(t *testing.T) {
	srv := testServer(t)
	registerAvailable(t, srv, "w1")
	doOK(t, srv, "POST", "/api/v1/jobs", model.JobSpec{Owner: "alice", Command: "x", Size: 3}, http.StatusCreated, nil)

	var cancelled model.Cancelled
	doOK(t, srv, "PUT", "/api/v1/jobs/1/cancel", map[string]string{"requester": "alice"}, http.StatusOK, &cancelled)
	if len(cancelled.Requests) != 1 || cancelled.Requests[0].WorkerID != "w1" {
		t.Errorf("cancel requests = %+v", cancelled.Requests)
	}

	var off model.OfflineResult
	doOK(t, srv, "PUT", "/api/v1/workers/w1/presence", map[string]string{"state": "unavailable"}, http.StatusOK, &off)
	if len(off.AffectedJobs) != 1 {
		t.Errorf("offline = %+v", off)
	}

	var pool model.PoolStatus
	doOK(t, srv, "GET", "/api/v1/pool", nil, http.StatusOK, &pool)
	if pool != (model.PoolStatus{}) {
		t.Errorf("pool = %+v, want empty", pool)
	}

	var report model.JobReport
	doOK(t, srv, "GET", "/api/v1/jobs/1", nil, http.StatusOK, &report)
	if report.Status != model.JobStatusCancelled || report.Tasks.Completed != 3 {
		t.Errorf("report = %+v", report)
	}

	doOK(t, srv, "DELETE", "/api/v1/workers/w1", nil, http.StatusOK, nil)
	var workers []model.Worker
	doOK(t, srv, "GET", "/api/v1/workers", nil, http.StatusOK, &workers)
	if len(workers) != 0 {
		t.Errorf("workers = %+v", workers)
	}
}

func TestErrorResponses(t *testing.T) {
	srv := testServer(t)
	registerAvailable(t, srv, "w1")
	doOK(t, srv, "POST", "/api/v1/jobs", model.JobSpec{Owner: "alice", Command: "x", Size: 2}, http.StatusCreated, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   model.ErrorCode
	}{
		{"unknown job", "GET", "/api/v1/jobs/99", nil, http.StatusNotFound, model.ErrNotFound},
		{"malformed job id", "GET", "/api/v1/jobs/abc", nil, http.StatusBadRequest, model.ErrValidation},
		{"unknown worker", "GET", "/api/v1/workers/ghost", nil, http.StatusNotFound, model.ErrNotFound},
		{"invalid submission", "POST", "/api/v1/jobs", model.JobSpec{Owner: "alice"}, http.StatusBadRequest, model.ErrValidation},
		{"bad json", "POST", "/api/v1/jobs", "not an object", http.StatusBadRequest, model.ErrValidation},
		{"cancel by stranger", "PUT", "/api/v1/jobs/1/cancel", map[string]string{"requester": "mallory"}, http.StatusForbidden, model.ErrUnauthorized},
		{"cancel without requester", "PUT", "/api/v1/jobs/1/cancel", map[string]string{}, http.StatusBadRequest, model.ErrValidation},
		{"finish pending task", "PUT", "/api/v1/jobs/1/tasks/0/finish", map[string]string{"worker_id": "w1"}, http.StatusConflict, model.ErrConflict},
		{"start unassigned task", "PUT", "/api/v1/jobs/1/tasks/1/start", map[string]string{"worker_id": "w1"}, http.StatusConflict, model.ErrConflict},
		{"task out of range", "PUT", "/api/v1/jobs/1/tasks/7/start", map[string]string{"worker_id": "w1"}, http.StatusNotFound, model.ErrNotFound},
		{"negative task id", "PUT", "/api/v1/jobs/1/tasks/-1/start", map[string]string{"worker_id": "w1"}, http.StatusBadRequest, model.ErrValidation},
		{"task without worker", "PUT", "/api/v1/jobs/1/tasks/0/start", map[string]string{}, http.StatusBadRequest, model.ErrValidation},
		{"unknown task status filter", "GET", "/api/v1/jobs/1/tasks?status=lost", nil, http.StatusBadRequest, model.ErrValidation},
		{"shutdown unknown worker", "POST", "/api/v1/workers/ghost/shutdown", nil, http.StatusNotFound, model.ErrNotFound},
		{"bad presence", "PUT", "/api/v1/workers/w1/presence", map[string]string{"state": "sleepy"}, http.StatusBadRequest, model.ErrValidation},
		{"register without id", "POST", "/api/v1/workers", map[string]any{"capabilities": []string{"a"}}, http.StatusBadRequest, model.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := do(t, srv, tt.method, tt.path, tt.body)
			if code != tt.status {
				t.Fatalf("status = %d, want %d, error=%+v", code, tt.status, env.Error)
			}
			if env.Status != "error" || env.Error == nil || env.Error.Code != tt.code {
				t.Errorf("error = %+v, want code %s", env.Error, tt.code)
			}
		})
	}

	_, env := do(t, srv, "POST", "/api/v1/jobs", model.JobSpec{Owner: "alice"})
	if len(env.Error.Details) != 2 {
		t.Errorf("validation details = %+v, want command and size", env.Error.Details)
	}
}

func TestAPIError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{&scheduler.NotFoundError{Entity: "job", ID: "3"}, http.StatusNotFound},
		{fmt.Errorf("%w: held by w2", scheduler.ErrInvalidTransition), http.StatusConflict},
		{fmt.Errorf("%w: not yours", scheduler.ErrUnauthorized), http.StatusForbidden},
		{&scheduler.StoreError{Op: "apply", Err: errors.New("conn reset")}, http.StatusServiceUnavailable},
		{scheduler.ErrStopped, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: %w", scheduler.ErrValidation, model.NewValidationError("bad", model.FieldError{Field: "size"})), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		apiErr := apiError(tt.err)
		if status := apiErr.Code.HTTPStatus(); status != tt.status {
			t.Errorf("apiError(%v) = %d %+v, want %d", tt.err, status, apiErr, tt.status)
		}
	}
}

func TestListPagination(t *testing.T) {
	srv := testServer(t)
	for i := 0; i < 5; i++ {
		doOK(t, srv, "POST", "/api/v1/jobs", model.JobSpec{Owner: "bob", Command: "x", Size: 1}, http.StatusCreated, nil)
	}
	code, env := do(t, srv, "GET", "/api/v1/jobs?limit=2&offset=2", nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var jobs []model.JobReport
	json.Unmarshal(env.Data, &jobs)
	if len(jobs) != 2 || jobs[0].ID != 3 {
		t.Errorf("page = %+v", jobs)
	}
	if env.Pagination == nil || env.Pagination.Total != 5 || !env.Pagination.HasMore {
		t.Errorf("pagination = %+v", env.Pagination)
	}
}

func TestWorkerAuth(t *testing.T) {
	cfg := config.DefaultServerConfig()
	cfg.WorkerKeys = map[string]config.WorkerKey{
		"farm": {Capabilities: []string{"linux", "gpu"}},
		"any":  {},
	}
	srv := testServerWithConfig(t, cfg)
	body := map[string]any{"id": "w1", "capabilities": []string{"linux"}}

	tests := []struct {
		name   string
		header []string
		body   any
		status int
	}{
		{"missing key", nil, body, http.StatusUnauthorized},
		{"unknown key", []string{"X-Worker-Key", "nope"}, body, http.StatusUnauthorized},
		{"capability outside key", []string{"X-Worker-Key", "farm"}, map[string]any{"id": "w2", "capabilities": []string{"linux", "arm"}}, http.StatusForbidden},
		{"allowed", []string{"X-Worker-Key", "farm"}, body, http.StatusCreated},
		{"unrestricted key", []string{"X-Worker-Key", "any"}, map[string]any{"id": "w3", "capabilities": []string{"arm"}}, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := do(t, srv, "POST", "/api/v1/workers", tt.body, tt.header...)
			if code != tt.status {
				t.Errorf("status = %d, want %d, error=%+v", code, tt.status, env.Error)
			}
		})
	}

	// Job endpoints other than task reports stay open.
	code, _ := do(t, srv, "GET", "/api/v1/jobs", nil)
	if code != http.StatusOK {
		t.Errorf("jobs list status = %d", code)
	}
	code, _ = do(t, srv, "PUT", "/api/v1/jobs/1/tasks/0/start", map[string]string{"worker_id": "w1"})
	if code != http.StatusUnauthorized {
		t.Errorf("task report without key status = %d", code)
	}
}

func TestLoadWorkerKeyConfig_Env(t *testing.T) {
	t.Setenv(WorkerKeysEnv, `{"envkey": ["cuda"], "farm": []}`)
	keys := LoadWorkerKeyConfig(map[string]config.WorkerKey{
		"farm": {Capabilities: []string{"linux"}},
		"ops":  {Description: "operators"},
	})
	if len(keys.Keys) != 3 || !keys.IsEnabled() {
		t.Fatalf("keys = %+v", keys.Keys)
	}
	if e := keys.ValidateKey("envkey"); e == nil || e.Capabilities[0] != "cuda" {
		t.Errorf("envkey = %+v", e)
	}
	if e := keys.ValidateKey("farm"); e == nil || len(e.Capabilities) != 0 {
		t.Errorf("environment should override farm, got %+v", e)
	}
	if keys.ValidateKey("missing") != nil {
		t.Error("unknown key validated")
	}

	t.Setenv(WorkerKeysEnv, "not json")
	if LoadWorkerKeyConfig(nil).IsEnabled() {
		t.Error("malformed environment should add no keys")
	}
}

func TestEvents_StreamsFilteredNotifications(t *testing.T) {
	srv := testServer(t, WithHeartbeat(50*time.Millisecond))
	ts := httptest.NewServer(srv)
	defer ts.Close()

	registerAvailable(t, srv, "w1")
	registerAvailable(t, srv, "w2")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/v1/events?worker=w2&kind=task_assigned", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	next := func(prefix string) string {
		t.Helper()
		for lines.Scan() {
			if line := lines.Text(); strings.HasPrefix(line, prefix) {
				return strings.TrimPrefix(line, prefix)
			}
		}
		t.Fatalf("stream ended before %q: %v", prefix, lines.Err())
		return ""
	}
	if ev := next("event: "); ev != "ready" {
		t.Fatalf("first event = %q, want ready", ev)
	}
	next(": heartbeat")

	// FIFO dispatch gives task 0 to w1 and task 1 to w2.
	doOK(t, srv, "POST", "/api/v1/jobs", model.JobSpec{Owner: "alice", Command: "x", Size: 2}, http.StatusCreated, nil)

	if ev := next("event: "); ev != string(model.NotifyTaskAssigned) {
		t.Fatalf("event = %q", ev)
	}
	var n model.Notification
	if err := json.Unmarshal([]byte(next("data: ")), &n); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if n.WorkerID != "w2" || n.JobID != 1 || n.Command != "x" {
		t.Errorf("notification = %+v", n)
	}
}
