package worker

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/me/kestrel/pkg/model"
)

// Client talks to the Kestrel server API on behalf of one worker.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// stream has no overall timeout; event streams stay open.
	stream    *http.Client
	workerID  string
	workerKey string // Optional: shared secret for worker authentication
}

// NewClient creates a worker API client with connection pooling.
// If tlsCfg is nil, the default system TLS configuration is used.
func NewClient(baseURL, workerID string, tlsCfg *tls.Config) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     tlsCfg,
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		stream:   &http.Client{Transport: transport},
		workerID: workerID,
	}
}

// SetWorkerKey sets the shared secret for worker authentication.
func (c *Client) SetWorkerKey(key string) {
	c.workerKey = key
}

// WorkerID returns the id the client reports as.
func (c *Client) WorkerID() string {
	return c.workerID
}

// Register records the worker and its capabilities with the server.
func (c *Client) Register(ctx context.Context, capabilities []string, maxTasks int) (*model.Worker, error) {
	var worker model.Worker
	err := c.call(ctx, http.MethodPost, "/api/v1/workers", map[string]any{
		"id":           c.workerID,
		"capabilities": capabilities,
		"max_tasks":    maxTasks,
	}, &worker)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return &worker, nil
}

// SetPresence reports the worker's presence state.
func (c *Client) SetPresence(ctx context.Context, state model.WorkerState) error {
	err := c.call(ctx, http.MethodPut, "/api/v1/workers/"+url.PathEscape(c.workerID)+"/presence",
		map[string]string{"state": state.String()}, nil)
	if err != nil {
		return fmt.Errorf("presence %s: %w", state, err)
	}
	return nil
}

// Report sends a task lifecycle report: "start", "finish" or "reset".
func (c *Client) Report(ctx context.Context, action string, jobID int64, taskID int) error {
	path := fmt.Sprintf("/api/v1/jobs/%d/tasks/%d/%s", jobID, taskID, action)
	if err := c.call(ctx, http.MethodPut, path, map[string]string{"worker_id": c.workerID}, nil); err != nil {
		return fmt.Errorf("report %s %d,%d: %w", action, jobID, taskID, err)
	}
	return nil
}

// Deregister removes the worker from the server.
func (c *Client) Deregister(ctx context.Context) error {
	if err := c.call(ctx, http.MethodDelete, "/api/v1/workers/"+url.PathEscape(c.workerID), nil, nil); err != nil {
		return fmt.Errorf("deregister: %w", err)
	}
	return nil
}

// Events streams the notifications addressed to this worker. ready is called
// once the server has subscribed the stream, before any notification.
func (c *Client) Events(ctx context.Context, ready func(), fn func(model.Notification)) error {
	q := url.Values{}
	q.Set("worker", c.workerID)
	q.Set("kind", strings.Join([]string{
		string(model.NotifyTaskAssigned),
		string(model.NotifyTaskCancelRequested),
		string(model.NotifyWorkerShutdown),
	}, ","))
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/events?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("events: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("events: HTTP %d: %s", resp.StatusCode, body)
	}

	var event string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if event == "ready" {
				ready()
				continue
			}
			var n model.Notification
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &n); err != nil {
				return fmt.Errorf("events: decode %s: %w", event, err)
			}
			fn(n)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("events: %w", err)
	}
	return errors.New("events: stream closed by server")
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// Add worker authentication header if set.
	if c.workerKey != "" {
		req.Header.Set("X-Worker-Key", c.workerKey)
	}
	return req, nil
}

// call sends a JSON request and decodes the envelope's data into dest, if
// dest is non-nil.
func (c *Client) call(ctx context.Context, method, path string, payload any, dest any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return err
		}
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	return decodeResponseData(resp, dest)
}

// decodeResponseData extracts the data field from the API response envelope.
func decodeResponseData(resp *http.Response, dest any) error {
	defer resp.Body.Close()

	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *model.APIError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if dest == nil {
		return nil
	}
	return json.Unmarshal(envelope.Data, dest)
}
