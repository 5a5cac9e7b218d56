package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Result statuses returned by the tool gateway.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the structured outcome of one tool invocation.
type Result struct {
	Status    string                 `json:"status"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	ErrorKind string                 `json:"error_kind,omitempty"`
}

// PendingTask is the handle for a long-running job accepted by the gateway.
type PendingTask struct {
	TaskID string `json:"task_id"`
}

// HTTPInvoker executes tools against the domain tool gateway. Synchronous
// tools answer 200 with a Result; long-running jobs answer 202 with a task
// handle that is resolved through Poll.
type HTTPInvoker struct {
	baseURL   string
	authToken string
	endpoints map[string]string
	client    *http.Client
}

// NewHTTPInvoker builds an invoker for the given gateway.
func NewHTTPInvoker(baseURL, authToken string, endpoints map[string]string, timeout time.Duration) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPInvoker{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		endpoints: endpoints,
		client:    &http.Client{Timeout: timeout},
	}
}

// Invoke executes a single named operation. Exactly one of the result or the
// pending task is populated on success.
func (h *HTTPInvoker) Invoke(ctx context.Context, tool string, params map[string]interface{}) (Result, *PendingTask, error) {
	url := h.baseURL + "/tools/" + tool
	if override, ok := h.endpoints[tool]; ok && override != "" {
		url = override
	}
	body, err := json.Marshal(params)
	if err != nil {
		return Result{}, nil, fmt.Errorf("marshal params for %s: %w", tool, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, nil, fmt.Errorf("create request for %s: %w", tool, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.authToken)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, nil, fmt.Errorf("invoke %s: %w", tool, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var res Result
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return Result{}, nil, fmt.Errorf("decode %s result: %w", tool, err)
		}
		if res.Status == "" {
			res.Status = StatusSuccess
		}
		return res, nil, nil
	case http.StatusAccepted:
		var pending PendingTask
		if err := json.NewDecoder(resp.Body).Decode(&pending); err != nil {
			return Result{}, nil, fmt.Errorf("decode %s task handle: %w", tool, err)
		}
		if pending.TaskID == "" {
			return Result{}, nil, fmt.Errorf("tool %s accepted without task id", tool)
		}
		return Result{}, &pending, nil
	default:
		return Result{}, nil, fmt.Errorf("tool %s returned status %d", tool, resp.StatusCode)
	}
}

// Poll checks an outstanding task. done is false while the job is running.
func (h *HTTPInvoker) Poll(ctx context.Context, taskID string) (Result, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/tasks/"+taskID, nil)
	if err != nil {
		return Result{}, false, fmt.Errorf("create poll request: %w", err)
	}
	if h.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.authToken)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, false, fmt.Errorf("poll task %s: %w", taskID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var res Result
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return Result{}, false, fmt.Errorf("decode task %s result: %w", taskID, err)
		}
		if res.Status == "" {
			res.Status = StatusSuccess
		}
		return res, true, nil
	case http.StatusAccepted:
		return Result{}, false, nil
	default:
		return Result{}, false, fmt.Errorf("task %s returned status %d", taskID, resp.StatusCode)
	}
}
