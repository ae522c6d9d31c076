// Package apiclient is the HTTP client used by the command line tool to
// talk to a running engtimer server.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zkindustry/eng-timer/internal/engtimer"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type TimerStatus struct {
	Running bool              `json:"running"`
	Active  *engtimer.TimeLog `json:"active,omitempty"`
}

type Client struct {
	baseURL    string
	token      string
	userID     string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, token, userID string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		userID:     strings.TrimSpace(userID),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) userPath(suffix string) string {
	return "/v1/users/" + url.PathEscape(c.userID) + suffix
}

func (c *Client) ListProjects(ctx context.Context) ([]engtimer.Project, error) {
	var out struct {
		Projects []engtimer.Project `json:"projects"`
	}
	err := c.doJSON(ctx, http.MethodGet, c.userPath("/projects"), nil, &out)
	return out.Projects, err
}

func (c *Client) SaveProject(ctx context.Context, input engtimer.ProjectInput) (engtimer.Project, error) {
	var out engtimer.Project
	err := c.doJSON(ctx, http.MethodPost, c.userPath("/projects"), input, &out)
	return out, err
}

func (c *Client) ListTasks(ctx context.Context) ([]engtimer.Task, error) {
	var out struct {
		Tasks []engtimer.Task `json:"tasks"`
	}
	err := c.doJSON(ctx, http.MethodGet, c.userPath("/tasks"), nil, &out)
	return out.Tasks, err
}

func (c *Client) SaveTask(ctx context.Context, input engtimer.TaskInput) (engtimer.Task, error) {
	var out engtimer.Task
	err := c.doJSON(ctx, http.MethodPost, c.userPath("/tasks"), input, &out)
	return out, err
}

func (c *Client) MoveTask(ctx context.Context, taskID, projectID string) (engtimer.Task, error) {
	body := map[string]string{"projectId": projectID}
	var out engtimer.Task
	err := c.doJSON(ctx, http.MethodPost, c.userPath("/tasks/"+url.PathEscape(taskID)+"/move"), body, &out)
	return out, err
}

func (c *Client) ListTimeLogs(ctx context.Context) ([]engtimer.TimeLog, error) {
	var out struct {
		TimeLogs []engtimer.TimeLog `json:"timelogs"`
	}
	err := c.doJSON(ctx, http.MethodGet, c.userPath("/timelogs"), nil, &out)
	return out.TimeLogs, err
}

func (c *Client) TimerStatus(ctx context.Context) (TimerStatus, error) {
	var out TimerStatus
	err := c.doJSON(ctx, http.MethodGet, c.userPath("/timer"), nil, &out)
	return out, err
}

func (c *Client) StartTimer(ctx context.Context, kind, targetID string) (engtimer.TimeLog, error) {
	body := map[string]string{"kind": kind, "targetId": targetID}
	var out engtimer.TimeLog
	err := c.doJSON(ctx, http.MethodPost, c.userPath("/timer/start"), body, &out)
	return out, err
}

func (c *Client) StopTimer(ctx context.Context) (engtimer.TimeLog, error) {
	var out engtimer.TimeLog
	err := c.doJSON(ctx, http.MethodPost, c.userPath("/timer/stop"), struct{}{}, &out)
	return out, err
}

func (c *Client) ToggleTimer(ctx context.Context, kind, targetID string) (engtimer.ToggleResult, error) {
	body := map[string]string{"kind": kind, "targetId": targetID}
	var out engtimer.ToggleResult
	err := c.doJSON(ctx, http.MethodPost, c.userPath("/timer/toggle"), body, &out)
	return out, err
}

func (c *Client) Import(ctx context.Context) (engtimer.ImportSummary, error) {
	var out engtimer.ImportSummary
	err := c.doJSON(ctx, http.MethodPost, c.userPath("/import"), struct{}{}, &out)
	return out, err
}

func (c *Client) GetSyncConfig(ctx context.Context) (engtimer.SyncConfig, error) {
	var out engtimer.SyncConfig
	err := c.doJSON(ctx, http.MethodGet, c.userPath("/config"), nil, &out)
	return out, err
}

func (c *Client) PutSyncConfig(ctx context.Context, cfg engtimer.SyncConfig) (engtimer.SyncConfig, error) {
	var out engtimer.SyncConfig
	err := c.doJSON(ctx, http.MethodPut, c.userPath("/config"), cfg, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = strings.TrimSpace(string(payloadBytes))
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return fmt.Sprintf("ctl_%d", time.Now().UnixNano())
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
