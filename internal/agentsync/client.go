package agentsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var ErrSessionGone = errors.New("editing session no longer valid")

// SessionGoneError covers both an expired session and a token the server
// no longer knows about; the agent reacts the same way to either.
type SessionGoneError struct {
	Code string
}

func (e *SessionGoneError) Error() string {
	if e.Code == "" {
		return "editing session no longer valid"
	}
	return fmt.Sprintf("editing session no longer valid: %s", e.Code)
}

func (e *SessionGoneError) Is(target error) bool {
	return target == ErrSessionGone
}

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

type SessionInfo struct {
	Token       string `json:"token"`
	NotebookID  string `json:"notebookId"`
	BaseVersion int64  `json:"baseVersion"`
	BaseContent string `json:"baseContent"`
	ExpiresAt   string `json:"expiresAt"`
}

type SyncOutcome struct {
	Status       string `json:"status"`
	Version      int64  `json:"version"`
	Content      string `json:"content"`
	ConflictID   string `json:"conflictId"`
	YourContent  string `json:"yourContent"`
	TheirContent string `json:"theirContent"`
}

type VersionInfo struct {
	NotebookID       string `json:"notebookId"`
	Version          int64  `json:"version"`
	UpdatedAt        string `json:"updatedAt"`
	PendingConflicts int    `json:"pendingConflicts"`
}

type RemoteClient interface {
	StartSession(ctx context.Context, notebookID string) (SessionInfo, error)
	Sync(ctx context.Context, notebookID, sessionToken, patch, summary string) (SyncOutcome, error)
	CheckVersion(ctx context.Context, notebookID string) (VersionInfo, error)
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) StartSession(ctx context.Context, notebookID string) (SessionInfo, error) {
	var out SessionInfo
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/notebooks/%s/sessions", url.PathEscape(notebookID)), map[string]any{}, &out)
	return out, err
}

func (c *HTTPClient) Sync(ctx context.Context, notebookID, sessionToken, patch, summary string) (SyncOutcome, error) {
	body := map[string]any{
		"sessionToken": sessionToken,
		"patch":        patch,
	}
	if strings.TrimSpace(summary) != "" {
		body["summary"] = summary
	}
	var out SyncOutcome
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/notebooks/%s/sync", url.PathEscape(notebookID)), body, &out)
	return out, err
}

func (c *HTTPClient) CheckVersion(ctx context.Context, notebookID string) (VersionInfo, error) {
	var out VersionInfo
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/notebooks/%s/version", url.PathEscape(notebookID)), nil, &out)
	return out, err
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
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
		if resp.StatusCode == http.StatusGone || errPayload.Code == "session_not_found" {
			return &SessionGoneError{Code: errPayload.Code}
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
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

func correlationID() string {
	return fmt.Sprintf("agent_%d", time.Now().UnixNano())
}
