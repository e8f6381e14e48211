package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"winter/internal/logging"
)

// ============================================================================
// CLIENT
// ============================================================================

// Client talks to the remote session service over HTTP. All requests are
// scoped to a single workspace directory.
type Client struct {
	baseURL   string
	workspace string
	http      *http.Client
	probe     *http.Client
}

// NewClient creates a client for the service at baseURL, scoping every
// request to the given workspace directory. timeout bounds normal requests;
// probeTimeout bounds health checks, which must fail fast.
func NewClient(baseURL, workspace string, timeout, probeTimeout time.Duration) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		workspace: workspace,
		http:      &http.Client{Timeout: timeout},
		probe:     &http.Client{Timeout: probeTimeout},
	}
}

// BaseURL returns the configured service address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// endpoint builds the full URL for path, appending the workspace directory
// as a query parameter.
func (c *Client) endpoint(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return c.baseURL + path + sep + "directory=" + url.QueryEscape(c.workspace)
}

// doJSON performs one request with an optional JSON body and decodes the
// JSON response into out (if out is non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return fmt.Errorf("building %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// ============================================================================
// HEALTH
// ============================================================================

// Health probes the service. It returns true only when the service responds
// quickly and reports itself healthy.
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/global/health"), nil)
	if err != nil {
		return false
	}
	resp, err := c.probe.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var status struct {
		Healthy bool `json:"healthy"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false
	}
	return status.Healthy
}

// ============================================================================
// SESSIONS
// ============================================================================

// ListSessions fetches all sessions known to the service for the workspace,
// including sub-sessions; callers filter with Session.TopLevel.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := c.doJSON(ctx, http.MethodGet, "/session", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// CreateSession creates a new session and returns its record.
func (c *Client) CreateSession(ctx context.Context) (Session, error) {
	var s Session
	if err := c.doJSON(ctx, http.MethodPost, "/session", map[string]any{}, &s); err != nil {
		return Session{}, err
	}
	logging.Bridge("Created remote session %s", s.ID)
	return s, nil
}

// DeleteSession removes a session on the service.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/session/"+sessionID, nil, nil)
}

// RenameSession updates a session's title on the service.
func (c *Client) RenameSession(ctx context.Context, sessionID, title string) error {
	return c.doJSON(ctx, http.MethodPatch, "/session/"+sessionID, map[string]string{"title": title}, nil)
}

// Messages fetches the full ordered message history of a session.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]MessageEnvelope, error) {
	var messages []MessageEnvelope
	if err := c.doJSON(ctx, http.MethodGet, "/session/"+sessionID+"/message", nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// PromptAsync submits a user prompt without waiting for the response; the
// reply arrives over the event stream.
func (c *Client) PromptAsync(ctx context.Context, sessionID, text string) error {
	body := map[string]any{
		"parts": []map[string]string{{"type": "text", "text": text}},
	}
	return c.doJSON(ctx, http.MethodPost, "/session/"+sessionID+"/prompt_async", body, nil)
}

// Abort asks the service to stop in-flight work for a session.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodPost, "/session/"+sessionID+"/abort", map[string]any{}, nil)
}

// ============================================================================
// QUESTIONS
// ============================================================================

// Questions fetches pending clarification requests across the workspace.
func (c *Client) Questions(ctx context.Context) ([]Question, error) {
	var questions []Question
	if err := c.doJSON(ctx, http.MethodGet, "/question", nil, &questions); err != nil {
		return nil, err
	}
	return questions, nil
}

// ReplyQuestion submits answers to a pending clarification request. answers
// holds one selection list per sub-question.
func (c *Client) ReplyQuestion(ctx context.Context, questionID string, answers [][]string) error {
	return c.doJSON(ctx, http.MethodPost, "/question/"+questionID+"/reply", map[string]any{"answers": answers}, nil)
}

// RejectQuestion dismisses a pending clarification request without
// answering it.
func (c *Client) RejectQuestion(ctx context.Context, questionID string) error {
	return c.doJSON(ctx, http.MethodPost, "/question/"+questionID+"/reject", map[string]any{}, nil)
}
