// Package complete implements the direct-completion fallback: when the
// remote session service is unreachable, turns run against a local
// OpenAI-compatible chat endpoint with the full conversation history sent
// on every request.
package complete

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"winter/internal/logging"
	"winter/internal/model"
	"winter/internal/stream"
)

// Client streams chat completions from a local model endpoint.
type Client struct {
	baseURL string
	model   string
	apiKey  string
	http    *http.Client
}

// NewClient creates a direct-completion client. apiKey may be empty for
// unauthenticated local endpoints.
func NewClient(baseURL, modelName, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   modelName,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// chatMessage is one history entry on the wire. Images ride along as raw
// base64 payloads.
type chatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// chatRequest is the streaming chat-completion request body.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// chatChunk is one line of the streamed response.
type chatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool  `json:"done"`
	PromptEvalCount int64 `json:"prompt_eval_count,omitempty"`
	EvalCount       int64 `json:"eval_count,omitempty"`
}

// Stream sends the full conversation history and returns a channel of
// engine events for the reply. The channel is closed when the completion
// finishes, fails, or ctx is cancelled.
func (c *Client) Stream(ctx context.Context, history []model.Message) <-chan stream.Event {
	events := make(chan stream.Event, 64)
	go c.run(ctx, history, events)
	return events
}

func (c *Client) run(ctx context.Context, history []model.Message, events chan<- stream.Event) {
	defer close(events)
	emit := func(ev stream.Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	messages := make([]chatMessage, 0, len(history))
	for _, m := range history {
		if m.Role != model.RoleUser && m.Role != model.RoleAssistant {
			continue
		}
		cm := chatMessage{Role: string(m.Role), Content: m.Content}
		for _, img := range m.Images {
			cm.Images = append(cm.Images, img.Data)
		}
		messages = append(messages, cm)
	}

	emit(stream.StreamStart{})
	emit(stream.OllamaStatus{Status: "connecting"})

	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages, Stream: true})
	if err != nil {
		emit(stream.ErrorEvent{Message: fmt.Sprintf("encoding completion request: %v", err)})
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		emit(stream.ErrorEvent{Message: fmt.Sprintf("building completion request: %v", err)})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		emit(stream.ErrorEvent{Message: fmt.Sprintf("completion request failed: %v", err)})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		emit(stream.ErrorEvent{Message: fmt.Sprintf("completion status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))})
		return
	}

	emit(stream.OllamaStatus{Status: "generating"})
	logging.Stream("Direct completion started (model=%s, history=%d)", c.model, len(messages))

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk chatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Message.Content != "" {
			if !emit(stream.Delta{Text: chunk.Message.Content}) {
				return
			}
		}
		if chunk.Done {
			if chunk.PromptEvalCount > 0 || chunk.EvalCount > 0 {
				emit(stream.Usage{InputTokens: chunk.PromptEvalCount, OutputTokens: chunk.EvalCount})
			}
			emit(stream.StreamEnd{})
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		emit(stream.ErrorEvent{Message: fmt.Sprintf("completion stream interrupted: %v", err)})
		return
	}
	emit(stream.StreamEnd{})
}
