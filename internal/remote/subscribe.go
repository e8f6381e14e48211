package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"winter/internal/logging"
	"winter/internal/stream"
)

// reconnectDelay is how long to wait before reopening a dropped event
// stream mid-turn.
const reconnectDelay = 2 * time.Second

// subscription carries the per-turn conversion state that must survive
// stream reconnects: which stored messages predate the turn, how much of
// each text part has already been emitted, and which tool calls have been
// announced.
type subscription struct {
	client      *Client
	sessionID   string
	known       map[string]struct{}
	textLens    map[string]int
	toolStarted map[string]struct{}
	started     bool
	events      chan stream.Event
}

// Subscribe opens the service's event stream and converts events for
// sessionID into engine events until the turn completes or ctx is
// cancelled. knownMessageIDs lists stored message ids that existed before
// the turn began; their replayed parts are ignored. The returned channel is
// closed when the subscription ends.
func (c *Client) Subscribe(ctx context.Context, sessionID string, knownMessageIDs []string) <-chan stream.Event {
	sub := &subscription{
		client:      c,
		sessionID:   sessionID,
		known:       make(map[string]struct{}, len(knownMessageIDs)),
		textLens:    make(map[string]int),
		toolStarted: make(map[string]struct{}),
		events:      make(chan stream.Event, 64),
	}
	for _, id := range knownMessageIDs {
		sub.known[id] = struct{}{}
	}
	go sub.run(ctx)
	return sub.events
}

// run reconnects until the turn ends. The conversion state persists across
// reconnects so a dropped connection never replays already-emitted text.
func (s *subscription) run(ctx context.Context) {
	defer close(s.events)

	for {
		done := s.consume(ctx)
		if done || ctx.Err() != nil {
			return
		}
		logging.Stream("Event stream dropped for %s, reconnecting", s.sessionID)
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// consume opens one connection and dispatches its events. It returns true
// when the turn reached a terminal event and the subscription should stop.
func (s *subscription) consume(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.client.endpoint("/global/event"), nil)
	if err != nil {
		s.emit(ctx, stream.ErrorEvent{Message: err.Error()})
		return true
	}
	req.Header.Set("Accept", "text/event-stream")

	// The event stream stays open for the whole turn, so it bypasses the
	// timeout-bounded request client.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	if !s.started {
		s.started = true
		s.emit(ctx, stream.StreamStart{})
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimPrefix(after, " "))
			continue
		}
		if line != "" {
			continue
		}
		if data.Len() == 0 {
			continue
		}
		payload := data.String()
		data.Reset()
		if s.dispatch(ctx, payload) {
			return true
		}
		if ctx.Err() != nil {
			return true
		}
	}
	return false
}

// dispatch converts one decoded SSE payload. It returns true on a terminal
// event for this session.
func (s *subscription) dispatch(ctx context.Context, payload string) bool {
	var env sseEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return false
	}

	switch env.Payload.Type {
	case "message.part.updated":
		var props struct {
			Part ssePart `json:"part"`
		}
		if err := json.Unmarshal(env.Payload.Properties, &props); err != nil {
			return false
		}
		s.handlePart(ctx, props.Part)

	case "message.updated":
		var props sseMessageUpdate
		if err := json.Unmarshal(env.Payload.Properties, &props); err != nil {
			return false
		}
		return s.handleMessage(ctx, props)

	case "session.idle":
		var props sseSessionIdle
		if err := json.Unmarshal(env.Payload.Properties, &props); err != nil {
			return false
		}
		if props.SessionID == s.sessionID {
			s.emit(ctx, stream.StreamEnd{})
			return true
		}
	}
	return false
}

// handlePart converts one message-part update into engine events.
func (s *subscription) handlePart(ctx context.Context, part ssePart) {
	if part.SessionID != s.sessionID {
		return
	}
	if _, ok := s.known[part.MessageID]; ok {
		return
	}

	switch part.Type {
	case "text":
		prev := s.textLens[part.ID]
		if len(part.Text) > prev {
			s.textLens[part.ID] = len(part.Text)
			s.emit(ctx, stream.Delta{Text: part.Text[prev:]})
		}

	case "reasoning":
		prev := s.textLens[part.ID]
		if len(part.Text) > prev {
			s.textLens[part.ID] = len(part.Text)
			s.emit(ctx, stream.Reasoning{Text: part.Text[prev:]})
		}

	case "tool":
		s.handleTool(ctx, part)

	case "step-start":
		s.emit(ctx, stream.Status{Text: "thinking"})
	}
}

// handleTool converts tool-part state transitions. A completed call whose
// running state was never observed still gets a start event so the activity
// appears before its result.
func (s *subscription) handleTool(ctx context.Context, part ssePart) {
	var state sseToolState
	if err := json.Unmarshal(part.State, &state); err != nil {
		return
	}
	callID := part.CallID
	if callID == "" {
		callID = part.ID
	}

	switch state.Status {
	case "running":
		if _, ok := s.toolStarted[callID]; ok {
			return
		}
		s.toolStarted[callID] = struct{}{}
		s.emit(ctx, stream.ToolStart{ID: callID, Name: part.Tool})

	case "completed":
		if _, ok := s.toolStarted[callID]; !ok {
			s.toolStarted[callID] = struct{}{}
			s.emit(ctx, stream.ToolStart{ID: callID, Name: part.Tool})
		}
		output := state.Metadata.Output
		if output == "" {
			output = state.Output
		}
		s.emit(ctx, stream.ToolEnd{ID: callID, Result: output})

	case "error":
		if _, ok := s.toolStarted[callID]; !ok {
			s.toolStarted[callID] = struct{}{}
			s.emit(ctx, stream.ToolStart{ID: callID, Name: part.Tool})
		}
		s.emit(ctx, stream.ToolEnd{ID: callID, Result: "[error] " + state.Error})
	}
}

// handleMessage converts message-level updates: token usage, the id of the
// user message the service stored for this turn, and assistant-side
// failures. Returns true on a terminal event.
func (s *subscription) handleMessage(ctx context.Context, props sseMessageUpdate) bool {
	info := props.Info
	if info.SessionID != s.sessionID {
		return false
	}

	if info.Role == "user" {
		// The stored user message replays over the stream; remember its id
		// so its parts are never rendered as assistant output.
		s.known[info.ID] = struct{}{}
		return false
	}

	if info.Tokens != nil {
		s.emit(ctx, stream.Usage{InputTokens: info.Tokens.Input, OutputTokens: info.Tokens.Output})
	}

	if info.Role == "assistant" && len(info.Error) > 0 && string(info.Error) != "null" {
		if _, known := s.known[info.ID]; !known {
			logging.Stream("Assistant message %s ended with error", info.ID)
			s.emit(ctx, stream.StreamEnd{})
			return true
		}
	}
	return false
}

// emit delivers one event unless the subscription was cancelled.
func (s *subscription) emit(ctx context.Context, ev stream.Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}
