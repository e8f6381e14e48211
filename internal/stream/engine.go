package stream

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"winter/internal/logging"
	"winter/internal/model"

	"github.com/google/uuid"
)

// SessionUpdater is the single write path into the session store. All
// engine mutations to a session go through it; it is the serialization
// point shared with poll callbacks and direct user actions.
type SessionUpdater interface {
	Update(id string, fn func(*model.Session)) bool
}

// errMessageCap bounds error text before storage or display. Oversized
// payloads (base64 echoed back in an error) would otherwise flood the UI.
const errMessageCap = 500

// truncationMarker is appended to capped error text.
const truncationMarker = "... [truncated]"

// statusThinking is the initial status label for a freshly opened turn.
const statusThinking = "thinking"

// Turn is the mutable accumulator for one streaming response. It is owned
// exclusively by the engine invocation that created it and never shared
// across turns; all access is guarded by the engine mutex.
type Turn struct {
	token     string
	sessionID string
	messageID string

	content   strings.Builder
	reasoning strings.Builder
	status    string
	tools     []model.ToolActivity

	done      bool
	finalized bool
	errText   string
}

// MessageID returns the id of the placeholder assistant message this turn
// is accumulating into.
func (t *Turn) MessageID() string {
	return t.messageID
}

// Engine converts event sequences into session mutations. One engine serves
// the whole app; each call to StartTurn opens an independently tracked turn.
// All cross-callback coordination state (active-turn token, cancel flag,
// last-turn-end timestamp) lives here, never in package scope.
type Engine struct {
	mu      sync.Mutex
	updater SessionUpdater

	frame     Scheduler
	immediate Scheduler
	visible   func() bool
	onUsage   func(inputTokens, outputTokens int64)

	activeToken     string
	cancelRequested bool
	busy            bool
	lastTurnEnd     time.Time
	current         *Turn
}

// NewEngine creates an engine writing through the given updater.
func NewEngine(updater SessionUpdater) *Engine {
	return &Engine{
		updater:   updater,
		frame:     NewFrameScheduler(),
		immediate: NewImmediateScheduler(),
		visible:   func() bool { return true },
	}
}

// SetVisibilitySignal injects the UI visibility probe that selects between
// the frame-aligned and immediate flush schedulers.
func (e *Engine) SetVisibilitySignal(fn func() bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fn != nil {
		e.visible = fn
	}
}

// SetUsageCallback injects the sink for usage events.
func (e *Engine) SetUsageCallback(fn func(inputTokens, outputTokens int64)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onUsage = fn
}

// IsBusy reports whether a turn is currently active.
func (e *Engine) IsBusy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

// LastTurnEnd returns when the most recent turn finalized. The zero time
// means no turn has completed yet.
func (e *Engine) LastTurnEnd() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTurnEnd
}

// Done reports whether the turn has reached its terminal state.
func (e *Engine) Done(t *Turn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.done
}

// StartTurn opens a turn against the given session: inserts the placeholder
// assistant message, mints a fresh turn token, and marks the engine busy.
// Returns an error if a turn is already active.
func (e *Engine) StartTurn(sessionID string) (*Turn, error) {
	e.mu.Lock()
	if e.busy {
		e.mu.Unlock()
		return nil, fmt.Errorf("turn already active")
	}

	t := &Turn{
		token:     uuid.NewString(),
		sessionID: sessionID,
		messageID: model.NewID(),
		status:    statusThinking,
	}
	e.activeToken = t.token
	e.cancelRequested = false
	e.busy = true
	e.current = t
	e.mu.Unlock()

	e.updater.Update(sessionID, func(s *model.Session) {
		s.Messages = append(s.Messages, model.Message{
			ID:          t.messageID,
			Role:        model.RoleAssistant,
			Timestamp:   model.NowMillis(),
			IsStreaming: true,
			StatusText:  statusThinking,
		})
	})

	logging.Stream("Turn started: session=%s message=%s", sessionID, t.messageID)
	return t, nil
}

// HandleEvent applies one backend event to the turn. Events for a finished
// turn are ignored. An event is treated as a cancellation trigger only when
// the cancel flag is set AND the turn is stale; a cancel flag alone must
// not kill an in-flight turn (a cancel for a previous turn may arrive after
// a new turn has started).
func (e *Engine) HandleEvent(t *Turn, ev Event) {
	e.mu.Lock()
	if t.done {
		e.mu.Unlock()
		return
	}
	if e.cancelRequested && t.token != e.activeToken {
		e.mu.Unlock()
		e.finalize(t)
		return
	}

	terminal := false
	var usageFn func(int64, int64)
	var usageIn, usageOut int64

	switch v := ev.(type) {
	case StreamStart:
		// Placeholder already inserted by StartTurn.
	case Delta:
		t.content.WriteString(v.Text)
		t.status = ""
	case ToolStart:
		t.tools = append(t.tools, model.ToolActivity{
			ID:     v.ID,
			Name:   v.Name,
			Status: model.ToolRunning,
		})
		t.status = toolVerb(v.Name)
	case ToolEnd:
		for i := range t.tools {
			if t.tools[i].ID == v.ID {
				t.tools[i].Status = model.ToolCompleted
				t.tools[i].Result = v.Result
				break
			}
		}
	case Status:
		t.status = v.Text
	case Reasoning:
		t.reasoning.WriteString(v.Text)
	case Usage:
		usageFn = e.onUsage
		usageIn, usageOut = v.InputTokens, v.OutputTokens
	case OllamaStatus:
		t.status = modelStatus(v.Status)
	case StreamEnd:
		t.done = true
		terminal = true
	case ErrorEvent:
		t.errText = truncateError(v.Message)
		t.done = true
		terminal = true
	}

	sched := e.schedulerLocked()
	e.mu.Unlock()

	if usageFn != nil {
		usageFn(usageIn, usageOut)
	}
	if terminal {
		e.finalize(t)
		return
	}
	sched.Schedule(func() { e.flush(t) })
}

// Run drains the event channel into the turn. If the channel closes before
// a terminal event arrives, the turn is finalized anyway so no message is
// ever left streaming.
func (e *Engine) Run(t *Turn, events <-chan Event) {
	for ev := range events {
		e.HandleEvent(t, ev)
		if e.Done(t) {
			break
		}
	}
	e.finalize(t)
}

// Cancel aborts the active turn: clears the busy flag immediately for the
// UI, invalidates the active-turn token, and settles whatever partial
// content had accumulated. Cancellation is graceful truncation, not data
// loss.
func (e *Engine) Cancel() {
	e.mu.Lock()
	e.cancelRequested = true
	e.activeToken = ""
	e.busy = false
	t := e.current
	e.mu.Unlock()

	if t != nil {
		e.finalize(t)
	}
}

// schedulerLocked picks the flush scheduler for the current visibility.
func (e *Engine) schedulerLocked() Scheduler {
	if e.visible() {
		return e.frame
	}
	return e.immediate
}

// flush commits the turn's current accumulated state into its message in
// one store update. Raw event handling never writes through the store
// directly; bursts coalesce into these flushes.
func (e *Engine) flush(t *Turn) {
	e.mu.Lock()
	if t.done {
		e.mu.Unlock()
		return
	}
	content := t.content.String()
	reasoning := t.reasoning.String()
	status := t.status
	tools := append([]model.ToolActivity(nil), t.tools...)
	sessionID, messageID := t.sessionID, t.messageID
	e.mu.Unlock()

	e.updater.Update(sessionID, func(s *model.Session) {
		// finalize may have committed between the done check above and this
		// closure running. Store updates are serialized, so once finalized is
		// observed here no later flush write can land.
		e.mu.Lock()
		finalized := t.finalized
		e.mu.Unlock()
		if finalized {
			return
		}
		for i := range s.Messages {
			if s.Messages[i].ID != messageID {
				continue
			}
			s.Messages[i].Content = content
			s.Messages[i].Reasoning = reasoning
			s.Messages[i].StatusText = status
			s.Messages[i].ToolActivities = tools
			return
		}
	})
}

// finalize settles the turn exactly once, from either the terminal-event
// path or the cancellation path. Three mutually exclusive outcomes: error
// text becomes the message content, an empty turn removes the placeholder,
// otherwise the accumulated state is committed.
func (e *Engine) finalize(t *Turn) {
	e.mu.Lock()
	if t.finalized {
		e.mu.Unlock()
		return
	}
	t.finalized = true
	t.done = true

	e.frame.Cancel()
	e.immediate.Cancel()

	content := t.content.String()
	reasoning := t.reasoning.String()
	errText := t.errText
	tools := append([]model.ToolActivity(nil), t.tools...)
	sessionID, messageID := t.sessionID, t.messageID

	e.lastTurnEnd = time.Now()
	e.busy = false
	if e.activeToken == t.token {
		e.activeToken = ""
	}
	if e.current == t {
		e.current = nil
	}
	e.mu.Unlock()

	e.updater.Update(sessionID, func(s *model.Session) {
		idx := -1
		for i := range s.Messages {
			if s.Messages[i].ID == messageID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}

		switch {
		case errText != "":
			s.Messages[idx].Content = "Error: " + errText
			s.Messages[idx].IsStreaming = false
			s.Messages[idx].StatusText = ""
			s.Messages[idx].ToolActivities = tools
		case strings.TrimSpace(content) == "":
			// Never persist an empty assistant bubble.
			s.Messages = append(s.Messages[:idx], s.Messages[idx+1:]...)
		default:
			s.Messages[idx].Content = content
			s.Messages[idx].Reasoning = reasoning
			s.Messages[idx].IsStreaming = false
			s.Messages[idx].StatusText = ""
			s.Messages[idx].ToolActivities = tools
		}
	})

	logging.Stream("Turn finalized: session=%s message=%s err=%v empty=%v",
		sessionID, messageID, errText != "", strings.TrimSpace(content) == "")
}

// truncateError caps error text at errMessageCap characters.
func truncateError(msg string) string {
	runes := []rune(msg)
	if len(runes) <= errMessageCap {
		return msg
	}
	return string(runes[:errMessageCap]) + truncationMarker
}

// modelStatus maps local-model lifecycle statuses to status-line text.
// These are transient; they never become message content.
func modelStatus(status string) string {
	switch status {
	case "connecting":
		return "connecting to model..."
	case "generating":
		return "generating..."
	case "compressing":
		return "compacting conversation history..."
	case "compression_failed":
		return "history compaction failed"
	case "done":
		return ""
	default:
		return status
	}
}
