// Package app composes the client core: session store, streaming engine,
// reconciliation bridge, and clarification poller behind one facade. The
// frontend talks only to this package.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"winter/internal/bridge"
	"winter/internal/clarify"
	"winter/internal/complete"
	"winter/internal/config"
	"winter/internal/docstore"
	"winter/internal/logging"
	"winter/internal/model"
	"winter/internal/remote"
	"winter/internal/session"
	"winter/internal/stream"
)

// stateNamespace is the document-store namespace for client state.
const stateNamespace = "winter"

// App is the facade over the client core.
type App struct {
	cfg *config.Config

	store    *session.Store
	engine   *stream.Engine
	bridge   *bridge.Bridge
	clarify  *clarify.Poller
	remote   *remote.Client
	complete *complete.Client

	storePath string
	focused   atomic.Bool

	mu         sync.Mutex
	turnCancel context.CancelFunc

	cancel context.CancelFunc
}

// New builds and wires the core from configuration. State is hydrated from
// disk; no network traffic happens until Start.
func New(cfg *config.Config) (*App, error) {
	storePath := filepath.Join(cfg.DataDir, "state.db")
	doc, err := docstore.Open(storePath, stateNamespace)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	a := &App{cfg: cfg, storePath: storePath}
	a.focused.Store(true)

	a.store = session.NewStore(doc)
	a.store.Hydrate()

	a.engine = stream.NewEngine(a.store)
	a.engine.SetVisibilitySignal(a.Focused)
	a.engine.SetUsageCallback(func(in, out int64) {
		a.store.BumpUsage(in + out)
	})

	a.remote = remote.NewClient(cfg.Remote.BaseURL, cfg.Workspace,
		cfg.Remote.TimeoutDuration(), cfg.Remote.ProbeTimeoutDuration())
	a.complete = complete.NewClient(cfg.Completion.BaseURL, cfg.Completion.Model,
		cfg.Completion.APIKey, cfg.Completion.TimeoutDuration())

	a.bridge = bridge.New(a.remote, a.store, a.engine)
	a.bridge.SetFocusSignal(a.Focused)

	a.store.SetRemote(a.bridge)
	a.store.SetStreamingSignal(a.engine.IsBusy)
	a.store.SetConnectedSignal(a.bridge.Connected)

	a.clarify = clarify.NewPoller(a.remote, a.store)
	a.clarify.SetStreamingSignal(a.engine.IsBusy)
	a.clarify.SetConnectedSignal(a.bridge.Connected)

	return a, nil
}

// Start launches the background loops: connectivity probing, reconciliation
// polling, and clarification polling.
func (a *App) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.bridge.Start(ctx)
	go a.clarify.Run(ctx)
	logging.Get(logging.CategoryBoot).Info("Core started (connected=%v)", a.bridge.Connected())
}

// Stop shuts down background work, settles any in-flight turn, and flushes
// state to disk.
func (a *App) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Lock()
	if a.turnCancel != nil {
		a.turnCancel()
		a.turnCancel = nil
	}
	a.mu.Unlock()

	a.engine.Cancel()
	a.bridge.Stop()
	a.store.Flush()
	docstore.Close(a.storePath)
}

// ============================================================================
// SENDING
// ============================================================================

// SendMessage submits user input against the active session (creating one
// from draft mode if needed) and starts the streaming turn. It returns as
// soon as the turn is running; events flow into the store asynchronously.
func (a *App) SendMessage(ctx context.Context, text string, images []model.ImageAttachment) error {
	text = strings.TrimSpace(text)
	if text == "" && len(images) == 0 {
		return fmt.Errorf("nothing to send")
	}
	if a.engine.IsBusy() {
		return fmt.Errorf("a response is still streaming")
	}

	// The session service carries no image channel; a send that would take
	// the remote path rejects attachments before any session is created, so
	// no empty remote session or remote turn is ever opened for it.
	if len(images) > 0 && a.remoteIntent() {
		return a.rejectImages(text, images)
	}

	sess, err := a.targetSession(ctx, text)
	if err != nil {
		return err
	}

	useRemote := sess.RemoteBacked() && a.bridge.Connected()

	userMsg := model.NewUserMessage(text, images)
	a.store.Update(sess.ID, func(s *model.Session) {
		s.Messages = append(s.Messages, userMsg)
	})

	turn, err := a.engine.StartTurn(sess.ID)
	if err != nil {
		return err
	}

	turnCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.turnCancel = cancel
	a.mu.Unlock()

	var events <-chan stream.Event
	if useRemote {
		known := a.knownMessageIDs(sess.ID, turn.MessageID())
		events = a.remote.Subscribe(turnCtx, sess.RemoteID, known)
		if err := a.remote.PromptAsync(ctx, sess.RemoteID, text); err != nil {
			a.engine.HandleEvent(turn, stream.ErrorEvent{Message: err.Error()})
			cancel()
			return fmt.Errorf("submitting prompt: %w", err)
		}
	} else {
		events = a.complete.Stream(turnCtx, a.history(sess.ID, turn.MessageID()))
	}

	go func() {
		defer cancel()
		a.engine.Run(turn, events)
	}()
	return nil
}

// remoteIntent reports whether the next send would take the remote path:
// the service is reachable and the target session is (or, from draft mode,
// would be created) remote-backed.
func (a *App) remoteIntent() bool {
	if !a.bridge.Connected() {
		return false
	}
	if a.store.Draft() {
		return true
	}
	sess, ok := a.store.ActiveSession()
	return ok && sess.RemoteBacked()
}

// rejectImages records an image-bearing send that cannot go to the session
// service: the user message is kept (attachments included) and an
// unsupported-attachment assistant message stands in for the reply. No turn
// starts and nothing is transmitted. A draft send still opens a session, but
// a local one, so the service never accumulates an empty counterpart.
func (a *App) rejectImages(text string, images []model.ImageAttachment) error {
	var sessID string
	if a.store.Draft() {
		sess := model.NewSession(text)
		a.store.CreateSession(sess)
		sessID = sess.ID
	} else {
		sess, ok := a.store.ActiveSession()
		if !ok {
			return fmt.Errorf("no active session")
		}
		sessID = sess.ID
	}

	a.store.Update(sessID, func(s *model.Session) {
		s.Messages = append(s.Messages, model.NewUserMessage(text, images))
		s.Messages = append(s.Messages, model.Message{
			ID:        model.NewID(),
			Role:      model.RoleAssistant,
			Content:   "Image attachments are not supported by the session service, so this message was not sent. Remove the attachments to send it, or go offline to use the local model.",
			Timestamp: model.NowMillis(),
		})
	})
	logging.SessionDebug("Rejected image send in remote mode: session=%s images=%d", sessID, len(images))
	return nil
}

// targetSession resolves the session the message goes to, creating one when
// the store is drafting. When connected, the new session is created on the
// service first; if that fails the turn falls back to a local session rather
// than failing the send.
func (a *App) targetSession(ctx context.Context, text string) (model.Session, error) {
	if !a.store.Draft() {
		if sess, ok := a.store.ActiveSession(); ok {
			return sess, nil
		}
		return model.Session{}, fmt.Errorf("no active session")
	}

	name := model.SessionName(text)
	if a.bridge.Connected() {
		rec, err := a.remote.CreateSession(ctx)
		if err == nil {
			sess := model.Session{
				ID:        rec.ID,
				RemoteID:  rec.ID,
				Name:      name,
				CreatedAt: model.NowMillis(),
				Messages:  []model.Message{},
			}
			a.store.CreateSession(sess)
			go func() {
				renameCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.remote.RenameSession(renameCtx, rec.ID, name); err != nil {
					logging.SessionDebug("Initial rename failed for %s: %v", rec.ID, err)
				}
			}()
			return sess, nil
		}
		logging.Get(logging.CategorySession).Warn("Remote session create failed, falling back to local: %v", err)
	}

	sess := model.NewSession(text)
	a.store.CreateSession(sess)
	return sess, nil
}

// knownMessageIDs lists message ids that existed before the turn's
// placeholder, so replayed history on the event stream is ignored.
func (a *App) knownMessageIDs(sessionID, placeholderID string) []string {
	sess, ok := a.store.Get(sessionID)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(sess.Messages))
	for _, m := range sess.Messages {
		if m.ID != placeholderID {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// history returns the conversation to send to the completion endpoint:
// everything up to but excluding the streaming placeholder.
func (a *App) history(sessionID, placeholderID string) []model.Message {
	sess, ok := a.store.Get(sessionID)
	if !ok {
		return nil
	}
	out := make([]model.Message, 0, len(sess.Messages))
	for _, m := range sess.Messages {
		if m.ID == placeholderID || m.IsStreaming {
			continue
		}
		out = append(out, m)
	}
	return out
}

// AbortStream cancels the in-flight turn, settling partial content, and
// best-effort aborts the remote side.
func (a *App) AbortStream() {
	a.engine.Cancel()

	a.mu.Lock()
	if a.turnCancel != nil {
		a.turnCancel()
		a.turnCancel = nil
	}
	a.mu.Unlock()

	if sess, ok := a.store.ActiveSession(); ok && sess.RemoteBacked() && a.bridge.Connected() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := a.remote.Abort(ctx, sess.RemoteID); err != nil {
				logging.StreamDebug("Remote abort failed for %s: %v", sess.RemoteID, err)
			}
		}()
	}
}

// ============================================================================
// SESSION OPERATIONS
// ============================================================================

// Sessions returns all sessions in display order.
func (a *App) Sessions() []model.Session { return a.store.Sessions() }

// ActiveSession returns the active session, if any.
func (a *App) ActiveSession() (model.Session, bool) { return a.store.ActiveSession() }

// Draft reports whether the next message starts a fresh session.
func (a *App) Draft() bool { return a.store.Draft() }

// AddSession enters draft mode.
func (a *App) AddSession() { a.store.AddSession() }

// SwitchSession activates another session, lazily loading remote history.
func (a *App) SwitchSession(id string) bool { return a.store.SwitchSession(id) }

// DeleteSession removes a session locally and remotely.
func (a *App) DeleteSession(id string) bool { return a.store.DeleteSession(id) }

// RenameSession renames a session locally and remotely.
func (a *App) RenameSession(id, name string) bool { return a.store.RenameSession(id, name) }

// ArchiveSession moves a session into the archived partition.
func (a *App) ArchiveSession(id string) bool { return a.store.SetArchived(id, true) }

// UnarchiveSession restores a session from the archived partition.
func (a *App) UnarchiveSession(id string) bool { return a.store.SetArchived(id, false) }

// ReorderSessions moves a session within the non-archived list.
func (a *App) ReorderSessions(fromIdx, toIdx int) bool { return a.store.ReorderSessions(fromIdx, toIdx) }

// ReloadSessions re-probes the service and forces an authoritative reload.
func (a *App) ReloadSessions(ctx context.Context) error { return a.bridge.Refresh(ctx) }

// ============================================================================
// STATE PROBES
// ============================================================================

// IsStreaming reports whether a turn is in flight.
func (a *App) IsStreaming() bool { return a.engine.IsBusy() }

// Connected reports remote service reachability.
func (a *App) Connected() bool { return a.bridge.Connected() }

// Usage returns the lifetime token counter.
func (a *App) Usage() int64 { return a.store.Usage() }

// WeeklyUsage returns the current week's token counter.
func (a *App) WeeklyUsage() int64 { return a.store.WeeklyUsage() }

// SetFocused records window focus; polling and flush cadence adapt to it.
func (a *App) SetFocused(focused bool) { a.focused.Store(focused) }

// Focused reports the last recorded focus state.
func (a *App) Focused() bool { return a.focused.Load() }

// ============================================================================
// CLARIFICATIONS
// ============================================================================

// PendingClarification returns the surfaced clarification request, if any.
func (a *App) PendingClarification() (remote.Question, bool) { return a.clarify.Pending() }

// ReplyClarification answers the surfaced clarification request.
func (a *App) ReplyClarification(ctx context.Context, answers [][]string) error {
	return a.clarify.Reply(ctx, answers)
}

// RejectClarification dismisses the surfaced clarification request.
func (a *App) RejectClarification(ctx context.Context) error {
	return a.clarify.Reject(ctx)
}
