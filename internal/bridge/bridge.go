// Package bridge reconciles the local session store with the remote session
// service: connectivity probing, authoritative reloads, and the periodic
// accretive polls that pick up work the backend performed autonomously.
package bridge

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"winter/internal/logging"
	"winter/internal/model"
	"winter/internal/remote"
	"winter/internal/session"
)

// Default reconciliation cadences.
const (
	probeInterval       = 30 * time.Second
	messagePollInterval = 10 * time.Second
	listPollInterval    = 30 * time.Second
	postTurnQuiet       = 15 * time.Second
)

// TurnState is the slice of the streaming engine the bridge consults before
// polling: message polls must never race an in-flight turn or fire into the
// settling window right after one.
type TurnState interface {
	IsBusy() bool
	LastTurnEnd() time.Time
}

// Bridge owns the connection state and the reconciliation loops.
type Bridge struct {
	client *remote.Client
	store  *session.Store
	turns  TurnState

	focused   func() bool
	connected atomic.Bool

	probeEvery   time.Duration
	msgPollEvery time.Duration
	listEvery    time.Duration
	turnQuiet    time.Duration

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a bridge between the store and the remote service.
func New(client *remote.Client, store *session.Store, turns TurnState) *Bridge {
	return &Bridge{
		client:       client,
		store:        store,
		turns:        turns,
		focused:      func() bool { return true },
		probeEvery:   probeInterval,
		msgPollEvery: messagePollInterval,
		listEvery:    listPollInterval,
		turnQuiet:    postTurnQuiet,
	}
}

// SetFocusSignal injects the window-focus probe; message polls pause while
// the app is in the background.
func (b *Bridge) SetFocusSignal(fn func() bool) {
	if fn != nil {
		b.focused = fn
	}
}

// Connected reports whether the last probe found the service healthy.
func (b *Bridge) Connected() bool {
	return b.connected.Load()
}

// Start probes once synchronously, reconciles if the service is up, and
// launches the background loops. Call Stop to shut them down.
func (b *Bridge) Start(ctx context.Context) {
	b.probe(ctx)

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	b.group = g

	g.Go(func() error { return b.loop(ctx, b.probeEvery, b.probe) })
	g.Go(func() error { return b.loop(ctx, b.msgPollEvery, b.pollMessages) })
	g.Go(func() error { return b.loop(ctx, b.listEvery, b.pollSessionList) })

	logging.Bridge("Reconciliation loops started (service=%s)", b.client.BaseURL())
}

// Stop terminates the background loops and waits for them to exit.
func (b *Bridge) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	_ = b.group.Wait()
	logging.Bridge("Reconciliation loops stopped")
}

// loop runs fn on a fixed interval until ctx is cancelled.
func (b *Bridge) loop(ctx context.Context, every time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// ============================================================================
// PROBING
// ============================================================================

// probe checks service health and handles connectivity transitions. A
// reconnect triggers a full authoritative reload; work performed while the
// client was away must appear without a restart.
func (b *Bridge) probe(ctx context.Context) {
	healthy := b.client.Health(ctx)
	was := b.connected.Swap(healthy)
	if healthy == was {
		return
	}

	if healthy {
		logging.Bridge("Service reachable, reconciling")
		if err := b.Reload(ctx); err != nil {
			logging.Get(logging.CategoryBridge).Warn("Reconcile after reconnect failed: %v", err)
		}
	} else {
		logging.Bridge("Service unreachable, entering offline mode")
	}
}

// ============================================================================
// RECONCILIATION
// ============================================================================

// Reload replaces the store's session list with the service's, authoritative
// for remote-backed sessions. Already-loaded message history is carried over
// by id, and sessions that exist only locally (created while offline) are
// preserved after the remote ones.
func (b *Bridge) Reload(ctx context.Context) error {
	records, err := b.client.ListSessions(ctx)
	if err != nil {
		return err
	}

	sessions := ConvertSessions(records)
	for i := range sessions {
		if existing, ok := b.store.Get(sessions[i].ID); ok {
			sessions[i].Messages = existing.Messages
		}
	}
	for _, sess := range b.store.Sessions() {
		if !sess.RemoteBacked() {
			sessions = append(sessions, sess)
		}
	}

	b.store.ReplaceAll(sessions)
	logging.Bridge("Authoritative reload: %d sessions", len(sessions))
	return nil
}

// Refresh re-probes the service and, when reachable, performs an
// authoritative reload. The on-demand reload action goes through here so a
// manual refresh also settles the connected flag.
func (b *Bridge) Refresh(ctx context.Context) error {
	healthy := b.client.Health(ctx)
	b.connected.Store(healthy)
	if !healthy {
		return fmt.Errorf("session service unreachable")
	}
	return b.Reload(ctx)
}

// pollGatesOpen reports whether a background poll may touch the service:
// connected, window focused, no turn in flight, and outside the settling
// window after the last one ended.
func (b *Bridge) pollGatesOpen() bool {
	if !b.connected.Load() || !b.focused() {
		return false
	}
	if b.turns.IsBusy() || time.Since(b.turns.LastTurnEnd()) < b.turnQuiet {
		return false
	}
	return true
}

// pollMessages fetches the active session's history and merges anything new.
func (b *Bridge) pollMessages(ctx context.Context) {
	if !b.pollGatesOpen() {
		return
	}

	active, ok := b.store.ActiveSession()
	if !ok || !active.RemoteBacked() {
		return
	}

	envelopes, err := b.client.Messages(ctx, active.RemoteID)
	if err != nil {
		logging.BridgeDebug("Message poll failed for %s: %v", active.RemoteID, err)
		return
	}
	if added := b.store.MergeMessages(active.ID, ConvertMessages(envelopes)); added > 0 {
		logging.Bridge("Message poll merged %d messages into %s", added, active.ID)
	}
}

// pollSessionList merges sessions created on the backend since the last
// reconciliation. Accretive only: nothing the user already sees is removed
// or reordered. Same gates as the message poll.
func (b *Bridge) pollSessionList(ctx context.Context) {
	if !b.pollGatesOpen() {
		return
	}
	records, err := b.client.ListSessions(ctx)
	if err != nil {
		logging.BridgeDebug("Session list poll failed: %v", err)
		return
	}
	if added := b.store.MergeSessionList(ConvertSessions(records)); added > 0 {
		logging.Bridge("Session list poll added %d sessions", added)
	}
}

// ============================================================================
// REMOTE PROPAGATION (session.RemoteSync)
// ============================================================================

// DeleteSession removes the remote counterpart of a locally deleted session.
func (b *Bridge) DeleteSession(ctx context.Context, remoteID string) error {
	return b.client.DeleteSession(ctx, remoteID)
}

// RenameSession propagates a local rename to the service.
func (b *Bridge) RenameSession(ctx context.Context, remoteID, name string) error {
	return b.client.RenameSession(ctx, remoteID, name)
}

// SessionMessages fetches and converts a session's full remote history.
func (b *Bridge) SessionMessages(ctx context.Context, remoteID string) ([]model.Message, error) {
	envelopes, err := b.client.Messages(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	return ConvertMessages(envelopes), nil
}

var _ session.RemoteSync = (*Bridge)(nil)
