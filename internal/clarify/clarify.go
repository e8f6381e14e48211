// Package clarify surfaces backend clarification requests: questions the
// agent asks mid-task that block its progress until answered. A fast poll
// keeps the latency low while a turn is streaming; an idle poll catches
// questions raised by autonomous backend work.
package clarify

import (
	"context"
	"sync"
	"time"

	"winter/internal/logging"
	"winter/internal/remote"
	"winter/internal/session"
)

// Poll cadences. Questions block the agent, so the streaming-time poll is
// deliberately tight.
const (
	streamingInterval = 2 * time.Second
	idleInterval      = 5 * time.Second
)

// Service is the slice of the remote client the poller needs.
type Service interface {
	Questions(ctx context.Context) ([]remote.Question, error)
	ReplyQuestion(ctx context.Context, questionID string, answers [][]string) error
	RejectQuestion(ctx context.Context, questionID string) error
}

// Poller watches for pending clarification requests addressed to the active
// session. At most one request is surfaced at a time.
type Poller struct {
	service Service
	store   *session.Store

	streaming func() bool
	connected func() bool

	streamEvery time.Duration
	idleEvery   time.Duration

	mu      sync.Mutex
	pending *remote.Question
}

// NewPoller creates a clarification poller over the given service.
func NewPoller(service Service, store *session.Store) *Poller {
	return &Poller{
		service:     service,
		store:       store,
		streaming:   func() bool { return false },
		connected:   func() bool { return false },
		streamEvery: streamingInterval,
		idleEvery:   idleInterval,
	}
}

// SetStreamingSignal injects the engine busy probe that selects the poll
// cadence.
func (p *Poller) SetStreamingSignal(fn func() bool) {
	if fn != nil {
		p.streaming = fn
	}
}

// SetConnectedSignal injects the bridge connectivity probe; polling is
// pointless while the service is unreachable.
func (p *Poller) SetConnectedSignal(fn func() bool) {
	if fn != nil {
		p.connected = fn
	}
}

// Pending returns the currently surfaced clarification request, if any.
func (p *Poller) Pending() (remote.Question, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return remote.Question{}, false
	}
	return *p.pending, true
}

// Run polls until ctx is cancelled. The interval tightens while a turn is
// streaming and relaxes when idle.
func (p *Poller) Run(ctx context.Context) {
	timer := time.NewTimer(p.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.poll(ctx)
			timer.Reset(p.interval())
		}
	}
}

func (p *Poller) interval() time.Duration {
	if p.streaming() {
		return p.streamEvery
	}
	return p.idleEvery
}

// poll fetches pending questions and surfaces the first one addressed to
// the active session. Disabled unless the active session is remote-backed.
func (p *Poller) poll(ctx context.Context) {
	if !p.connected() {
		return
	}
	active, ok := p.store.ActiveSession()
	if !ok || !active.RemoteBacked() {
		p.clear()
		return
	}

	questions, err := p.service.Questions(ctx)
	if err != nil {
		logging.Get(logging.CategoryClarify).Debug("Question poll failed: %v", err)
		return
	}

	for i := range questions {
		if questions[i].SessionID != active.RemoteID {
			continue
		}
		p.mu.Lock()
		changed := p.pending == nil || p.pending.ID != questions[i].ID
		q := questions[i]
		p.pending = &q
		p.mu.Unlock()
		if changed {
			logging.Get(logging.CategoryClarify).Info("Clarification pending: %s (%d questions)", q.ID, len(q.Questions))
		}
		return
	}
	p.clear()
}

func (p *Poller) clear() {
	p.mu.Lock()
	p.pending = nil
	p.mu.Unlock()
}

// Reply submits answers for the surfaced request, one selection list per
// sub-question. The request stays surfaced if submission fails so the user
// can retry.
func (p *Poller) Reply(ctx context.Context, answers [][]string) error {
	p.mu.Lock()
	pending := p.pending
	p.mu.Unlock()
	if pending == nil {
		return nil
	}
	if err := p.service.ReplyQuestion(ctx, pending.ID, answers); err != nil {
		return err
	}
	p.clear()
	logging.Get(logging.CategoryClarify).Info("Clarification %s answered", pending.ID)
	return nil
}

// Reject dismisses the surfaced request without answering.
func (p *Poller) Reject(ctx context.Context) error {
	p.mu.Lock()
	pending := p.pending
	p.mu.Unlock()
	if pending == nil {
		return nil
	}
	if err := p.service.RejectQuestion(ctx, pending.ID); err != nil {
		return err
	}
	p.clear()
	logging.Get(logging.CategoryClarify).Info("Clarification %s rejected", pending.ID)
	return nil
}
