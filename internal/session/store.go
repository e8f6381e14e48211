// Package session implements the session store: the authoritative in-memory
// collection of chat sessions plus durable, debounced persistence. All
// mutation funnels through Update, the single serialization point shared by
// user actions, streaming flushes, and reconciliation polls.
package session

import (
	"context"
	"sync"
	"time"

	"winter/internal/docstore"
	"winter/internal/logging"
	"winter/internal/model"
)

// RemoteSync is the slice of the remote service the store needs for
// best-effort propagation and lazy history loads. Nil means no remote.
type RemoteSync interface {
	DeleteSession(ctx context.Context, remoteID string) error
	RenameSession(ctx context.Context, remoteID, name string) error
	SessionMessages(ctx context.Context, remoteID string) ([]model.Message, error)
}

// persistQuiet is the debounce quiet period for persistence writes.
const persistQuiet = 500 * time.Millisecond

// Store owns the session collection. Exactly one session is active at a
// time, or the store is in draft mode (no active session; the next sent
// message creates one).
type Store struct {
	mu sync.Mutex

	sessions    []model.Session
	activeID    string
	draft       bool
	archivedIDs map[string]struct{}

	usage         int64
	weeklyUsage   int64
	weeklyResetAt int64

	doc       docstore.Store
	debouncer *Debouncer

	remote    RemoteSync
	streaming func() bool
	connected func() bool
}

// NewStore creates a store persisting through doc. The store starts in
// draft mode until Hydrate or the bridge populates it.
func NewStore(doc docstore.Store) *Store {
	return &Store{
		draft:       true,
		archivedIDs: make(map[string]struct{}),
		doc:         doc,
		debouncer:   NewDebouncer(persistQuiet),
		streaming:   func() bool { return false },
		connected:   func() bool { return false },
	}
}

// SetRemote injects the remote propagation hook.
func (s *Store) SetRemote(r RemoteSync) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = r
}

// SetStreamingSignal injects the engine busy probe; persistence of session
// content is suppressed while a turn is streaming.
func (s *Store) SetStreamingSignal(fn func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.streaming = fn
	}
}

// SetConnectedSignal injects the bridge connectivity probe; while connected
// the remote service is authoritative for session content and only
// continuity keys are written locally.
func (s *Store) SetConnectedSignal(fn func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.connected = fn
	}
}

// =============================================================================
// READ ACCESSORS
// =============================================================================

// Sessions returns a snapshot of all sessions in display order.
func (s *Store) Sessions() []model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshotSessions(s.sessions)
}

// ActiveID returns the active session id, or "" in draft mode.
func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Draft reports whether the store is in draft mode.
func (s *Store) Draft() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// ActiveSession returns a snapshot of the active session.
func (s *Store) ActiveSession() (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOfLocked(s.activeID)
	if idx < 0 {
		return model.Session{}, false
	}
	return snapshotSession(s.sessions[idx]), true
}

// Get returns a snapshot of the session with the given id.
func (s *Store) Get(id string) (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOfLocked(id)
	if idx < 0 {
		return model.Session{}, false
	}
	return snapshotSession(s.sessions[idx]), true
}

// ArchivedIDs returns a copy of the persisted archived-id set.
func (s *Store) ArchivedIDs() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.archivedIDs))
	for id := range s.archivedIDs {
		out[id] = struct{}{}
	}
	return out
}

// =============================================================================
// MUTATION
// =============================================================================

// Update is the single mutation primitive: it applies fn to the session
// with the given id under the store lock and schedules persistence.
// Returns false if no such session exists.
func (s *Store) Update(id string, fn func(*model.Session)) bool {
	s.mu.Lock()
	idx := s.indexOfLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	fn(&s.sessions[idx])
	s.mu.Unlock()

	s.schedulePersist()
	return true
}

// AddSession enters draft mode so the next sent message creates a fresh
// session. No-op if already drafting.
func (s *Store) AddSession() {
	s.mu.Lock()
	if s.draft {
		s.mu.Unlock()
		return
	}
	s.draft = true
	s.activeID = ""
	s.mu.Unlock()

	logging.Session("Entered draft mode")
	s.schedulePersist()
}

// CreateSession inserts a new session at the front, makes it active, and
// leaves draft mode. Used by the send path when drafting.
func (s *Store) CreateSession(sess model.Session) {
	s.mu.Lock()
	s.sessions = append([]model.Session{sess}, s.sessions...)
	s.activeID = sess.ID
	s.draft = false
	s.mu.Unlock()

	logging.Session("Created session %s (%q)", sess.ID, sess.Name)
	s.schedulePersist()
}

// SwitchSession makes the given session active and exits draft mode. If the
// session is remote-backed with no messages loaded yet, its history is
// lazily fetched and merged in by message id.
func (s *Store) SwitchSession(id string) bool {
	s.mu.Lock()
	idx := s.indexOfLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.activeID = id
	s.draft = false
	remoteID := s.sessions[idx].RemoteID
	needsFetch := remoteID != "" && len(s.sessions[idx].Messages) == 0
	remote := s.remote
	s.mu.Unlock()

	s.schedulePersist()

	if needsFetch && remote != nil {
		go s.lazyLoadHistory(id, remoteID, remote)
	}
	return true
}

func (s *Store) lazyLoadHistory(id, remoteID string, remote RemoteSync) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	msgs, err := remote.SessionMessages(ctx, remoteID)
	if err != nil {
		logging.Get(logging.CategorySession).Warn("Lazy history load failed for %s: %v", id, err)
		return
	}
	merged := s.MergeMessages(id, msgs)
	logging.SessionDebug("Lazy-loaded %d messages into %s (%d new)", len(msgs), id, merged)
}

// MergeMessages merges remote messages into a session, keeping only those
// whose id is not already present. Existing messages are never replaced or
// reordered. Returns the number of messages added.
func (s *Store) MergeMessages(id string, msgs []model.Message) int {
	added := 0
	s.Update(id, func(sess *model.Session) {
		seen := make(map[string]struct{}, len(sess.Messages))
		for _, m := range sess.Messages {
			seen[m.ID] = struct{}{}
		}
		for _, m := range msgs {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			sess.Messages = append(sess.Messages, m)
			seen[m.ID] = struct{}{}
			added++
		}
	})
	return added
}

// DeleteSession removes a session locally and best-effort deletes its
// remote counterpart. Remote failure never blocks local deletion. If the
// deleted session was active, the first remaining non-archived session
// becomes active, or the store re-enters draft mode.
func (s *Store) DeleteSession(id string) bool {
	s.mu.Lock()
	idx := s.indexOfLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	remoteID := s.sessions[idx].RemoteID
	remote := s.remote
	s.sessions = append(s.sessions[:idx], s.sessions[idx+1:]...)
	delete(s.archivedIDs, id)
	if s.activeID == id {
		s.reselectActiveLocked()
	}
	s.mu.Unlock()

	logging.Session("Deleted session %s", id)
	s.schedulePersist()

	if remoteID != "" && remote != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := remote.DeleteSession(ctx, remoteID); err != nil {
				logging.Get(logging.CategorySession).Warn("Remote delete failed for %s: %v", remoteID, err)
			}
		}()
	}
	return true
}

// RenameSession renames locally and propagates to the remote counterpart
// when backed.
func (s *Store) RenameSession(id, name string) bool {
	var remoteID string
	var remote RemoteSync

	s.mu.Lock()
	idx := s.indexOfLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.sessions[idx].Name = name
	remoteID = s.sessions[idx].RemoteID
	remote = s.remote
	s.mu.Unlock()

	s.schedulePersist()

	if remoteID != "" && remote != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := remote.RenameSession(ctx, remoteID, name); err != nil {
				logging.Get(logging.CategorySession).Warn("Remote rename failed for %s: %v", remoteID, err)
			}
		}()
	}
	return true
}

// SetArchived moves a session in or out of the archived partition. Archived
// sessions always sort after active ones and retain relative order. The
// archived-id set is persisted separately so it survives a full remote
// resynchronization.
func (s *Store) SetArchived(id string, archived bool) bool {
	s.mu.Lock()
	idx := s.indexOfLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	if s.sessions[idx].Archived == archived {
		s.mu.Unlock()
		return true
	}

	sess := s.sessions[idx]
	sess.Archived = archived
	s.sessions = append(s.sessions[:idx], s.sessions[idx+1:]...)

	if archived {
		s.archivedIDs[id] = struct{}{}
		// Archived partition sits at the tail.
		s.sessions = append(s.sessions, sess)
		if s.activeID == id {
			s.reselectActiveLocked()
		}
	} else {
		delete(s.archivedIDs, id)
		boundary := s.archiveBoundaryLocked()
		s.sessions = append(s.sessions[:boundary], append([]model.Session{sess}, s.sessions[boundary:]...)...)
	}
	s.mu.Unlock()

	logging.Session("Session %s archived=%v", id, archived)
	s.schedulePersist()
	return true
}

// ReorderSessions moves a session within the non-archived subset. Archived
// sessions are unaffected.
func (s *Store) ReorderSessions(fromIdx, toIdx int) bool {
	s.mu.Lock()
	boundary := s.archiveBoundaryLocked()
	if fromIdx < 0 || fromIdx >= boundary || toIdx < 0 || toIdx >= boundary {
		s.mu.Unlock()
		return false
	}
	sess := s.sessions[fromIdx]
	s.sessions = append(s.sessions[:fromIdx], s.sessions[fromIdx+1:]...)
	s.sessions = append(s.sessions[:toIdx], append([]model.Session{sess}, s.sessions[toIdx:]...)...)
	s.mu.Unlock()

	s.schedulePersist()
	return true
}

// ReplaceAll swaps in an authoritative session list (remote refresh). The
// archived flag is re-applied from the persisted archived-id set, the
// previously active id is restored if still present, and draft mode is
// entered when the list is empty.
func (s *Store) ReplaceAll(sessions []model.Session) {
	s.mu.Lock()
	for i := range sessions {
		_, archived := s.archivedIDs[sessions[i].ID]
		sessions[i].Archived = archived
	}
	s.sessions = partitionArchived(sessions)

	if s.indexOfLocked(s.activeID) < 0 {
		s.reselectActiveLocked()
	}
	s.mu.Unlock()

	logging.Session("Replaced session list (%d sessions)", len(sessions))
	s.schedulePersist()
}

// MergeSessionList prepends sessions whose id is not already known. The
// accretive merge never removes or reorders what the user already sees.
// Returns the number of sessions added.
func (s *Store) MergeSessionList(sessions []model.Session) int {
	s.mu.Lock()
	known := make(map[string]struct{}, len(s.sessions))
	for _, sess := range s.sessions {
		known[sess.ID] = struct{}{}
	}

	added := 0
	for _, sess := range sessions {
		if _, ok := known[sess.ID]; ok {
			continue
		}
		_, archived := s.archivedIDs[sess.ID]
		sess.Archived = archived
		if archived {
			s.sessions = append(s.sessions, sess)
		} else {
			s.sessions = append([]model.Session{sess}, s.sessions...)
		}
		added++
	}
	s.mu.Unlock()

	if added > 0 {
		logging.SessionDebug("Accretive merge added %d sessions", added)
		s.schedulePersist()
	}
	return added
}

// =============================================================================
// INTERNALS
// =============================================================================

// indexOfLocked returns the index of a session by id, or -1.
func (s *Store) indexOfLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.sessions {
		if s.sessions[i].ID == id {
			return i
		}
	}
	return -1
}

// reselectActiveLocked picks the first non-archived session, or enters
// draft mode if none remain. Never leaves a dangling active id.
func (s *Store) reselectActiveLocked() {
	for i := range s.sessions {
		if !s.sessions[i].Archived {
			s.activeID = s.sessions[i].ID
			s.draft = false
			return
		}
	}
	s.activeID = ""
	s.draft = true
}

// archiveBoundaryLocked returns the index of the first archived session.
func (s *Store) archiveBoundaryLocked() int {
	for i := range s.sessions {
		if s.sessions[i].Archived {
			return i
		}
	}
	return len(s.sessions)
}

// partitionArchived orders non-archived sessions before archived ones,
// preserving relative order within each partition.
func partitionArchived(sessions []model.Session) []model.Session {
	out := make([]model.Session, 0, len(sessions))
	for _, sess := range sessions {
		if !sess.Archived {
			out = append(out, sess)
		}
	}
	for _, sess := range sessions {
		if sess.Archived {
			out = append(out, sess)
		}
	}
	return out
}

func snapshotSession(sess model.Session) model.Session {
	out := sess
	out.Messages = append([]model.Message(nil), sess.Messages...)
	return out
}

func snapshotSessions(sessions []model.Session) []model.Session {
	out := make([]model.Session, len(sessions))
	for i := range sessions {
		out[i] = snapshotSession(sessions[i])
	}
	return out
}
