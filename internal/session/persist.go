package session

import (
	"encoding/json"
	"strconv"

	"winter/internal/logging"
	"winter/internal/model"
)

// Persistence keys within the store's document namespace.
const (
	keySessions      = "sessions"
	keyActiveID      = "active_session_id"
	keyDraftMode     = "draft_mode"
	keyArchivedIDs   = "archived_ids"
	keyUsage         = "usage"
	keyWeeklyUsage   = "weekly_usage"
	keyWeeklyResetAt = "weekly_reset_at"
)

// schedulePersist queues a debounced write. Skipped entirely while a turn
// is streaming (the settled state is written when the turn ends); while the
// bridge is connected the remote service owns session content, so only
// continuity keys are written.
func (s *Store) schedulePersist() {
	if s.streaming() {
		return
	}
	s.debouncer.Debounce(s.persist)
}

// persist writes current state through the document store. Write failures
// are swallowed; the next state change retries naturally.
func (s *Store) persist() {
	timer := logging.StartTimer(logging.CategoryStore, "session.persist")
	defer timer.Stop()

	s.mu.Lock()
	contentAuthoritative := !s.connected()

	if contentAuthoritative {
		if data, err := json.Marshal(s.sessions); err == nil {
			s.doc.Set(keySessions, data)
		}
		s.doc.Set(keyUsage, []byte(strconv.FormatInt(s.usage, 10)))
		s.doc.Set(keyWeeklyUsage, []byte(strconv.FormatInt(s.weeklyUsage, 10)))
		s.doc.Set(keyWeeklyResetAt, []byte(strconv.FormatInt(s.weeklyResetAt, 10)))
	}

	s.doc.Set(keyActiveID, []byte(s.activeID))
	s.doc.Set(keyDraftMode, []byte(strconv.FormatBool(s.draft)))

	archived := make([]string, 0, len(s.archivedIDs))
	for id := range s.archivedIDs {
		archived = append(archived, id)
	}
	if data, err := json.Marshal(archived); err == nil {
		s.doc.Set(keyArchivedIDs, data)
	}
	s.mu.Unlock()

	if err := s.doc.Save(); err != nil {
		logging.Get(logging.CategoryStore).Warn("Persistence write failed: %v", err)
	}
}

// Flush cancels any pending debounce and writes immediately. Intended for
// shutdown.
func (s *Store) Flush() {
	s.debouncer.Immediate(s.persist)
}

// Hydrate loads persisted state from the document store. Malformed session
// data is treated as absent: the store starts empty rather than failing.
// Any leftover streaming flags on loaded messages are cleared; a message
// that was mid-stream when the process last terminated must never be
// redisplayed as still streaming.
func (s *Store) Hydrate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if data, ok := s.doc.Get(keySessions); ok {
		var sessions []model.Session
		if err := json.Unmarshal(data, &sessions); err == nil && validSessions(sessions) {
			for i := range sessions {
				for j := range sessions[i].Messages {
					sessions[i].Messages[j].IsStreaming = false
					sessions[i].Messages[j].StatusText = ""
				}
			}
			s.sessions = partitionArchived(sessions)
		} else {
			logging.Get(logging.CategoryStore).Warn("Discarding malformed persisted sessions")
		}
	}

	if data, ok := s.doc.Get(keyArchivedIDs); ok {
		var ids []string
		if err := json.Unmarshal(data, &ids); err == nil {
			for _, id := range ids {
				s.archivedIDs[id] = struct{}{}
			}
		}
	}
	for i := range s.sessions {
		_, archived := s.archivedIDs[s.sessions[i].ID]
		s.sessions[i].Archived = archived
	}
	s.sessions = partitionArchived(s.sessions)

	if data, ok := s.doc.Get(keyActiveID); ok {
		s.activeID = string(data)
	}
	if data, ok := s.doc.Get(keyDraftMode); ok {
		s.draft = string(data) == "true"
	}
	if s.indexOfLocked(s.activeID) < 0 && !s.draft {
		s.reselectActiveLocked()
	}

	s.usage = readInt(s.doc, keyUsage)
	s.weeklyUsage = readInt(s.doc, keyWeeklyUsage)
	s.weeklyResetAt = readInt(s.doc, keyWeeklyResetAt)

	logging.Session("Hydrated %d sessions (active=%s draft=%v)", len(s.sessions), s.activeID, s.draft)
}

// validSessions rejects structurally broken persisted data.
func validSessions(sessions []model.Session) bool {
	for i := range sessions {
		if sessions[i].ID == "" {
			return false
		}
	}
	return true
}

func readInt(doc interface {
	Get(string) ([]byte, bool)
}, key string) int64 {
	data, ok := doc.Get(key)
	if !ok {
		return 0
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
