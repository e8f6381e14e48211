package bridge

import (
	"sort"

	"winter/internal/model"
	"winter/internal/remote"
)

// ConvertMessages maps stored remote messages to local ones. Only user and
// assistant messages survive; each message's content is the ordered
// concatenation of its text parts, and messages with no text are dropped.
func ConvertMessages(envelopes []remote.MessageEnvelope) []model.Message {
	out := make([]model.Message, 0, len(envelopes))
	for _, env := range envelopes {
		role := model.Role(env.Info.Role)
		if role != model.RoleUser && role != model.RoleAssistant {
			continue
		}
		var content string
		for _, part := range env.Parts {
			if part.Type == "text" {
				content += part.Text
			}
		}
		if content == "" {
			continue
		}
		msg := model.Message{
			ID:      env.Info.ID,
			Role:    role,
			Content: content,
		}
		if env.Info.Time != nil {
			msg.Timestamp = env.Info.Time.Created
		}
		out = append(out, msg)
	}
	return out
}

// ConvertSessions maps remote session records to local sessions, newest
// first. Sub-sessions are filtered out; a missing title falls back to the
// default name. The remote id doubles as the local id so repeated
// reconciliations converge on the same records.
func ConvertSessions(records []remote.Session) []model.Session {
	top := make([]remote.Session, 0, len(records))
	for _, r := range records {
		if r.TopLevel() {
			top = append(top, r)
		}
	}
	sort.SliceStable(top, func(i, j int) bool {
		return updatedAt(top[i]) > updatedAt(top[j])
	})

	out := make([]model.Session, 0, len(top))
	for _, r := range top {
		name := r.Title
		if name == "" {
			name = "New chat"
		}
		sess := model.Session{
			ID:       r.ID,
			RemoteID: r.ID,
			Name:     name,
			Messages: []model.Message{},
		}
		if r.Time != nil {
			sess.CreatedAt = r.Time.Created
		}
		out = append(out, sess)
	}
	return out
}

func updatedAt(r remote.Session) int64 {
	if r.Time == nil {
		return 0
	}
	if r.Time.Updated != 0 {
		return r.Time.Updated
	}
	return r.Time.Created
}
