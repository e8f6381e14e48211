// Package remote implements the HTTP client for the remote session service:
// session CRUD, prompt submission, the SSE event stream, and the pending-
// question side channel. Every request is scoped to a workspace directory
// via a query parameter.
package remote

import "encoding/json"

// SessionTime carries creation/update timestamps in epoch milliseconds.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// Session is a session record returned by the service.
type Session struct {
	ID       string       `json:"id"`
	Slug     string       `json:"slug,omitempty"`
	Title    string       `json:"title,omitempty"`
	ParentID string       `json:"parentID,omitempty"`
	Time     *SessionTime `json:"time,omitempty"`
}

// TopLevel reports whether the session is not a sub-session of another.
// Only top-level sessions are surfaced to the user.
func (s Session) TopLevel() bool {
	return s.ParentID == ""
}

// MessageEnvelope wraps one stored message: metadata plus ordered parts.
type MessageEnvelope struct {
	Info  MessageInfo   `json:"info"`
	Parts []MessagePart `json:"parts"`
}

// MessageInfo is the metadata half of a stored message.
type MessageInfo struct {
	ID   string       `json:"id"`
	Role string       `json:"role"`
	Time *SessionTime `json:"time,omitempty"`
}

// MessagePart is one ordered content part of a stored message. Only text
// parts contribute to the rendered content.
type MessagePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Question is a pending clarification request issued by the backend.
type Question struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	Questions []QuestionItem `json:"questions"`
}

// QuestionItem is one sub-question within a clarification request.
type QuestionItem struct {
	Text        string   `json:"question"`
	Options     []string `json:"options,omitempty"`
	Multiple    bool     `json:"multiple,omitempty"`
	AllowCustom bool     `json:"custom,omitempty"`
}

// ssePart is a message part as it appears on the SSE stream.
type ssePart struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionID"`
	MessageID string          `json:"messageID,omitempty"`
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	CallID    string          `json:"callID,omitempty"`
	State     json.RawMessage `json:"state,omitempty"`
}

// sseToolState is the decoded state blob of a "tool" part.
type sseToolState struct {
	Status   string `json:"status"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	Metadata struct {
		Output string `json:"output,omitempty"`
	} `json:"metadata"`
}

// sseEnvelope is the outer wrapper of one SSE event.
type sseEnvelope struct {
	Payload ssePayload `json:"payload"`
}

// ssePayload is the typed inner event.
type ssePayload struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// sseMessageUpdate is the properties shape of a "message.updated" event.
type sseMessageUpdate struct {
	Info struct {
		ID        string          `json:"id"`
		SessionID string          `json:"sessionID"`
		Role      string          `json:"role"`
		Error     json.RawMessage `json:"error,omitempty"`
		Tokens    *struct {
			Input  int64 `json:"input"`
			Output int64 `json:"output"`
		} `json:"tokens,omitempty"`
	} `json:"info"`
}

// sseSessionIdle is the properties shape of a "session.idle" event.
type sseSessionIdle struct {
	SessionID string `json:"sessionID"`
}
