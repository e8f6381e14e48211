// Package model defines the entities shared across the Winter client core:
// sessions, messages, tool activity, and the ephemeral streaming turn.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolStatus tracks the lifecycle of a single tool invocation.
type ToolStatus string

const (
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// ImageAttachment is an inline base64-encoded image carried on a user message.
type ImageAttachment struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ToolActivity records one tool invocation surfaced during a streaming turn.
// Created on tool_start, completed in place on the matching tool_end.
type ToolActivity struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Status ToolStatus `json:"status"`
	Result string     `json:"result,omitempty"`
}

// Message is a single chat message. Content is append-only while the message
// is streaming; IsStreaming clears on finalization and is never persisted set.
type Message struct {
	ID             string            `json:"id"`
	Role           Role              `json:"role"`
	Content        string            `json:"content"`
	Timestamp      int64             `json:"timestamp"`
	Images         []ImageAttachment `json:"images,omitempty"`
	IsStreaming    bool              `json:"is_streaming,omitempty"`
	StatusText     string            `json:"status_text,omitempty"`
	ToolActivities []ToolActivity    `json:"tool_activities,omitempty"`
	Reasoning      string            `json:"reasoning,omitempty"`
}

// Session is one chat conversation. RemoteID is set when the session is
// backed by the remote session service; such sessions treat the remote side
// as the source of truth for message content.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt int64     `json:"created_at"`
	Messages  []Message `json:"messages"`
	Archived  bool      `json:"archived,omitempty"`
	RemoteID  string    `json:"remote_id,omitempty"`
}

// RemoteBacked reports whether the session's content is owned by the remote
// session service.
func (s *Session) RemoteBacked() bool {
	return s.RemoteID != ""
}

// StreamingMessage returns the index of the message currently streaming, or
// -1 if none. At most one message per session may stream at a time.
func (s *Session) StreamingMessage() int {
	for i := range s.Messages {
		if s.Messages[i].IsStreaming {
			return i
		}
	}
	return -1
}

// NewID mints an opaque identifier for locally created entities.
func NewID() string {
	return uuid.NewString()
}

// NowMillis returns the current wall-clock time in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewUserMessage builds a user message from input text and optional images.
func NewUserMessage(text string, images []ImageAttachment) Message {
	return Message{
		ID:        NewID(),
		Role:      RoleUser,
		Content:   text,
		Timestamp: NowMillis(),
		Images:    images,
	}
}

// NewSession creates a local session named after the first input text.
func NewSession(firstInput string) Session {
	return Session{
		ID:        NewID(),
		Name:      SessionName(firstInput),
		CreatedAt: NowMillis(),
		Messages:  []Message{},
	}
}

// maxSessionNameLen caps names derived from the first message.
const maxSessionNameLen = 30

// SessionName derives a display name from the first message text.
func SessionName(firstInput string) string {
	name := strings.TrimSpace(firstInput)
	if name == "" {
		return "New chat"
	}
	if idx := strings.IndexByte(name, '\n'); idx >= 0 {
		name = name[:idx]
	}
	if len(name) > maxSessionNameLen {
		name = strings.TrimSpace(name[:maxSessionNameLen]) + "..."
	}
	return name
}
