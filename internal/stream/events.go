// Package stream implements the streaming engine: the state machine that
// turns an ordered sequence of backend events into mutations on exactly one
// assistant message, with cancellation, coalesced flushes, and protection
// against cross-turn races.
package stream

// Event is the tagged union of backend streaming events. Both the remote
// session service and the direct-completion backend produce this contract.
// The marker method keeps the set sealed so engine dispatch stays exhaustive.
type Event interface {
	streamEvent()
}

// StreamStart is emitted once at the start of a streaming response.
type StreamStart struct{}

// Delta carries incremental assistant text to append.
type Delta struct {
	Text string
}

// ToolStart announces a tool invocation.
type ToolStart struct {
	ID   string
	Name string
}

// ToolEnd completes a previously announced tool invocation.
type ToolEnd struct {
	ID     string
	Result string
}

// Status overwrites the displayed progress label verbatim.
type Status struct {
	Text string
}

// Reasoning carries incremental reasoning text, kept separate from content.
type Reasoning struct {
	Text string
}

// Usage reports token consumption for the current turn. Forwarded to the
// usage callback immediately, never accumulated in the turn.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// OllamaStatus reports local-model lifecycle changes (connecting, loading,
// history compaction), surfaced on the transient status line.
type OllamaStatus struct {
	Status string
}

// StreamEnd terminates the turn normally.
type StreamEnd struct{}

// ErrorEvent terminates the turn with an error message.
type ErrorEvent struct {
	Message string
}

func (StreamStart) streamEvent()  {}
func (Delta) streamEvent()        {}
func (ToolStart) streamEvent()    {}
func (ToolEnd) streamEvent()      {}
func (Status) streamEvent()       {}
func (Reasoning) streamEvent()    {}
func (Usage) streamEvent()        {}
func (OllamaStatus) streamEvent() {}
func (StreamEnd) streamEvent()    {}
func (ErrorEvent) streamEvent()   {}
