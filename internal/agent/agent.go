// Package agent abstracts the AI agent backend: given a prompt, a working
// directory, and an optional resume token, it produces an ordered sequence
// of typed output events ending in a result that carries the next token.
package agent

import (
	"context"
	"encoding/json"
)

// Event is one element of the backend's output sequence.
type Event interface {
	isEvent()
}

// AssistantEvent carries a chunk of assistant text.
type AssistantEvent struct {
	Text string
}

// ToolUseEvent notes that the agent invoked a tool.
type ToolUseEvent struct {
	Name  string
	Input json.RawMessage
}

// ResultEvent terminates the sequence and carries the resumption token a
// later request can use to continue the same backend-side context.
type ResultEvent struct {
	Text        string
	ResumeToken string
	IsError     bool
}

func (AssistantEvent) isEvent() {}
func (ToolUseEvent) isEvent()   {}
func (ResultEvent) isEvent()    {}

// QueryRequest describes one agent invocation.
type QueryRequest struct {
	Prompt      string
	Dir         string // working directory the agent operates in
	ResumeToken string // empty for a fresh dialogue
}

// Querier invokes the agent backend. The returned stream must be drained to
// completion; there is no mid-flight cancellation beyond ctx.
type Querier interface {
	Query(ctx context.Context, req QueryRequest) (*Stream, error)
}

// Stream is the ordered, typed event sequence of one invocation. After the
// Events channel closes, Err reports any backend failure.
type Stream struct {
	ch  chan Event
	err error
}

// NewStream creates a stream with the given buffer size. Producers send on
// the channel returned by Feed and must call Finish exactly once.
func NewStream(buffer int) *Stream {
	return &Stream{ch: make(chan Event, buffer)}
}

// Events returns the receive side of the event sequence.
func (s *Stream) Events() <-chan Event { return s.ch }

// Err reports the backend error, valid once Events is closed.
func (s *Stream) Err() error { return s.err }

// Feed returns the send side of the event sequence, for Querier
// implementations.
func (s *Stream) Feed() chan<- Event { return s.ch }

// Finish records the terminal error, if any, and closes the event sequence.
func (s *Stream) Finish(err error) {
	s.err = err
	close(s.ch)
}
