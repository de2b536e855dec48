// Package surface defines the delivery capability exposed by external
// surface connectors: deliver text to a conversation, and declare whether
// the surface wants incremental or single-shot delivery.
package surface

import (
	"context"
	"fmt"
	"io"
)

// Mode is a surface's declared delivery mode.
type Mode string

const (
	// ModeStream forwards each event to the surface as it arrives.
	ModeStream Mode = "stream"
	// ModeBatch emits exactly one consolidated message after the sequence
	// completes.
	ModeBatch Mode = "batch"
)

// Messenger is implemented by surface connectors.
type Messenger interface {
	SendMessage(ctx context.Context, conversationID, message string) error
	Mode() Mode
}

// ConsoleMessenger writes messages to a writer; used by the CLI entry point.
type ConsoleMessenger struct {
	Out io.Writer
}

// SendMessage writes the message followed by a newline.
func (c *ConsoleMessenger) SendMessage(_ context.Context, _ string, message string) error {
	_, err := fmt.Fprintln(c.Out, message)
	return err
}

// Mode reports stream delivery: the console can render incrementally.
func (c *ConsoleMessenger) Mode() Mode { return ModeStream }
