package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/joescharf/relay/internal/agent"
	"github.com/joescharf/relay/internal/surface"
)

// invokeResult summarizes a drained agent invocation.
type invokeResult struct {
	ResumeToken string
	Text        string
	IsError     bool
}

// drain consumes the agent's event sequence to completion, delivering output
// in the surface's declared mode.
//
// Stream mode forwards every event in emission order, rendering tool
// invocations as short notices. Batch mode buffers assistant text and emits
// exactly one consolidated message after the sequence completes; tool events
// are never buffered, so batch filtering operates on event kind rather than
// rendered text. The terminal result's resume token is returned regardless
// of mode.
func (o *Orchestrator) drain(ctx context.Context, conversationID string, stream *agent.Stream) (*invokeResult, error) {
	mode := o.messenger.Mode()

	var batch []string
	var result *invokeResult

	for ev := range stream.Events() {
		switch e := ev.(type) {
		case agent.AssistantEvent:
			if mode == surface.ModeStream {
				o.send(ctx, conversationID, e.Text)
			} else {
				batch = append(batch, e.Text)
			}
		case agent.ToolUseEvent:
			if mode == surface.ModeStream {
				o.send(ctx, conversationID, renderToolNotice(e))
			}
		case agent.ResultEvent:
			result = &invokeResult{
				ResumeToken: e.ResumeToken,
				Text:        e.Text,
				IsError:     e.IsError,
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("agent stream ended without a result event")
	}

	if mode == surface.ModeBatch && !result.IsError {
		if msg := consolidate(batch); msg != "" {
			o.send(ctx, conversationID, msg)
		}
	}
	return result, nil
}

// send delivers one message; delivery failures are handled (retried, then
// logged) by the messenger and never abort the request.
func (o *Orchestrator) send(ctx context.Context, conversationID, message string) {
	if message == "" {
		return
	}
	_ = o.messenger.SendMessage(ctx, conversationID, message)
}

// renderToolNotice renders a tool invocation as a short human-readable
// notice rather than a raw payload.
func renderToolNotice(e agent.ToolUseEvent) string {
	return fmt.Sprintf("[tool] %s", e.Name)
}

// toolIndicatorPrefixes are the marker glyphs some agent frontends prepend
// to tool-activity lines that leak into assistant text.
var toolIndicatorPrefixes = []string{"⏺", "⎿", "✻"}

// consolidate joins buffered assistant text into the single batch message,
// stripping embedded tool-indicator lines. If stripping would erase
// everything, the unfiltered concatenation is used instead.
func consolidate(parts []string) string {
	joined := strings.TrimSpace(strings.Join(parts, "\n\n"))
	if joined == "" {
		return ""
	}
	filtered := stripToolIndicators(joined)
	if filtered == "" {
		return joined
	}
	return filtered
}

// stripToolIndicators drops lines starting with a tool-indicator glyph and
// collapses the blank runs left behind.
func stripToolIndicators(text string) string {
	var out []string
	blank := true
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if hasToolIndicator(trimmed) {
			continue
		}
		if trimmed == "" {
			if blank {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func hasToolIndicator(line string) bool {
	for _, prefix := range toolIndicatorPrefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}
