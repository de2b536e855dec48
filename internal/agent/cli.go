package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// CLIQuerier drives the Claude CLI in non-interactive mode with
// `--output-format stream-json`, decoding one event per NDJSON line.
type CLIQuerier struct {
	Command string // binary name, default "claude"
	Model   string // optional model override
}

// NewCLIQuerier creates a querier for the given CLI binary and model.
func NewCLIQuerier(command, model string) *CLIQuerier {
	if command == "" {
		command = "claude"
	}
	return &CLIQuerier{Command: command, Model: model}
}

// streamLine is one decoded NDJSON line from the CLI.
type streamLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	Result    string `json:"result,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Message   *struct {
		Content []contentBlock `json:"content"`
	} `json:"message,omitempty"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Query starts the CLI process and streams its typed events. The process is
// awaited to completion by the reader goroutine; callers must drain the
// stream.
func (q *CLIQuerier) Query(ctx context.Context, req QueryRequest) (*Stream, error) {
	return q.query(ctx, req, q.buildArgs(req))
}

func (q *CLIQuerier) buildArgs(req QueryRequest) []string {
	args := []string{"--print", "--verbose", "--output-format", "stream-json"}
	if q.Model != "" {
		args = append(args, "--model", q.Model)
	}
	if req.ResumeToken != "" {
		args = append(args, "--resume", req.ResumeToken)
	}
	return append(args, req.Prompt)
}

func (q *CLIQuerier) query(ctx context.Context, req QueryRequest, args []string) (*Stream, error) {
	cmd := exec.CommandContext(ctx, q.Command, args...)
	cmd.Dir = req.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent backend: %w", err)
	}

	stream := NewStream(64)
	go func() {
		sawResult := false
		scanner := bufio.NewScanner(stdout)
		// Single tool results can run to megabytes.
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var ev streamLine
			if err := json.Unmarshal([]byte(line), &ev); err != nil {
				continue // tolerate non-JSON noise on stdout
			}
			for _, out := range decodeLine(ev) {
				if _, ok := out.(ResultEvent); ok {
					sawResult = true
				}
				stream.Feed() <- out
			}
		}
		scanErr := scanner.Err()

		waitErr := cmd.Wait()
		switch {
		case scanErr != nil:
			stream.Finish(fmt.Errorf("read agent output: %w", scanErr))
		case waitErr != nil && !sawResult:
			stream.Finish(fmt.Errorf("agent backend failed: %s", firstLine(stderr.String(), waitErr.Error())))
		default:
			stream.Finish(nil)
		}
	}()

	return stream, nil
}

// decodeLine maps one CLI line onto zero or more typed events. Unknown
// event types are skipped.
func decodeLine(ev streamLine) []Event {
	switch ev.Type {
	case "assistant":
		if ev.Message == nil {
			return nil
		}
		var out []Event
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					out = append(out, AssistantEvent{Text: block.Text})
				}
			case "tool_use":
				out = append(out, ToolUseEvent{Name: block.Name, Input: block.Input})
			}
		}
		return out
	case "result":
		return []Event{ResultEvent{
			Text:        ev.Result,
			ResumeToken: ev.SessionID,
			IsError:     ev.IsError,
		}}
	}
	return nil
}

func firstLine(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
