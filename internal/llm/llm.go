// Package llm generates conversation-history digests via the Anthropic API.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Client wraps the Anthropic API for transcript summarization.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildDigestPrompt constructs the system and user prompts for summarizing a
// conversation transcript.
func buildDigestPrompt(transcript string) (system string, user string) {
	system = `You summarize a developer's conversation with an AI coding agent so the dialogue can be resumed later. Produce a compact digest covering:
- what was being worked on (repository area, files, feature or bug)
- decisions already made and constraints agreed on
- work completed so far
- the next step that was planned or in progress

Rules:
- Plain text only, no markdown headings or fencing
- At most 15 lines
- Do not invent details that are not in the transcript
- Write in the third person ("the user asked...", "the agent changed...")`

	var sb strings.Builder
	sb.WriteString("Summarize this conversation transcript:\n\n")
	sb.WriteString(transcript)
	user = sb.String()
	return
}

// SummarizeTranscript sends a transcript to the LLM and returns a digest
// suitable for prepending to a resumed conversation's next prompt.
func (c *Client) SummarizeTranscript(ctx context.Context, transcript string) (string, error) {
	systemPrompt, userPrompt := buildDigestPrompt(transcript)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}

	// Strip markdown fencing if present
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	return text, nil
}
