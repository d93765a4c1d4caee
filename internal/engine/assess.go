package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
)

const assessSystemPrompt = "You are a concise technical summarizer. Summarize the outcome of the following iterative code-audit session in 2-4 sentences. Focus on: why the session ended, how the score evolved, and what the author should do next. Be specific."

// NewAnthropicAssessor returns an Assessor backed by the Anthropic Messages
// API, or nil when no API key is configured so the engine falls back to its
// deterministic summary.
func NewAnthropicAssessor(model string) Assessor {
	if model == "" || os.Getenv("ANTHROPIC_API_KEY") == "" {
		return nil
	}
	client := anthropic.NewClient()
	return func(ctx context.Context, outcome string) (string, error) {
		msg, err := client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: 200,
			System: []anthropic.TextBlockParam{
				{Text: assessSystemPrompt},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(outcome)),
			},
		})
		if err != nil {
			return "", fmt.Errorf("anthropic messages: %w", err)
		}
		for _, block := range msg.Content {
			if block.Type == "text" {
				return block.Text, nil
			}
		}
		return "", fmt.Errorf("no text block in response")
	}
}
