package llm

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// errAPIKeyRequired is returned when an API key is needed but not provided.
var errAPIKeyRequired = errors.New("API key required")

// AnthropicClient streams completions from the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropic creates the client. Env var ANTHROPIC_API_KEY takes precedence
// over the explicit apiKey.
func NewAnthropic(apiKey, model string) (*AnthropicClient, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY environment variable or provide via config", errAPIKeyRequired)
	}
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}, nil
}

func (c *AnthropicClient) Stream(ctx context.Context, req Request) (*Stream, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(req.MaxTokens),
		Messages:  make([]anthropic.MessageParam, 0, len(req.Messages)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	events := c.client.Messages.NewStreaming(ctx, params)
	st := NewStream(0)
	go func() {
		defer events.Close()
		for events.Next() {
			event := events.Current()
			switch eventVariant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if err := st.Send(ctx, deltaVariant.Text); err != nil {
						st.Close(err)
						return
					}
				}
			}
		}
		st.Close(events.Err())
	}()
	return st, nil
}
