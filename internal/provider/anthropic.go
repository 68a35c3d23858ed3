package provider

import (
	"context"
	"errors"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"

	"github.com/sells-group/brandpulse/internal/model"
	"github.com/sells-group/brandpulse/internal/resilience"
)

const defaultAnthropicMaxTokens = 2048

// AnthropicAdapter sends prompts through the official anthropic-sdk-go.
type AnthropicAdapter struct {
	model  string
	client sdk.Client
}

// NewAnthropicAdapter creates an adapter for the given Anthropic model.
func NewAnthropicAdapter(apiKey, modelID string) *AnthropicAdapter {
	return &AnthropicAdapter{
		model: modelID,
		client: sdk.NewClient(
			option.WithAPIKey(apiKey),
			option.WithMaxRetries(0), // retry policy is owned by the dispatcher
		),
	}
}

func (a *AnthropicAdapter) Name() string {
	return "anthropic"
}

func (a *AnthropicAdapter) Send(ctx context.Context, prompt string, timeout time.Duration) (*model.ProviderResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	msg, err := a.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: defaultAnthropicMaxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return nil, classifyAnthropicError(err)
	}

	var content string
	for _, block := range msg.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &model.ProviderResponse{
		Success:   true,
		Content:   content,
		LatencyMs: latency,
		Model:     a.model,
		Metadata: map[string]any{
			"response_id":   msg.ID,
			"stop_reason":   string(msg.StopReason),
			"input_tokens":  msg.Usage.InputTokens,
			"output_tokens": msg.Usage.OutputTokens,
		},
	}, nil
}

func classifyAnthropicError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		kind := resilience.FromHTTPStatus(apiErr.StatusCode)
		return &resilience.ProviderError{
			Kind:       kind,
			StatusCode: apiErr.StatusCode,
			Err:        eris.Wrap(err, "anthropic: create message"),
		}
	}
	return resilience.NewProviderError(resilience.Classify(err),
		eris.Wrap(err, "anthropic: create message"))
}
