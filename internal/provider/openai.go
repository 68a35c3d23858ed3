package provider

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/brandpulse/internal/model"
	"github.com/sells-group/brandpulse/internal/resilience"
	"github.com/sells-group/brandpulse/pkg/openai"
)

// ChatAdapter adapts any OpenAI-compatible chat-completions client
// (OpenAI, Perplexity, DeepSeek) to the Adapter contract.
type ChatAdapter struct {
	name   string
	model  string
	client openai.Client
}

// NewChatAdapter wraps a chat-completions client under the given provider id.
func NewChatAdapter(name, model string, client openai.Client) *ChatAdapter {
	return &ChatAdapter{name: name, model: model, client: client}
}

func (a *ChatAdapter) Name() string {
	return a.name
}

func (a *ChatAdapter) Send(ctx context.Context, prompt string, timeout time.Duration) (*model.ProviderResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := a.client.ChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.Message{
			{Role: "user", Content: prompt},
		},
	})
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return nil, classifyChatError(a.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, resilience.NewProviderError(resilience.KindServerError,
			eris.Errorf("%s: empty choices in response %s", a.name, resp.ID))
	}

	return &model.ProviderResponse{
		Success:   true,
		Content:   resp.Choices[0].Message.Content,
		LatencyMs: latency,
		Model:     a.model,
		Metadata: map[string]any{
			"response_id":       resp.ID,
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
		},
	}, nil
}

func classifyChatError(name string, err error) error {
	var se *openai.StatusError
	if errors.As(err, &se) {
		kind := resilience.FromHTTPStatus(se.StatusCode)
		return &resilience.ProviderError{
			Kind:       kind,
			StatusCode: se.StatusCode,
			Err:        eris.Wrapf(err, "%s: chat completion", name),
		}
	}
	return resilience.NewProviderError(resilience.Classify(err),
		eris.Wrapf(err, "%s: chat completion", name))
}
