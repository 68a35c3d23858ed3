package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/brandpulse/internal/model"
	"github.com/sells-group/brandpulse/internal/resilience"
	"github.com/sells-group/brandpulse/pkg/openai"
)

type stubAdapter struct {
	name string
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Send(_ context.Context, _ string, _ time.Duration) (*model.ProviderResponse, error) {
	return &model.ProviderResponse{Success: true, Model: s.name}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Get("openai"))
	assert.Empty(t, r.List())

	r.Register(&stubAdapter{name: "openai"})
	r.Register(&stubAdapter{name: "anthropic"})

	require.NotNil(t, r.Get("openai"))
	assert.Equal(t, "openai", r.Get("openai").Name())
	assert.Nil(t, r.Get("unknown"))
	assert.ElementsMatch(t, []string{"openai", "anthropic"}, r.List())
}

func TestRegistry_RegisterOverwrites(t *testing.T) {
	r := NewRegistry()
	first := &stubAdapter{name: "openai"}
	second := &stubAdapter{name: "openai"}
	r.Register(first)
	r.Register(second)
	assert.Len(t, r.List(), 1)
}

func TestChatAdapter_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Acme leads the market."}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 6}
		}`))
	}))
	defer srv.Close()

	client := openai.NewClient("key", openai.WithBaseURL(srv.URL), openai.WithRateLimit(0))
	adapter := NewChatAdapter("openai", "gpt-4o", client)

	resp, err := adapter.Send(context.Background(), "Rank the top CRMs.", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "Acme leads the market.", resp.Content)
	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Equal(t, "chatcmpl-1", resp.Metadata["response_id"])
	assert.GreaterOrEqual(t, resp.LatencyMs, int64(0))
}

func TestChatAdapter_ClassifiesHTTPStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   resilience.ErrorKind
	}{
		{"rate_limited", http.StatusTooManyRequests, resilience.KindRateLimited},
		{"auth", http.StatusUnauthorized, resilience.KindAuthError},
		{"server", http.StatusBadGateway, resilience.KindServerError},
		{"validation", http.StatusUnprocessableEntity, resilience.KindValidationError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error": "nope"}`))
			}))
			defer srv.Close()

			client := openai.NewClient("key", openai.WithBaseURL(srv.URL), openai.WithRateLimit(0))
			adapter := NewChatAdapter("openai", "gpt-4o", client)

			_, err := adapter.Send(context.Background(), "prompt", 5*time.Second)
			require.Error(t, err)

			var pe *resilience.ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.want, pe.Kind)
			assert.Equal(t, tt.status, pe.StatusCode)
		})
	}
}

func TestChatAdapter_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": "chatcmpl-2", "choices": []}`))
	}))
	defer srv.Close()

	client := openai.NewClient("key", openai.WithBaseURL(srv.URL), openai.WithRateLimit(0))
	adapter := NewChatAdapter("openai", "gpt-4o", client)

	_, err := adapter.Send(context.Background(), "prompt", 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, resilience.KindServerError, resilience.Classify(err))
}

func TestChatAdapter_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	client := openai.NewClient("key", openai.WithBaseURL(srv.URL), openai.WithRateLimit(0))
	adapter := NewChatAdapter("openai", "gpt-4o", client)

	_, err := adapter.Send(context.Background(), "prompt", 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, resilience.KindTimeout, resilience.Classify(err))
}
