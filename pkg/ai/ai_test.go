package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateTextTokens(t *testing.T) {
	assert.Equal(t, int64(0), EstimateTextTokens(""))
	// 1000 chars -> ceil(250 * 1.2) = 300
	assert.Equal(t, int64(300), EstimateTextTokens(strings.Repeat("a", 1000)))
	// 5 chars -> ceil(2) * 1.2 -> ceil(2.4) = 3
	assert.Equal(t, int64(3), EstimateTextTokens("abcde"))
}

func TestEstimateVisionTokens(t *testing.T) {
	// (500 + 1500*3) * 1.2 = 6000
	assert.Equal(t, int64(6000), EstimateVisionTokens(3))
	// Zero and negative page counts clamp to one page.
	assert.Equal(t, int64(2400), EstimateVisionTokens(0))
	assert.Equal(t, int64(2400), EstimateVisionTokens(-4))
}

func TestRateFor(t *testing.T) {
	known := RateFor("openai", "gpt-4o-mini")
	assert.Equal(t, int64(150_000), known.InputMicrosPer1M)

	unknown := RateFor("acme", "mystery-model")
	assert.Equal(t, defaultRate, unknown)
	// The fallback must price above every listed model.
	for key, r := range rates {
		assert.GreaterOrEqual(t, unknown.InputMicrosPer1M, r.InputMicrosPer1M, key)
		assert.GreaterOrEqual(t, unknown.OutputMicrosPer1M, r.OutputMicrosPer1M, key)
	}
}

func TestCostMicros(t *testing.T) {
	r := Rate{InputMicrosPer1M: 150_000, OutputMicrosPer1M: 600_000}

	// 1M in + 1M out at list price.
	assert.Equal(t, int64(750_000), CostMicros(r, 1_000_000, 1_000_000))
	// Partial micros round up, never to zero.
	assert.Equal(t, int64(1), CostMicros(r, 1, 0))
	assert.Equal(t, int64(0), CostMicros(r, 0, 0))
}

func TestRecoverable(t *testing.T) {
	assert.True(t, Recoverable(ErrTimeout))
	assert.True(t, Recoverable(ErrRateLimited))
	assert.True(t, Recoverable(fmt.Errorf("wrapped: %w", ErrUnavailable)))
	assert.False(t, Recoverable(ErrAuthFailed))
	assert.False(t, Recoverable(ErrInvalidResponse))
	assert.False(t, Recoverable(nil))
}

func chatOKResponse(content string) string {
	return fmt.Sprintf(`{
		"model": "gpt-4o-mini",
		"choices": [{"message": {"content": %q}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 120, "completion_tokens": 45}
	}`, content)
}

func TestOpenAIClient_Chat(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(chatOKResponse(`{"order":{}}`)))
	}))
	defer srv.Close()

	client := NewOpenAIClient("sk-test", WithBaseURL(srv.URL+"/v1/"))
	res, err := client.Chat(context.Background(), ChatRequest{
		Model:     "gpt-4o-mini",
		System:    "You extract purchase orders.",
		User:      "order text here",
		ForceJSON: true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"order":{}}`, res.Content)
	assert.Equal(t, int64(120), res.TokensIn)
	assert.Equal(t, int64(45), res.TokensOut)
	assert.Equal(t, "stop", res.FinishReason)

	// Temperature zero must be serialized explicitly.
	temp, ok := captured["temperature"]
	require.True(t, ok, "temperature missing from request body")
	assert.Equal(t, float64(0), temp)

	rf, ok := captured["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_object", rf["type"])

	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestOpenAIClient_ChatVisionAttachments(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(chatOKResponse("ok")))
	}))
	defer srv.Close()

	client := NewOpenAIClient("sk-test", WithBaseURL(srv.URL))
	_, err := client.Chat(context.Background(), ChatRequest{
		Model: "gpt-4o",
		User:  "read this scan",
		Attachments: []Attachment{
			{MIME: "image/png", Data: []byte{0x89, 0x50, 0x4e, 0x47}},
		},
	})
	require.NoError(t, err)

	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 1)
	parts := msgs[0].(map[string]any)["content"].([]any)
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0].(map[string]any)["type"])

	img := parts[1].(map[string]any)
	assert.Equal(t, "image_url", img["type"])
	url := img["image_url"].(map[string]any)["url"].(string)
	assert.True(t, strings.HasPrefix(url, "data:image/png;base64,"), url)
}

func TestOpenAIClient_ChatEmptyPrompt(t *testing.T) {
	client := NewOpenAIClient("sk-test")
	_, err := client.Chat(context.Background(), ChatRequest{Model: "gpt-4o-mini"})
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestOpenAIClient_StatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, ErrAuthFailed},
		{"forbidden", http.StatusForbidden, `{}`, ErrAuthFailed},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, ErrRateLimited},
		{"server error", http.StatusInternalServerError, ``, ErrUnavailable},
		{"bad gateway", http.StatusBadGateway, ``, ErrUnavailable},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"model not found"}}`, ErrInvalidResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			client := NewOpenAIClient("sk-test", WithBaseURL(srv.URL))
			_, err := client.Chat(context.Background(), ChatRequest{Model: "m", User: "hello"})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestOpenAIClient_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json at all"))
	}))
	defer srv.Close()

	client := NewOpenAIClient("sk-test", WithBaseURL(srv.URL))
	_, err := client.Chat(context.Background(), ChatRequest{Model: "m", User: "hello"})
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestOpenAIClient_BreakerOpensOnConsecutiveFailures(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewOpenAIClient("sk-test", WithBaseURL(srv.URL))
	for i := 0; i < 5; i++ {
		_, err := client.Chat(context.Background(), ChatRequest{Model: "m", User: "hello"})
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	require.Equal(t, 5, hits)

	// Sixth call is rejected by the open breaker without a request.
	_, err := client.Chat(context.Background(), ChatRequest{Model: "m", User: "hello"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 5, hits)
}

func TestOpenAIClient_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embeddings", r.URL.Path)
		// Vectors returned out of order; the client must reorder by index.
		_, _ = w.Write([]byte(`{
			"model": "text-embedding-3-small",
			"data": [
				{"index": 1, "embedding": [0.5, 0.6]},
				{"index": 0, "embedding": [0.1, 0.2]}
			],
			"usage": {"prompt_tokens": 8}
		}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient("sk-test", WithBaseURL(srv.URL))
	res, err := client.Embed(context.Background(), EmbedRequest{
		Model:  "text-embedding-3-small",
		Inputs: []string{"bolt m8", "washer m8"},
	})
	require.NoError(t, err)
	require.Len(t, res.Vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2}, res.Vectors[0])
	assert.Equal(t, []float32{0.5, 0.6}, res.Vectors[1])
	assert.Equal(t, int64(8), res.TokensIn)
}

func TestOpenAIClient_EmbedValidation(t *testing.T) {
	client := NewOpenAIClient("sk-test")

	_, err := client.Embed(context.Background(), EmbedRequest{Model: "m"})
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = client.Embed(context.Background(), EmbedRequest{Model: "m", Inputs: []string{"a", ""}})
	assert.ErrorIs(t, err, ErrEmptyInput)

	big := make([]string, MaxEmbedBatch+1)
	for i := range big {
		big[i] = "x"
	}
	_, err = client.Embed(context.Background(), EmbedRequest{Model: "m", Inputs: big})
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestOpenAIClient_EmbedCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[0.1]}],"usage":{"prompt_tokens":2}}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient("sk-test", WithBaseURL(srv.URL))
	_, err := client.Embed(context.Background(), EmbedRequest{Model: "m", Inputs: []string{"a", "b"}})
	assert.ErrorIs(t, err, ErrInvalidResponse)
}
