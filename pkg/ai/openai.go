package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 40 * time.Second

	// maxResponseBytes bounds how much of a provider response we are
	// willing to buffer. Extraction outputs stay far below this.
	maxResponseBytes = 8 << 20
)

// OpenAIClient implements LLM and Embedder against any
// OpenAI-compatible endpoint. A circuit breaker shields the rest of
// the pipeline when the provider degrades, and an optional Limiter
// gates call volume per tenant.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter Limiter
}

var (
	_ LLM      = (*OpenAIClient)(nil)
	_ Embedder = (*OpenAIClient)(nil)
)

type OpenAIOption func(*OpenAIClient)

// WithBaseURL points the client at a compatible gateway instead of
// api.openai.com. A trailing slash is tolerated.
func WithBaseURL(u string) OpenAIOption {
	return func(c *OpenAIClient) {
		for len(u) > 0 && u[len(u)-1] == '/' {
			u = u[:len(u)-1]
		}
		c.baseURL = u
	}
}

func WithHTTPClient(h *http.Client) OpenAIOption {
	return func(c *OpenAIClient) { c.httpc = h }
}

func WithLimiter(l Limiter) OpenAIOption {
	return func(c *OpenAIClient) { c.limiter = l }
}

func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		baseURL: defaultBaseURL,
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: defaultTimeout},
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ai-provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Only infrastructure failures trip the breaker. Auth and
		// rate-limit rejections are the caller's problem, not a sign
		// the provider is down.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrUnavailable) && !errors.Is(err, ErrTimeout)
		},
	})
	for _, o := range opts {
		o(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *imagePayload `json:"image_url,omitempty"`
}

type imagePayload struct {
	URL string `json:"url"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequestBody struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	// Temperature is always serialized: extraction needs the
	// deterministic zero, and omitempty would drop it.
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type usageBlock struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type chatResponseBody struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage usageBlock `json:"usage"`
}

func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if req.User == "" {
		return nil, fmt.Errorf("%w: user prompt required", ErrEmptyInput)
	}
	if err := c.admit(ctx, "chat:"+req.Model); err != nil {
		return nil, err
	}

	msgs := make([]chatMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	if len(req.Attachments) == 0 {
		msgs = append(msgs, chatMessage{Role: "user", Content: req.User})
	} else {
		parts := make([]contentPart, 0, len(req.Attachments)+1)
		parts = append(parts, contentPart{Type: "text", Text: req.User})
		for _, a := range req.Attachments {
			parts = append(parts, contentPart{
				Type:     "image_url",
				ImageURL: &imagePayload{URL: dataURL(a)},
			})
		}
		msgs = append(msgs, chatMessage{Role: "user", Content: parts})
	}

	body := chatRequestBody{
		Model:     req.Model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
	}
	if req.ForceJSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	var out chatResponseBody
	if err := c.post(ctx, "/chat/completions", body, &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrInvalidResponse)
	}
	return &ChatResult{
		Content:      out.Choices[0].Message.Content,
		Model:        out.Model,
		FinishReason: out.Choices[0].FinishReason,
		TokensIn:     out.Usage.PromptTokens,
		TokensOut:    out.Usage.CompletionTokens,
	}, nil
}

type embedRequestBody struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponseBody struct {
	Model string `json:"model"`
	Data  []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage usageBlock `json:"usage"`
}

func (c *OpenAIClient) Embed(ctx context.Context, req EmbedRequest) (*EmbedResult, error) {
	if len(req.Inputs) == 0 {
		return nil, fmt.Errorf("%w: no inputs", ErrEmptyInput)
	}
	if len(req.Inputs) > MaxEmbedBatch {
		return nil, fmt.Errorf("%w: %d inputs, limit %d", ErrBatchTooLarge, len(req.Inputs), MaxEmbedBatch)
	}
	for i, in := range req.Inputs {
		if in == "" {
			return nil, fmt.Errorf("%w: input %d is empty", ErrEmptyInput, i)
		}
	}
	if err := c.admit(ctx, "embed:"+req.Model); err != nil {
		return nil, err
	}

	var out embedResponseBody
	if err := c.post(ctx, "/embeddings", embedRequestBody{Model: req.Model, Input: req.Inputs}, &out); err != nil {
		return nil, err
	}
	if len(out.Data) != len(req.Inputs) {
		return nil, fmt.Errorf("%w: %d vectors for %d inputs", ErrInvalidResponse, len(out.Data), len(req.Inputs))
	}
	vectors := make([][]float32, len(req.Inputs))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("%w: vector index %d out of range", ErrInvalidResponse, d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return &EmbedResult{
		Vectors:  vectors,
		Model:    out.Model,
		TokensIn: out.Usage.PromptTokens,
	}, nil
}

// admit consults the tenant-shared limiter before any network work.
func (c *OpenAIClient) admit(ctx context.Context, key string) error {
	if c.limiter == nil {
		return nil
	}
	ok, err := c.limiter.Allow(ctx, key)
	if err != nil {
		return fmt.Errorf("ai: limiter: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: local limiter", ErrRateLimited)
	}
	return nil
}

func (c *OpenAIClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("ai: marshal request: %w", err)
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("ai: build request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpc.Do(httpReq)
		if err != nil {
			return nil, classifyTransport(err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
		}
		if err := classifyStatus(resp.StatusCode, data); err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return err
	}
	if err := json.Unmarshal(res.([]byte), out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrInvalidResponse, err)
	}
	return nil
}

func classifyTransport(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func classifyStatus(code int, body []byte) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", ErrAuthFailed, code, apiErrorMessage(body))
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, apiErrorMessage(body))
	case code == http.StatusRequestTimeout:
		return fmt.Errorf("%w: status %d", ErrTimeout, code)
	case code >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, code, apiErrorMessage(body))
	default:
		return fmt.Errorf("%w: status %d: %s", ErrInvalidResponse, code, apiErrorMessage(body))
	}
}

func apiErrorMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return "no error detail"
}

func dataURL(a Attachment) string {
	return "data:" + a.MIME + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}
