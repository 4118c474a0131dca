// Package ai holds the outbound ports to model providers: chat
// completions for document extraction and embeddings for product
// matching. The concrete client speaks the OpenAI-compatible HTTP API,
// so one implementation covers OpenAI itself and compatible gateways.
package ai

import (
	"context"
	"errors"
)

// Provider failure classes. Callers branch on these with errors.Is;
// everything else coming out of this package is a programming or
// encoding error and is not retried.
var (
	ErrTimeout         = errors.New("ai: provider timeout")
	ErrRateLimited     = errors.New("ai: provider rate limited")
	ErrAuthFailed      = errors.New("ai: provider authentication failed")
	ErrUnavailable     = errors.New("ai: provider unavailable")
	ErrInvalidResponse = errors.New("ai: invalid provider response")
	ErrEmptyInput      = errors.New("ai: empty input")
	ErrBatchTooLarge   = errors.New("ai: embedding batch too large")
)

// MaxEmbedBatch is the largest input slice accepted per embeddings
// call, matching the provider-side limit.
const MaxEmbedBatch = 2048

// Recoverable reports whether a retry with backoff could plausibly
// succeed. Auth failures and malformed responses never recover on
// their own.
func Recoverable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUnavailable)
}

// Attachment carries binary content for vision-capable models. It is
// delivered inline as a base64 data URL, never as a hosted link.
type Attachment struct {
	MIME string
	Data []byte
}

type ChatRequest struct {
	Model       string
	System      string
	User        string
	Attachments []Attachment
	MaxTokens   int
	// ForceJSON asks the provider for a JSON-object response. The
	// caller still validates the payload against its own schema.
	ForceJSON bool
}

type ChatResult struct {
	Content      string
	Model        string
	FinishReason string
	TokensIn     int64
	TokensOut    int64
}

type EmbedRequest struct {
	Model  string
	Inputs []string
}

type EmbedResult struct {
	Vectors  [][]float32
	Model    string
	TokensIn int64
}

// LLM is the chat-completion port.
type LLM interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResult, error)
}

// Embedder is the embeddings port. Vectors come back in input order.
type Embedder interface {
	Embed(ctx context.Context, req EmbedRequest) (*EmbedResult, error)
}
