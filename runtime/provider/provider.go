// Package provider defines the contract the relay uses to invoke model
// backends. It is a provider-agnostic abstraction over chat completion APIs
// (Anthropic, OpenAI, Bedrock) so the pool can dispatch to whatever backend
// an account is provisioned on without coupling to specific SDKs.
// Implementations live under features/provider and translate these
// normalized types into provider-specific formats.
package provider

import "context"

type (
	// Caller is the contract the relay uses to invoke a backend. Callers
	// wrap provider SDKs, must be safe for concurrent use, and classify
	// failures into the package error taxonomy so dispatch policy (backoff,
	// circuit state) stays provider-independent.
	Caller interface {
		// Name identifies the backend ("anthropic", "openai", "bedrock").
		// It keys the provider rate-limiter windows and backoff state.
		Name() string

		// Complete sends a chat completion request and returns the generated
		// response. Failures are reported as *Error; rate limiting
		// additionally matches ErrRateLimited.
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Request captures the normalized parameters for one completion call.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string
		// Messages is the ordered chat history, system prompts included.
		Messages []Message
		// MaxTokens caps completion tokens. Zero uses the provider default.
		MaxTokens int64
		// Temperature controls sampling. Zero means provider default.
		Temperature float64
	}

	// Message is one chat turn.
	Message struct {
		// Role is "user", "assistant" or "system".
		Role string
		// Content is the message text.
		Content string
	}

	// Response is the normalized completion result.
	Response struct {
		// Content is the assistant text.
		Content string
		// Model echoes the model that produced the response when the
		// provider reports it.
		Model string
		// StopReason explains why generation ended; values are
		// provider-specific and may be empty.
		StopReason string
		// Usage reports token counts when the provider does. All fields are
		// zero when it doesn't.
		Usage TokenUsage
	}

	// TokenUsage records the token footprint of one call. Cache counts feed
	// the capacity tracker's cache-read discount.
	TokenUsage struct {
		// InputTokens counts prompt-side tokens.
		InputTokens int64
		// OutputTokens counts generated tokens.
		OutputTokens int64
		// TotalTokens is the provider's aggregate when reported, otherwise
		// InputTokens + OutputTokens.
		TotalTokens int64
		// CacheReadTokens counts prompt tokens served from the provider's
		// prompt cache.
		CacheReadTokens int64
		// CacheWriteTokens counts prompt tokens written to the cache.
		CacheWriteTokens int64
	}
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Backend names used as rate-limiter scopes and adapter identifiers.
const (
	NameAnthropic = "anthropic"
	NameOpenAI    = "openai"
	NameBedrock   = "bedrock"
)

// CacheRead reports whether the call was predominantly served from the
// provider's prompt cache, which is what the capacity discount keys on.
func (u TokenUsage) CacheRead() bool {
	return u.CacheReadTokens > 0 && u.CacheReadTokens >= u.InputTokens
}

// Total returns the aggregate token count, summing when the provider did not
// report one.
func (u TokenUsage) Total() int64 {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.InputTokens + u.OutputTokens
}
