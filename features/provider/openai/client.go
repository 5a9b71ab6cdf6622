// Package openai provides a provider.Caller implementation backed by the
// OpenAI Chat Completions API. It translates relay requests into
// ChatCompletion calls using github.com/openai/openai-go and maps responses
// back into the normalized relay structures, classifying SDK failures into
// the provider error taxonomy.
package openai

import (
	"context"
	"errors"
	"net/http"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"goa.design/relay/runtime/provider"
)

type (
	// ChatClient captures the subset of the OpenAI SDK client used by the
	// adapter. It is satisfied by *sdk.ChatCompletionService so callers can
	// pass either a real client or a stub in tests.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// DefaultModel is the model identifier used when
		// provider.Request.Model is empty.
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens. Zero omits the cap so the API default applies.
		MaxTokens int64

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements provider.Caller via the OpenAI Chat Completions API.
	Client struct {
		chat         ChatClient
		defaultModel string
		maxTok       int64
		temp         float64
	}
)

const operation = "chat.completions.new"

var _ provider.Caller = (*Client)(nil)

// New builds an OpenAI-backed caller from the provided chat client and
// configuration options.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		chat:         chat,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, opts)
}

// Name identifies the backend for rate-limiter scopes and dispatch.
func (c *Client) Name() string { return provider.NameOpenAI }

// Complete issues a chat completion request and translates the response into
// the normalized relay structures.
func (c *Client) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return provider.Response{}, err
	}
	resp, err := c.chat.New(ctx, *params)
	if err != nil {
		return provider.Response{}, classify(operation, err)
	}
	return translateResponse(resp), nil
}

func (c *Client) encodeRequest(req provider.Request) (*sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case provider.RoleSystem:
			messages = append(messages, sdk.SystemMessage(m.Content))
		case provider.RoleUser:
			messages = append(messages, sdk.UserMessage(m.Content))
		case provider.RoleAssistant:
			messages = append(messages, sdk.AssistantMessage(m.Content))
		default:
			return nil, errors.New("openai: unsupported message role " + m.Role)
		}
	}
	if len(messages) == 0 {
		return nil, errors.New("openai: at least one non-empty message is required")
	}

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(modelID),
		Messages: messages,
	}
	if maxTokens := c.effectiveMaxTokens(req.MaxTokens); maxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(maxTokens)
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	}
	return &params, nil
}

func (c *Client) effectiveMaxTokens(requested int64) int64 {
	if requested > 0 {
		return requested
	}
	return c.maxTok
}

func (c *Client) effectiveTemperature(requested float64) float64 {
	if requested > 0 {
		return requested
	}
	return c.temp
}

func translateResponse(resp *sdk.ChatCompletion) provider.Response {
	if resp == nil {
		return provider.Response{}
	}
	out := provider.Response{Model: resp.Model}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.Content = choice.Message.Content
		out.StopReason = string(choice.FinishReason)
	}
	out.Usage = provider.TokenUsage{
		InputTokens:     resp.Usage.PromptTokens,
		OutputTokens:    resp.Usage.CompletionTokens,
		TotalTokens:     resp.Usage.TotalTokens,
		CacheReadTokens: resp.Usage.PromptTokensDetails.CachedTokens,
	}
	return out
}

// classify maps an SDK failure onto the provider error taxonomy. API errors
// carry an HTTP status; anything else reached the wire and failed, so it is
// treated as transient.
func classify(op string, err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		requestID := ""
		if apierr.Response != nil {
			requestID = apierr.Response.Header.Get("x-request-id")
		}
		return provider.NewError(provider.NameOpenAI, op, apierr.StatusCode,
			kindFromStatus(apierr.StatusCode), string(apierr.Code), apierr.Message, requestID, err)
	}
	if provider.IsRateLimited(err) {
		return provider.NewError(provider.NameOpenAI, op, http.StatusTooManyRequests,
			provider.KindRateLimited, "", "", "", err)
	}
	return provider.NewError(provider.NameOpenAI, op, 0,
		provider.KindUnavailable, "", "", "", err)
}

func kindFromStatus(status int) provider.Kind {
	switch {
	case status == http.StatusBadRequest:
		return provider.KindInvalidRequest
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return provider.KindAuth
	case status == http.StatusTooManyRequests:
		return provider.KindRateLimited
	case status >= http.StatusInternalServerError:
		return provider.KindUnavailable
	default:
		return provider.KindUnknown
	}
}
