// Package anthropic provides a provider.Caller implementation backed by the
// Anthropic Claude Messages API. It translates relay requests into
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and
// maps responses (text, usage, stop reason) back into the normalized relay
// structures, classifying SDK failures into the provider error taxonomy.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/relay/runtime/provider"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a stub in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures optional Anthropic adapter behavior.
	Options struct {
		// DefaultModel is the Claude model identifier used when
		// provider.Request.Model is empty. Use the typed model constants from
		// github.com/anthropics/anthropic-sdk-go or the identifiers listed in
		// the Anthropic model reference.
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens. The Messages API requires a positive cap, so when
		// zero callers must set Request.MaxTokens explicitly.
		MaxTokens int64

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements provider.Caller on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int64
		temp         float64
	}
)

// operation is the backend operation name reported in classified errors.
const operation = "messages.new"

var _ provider.Caller = (*Client)(nil)

// New builds an Anthropic-backed caller from the provided Messages client and
// configuration options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Name identifies the backend for rate-limiter scopes and dispatch.
func (c *Client) Name() string { return provider.NameAnthropic }

// Complete issues a non-streaming Messages.New request and translates the
// response into the normalized relay structures.
func (c *Client) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return provider.Response{}, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return provider.Response{}, classify(operation, err)
	}
	return translateResponse(msg), nil
}

func (c *Client) encodeRequest(req provider.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}

	conversation := make([]sdk.MessageParam, 0, len(req.Messages))
	system := make([]sdk.TextBlockParam, 0, 1)
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case provider.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case provider.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case provider.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, errors.New("anthropic: unsupported message role " + m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}

	params := sdk.MessageNewParams{
		MaxTokens: maxTokens,
		Messages:  conversation,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	}
	return &params, nil
}

func (c *Client) effectiveTemperature(requested float64) float64 {
	if requested > 0 {
		return requested
	}
	return c.temp
}

func translateResponse(msg *sdk.Message) provider.Response {
	if msg == nil {
		return provider.Response{}
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type != "text" || block.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(block.Text)
	}
	resp := provider.Response{
		Content:    sb.String(),
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
	}
	if u := msg.Usage; u.InputTokens != 0 || u.OutputTokens != 0 || u.CacheReadInputTokens != 0 || u.CacheCreationInputTokens != 0 {
		resp.Usage = provider.TokenUsage{
			InputTokens:      u.InputTokens,
			OutputTokens:     u.OutputTokens,
			TotalTokens:      u.InputTokens + u.OutputTokens,
			CacheReadTokens:  u.CacheReadInputTokens,
			CacheWriteTokens: u.CacheCreationInputTokens,
		}
	}
	return resp
}

// classify maps an SDK failure onto the provider error taxonomy. API errors
// carry an HTTP status; anything else reached the wire and failed, so it is
// treated as transient.
func classify(op string, err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		requestID := ""
		if apierr.Response != nil {
			requestID = apierr.Response.Header.Get("request-id")
		}
		return provider.NewError(provider.NameAnthropic, op, apierr.StatusCode,
			kindFromStatus(apierr.StatusCode), "", "", requestID, err)
	}
	if provider.IsRateLimited(err) {
		return provider.NewError(provider.NameAnthropic, op, http.StatusTooManyRequests,
			provider.KindRateLimited, "", "", "", err)
	}
	return provider.NewError(provider.NameAnthropic, op, 0,
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
		// Includes 529 overloaded responses, which clear on their own.
		return provider.KindUnavailable
	default:
		return provider.KindUnknown
	}
}
