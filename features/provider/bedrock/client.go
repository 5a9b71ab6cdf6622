// Package bedrock provides a provider.Caller implementation backed by the
// AWS Bedrock Converse API. It splits system from conversational messages,
// translates Converse responses back into the normalized relay structures,
// and classifies smithy failures (ThrottlingException, HTTP status) into the
// provider error taxonomy.
package bedrock

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/relay/runtime/provider"
)

type (
	// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
	// required by the adapter. It matches *bedrockruntime.Client so callers
	// can pass either the real client or a stub in tests.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the Bedrock adapter.
	Options struct {
		// DefaultModel is the model identifier used when
		// provider.Request.Model is empty.
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens. Zero omits the cap so Bedrock uses its own
		// default.
		MaxTokens int64

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements provider.Caller on top of AWS Bedrock Converse.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		maxTok       int64
		temp         float64
	}
)

const operation = "converse"

var _ provider.Caller = (*Client)(nil)

// New builds a Bedrock-backed caller from the provided runtime client and
// configuration options.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		runtime:      runtime,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// Name identifies the backend for rate-limiter scopes and dispatch.
func (c *Client) Name() string { return provider.NameBedrock }

// Complete issues a Converse request to the configured Bedrock model and
// translates the response into the normalized relay structures.
func (c *Client) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	input, modelID, err := c.encodeRequest(req)
	if err != nil {
		return provider.Response{}, err
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return provider.Response{}, classify(operation, err)
	}
	return translateResponse(output, modelID), nil
}

func (c *Client) encodeRequest(req provider.Request) (*bedrockruntime.ConverseInput, string, error) {
	if len(req.Messages) == 0 {
		return nil, "", errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	conversation := make([]brtypes.Message, 0, len(req.Messages))
	system := make([]brtypes.SystemContentBlock, 0, 1)
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case provider.RoleSystem:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
		case provider.RoleUser, provider.RoleAssistant:
			brrole := brtypes.ConversationRoleUser
			if m.Role == provider.RoleAssistant {
				brrole = brtypes.ConversationRoleAssistant
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brrole,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		default:
			return nil, "", errors.New("bedrock: unsupported message role " + m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, "", errors.New("bedrock: at least one user/assistant message is required")
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: conversation,
	}
	if len(system) > 0 {
		input.System = system
	}
	if cfg := c.inferenceConfig(req.MaxTokens, req.Temperature); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input, modelID, nil
}

func (c *Client) inferenceConfig(maxTokens int64, temp float64) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := maxTokens
	if tokens <= 0 {
		tokens = c.maxTok
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens)) //nolint:gosec // AWS SDK requires int32
	}
	t := temp
	if t <= 0 {
		t = c.temp
	}
	if t > 0 {
		cfg.Temperature = aws.Float32(float32(t))
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

// translateResponse flattens the Converse output. Bedrock does not echo the
// model, so the requested identifier is reported instead.
func translateResponse(output *bedrockruntime.ConverseOutput, modelID string) provider.Response {
	if output == nil {
		return provider.Response{}
	}
	var sb strings.Builder
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			v, ok := block.(*brtypes.ContentBlockMemberText)
			if !ok || v.Value == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(v.Value)
		}
	}
	resp := provider.Response{
		Content:    sb.String(),
		Model:      modelID,
		StopReason: string(output.StopReason),
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = provider.TokenUsage{
			InputTokens:      int64(ptrValue(usage.InputTokens)),
			OutputTokens:     int64(ptrValue(usage.OutputTokens)),
			TotalTokens:      int64(ptrValue(usage.TotalTokens)),
			CacheReadTokens:  int64(ptrValue(usage.CacheReadInputTokens)),
			CacheWriteTokens: int64(ptrValue(usage.CacheWriteInputTokens)),
		}
	}
	return resp
}

// isRateLimited reports whether err represents a provider rate limiting
// condition. It treats both HTTP 429 responses and provider error codes like
// ThrottlingException as rate-limited signals and is idempotent when
// ErrRateLimited is already present in the error chain.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, provider.ErrRateLimited) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests {
		return true
	}

	return false
}

func classify(op string, err error) error {
	if isRateLimited(err) {
		return provider.NewError(provider.NameBedrock, op, http.StatusTooManyRequests,
			provider.KindRateLimited, "rate_limited", "", "", err)
	}

	var (
		status int
		code   string
		msg    string
	)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		msg = apiErr.ErrorMessage()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	kind := provider.KindUnknown
	switch {
	case status == http.StatusBadRequest:
		kind = provider.KindInvalidRequest
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = provider.KindAuth
	case status >= http.StatusInternalServerError:
		kind = provider.KindUnavailable
	}
	return provider.NewError(provider.NameBedrock, op, status, kind, code, msg, "", err)
}

func ptrValue[T ~int32 | ~int64](ptr *T) T {
	if ptr == nil {
		return 0
	}
	return *ptr
}
