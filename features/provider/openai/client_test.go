package openai

import (
	"context"
	"errors"
	"net/http"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	"goa.design/relay/runtime/provider"
)

type stubChatClient struct {
	lastParams sdk.ChatCompletionNewParams
	resp       *sdk.ChatCompletion
	err        error
}

func (s *stubChatClient) New(_ context.Context, body sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "gpt-4o-mini"})
	require.EqualError(t, err, "openai client is required")

	_, err = New(&stubChatClient{}, Options{})
	require.EqualError(t, err, "default model identifier is required")
}

func TestCompleteEncodesRequest(t *testing.T) {
	stub := &stubChatClient{resp: &sdk.ChatCompletion{}}
	cl, err := New(stub, Options{DefaultModel: "gpt-4o-mini", MaxTokens: 256, Temperature: 0.3})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), provider.Request{
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: "be terse"},
			{Role: provider.RoleUser, Content: "hello"},
			{Role: provider.RoleAssistant, Content: "hi"},
		},
	})
	require.NoError(t, err)

	params := stub.lastParams
	require.Equal(t, "gpt-4o-mini", string(params.Model))
	require.Len(t, params.Messages, 3)
	require.True(t, params.MaxCompletionTokens.Valid())
	require.Equal(t, int64(256), params.MaxCompletionTokens.Value)
	require.Equal(t, 0.3, params.Temperature.Value)
}

func TestCompleteRequestOverridesDefaults(t *testing.T) {
	stub := &stubChatClient{resp: &sdk.ChatCompletion{}}
	cl, err := New(stub, Options{DefaultModel: "gpt-4o-mini", MaxTokens: 256})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), provider.Request{
		Model:     "gpt-4.1",
		MaxTokens: 64,
		Messages:  []provider.Message{{Role: provider.RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)

	require.Equal(t, "gpt-4.1", string(stub.lastParams.Model))
	require.Equal(t, int64(64), stub.lastParams.MaxCompletionTokens.Value)
}

func TestCompleteValidatesRequest(t *testing.T) {
	cl, err := New(&stubChatClient{}, Options{DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), provider.Request{})
	require.EqualError(t, err, "openai: messages are required")

	_, err = cl.Complete(context.Background(), provider.Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: ""}},
	})
	require.EqualError(t, err, "openai: at least one non-empty message is required")

	_, err = cl.Complete(context.Background(), provider.Request{
		Messages: []provider.Message{{Role: "tool", Content: "nope"}},
	})
	require.EqualError(t, err, "openai: unsupported message role tool")
}

func TestCompleteTranslatesResponse(t *testing.T) {
	stub := &stubChatClient{
		resp: &sdk.ChatCompletion{
			Model: "gpt-4o-mini-2024-07-18",
			Choices: []sdk.ChatCompletionChoice{
				{
					FinishReason: "stop",
					Message:      sdk.ChatCompletionMessage{Content: "world"},
				},
			},
			Usage: sdk.CompletionUsage{
				PromptTokens:     100,
				CompletionTokens: 25,
				TotalTokens:      125,
				PromptTokensDetails: sdk.CompletionUsagePromptTokensDetails{
					CachedTokens: 80,
				},
			},
		},
	}
	cl, err := New(stub, Options{DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	resp, err := cl.Complete(context.Background(), provider.Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	require.Equal(t, "world", resp.Content)
	require.Equal(t, "gpt-4o-mini-2024-07-18", resp.Model)
	require.Equal(t, "stop", resp.StopReason)
	require.Equal(t, int64(100), resp.Usage.InputTokens)
	require.Equal(t, int64(25), resp.Usage.OutputTokens)
	require.Equal(t, int64(125), resp.Usage.TotalTokens)
	require.Equal(t, int64(80), resp.Usage.CacheReadTokens)
	require.Zero(t, resp.Usage.CacheWriteTokens)
}

func TestCompleteClassifiesAPIErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		kind   provider.Kind
	}{
		{"bad request", http.StatusBadRequest, provider.KindInvalidRequest},
		{"unauthorized", http.StatusUnauthorized, provider.KindAuth},
		{"throttled", http.StatusTooManyRequests, provider.KindRateLimited},
		{"server error", http.StatusServiceUnavailable, provider.KindUnavailable},
		{"teapot", http.StatusTeapot, provider.KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &stubChatClient{err: &sdk.Error{
				StatusCode: tc.status,
				Code:       "some_code",
				Message:    "something broke",
				Response: &http.Response{
					Header: http.Header{"X-Request-Id": []string{"req_456"}},
				},
			}}
			cl, err := New(stub, Options{DefaultModel: "gpt-4o-mini"})
			require.NoError(t, err)

			_, err = cl.Complete(context.Background(), provider.Request{
				Messages: []provider.Message{{Role: provider.RoleUser, Content: "hello"}},
			})
			require.Error(t, err)

			pe, ok := provider.AsError(err)
			require.True(t, ok)
			require.Equal(t, provider.NameOpenAI, pe.Provider())
			require.Equal(t, tc.status, pe.HTTPStatus())
			require.Equal(t, tc.kind, pe.Kind())
			require.Equal(t, "some_code", pe.Code())
			require.Equal(t, "something broke", pe.Message())
			require.Equal(t, "req_456", pe.RequestID())
			require.Equal(t, tc.kind == provider.KindRateLimited, errors.Is(err, provider.ErrRateLimited))
		})
	}
}

func TestCompleteWrapsTransportErrors(t *testing.T) {
	stub := &stubChatClient{err: errors.New("connection refused")}
	cl, err := New(stub, Options{DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), provider.Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hello"}},
	})
	pe, ok := provider.AsError(err)
	require.True(t, ok)
	require.Equal(t, provider.KindUnavailable, pe.Kind())
	require.True(t, pe.Retryable())
}

func TestName(t *testing.T) {
	cl, err := New(&stubChatClient{}, Options{DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)
	require.Equal(t, provider.NameOpenAI, cl.Name())
}
