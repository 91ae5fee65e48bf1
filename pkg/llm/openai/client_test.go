package openai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/helmsman-ops/helmsman/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestStreamChatTextDeltas(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"h"}}]}`,
		`{"choices":[{"delta":{"content":"i"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
	})
	defer srv.Close()

	c := NewClient(&ClientOptions{BaseURL: srv.URL, ApiKey: "test"})

	var deltas []string
	res, err := c.StreamChat(context.Background(), &llm.ChatRequest{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Say hi."}},
	}, func(chunk llm.Chunk) {
		deltas = append(deltas, chunk.Delta)
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"h", "i"}, deltas)
	assert.Equal(t, "hi", res.Message.Content)
	assert.Empty(t, res.Message.ToolCalls)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 5, res.Usage.PromptTokens)
	assert.Equal(t, 2, res.Usage.CompletionTokens)
	assert.Equal(t, 7, res.Usage.TotalTokens)
}

func TestStreamChatAssemblesToolCalls(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_pods","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"namespace\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"default\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	})
	defer srv.Close()

	c := NewClient(&ClientOptions{BaseURL: srv.URL, ApiKey: "test"})

	res, err := c.StreamChat(context.Background(), &llm.ChatRequest{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "List pods."}},
	}, func(llm.Chunk) {})

	require.NoError(t, err)
	require.Len(t, res.Message.ToolCalls, 1)

	call := res.Message.ToolCalls[0]
	assert.Equal(t, "call_1", call.ID)
	assert.Equal(t, "get_pods", call.Function.Name)
	assert.Equal(t, `{"namespace":"default"}`, call.Function.Arguments)
}

func TestStreamChatRetriesOnRateLimit(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewClient(&ClientOptions{
		BaseURL:    srv.URL,
		ApiKey:     "test",
		MaxRetries: 3,
		RetryBase:  time.Millisecond,
	})

	res, err := c.StreamChat(context.Background(), &llm.ChatRequest{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}, func(llm.Chunk) {})

	require.NoError(t, err)
	assert.Equal(t, "ok", res.Message.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestStreamChatGivesUpAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(&ClientOptions{
		BaseURL:    srv.URL,
		ApiKey:     "test",
		MaxRetries: 2,
		RetryBase:  time.Millisecond,
	})

	_, err := c.StreamChat(context.Background(), &llm.ChatRequest{Model: "gpt-4o"}, func(llm.Chunk) {})
	assert.Error(t, err)
}

func TestStreamChatBadRequestDoesNotRetry(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(&ClientOptions{BaseURL: srv.URL, ApiKey: "test", RetryBase: time.Millisecond})

	_, err := c.StreamChat(context.Background(), &llm.ChatRequest{Model: "gpt-4o"}, func(llm.Chunk) {})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"Pod Cleanup"}}],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`)
	}))
	defer srv.Close()

	c := NewClient(&ClientOptions{BaseURL: srv.URL, ApiKey: "test"})

	res, err := c.Complete(context.Background(), &llm.ChatRequest{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Title this"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "Pod Cleanup", res.Message.Content)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 15, res.Usage.TotalTokens)
}
