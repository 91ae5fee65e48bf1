package openai

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/helmsman-ops/helmsman/pkg/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("OpenAIClient")

type ClientOptions struct {
	// https://api.openai.com/v1
	BaseURL string
	ApiKey  string

	// Bounded retry on rate limits and server errors.
	MaxRetries int
	RetryBase  time.Duration

	Transport *http.Client
}

// Client speaks the OpenAI-compatible chat-completions API.
type Client struct {
	opts *ClientOptions
}

func NewClient(opts *ClientOptions) *Client {
	if opts.Transport == nil {
		opts.Transport = http.DefaultClient
	}

	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}

	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}

	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}

	return &Client{
		opts: opts,
	}
}

type chatCompletionRequest struct {
	Model         string         `json:"model"`
	Messages      []llm.Message  `json:"messages"`
	Tools         []llm.ToolSpec `json:"tools,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message llm.Message `json:"message"`
	} `json:"choices"`
	Usage *usagePayload `json:"usage"`
	Error *apiError     `json:"error"`
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content   string          `json:"content"`
			ToolCalls []toolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usagePayload `json:"usage"`
	Error *apiError     `json:"error"`
}

type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type usagePayload struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

func (u *usagePayload) toUsage() *llm.Usage {
	if u == nil {
		return nil
	}
	return &llm.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		CachedTokens:     u.PromptTokensDetails.CachedTokens,
	}
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Complete performs a non-streaming completion.
func (c *Client) Complete(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("model", req.Model))

	payload, err := sonic.Marshal(&chatCompletionRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Tools:    req.Tools,
	})
	if err != nil {
		return nil, err
	}

	res, err := c.doWithRetry(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	var completion chatCompletionResponse
	if err := sonic.Unmarshal(body, &completion); err != nil {
		return nil, err
	}

	if completion.Error != nil {
		return nil, errors.New(completion.Error.Message)
	}

	if len(completion.Choices) == 0 {
		return nil, errors.New("no choices in completion response")
	}

	return &llm.ChatResponse{
		Message: completion.Choices[0].Message,
		Usage:   completion.Usage.toUsage(),
	}, nil
}

// StreamChat performs a streaming completion, invoking onChunk per content
// delta, and returns the assembled message with usage when reported.
func (c *Client) StreamChat(ctx context.Context, req *llm.ChatRequest, onChunk func(llm.Chunk)) (*llm.ChatResponse, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.StreamChat")
	defer span.End()
	span.SetAttributes(attribute.String("model", req.Model))

	payload, err := sonic.Marshal(&chatCompletionRequest{
		Model:         req.Model,
		Messages:      req.Messages,
		Tools:         req.Tools,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, err
	}

	res, err := c.doWithRetry(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var content strings.Builder
	toolCalls := map[int]*llm.ToolCall{}
	maxIndex := -1
	var usage *llm.Usage

	reader := bufio.NewReader(res.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk chatCompletionChunk
		if err := sonic.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if chunk.Error != nil {
			return nil, errors.New(chunk.Error.Message)
		}

		if chunk.Usage != nil {
			usage = chunk.Usage.toUsage()
		}

		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			onChunk(llm.Chunk{Delta: delta.Content})
		}

		for _, tc := range delta.ToolCalls {
			call, ok := toolCalls[tc.Index]
			if !ok {
				call = &llm.ToolCall{Type: "function"}
				toolCalls[tc.Index] = call
				if tc.Index > maxIndex {
					maxIndex = tc.Index
				}
			}

			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Type != "" {
				call.Type = tc.Type
			}
			if tc.Function.Name != "" {
				call.Function.Name += tc.Function.Name
			}
			call.Function.Arguments += tc.Function.Arguments
		}
	}

	message := llm.Message{
		Role:    llm.RoleAssistant,
		Content: content.String(),
	}

	for i := 0; i <= maxIndex; i++ {
		if call, ok := toolCalls[i]; ok {
			message.ToolCalls = append(message.ToolCalls, *call)
		}
	}

	return &llm.ChatResponse{
		Message: message,
		Usage:   usage,
	}, nil
}

// doWithRetry posts the payload, retrying rate limits, server errors and
// transport failures with exponential backoff.
func (c *Client) doWithRetry(ctx context.Context, payload []byte) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.opts.RetryBase << (attempt - 1)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/chat/completions", bytes.NewBuffer(payload))
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.opts.ApiKey)

		res, err := c.opts.Transport.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= http.StatusInternalServerError {
			body, _ := io.ReadAll(res.Body)
			res.Body.Close()
			lastErr = fmt.Errorf("llm returned status %d: %s", res.StatusCode, string(body))
			continue
		}

		if res.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(res.Body)
			res.Body.Close()
			return nil, fmt.Errorf("llm returned status %d: %s", res.StatusCode, string(body))
		}

		return res, nil
	}

	return nil, lastErr
}
