package tools

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/helmsman-ops/helmsman/internal/utils"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("ToolClient")

const (
	catalogCacheKey = "catalog"
	catalogCacheTTL = 5 * time.Minute

	callMaxAttempts = 3
	callBackoffBase = 500 * time.Millisecond
)

// Block is one element of a tool result. Text blocks carry Text; any other
// content type is passed through verbatim in Data.
type Block struct {
	Type string         `json:"type"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Result is a normalized tool-call result. IsError marks a failure the tool
// itself reported; transport failures surface as an error return instead.
type Result struct {
	Content []Block `json:"content"`
	IsError bool    `json:"isError"`
}

// Client discovers and invokes tools on the tool server. The connection is
// dialed lazily so the agent server can start while the tool server is down.
type Client struct {
	mu          sync.Mutex
	cli         *client.Client
	initialized bool
	endpoint    string

	cache *utils.TTLSyncMap[string, []Descriptor]
}

// NewClient creates a client for an SSE tool server endpoint.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		cache:    utils.NewTTLSyncMap[string, []Descriptor](),
	}
}

// NewClientWithMCP wraps an existing MCP client. Used by tests with an
// in-process server.
func NewClientWithMCP(cli *client.Client) *Client {
	return &Client{
		cli:   cli,
		cache: utils.NewTTLSyncMap[string, []Descriptor](),
	}
}

func (c *Client) connect(ctx context.Context) (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return c.cli, nil
	}

	if c.cli == nil {
		cli, err := client.NewSSEMCPClient(c.endpoint)
		if err != nil {
			return nil, err
		}
		c.cli = cli
	}

	if err := c.cli.Start(ctx); err != nil {
		c.resetLocked()
		return nil, err
	}

	if _, err := c.cli.Initialize(ctx, mcp.InitializeRequest{
		Request: mcp.Request{},
		Params:  mcp.InitializeParams{},
	}); err != nil {
		c.resetLocked()
		return nil, err
	}

	c.initialized = true
	return c.cli, nil
}

// resetLocked drops a half-connected dialed client so the next attempt
// starts clean. Injected clients are kept; restarting them is the test's job.
func (c *Client) resetLocked() {
	if c.endpoint != "" {
		c.cli = nil
	}
	c.initialized = false
}

// ListTools returns the tool catalog, served from a bounded cache.
func (c *Client) ListTools(ctx context.Context) ([]Descriptor, error) {
	if cached, ok := c.cache.Get(catalogCacheKey); ok {
		return cached, nil
	}

	cli, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	res, err := cli.ListTools(ctx, mcp.ListToolsRequest{
		PaginatedRequest: mcp.PaginatedRequest{},
	})
	if err != nil {
		return nil, err
	}

	descriptors := make([]Descriptor, 0, len(res.Tools))
	for _, tool := range res.Tools {
		descriptors = append(descriptors, descriptorFromTool(tool))
	}

	c.cache.Set(catalogCacheKey, descriptors, catalogCacheTTL)
	return descriptors, nil
}

// CallTool invokes a named tool. Transport errors are retried with jittered
// exponential backoff before being returned; tool-reported failures come
// back as Result.IsError without an error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*Result, error) {
	ctx, span := tracer.Start(ctx, "ToolClient.CallTool: "+name)
	defer span.End()

	callArgs := coerceArguments(name, args)

	if buf, err := sonic.Marshal(callArgs); err == nil {
		span.SetAttributes(attribute.String("input", string(buf)))
	}

	var res *mcp.CallToolResult
	var lastErr error

	for attempt := 0; attempt < callMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}

		cli, err := c.connect(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		res, err = cli.CallTool(ctx, mcp.CallToolRequest{
			Request: mcp.Request{},
			Params: mcp.CallToolParams{
				Name:      name,
				Arguments: callArgs,
			},
		})
		if err != nil {
			lastErr = err
			continue
		}

		lastErr = nil
		break
	}

	if lastErr != nil {
		span.RecordError(lastErr)
		return nil, fmt.Errorf("tool call %s failed: %w", name, lastErr)
	}

	return normalizeResult(res), nil
}

func backoff(attempt int) time.Duration {
	d := callBackoffBase << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d + jitter
}

// normalizeResult maps MCP content into Blocks. A text block whose text is a
// JSON object shaped {output, error} collapses to the output, with a
// non-empty error folded into IsError.
func normalizeResult(res *mcp.CallToolResult) *Result {
	out := &Result{
		IsError: res.IsError,
	}

	for _, content := range res.Content {
		switch block := content.(type) {
		case mcp.TextContent:
			text, isErr := collapseOutputError(block.Text)
			out.Content = append(out.Content, Block{Type: "text", Text: text})
			out.IsError = out.IsError || isErr
		default:
			data := map[string]any{}
			if buf, err := sonic.Marshal(content); err == nil {
				_ = sonic.Unmarshal(buf, &data)
			}
			blockType, _ := data["type"].(string)
			out.Content = append(out.Content, Block{Type: blockType, Data: data})
		}
	}

	return out
}

func collapseOutputError(text string) (string, bool) {
	var envelope struct {
		Output any    `json:"output"`
		Error  string `json:"error"`
	}

	if err := sonic.Unmarshal([]byte(text), &envelope); err != nil {
		return text, false
	}
	if envelope.Output == nil && envelope.Error == "" {
		return text, false
	}

	output := ""
	switch v := envelope.Output.(type) {
	case string:
		output = v
	case nil:
	default:
		if buf, err := sonic.Marshal(v); err == nil {
			output = string(buf)
		}
	}

	if envelope.Error != "" && output == "" {
		output = envelope.Error
	}

	return output, envelope.Error != ""
}
