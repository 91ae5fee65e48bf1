package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"
	"github.com/helmsman-ops/helmsman/internal/pubsub"
	"github.com/helmsman-ops/helmsman/internal/services/conversation"
	"github.com/helmsman-ops/helmsman/internal/tools"
	"github.com/helmsman-ops/helmsman/internal/utils"
	"github.com/helmsman-ops/helmsman/pkg/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("Orchestrator")

const defaultMaxIterations = 50

// unresolvedResultText stands in for a tool call that never ran.
const unresolvedResultText = "Tool call was not executed"

// Transcript is the persistence surface the orchestrator writes through.
type Transcript interface {
	Transcript(ctx context.Context, conversationID string) ([]conversation.Message, error)
	AppendTextSegment(ctx context.Context, conversationID, text string, timestamp int64) error
	AppendToolSegment(ctx context.Context, conversationID string, seg conversation.Segment) error
	UpdateToolSegmentStatus(ctx context.Context, conversationID, callID string, status conversation.ToolStatus, result []conversation.ToolResultBlock, errText string) error
	FinalizeAssistantMessage(ctx context.Context, conversationID string, usage *conversation.TokenUsage) error
}

// ToolInvoker is the tool-server surface the orchestrator calls through.
type ToolInvoker interface {
	ListTools(ctx context.Context) ([]tools.Descriptor, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*tools.Result, error)
}

// StopRegistry exposes the per-run stop flag.
type StopRegistry interface {
	ClearStop(ctx context.Context, runID string) error
	ShouldStop(ctx context.Context, runID string) bool
}

type Options struct {
	Model           string
	SystemPrompt    string
	WindowTokens    int
	MaxIterations   int
	ApprovalTimeout time.Duration
}

// Orchestrator drives one turn: the LLM-tool loop with streaming, approval
// suspension, stop handling and final persistence.
type Orchestrator struct {
	llm        llm.Provider
	tools      ToolInvoker
	transcript Transcript
	bus        pubsub.Bus
	stops      StopRegistry
	opts       Options
}

func NewOrchestrator(provider llm.Provider, invoker ToolInvoker, transcript Transcript, bus pubsub.Bus, stops StopRegistry, opts Options) *Orchestrator {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}

	return &Orchestrator{
		llm:        provider,
		tools:      invoker,
		transcript: transcript,
		bus:        bus,
		stops:      stops,
		opts:       opts,
	}
}

// RunInput describes one run. PendingTools and ApprovalDecisions are set on
// approval resume; the prior run's suspended calls are recovered from the
// transcript and decided here.
type RunInput struct {
	RunID                string
	ConversationID       string
	PendingTools         []conversation.Segment
	ApprovalDecisions    map[string]bool
	SuppressPendingEvent bool
}

// toolCall is one call requested by the model within an iteration.
type toolCall struct {
	callID           string
	tool             string
	title            string
	args             map[string]any
	requiresApproval bool
}

// run is the mutable state of one orchestrator execution.
type run struct {
	o       *Orchestrator
	in      *RunInput
	channel string

	startMS int64
	ttftMS  int64

	messages []llm.Message
	catalog  map[string]tools.Descriptor

	usage        llm.Usage
	usageFromLLM bool

	done bool
}

// Run executes the loop to a terminal event. It never returns an error; all
// failures surface on the event bus and in the transcript.
func (o *Orchestrator) Run(ctx context.Context, in *RunInput) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", in.RunID),
		attribute.String("conversation_id", in.ConversationID),
	)

	r := &run{
		o:       o,
		in:      in,
		channel: Channel(in.RunID),
		startMS: utils.NowMS(),
	}

	// A stop requested against a prior run must not leak into this one.
	if err := o.stops.ClearStop(ctx, in.RunID); err != nil {
		slog.WarnContext(ctx, "Unable to clear stop flag", slog.String("run_id", in.RunID), slog.Any("error", err))
	}

	messages, err := r.buildInitialMessages(ctx)
	if err != nil {
		r.fail(ctx, err)
		return
	}
	r.messages = messages

	r.catalog = map[string]tools.Descriptor{}
	if descriptors, err := o.tools.ListTools(ctx); err != nil {
		slog.WarnContext(ctx, "Unable to list tools, continuing without a catalog", slog.Any("error", err))
	} else {
		for _, d := range descriptors {
			r.catalog[d.Name] = d
		}
	}

	// Resume path: act on the recovered calls before calling the LLM again.
	if len(in.PendingTools) > 0 {
		if suspended := r.resolvePendingTools(ctx); suspended || r.done {
			return
		}
	}

	for iteration := 0; iteration < o.opts.MaxIterations; iteration++ {
		if o.stops.ShouldStop(ctx, in.RunID) {
			r.complete(ctx, StatusStopped, "")
			return
		}

		resp, err := r.generate(ctx)
		if err != nil {
			r.fail(ctx, err)
			return
		}

		if len(resp.Message.ToolCalls) == 0 {
			content := resp.Message.Content
			r.publish(ctx, EventGenerationComplete, map[string]any{"content": content})
			r.persistText(ctx, content)
			r.finalize(ctx)
			r.complete(ctx, StatusCompleted, content)
			return
		}

		// The model asked for tools. Keep its message in the working list so
		// tool results can reference the call ids.
		r.messages = append(r.messages, resp.Message)

		calls := r.prepareCalls(resp.Message.ToolCalls)
		r.announcePendingCalls(ctx, calls)

		if r.gateOnApproval(ctx, calls) {
			return
		}

		if stopped := r.executeCalls(ctx, calls); stopped {
			r.complete(ctx, StatusStopped, "")
			return
		}
	}

	r.failMsg(ctx, "run exceeded maximum iterations")
}

// buildInitialMessages assembles the system prompt plus the LLM view of the
// persisted transcript.
func (r *run) buildInitialMessages(ctx context.Context) ([]llm.Message, error) {
	var messages []llm.Message
	if r.o.opts.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: r.o.opts.SystemPrompt})
	}

	transcript, err := r.o.transcript.Transcript(ctx, r.in.ConversationID)
	if err != nil {
		return nil, err
	}

	return append(messages, messagesFromTranscript(transcript)...), nil
}

// messagesFromTranscript converts persisted messages into chat-completion
// form. Tool segments become assistant tool calls; resolved ones also yield
// a tool-role result message.
func messagesFromTranscript(transcript []conversation.Message) []llm.Message {
	var out []llm.Message

	for _, msg := range transcript {
		switch msg.Kind {
		case conversation.MessageKindUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: msg.Text})

		case conversation.MessageKindAssistant:
			assistant := llm.Message{Role: llm.RoleAssistant}
			var results []llm.Message

			for _, seg := range msg.Segments {
				switch seg.Kind {
				case conversation.SegmentKindText:
					if assistant.Content != "" {
						assistant.Content += "\n"
					}
					assistant.Content += seg.Text

				case conversation.SegmentKindTool:
					args, _ := sonic.MarshalString(seg.Args)
					assistant.ToolCalls = append(assistant.ToolCalls, llm.ToolCall{
						ID:   seg.CallID,
						Type: "function",
						Function: llm.FunctionCall{
							Name:      seg.Tool,
							Arguments: args,
						},
					})

					switch seg.Status {
					case conversation.StatusCompleted, conversation.StatusDenied:
						results = append(results, llm.Message{
							Role:       llm.RoleTool,
							ToolCallID: seg.CallID,
							Content:    blocksText(seg.Result),
						})
					case conversation.StatusError:
						results = append(results, llm.Message{
							Role:       llm.RoleTool,
							ToolCallID: seg.CallID,
							Content:    "tool failed: " + seg.Error,
						})
					default:
						// Every tool call must have a reply or providers
						// reject the history. Unresolved calls (an abandoned
						// approval, a crash mid-execution) get a placeholder;
						// a resume run overwrites it with the real outcome.
						results = append(results, llm.Message{
							Role:       llm.RoleTool,
							ToolCallID: seg.CallID,
							Content:    unresolvedResultText,
						})
					}
				}
			}

			out = append(out, assistant)
			out = append(out, results...)
		}
	}

	return out
}

func blocksText(blocks []conversation.ToolResultBlock) string {
	text := ""
	for _, b := range blocks {
		if b.Text == "" {
			continue
		}
		if text != "" {
			text += "\n"
		}
		text += b.Text
	}
	return text
}

// generate performs one streaming LLM call over the sliding window,
// publishing token events as content arrives.
func (r *run) generate(ctx context.Context) (*llm.ChatResponse, error) {
	windowed := slidingWindow(r.o.opts.Model, r.messages, r.o.opts.WindowTokens)

	req := &llm.ChatRequest{
		Model:    r.o.opts.Model,
		Messages: windowed,
		Tools:    r.toolSpecs(),
	}

	resp, err := r.o.llm.StreamChat(ctx, req, func(chunk llm.Chunk) {
		if r.ttftMS == 0 {
			r.ttftMS = utils.NowMS() - r.startMS
		}
		r.publish(ctx, EventToken, map[string]any{"delta": chunk.Delta})
	})
	if err != nil {
		return nil, err
	}

	if resp.Usage != nil {
		r.usage.Add(resp.Usage)
		r.usageFromLLM = true
	} else {
		r.usage.Add(r.estimateUsage(windowed, resp))
	}

	return resp, nil
}

func (r *run) estimateUsage(prompt []llm.Message, resp *llm.ChatResponse) *llm.Usage {
	usage := &llm.Usage{}
	for _, msg := range prompt {
		usage.PromptTokens += llm.CountMessageTokens(r.o.opts.Model, msg)
	}
	usage.CompletionTokens = llm.CountMessageTokens(r.o.opts.Model, resp.Message)
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return usage
}

func (r *run) toolSpecs() []llm.ToolSpec {
	var specs []llm.ToolSpec
	for _, d := range r.catalog {
		specs = append(specs, llm.ToolSpec{
			Type: "function",
			Function: llm.FunctionSpec{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.InputSchema,
			},
		})
	}
	return specs
}

// prepareCalls assigns call ids and resolves descriptors and approval
// requirements for the model's requested calls.
func (r *run) prepareCalls(requested []llm.ToolCall) []toolCall {
	calls := make([]toolCall, 0, len(requested))

	for _, req := range requested {
		callID := req.ID
		if callID == "" {
			callID = utils.NewID()
		}

		args := map[string]any{}
		if req.Function.Arguments != "" {
			if err := sonic.Unmarshal([]byte(req.Function.Arguments), &args); err != nil {
				args = map[string]any{}
			}
		}

		call := toolCall{
			callID: callID,
			tool:   req.Function.Name,
			title:  req.Function.Name,
			args:   args,
		}

		if d, ok := r.catalog[req.Function.Name]; ok {
			call.title = d.Title
			call.requiresApproval = d.RequiresApproval
		}

		calls = append(calls, call)
	}

	return calls
}

// announcePendingCalls publishes one tools.pending event for the iteration
// and persists each call as a pending tool segment.
func (r *run) announcePendingCalls(ctx context.Context, calls []toolCall) {
	now := utils.NowMS()

	pending := make([]map[string]any, 0, len(calls))
	for _, call := range calls {
		pending = append(pending, map[string]any{
			"call_id":           call.callID,
			"tool":              call.tool,
			"title":             call.title,
			"args":              call.args,
			"requires_approval": call.requiresApproval,
			"timestamp":         now,
		})
	}

	r.publish(ctx, EventToolsPending, map[string]any{"tools": pending})

	for _, call := range calls {
		err := r.o.transcript.AppendToolSegment(ctx, r.in.ConversationID, conversation.Segment{
			Kind:             conversation.SegmentKindTool,
			Tool:             call.tool,
			Title:            call.title,
			Args:             call.args,
			Status:           conversation.StatusPending,
			CallID:           call.callID,
			RequiresApproval: call.requiresApproval,
			Timestamp:        now,
		})
		if err != nil {
			slog.ErrorContext(ctx, "Unable to persist tool segment", slog.String("call_id", call.callID), slog.Any("error", err))
		}
	}
}

// gateOnApproval suspends the run when any call needs an approval that has
// not been decided. Returns whether the run was suspended.
func (r *run) gateOnApproval(ctx context.Context, calls []toolCall) bool {
	var undecided []toolCall
	for _, call := range calls {
		if !call.requiresApproval {
			continue
		}
		if _, decided := r.in.ApprovalDecisions[call.callID]; !decided {
			undecided = append(undecided, call)
		}
	}

	if len(undecided) == 0 {
		return false
	}

	for _, call := range undecided {
		r.publish(ctx, EventToolAwaitingApproval, map[string]any{
			"call_id": call.callID,
			"tool":    call.tool,
			"title":   call.title,
			"args":    call.args,
		})
		r.setSegmentStatus(ctx, call.callID, conversation.StatusAwaitingApproval, nil, "")
	}

	r.complete(ctx, StatusAwaitingApproval, "")
	return true
}

// resolvePendingTools acts on the calls recovered from a suspended run. It
// returns true when the run must stay suspended because some calls are
// still undecided.
func (r *run) resolvePendingTools(ctx context.Context) bool {
	now := utils.NowMS()

	var undecided []conversation.Segment
	var execute []conversation.Segment
	var deny []conversation.Segment

	for _, seg := range r.in.PendingTools {
		decision, decided := r.in.ApprovalDecisions[seg.CallID]

		if !decided && seg.RequiresApproval {
			// Auto-deny calls that sat past the approval timeout.
			timeout := r.o.opts.ApprovalTimeout
			if timeout > 0 && now-seg.Timestamp > timeout.Milliseconds() {
				deny = append(deny, seg)
				continue
			}
			undecided = append(undecided, seg)
			continue
		}

		if decided && !decision {
			deny = append(deny, seg)
			continue
		}

		execute = append(execute, seg)
	}

	if !r.in.SuppressPendingEvent {
		pending := make([]map[string]any, 0, len(r.in.PendingTools))
		for _, seg := range r.in.PendingTools {
			pending = append(pending, map[string]any{
				"call_id":           seg.CallID,
				"tool":              seg.Tool,
				"title":             seg.Title,
				"args":              seg.Args,
				"requires_approval": seg.RequiresApproval,
				"timestamp":         seg.Timestamp,
			})
		}
		r.publish(ctx, EventToolsPending, map[string]any{"tools": pending})
	}

	calls := make([]toolCall, 0, len(execute)+len(deny))
	for _, seg := range execute {
		calls = append(calls, toolCall{
			callID:           seg.CallID,
			tool:             seg.Tool,
			title:            seg.Title,
			args:             seg.Args,
			requiresApproval: seg.RequiresApproval,
		})
	}
	for _, seg := range deny {
		r.denyCall(ctx, toolCall{
			callID: seg.CallID,
			tool:   seg.Tool,
			title:  seg.Title,
			args:   seg.Args,
		})
	}

	if stopped := r.executeCalls(ctx, calls); stopped {
		r.complete(ctx, StatusStopped, "")
		return true
	}

	if len(undecided) > 0 {
		for _, seg := range undecided {
			r.publish(ctx, EventToolAwaitingApproval, map[string]any{
				"call_id": seg.CallID,
				"tool":    seg.Tool,
				"title":   seg.Title,
				"args":    seg.Args,
			})
		}
		r.complete(ctx, StatusAwaitingApproval, "")
		return true
	}

	return false
}

// executeCalls runs each approved call and feeds its output back into the
// working message list. Returns true when a stop was observed between calls.
func (r *run) executeCalls(ctx context.Context, calls []toolCall) bool {
	for i, call := range calls {
		if i > 0 && r.o.stops.ShouldStop(ctx, r.in.RunID) {
			return true
		}

		decision, decided := r.in.ApprovalDecisions[call.callID]
		if decided && !decision {
			r.denyCall(ctx, call)
			continue
		}

		if decided && decision {
			// Record the approval before dispatch so a transcript reload
			// during execution shows the decision.
			r.setSegmentStatus(ctx, call.callID, conversation.StatusApproved, nil, "")
		}

		r.publish(ctx, EventToolExecuting, map[string]any{
			"call_id": call.callID,
			"tool":    call.tool,
			"title":   call.title,
		})
		r.setSegmentStatus(ctx, call.callID, conversation.StatusExecuting, nil, "")

		res, err := r.o.tools.CallTool(ctx, call.tool, call.args)
		if err != nil {
			r.publish(ctx, EventToolError, map[string]any{
				"call_id": call.callID,
				"error":   err.Error(),
			})
			r.setSegmentStatus(ctx, call.callID, conversation.StatusError, nil, err.Error())
			r.setToolReply(call.callID, "tool failed: "+err.Error())
			continue
		}

		blocks := make([]conversation.ToolResultBlock, 0, len(res.Content))
		resultPayload := make([]map[string]any, 0, len(res.Content))
		for _, block := range res.Content {
			blocks = append(blocks, conversation.ToolResultBlock{Type: block.Type, Text: block.Text})
			item := map[string]any{"type": block.Type}
			if block.Text != "" {
				item["text"] = block.Text
			}
			resultPayload = append(resultPayload, item)
		}
		if len(blocks) == 0 {
			blocks = []conversation.ToolResultBlock{{Type: "text", Text: ""}}
		}

		r.publish(ctx, EventToolResult, map[string]any{
			"call_id": call.callID,
			"result":  resultPayload,
		})
		r.setSegmentStatus(ctx, call.callID, conversation.StatusCompleted, blocks, "")

		content := blocksText(blocks)
		if res.IsError && content == "" {
			content = "tool reported an error"
		}
		r.setToolReply(call.callID, content)
	}

	return false
}

func (r *run) denyCall(ctx context.Context, call toolCall) {
	r.publish(ctx, EventToolDenied, map[string]any{"call_id": call.callID})
	r.setSegmentStatus(ctx, call.callID, conversation.StatusDenied, nil, "")
	r.setToolReply(call.callID, conversation.DeniedResultText)
}

// setToolReply records the outcome of a tool call in the working message
// list. History reconstruction may already hold a placeholder reply for the
// call; the real outcome replaces it so each call has exactly one reply.
func (r *run) setToolReply(callID, content string) {
	for i := range r.messages {
		if r.messages[i].Role == llm.RoleTool && r.messages[i].ToolCallID == callID {
			r.messages[i].Content = content
			return
		}
	}

	r.messages = append(r.messages, llm.Message{
		Role:       llm.RoleTool,
		ToolCallID: callID,
		Content:    content,
	})
}

// setSegmentStatus persists a status change. Persistence failures are logged
// and never abort the loop; the event stream remains the client's view.
func (r *run) setSegmentStatus(ctx context.Context, callID string, status conversation.ToolStatus, result []conversation.ToolResultBlock, errText string) {
	err := r.o.transcript.UpdateToolSegmentStatus(ctx, r.in.ConversationID, callID, status, result, errText)
	if err != nil {
		slog.ErrorContext(ctx, "Unable to update tool segment",
			slog.String("call_id", callID),
			slog.String("status", string(status)),
			slog.Any("error", err))
	}
}

func (r *run) persistText(ctx context.Context, content string) {
	if content == "" {
		return
	}
	if err := r.o.transcript.AppendTextSegment(ctx, r.in.ConversationID, content, utils.NowMS()); err != nil {
		slog.ErrorContext(ctx, "Unable to persist text segment", slog.Any("error", err))
	}
}

// finalize attaches accumulated usage metrics to the assistant message.
func (r *run) finalize(ctx context.Context) {
	source := "estimated"
	if r.usageFromLLM {
		source = "provider"
	}

	cost, _ := llm.Cost(r.o.opts.Model, &r.usage)

	usage := &conversation.TokenUsage{
		PromptTokens:     r.usage.PromptTokens,
		CompletionTokens: r.usage.CompletionTokens,
		TotalTokens:      r.usage.TotalTokens,
		CachedTokens:     r.usage.CachedTokens,
		Cost:             cost,
		Source:           source,
		TTFTMS:           r.ttftMS,
		TTRMS:            utils.NowMS() - r.startMS,
	}

	if err := r.o.transcript.FinalizeAssistantMessage(ctx, r.in.ConversationID, usage); err != nil {
		slog.ErrorContext(ctx, "Unable to finalize assistant message", slog.Any("error", err))
	}
}

// publish sends an event on the run channel. After a terminal event nothing
// further is published. Publish failures are swallowed after logging; the
// transcript is canonical.
func (r *run) publish(ctx context.Context, event string, payload map[string]any) {
	if r.done {
		return
	}

	payload["run_id"] = r.in.RunID
	payload["conversation_id"] = r.in.ConversationID

	if err := r.o.bus.Publish(ctx, r.channel, event, payload); err != nil {
		slog.WarnContext(ctx, "Unable to publish event", slog.String("event", event), slog.Any("error", err))
	}

	if IsTerminalEvent(event) {
		r.done = true
	}
}

func (r *run) complete(ctx context.Context, status, result string) {
	payload := map[string]any{"status": status}
	if result != "" {
		payload["result"] = result
	}
	r.publish(ctx, EventWorkflowComplete, payload)
}

func (r *run) fail(ctx context.Context, err error) {
	slog.ErrorContext(ctx, "Run failed", slog.String("run_id", r.in.RunID), slog.Any("error", err))
	r.failMsg(ctx, err.Error())
}

func (r *run) failMsg(ctx context.Context, msg string) {
	r.publish(ctx, EventWorkflowError, map[string]any{
		"error":  msg,
		"status": StatusError,
	})
}
