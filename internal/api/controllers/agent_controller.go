package controllers

import (
	"context"
	"time"

	"github.com/fasthttp/router"
	"github.com/helmsman-ops/helmsman/internal/agent"
	"github.com/helmsman-ops/helmsman/internal/pubsub"
	"github.com/helmsman-ops/helmsman/internal/services/conversation"
	"github.com/helmsman-ops/helmsman/internal/stop"
	"github.com/helmsman-ops/helmsman/internal/tools"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("Controllers")

// ConversationStore is the conversation surface the controllers need.
// Implemented by conversation.ConversationService; tests supply a fake.
type ConversationStore interface {
	Create(ctx context.Context, userID string, title *string) (conversation.Conversation, error)
	Get(ctx context.Context, id string) (conversation.Conversation, error)
	List(ctx context.Context, userID string) ([]conversation.Conversation, error)
	AppendUserMessage(ctx context.Context, conversationID, text string, timestamp int64) error
	UpdateToolSegmentStatus(ctx context.Context, conversationID, callID string, status conversation.ToolStatus, result []conversation.ToolResultBlock, errText string) error
	PendingToolSegments(ctx context.Context, conversationID string) ([]conversation.Segment, error)
}

// AgentDeps is the wiring the agent endpoints need.
type AgentDeps struct {
	Conversations ConversationStore
	Orchestrator  *agent.Orchestrator
	Titles        *agent.TitleGenerator
	Bus           pubsub.Bus
	Stops         *stop.Registry
	Tools         *tools.Client
	Heartbeat     time.Duration
}

func RegisterAgentRoutes(r *router.Router, deps *AgentDeps) {
	registerChatRoute(r, deps)
	registerApprovalRoute(r, deps)
	registerStopRoute(r, deps)
	registerToolsRoute(r, deps)
}
