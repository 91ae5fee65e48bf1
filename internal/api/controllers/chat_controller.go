package controllers

import (
	"context"
	"errors"
	"strings"

	"github.com/fasthttp/router"
	"github.com/helmsman-ops/helmsman/internal/agent"
	"github.com/helmsman-ops/helmsman/internal/perrors"
	"github.com/helmsman-ops/helmsman/internal/services/conversation"
	"github.com/helmsman-ops/helmsman/internal/utils"
	"github.com/valyala/fasthttp"
	"go.opentelemetry.io/otel/codes"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	ConversationID string        `json:"conversation_id"`
	UserID         string        `json:"user_id"`
	Messages       []chatMessage `json:"messages"`
}

// lastUserMessage returns the text of the trailing user message, which is
// the new turn. Earlier entries are client-side context; the transcript is
// authoritative for history.
func (r *chatRequest) lastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return strings.TrimSpace(r.Messages[i].Content)
		}
	}
	return ""
}

// registerChatRoute handles one user turn: persist the message, spawn the
// run and stream its events back over SSE.
func registerChatRoute(r *router.Router, deps *AgentDeps) {
	r.POST("/api/agent/chat", func(reqCtx *fasthttp.RequestCtx) {
		stdCtx := requestContext(reqCtx)
		stdCtx, span := tracer.Start(stdCtx, "Chat")
		claims := requestClaims(reqCtx)

		var body chatRequest
		if err := parseBody(reqCtx, &body); err != nil {
			writeError(reqCtx, stdCtx, "Invalid request body", perrors.NewErrInvalidRequest("Invalid request body", err))
			span.End()
			return
		}

		message := body.lastUserMessage()
		if message == "" {
			writeError(reqCtx, stdCtx, "A user message is required", perrors.NewErrInvalidRequest("A user message is required", errors.New("no user message in request")))
			span.End()
			return
		}

		userID := body.UserID
		if claims != nil {
			userID = claims.UserID
		}

		var conv conversation.Conversation
		var err error

		if body.ConversationID != "" {
			conv, err = deps.Conversations.Get(stdCtx, body.ConversationID)
			if err != nil {
				writeError(reqCtx, stdCtx, "Conversation not found", perrors.NewErrNotFound("Conversation not found", err))
				span.End()
				return
			}

			if !canAccess(claims, &conv) {
				writeError(reqCtx, stdCtx, "Forbidden", perrors.NewErrForbidden("Forbidden", errors.New("conversation belongs to another user")))
				span.End()
				return
			}
		} else {
			// Every conversation needs an owner, with or without auth.
			if userID == "" {
				writeError(reqCtx, stdCtx, "User ID is required", perrors.NewErrInvalidRequest("User ID is required", errors.New("missing user_id")))
				span.End()
				return
			}

			conv, err = deps.Conversations.Create(stdCtx, userID, nil)
			if err != nil {
				writeError(reqCtx, stdCtx, "Failed to create conversation", err)
				span.End()
				return
			}
		}

		if err := deps.Conversations.AppendUserMessage(stdCtx, conv.ID, message, utils.NowMS()); err != nil {
			writeError(reqCtx, stdCtx, "Failed to save message", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return
		}

		// Name the conversation off its first message, in the background.
		if conv.Title == nil {
			go deps.Titles.Generate(context.WithoutCancel(stdCtx), conv.ID, message)
		}

		runID := utils.NewID()

		// Subscribe before the run starts so no events are missed.
		sub, err := deps.Bus.Subscribe(stdCtx, agent.Channel(runID))
		if err != nil {
			writeError(reqCtx, stdCtx, "Failed to subscribe to run events", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return
		}

		// The run must outlive the HTTP request; a dropped stream does not
		// cancel it.
		go deps.Orchestrator.Run(context.WithoutCancel(stdCtx), &agent.RunInput{
			RunID:          runID,
			ConversationID: conv.ID,
		})

		span.End()
		streamRun(reqCtx, sub, runID, conv.ID, deps.Heartbeat)
	})
}
