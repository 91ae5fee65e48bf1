package controllers

import (
	"context"
	"errors"

	"github.com/fasthttp/router"
	"github.com/helmsman-ops/helmsman/internal/agent"
	"github.com/helmsman-ops/helmsman/internal/perrors"
	"github.com/helmsman-ops/helmsman/internal/services/conversation"
	"github.com/helmsman-ops/helmsman/internal/utils"
	"github.com/valyala/fasthttp"
	"go.opentelemetry.io/otel/codes"
)

type approvalRequest struct {
	ConversationID string `json:"conversation_id"`
	Approve        bool   `json:"approve"`
}

// registerApprovalRoute resolves a suspended tool call. A decision starts a
// fresh run that recovers the pending calls from the transcript, applies the
// decision and continues the loop, streaming the new run's events.
func registerApprovalRoute(r *router.Router, deps *AgentDeps) {
	r.POST("/api/agent/approvals/{call_id}", func(reqCtx *fasthttp.RequestCtx) {
		stdCtx := requestContext(reqCtx)
		stdCtx, span := tracer.Start(stdCtx, "Approval")
		claims := requestClaims(reqCtx)

		callID, err := pathParam(reqCtx, "call_id")
		if err != nil {
			writeError(reqCtx, stdCtx, "Call ID is required", perrors.NewErrInvalidRequest("Call ID is required", err))
			span.End()
			return
		}

		var body approvalRequest
		if err := parseBody(reqCtx, &body); err != nil {
			writeError(reqCtx, stdCtx, "Invalid request body", perrors.NewErrInvalidRequest("Invalid request body", err))
			span.End()
			return
		}

		if body.ConversationID == "" {
			writeError(reqCtx, stdCtx, "Conversation ID is required", perrors.NewErrInvalidRequest("Conversation ID is required", errors.New("missing conversation_id")))
			span.End()
			return
		}

		conv, err := deps.Conversations.Get(stdCtx, body.ConversationID)
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

		pending, err := deps.Conversations.PendingToolSegments(stdCtx, conv.ID)
		if err != nil {
			writeError(reqCtx, stdCtx, "Failed to load pending tool calls", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return
		}

		known := false
		for _, seg := range pending {
			if seg.CallID == callID {
				known = true
				break
			}
		}
		if !known {
			writeError(reqCtx, stdCtx, "No pending tool call with this ID", perrors.NewErrNotFound("No pending tool call with this ID", errors.New("unknown call_id")))
			span.End()
			return
		}

		// Record a denial immediately so the decision survives even if the
		// resume run never gets off the ground.
		if !body.Approve {
			if err := deps.Conversations.UpdateToolSegmentStatus(stdCtx, conv.ID, callID, conversation.StatusDenied, nil, ""); err != nil {
				writeError(reqCtx, stdCtx, "Failed to record denial", err)
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				span.End()
				return
			}
		}

		runID := utils.NewID()

		sub, err := deps.Bus.Subscribe(stdCtx, agent.Channel(runID))
		if err != nil {
			writeError(reqCtx, stdCtx, "Failed to subscribe to run events", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return
		}

		go deps.Orchestrator.Run(context.WithoutCancel(stdCtx), &agent.RunInput{
			RunID:                runID,
			ConversationID:       conv.ID,
			PendingTools:         pending,
			ApprovalDecisions:    map[string]bool{callID: body.Approve},
			SuppressPendingEvent: true,
		})

		span.End()
		streamRun(reqCtx, sub, runID, conv.ID, deps.Heartbeat)
	})
}
