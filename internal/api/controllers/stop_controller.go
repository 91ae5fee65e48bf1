package controllers

import (
	"errors"
	"log/slog"

	"github.com/fasthttp/router"
	"github.com/helmsman-ops/helmsman/internal/agent"
	"github.com/helmsman-ops/helmsman/internal/perrors"
	"github.com/valyala/fasthttp"
)

type stopRequest struct {
	RunID          string `json:"run_id"`
	ConversationID string `json:"conversation_id"`
}

// registerStopRoute raises the stop flag for a run. The flag is cooperative:
// the run observes it at its next boundary. Subscribers are told right away
// so clients do not wait out an in-flight generation.
func registerStopRoute(r *router.Router, deps *AgentDeps) {
	r.POST("/api/agent/stop", func(reqCtx *fasthttp.RequestCtx) {
		stdCtx := requestContext(reqCtx)
		stdCtx, span := tracer.Start(stdCtx, "Stop")
		defer span.End()
		claims := requestClaims(reqCtx)

		var body stopRequest
		if err := parseBody(reqCtx, &body); err != nil {
			writeError(reqCtx, stdCtx, "Invalid request body", perrors.NewErrInvalidRequest("Invalid request body", err))
			return
		}

		if body.RunID == "" {
			writeError(reqCtx, stdCtx, "Run ID is required", perrors.NewErrInvalidRequest("Run ID is required", errors.New("missing run_id")))
			return
		}

		if body.ConversationID == "" {
			writeError(reqCtx, stdCtx, "Conversation ID is required", perrors.NewErrInvalidRequest("Conversation ID is required", errors.New("missing conversation_id")))
			return
		}

		conv, err := deps.Conversations.Get(stdCtx, body.ConversationID)
		if err != nil {
			writeError(reqCtx, stdCtx, "Conversation not found", perrors.NewErrNotFound("Conversation not found", err))
			return
		}

		if !canAccess(claims, &conv) {
			writeError(reqCtx, stdCtx, "Forbidden", perrors.NewErrForbidden("Forbidden", errors.New("conversation belongs to another user")))
			return
		}

		if err := deps.Stops.RequestStop(stdCtx, body.RunID); err != nil {
			writeError(reqCtx, stdCtx, "Failed to request stop", err)
			return
		}

		err = deps.Bus.Publish(stdCtx, agent.Channel(body.RunID), agent.EventWorkflowComplete, map[string]any{
			"run_id":          body.RunID,
			"conversation_id": body.ConversationID,
			"status":          agent.StatusStopped,
		})
		if err != nil {
			slog.WarnContext(stdCtx, "Unable to notify subscribers about stop", slog.String("run_id", body.RunID), slog.Any("error", err))
		}

		writeOK(reqCtx, stdCtx, "Stop requested", map[string]any{
			"run_id":  body.RunID,
			"stopped": true,
		})
	})
}
