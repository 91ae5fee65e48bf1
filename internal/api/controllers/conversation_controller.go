package controllers

import (
	"errors"

	"github.com/fasthttp/router"
	"github.com/helmsman-ops/helmsman/internal/perrors"
	"github.com/valyala/fasthttp"
)

type createConversationRequest struct {
	UserID string  `json:"user_id"`
	Title  *string `json:"title"`
}

func RegisterConversationRoutes(r *router.Router, store ConversationStore) {
	// List the caller's conversations
	r.GET("/api/conversations", func(ctx *fasthttp.RequestCtx) {
		stdCtx := requestContext(ctx)
		claims := requestClaims(ctx)

		userID := string(ctx.QueryArgs().Peek("user_id"))
		if claims != nil {
			userID = claims.UserID
		}
		if userID == "" {
			writeError(ctx, stdCtx, "User ID is required", perrors.NewErrInvalidRequest("User ID is required", errors.New("missing user_id")))
			return
		}

		conversations, err := store.List(stdCtx, userID)
		if err != nil {
			writeError(ctx, stdCtx, "Failed to list conversations", err)
			return
		}

		writeOK(ctx, stdCtx, "OK", conversations)
	})

	// Get specific conversation by ID, transcript included
	r.GET("/api/conversations/{conversation_id}", func(ctx *fasthttp.RequestCtx) {
		stdCtx := requestContext(ctx)
		claims := requestClaims(ctx)

		conversationID, err := pathParam(ctx, "conversation_id")
		if err != nil {
			writeError(ctx, stdCtx, "Conversation ID is required", perrors.NewErrInvalidRequest("Conversation ID is required", err))
			return
		}

		conv, err := store.Get(stdCtx, conversationID)
		if err != nil {
			writeError(ctx, stdCtx, "Conversation not found", perrors.NewErrNotFound("Conversation not found", err))
			return
		}

		if !canAccess(claims, &conv) {
			writeError(ctx, stdCtx, "Forbidden", perrors.NewErrForbidden("Forbidden", errors.New("conversation belongs to another user")))
			return
		}

		writeOK(ctx, stdCtx, "OK", conv)
	})

	// Create an empty conversation
	r.POST("/api/conversations", func(ctx *fasthttp.RequestCtx) {
		stdCtx := requestContext(ctx)
		claims := requestClaims(ctx)

		var body createConversationRequest
		if err := parseBody(ctx, &body); err != nil {
			writeError(ctx, stdCtx, "Invalid request body", perrors.NewErrInvalidRequest("Invalid request body", err))
			return
		}

		userID := body.UserID
		if claims != nil {
			userID = claims.UserID
		}
		if userID == "" {
			writeError(ctx, stdCtx, "User ID is required", perrors.NewErrInvalidRequest("User ID is required", errors.New("missing user_id")))
			return
		}

		conv, err := store.Create(stdCtx, userID, body.Title)
		if err != nil {
			writeError(ctx, stdCtx, "Failed to create conversation", err)
			return
		}

		writeOK(ctx, stdCtx, "Conversation created", conv)
	})
}
