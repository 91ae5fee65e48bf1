package controllers

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/bytedance/sonic"
	"github.com/helmsman-ops/helmsman/internal/agent"
	"github.com/helmsman-ops/helmsman/internal/api/authenticator"
	"github.com/helmsman-ops/helmsman/internal/api/response"
	"github.com/helmsman-ops/helmsman/internal/pubsub"
	"github.com/helmsman-ops/helmsman/internal/services/conversation"
	"github.com/helmsman-ops/helmsman/internal/utils"
	"github.com/valyala/fasthttp"
)

// requestContext returns a baseline context for handlers. fasthttp does not provide
// a standard context, so we start from Background for downstream calls.
func requestContext(_ *fasthttp.RequestCtx) context.Context {
	return context.Background()
}

func parseBody(ctx *fasthttp.RequestCtx, target any) error {
	body := ctx.PostBody()
	if len(body) == 0 {
		return errors.New("request body is empty")
	}

	return json.Unmarshal(body, target)
}

func writeError(ctx *fasthttp.RequestCtx, stdCtx context.Context, message string, err error) {
	response.NewResponse[any](stdCtx, message, nil).WithError(err).Write(ctx)
}

func writeOK(ctx *fasthttp.RequestCtx, stdCtx context.Context, message string, data any) {
	response.NewResponse(stdCtx, message, data).Write(ctx)
}

func pathParam(ctx *fasthttp.RequestCtx, key string) (string, error) {
	val := ctx.UserValue(key)
	if val == nil {
		return "", fmt.Errorf("%s is required", key)
	}

	return fmt.Sprint(val), nil
}

// requestClaims returns the verified identity, or nil when auth is disabled.
func requestClaims(ctx *fasthttp.RequestCtx) *authenticator.Claims {
	claims, _ := ctx.UserValue("userClaims").(*authenticator.Claims)
	return claims
}

// canAccess reports whether the caller may read or write the conversation.
// With auth disabled every request is allowed; admins see everything.
func canAccess(claims *authenticator.Claims, conv *conversation.Conversation) bool {
	if claims == nil {
		return true
	}
	return claims.Role == "admin" || conv.UserID == claims.UserID
}

// streamRun relays a run's event frames to the client as SSE. It writes the
// ready frame, forwards bus frames, emits heartbeats on an idle stream and
// closes after the run's terminal event. The subscription is closed when the
// stream ends.
func streamRun(reqCtx *fasthttp.RequestCtx, sub *pubsub.Subscription, runID, conversationID string, heartbeat time.Duration) {
	reqCtx.Response.Header.Set("Content-Type", "text/event-stream")
	reqCtx.Response.Header.Set("Cache-Control", "no-cache")
	reqCtx.SetStatusCode(fasthttp.StatusOK)

	reqCtx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer sub.Close()
		relayFrames(w, sub, runID, conversationID, heartbeat)
	})
}

// relayFrames pumps subscription frames into the stream until the terminal
// event, the subscription closing, or a write failure. A failed write means
// the client went away; the relay stops so the worker is not kept alive by a
// dead connection.
func relayFrames(w *bufio.Writer, sub *pubsub.Subscription, runID, conversationID string, heartbeat time.Duration) {
	err := writeFrame(w, agent.EventReady, map[string]any{
		"run_id":          runID,
		"conversation_id": conversationID,
		"timestamp":       utils.NowMS(),
	})
	if err != nil {
		return
	}

	var idle <-chan time.Time
	var timer *time.Timer
	if heartbeat > 0 {
		timer = time.NewTimer(heartbeat)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case frame, ok := <-sub.C:
			if !ok {
				return
			}

			if _, err := w.Write(frame.WireForm()); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}

			if agent.IsTerminalEvent(frame.Event) {
				return
			}

			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(heartbeat)
			}

		case <-idle:
			err := writeFrame(w, agent.EventHeartbeat, map[string]any{
				"run_id":          runID,
				"conversation_id": conversationID,
				"timestamp":       utils.NowMS(),
			})
			if err != nil {
				return
			}
			timer.Reset(heartbeat)
		}
	}
}

func writeFrame(w *bufio.Writer, event string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if _, err := w.Write(pubsub.Frame{Event: event, Data: data}.WireForm()); err != nil {
		return err
	}
	return w.Flush()
}
