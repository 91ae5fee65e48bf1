package api

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/helmsman-ops/helmsman/internal/api/authenticator"
	"github.com/helmsman-ops/helmsman/internal/api/controllers"
	"github.com/helmsman-ops/helmsman/internal/services/user"
	"github.com/valyala/fasthttp"
	"go.opentelemetry.io/otel/propagation"
)

var tracePropagator = propagation.TraceContext{}

func (s *Server) initNewRoutes() fasthttp.RequestHandler {
	r := router.New()

	r.GET("/api/health", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		_, _ = ctx.Write([]byte("OK"))
	})

	auth, err := authenticator.New(s.conf)
	if err != nil {
		log.Fatal(err)
	}

	deps := &controllers.AgentDeps{
		Conversations: s.services.Conversation,
		Orchestrator:  s.orchestrator,
		Titles:        s.titles,
		Bus:           s.bus,
		Stops:         s.stops,
		Tools:         s.tools,
		Heartbeat:     time.Duration(s.conf.STREAM_HEARTBEAT_SECONDS) * time.Second,
	}

	controllers.RegisterAgentRoutes(r, deps)
	controllers.RegisterConversationRoutes(r, s.services.Conversation)

	return s.withMiddlewares(r.Handler, auth)
}

func (s *Server) withMiddlewares(next fasthttp.RequestHandler, auth *authenticator.Authenticator) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		applyCORS(ctx)
		if string(ctx.Method()) == fasthttp.MethodOptions {
			ctx.SetStatusCode(fasthttp.StatusNoContent)
			return
		}

		start := time.Now()
		uri := ctx.URI()
		requestURI := string(uri.FullURI())
		slog.Info("Started processing", slog.String("method", string(ctx.Method())), slog.String("request_uri", requestURI))

		h := http.Header{}
		ctx.Request.Header.VisitAll(func(k, v []byte) {
			h[string(k)] = []string{string(v)}
		})
		traceCtx := tracePropagator.Extract(ctx, propagation.HeaderCarrier(h))
		ctx.SetUserValue("traceCtx", traceCtx)

		// Auth check
		if auth.AuthEnabled() && !isPublicRoute(ctx) {
			accessToken := strings.TrimPrefix(string(ctx.Request.Header.Peek("Authorization")), "Bearer ")
			if accessToken == "" {
				accessToken = string(ctx.Request.Header.Cookie("access_token"))
			}

			if accessToken == "" {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				return
			}

			claims, err := auth.VerifyAccessToken(ctx, accessToken)
			if err != nil {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				return
			}

			resolveRole(traceCtx, s.services.User, claims)

			// Store user claims in context for downstream handlers
			ctx.SetUserValue("userClaims", claims)
		}

		next(ctx)

		slog.Info("Finished processing", slog.String("method", string(ctx.Method())), slog.String("request_uri", requestURI), slog.Duration("duration", time.Since(start)))
	}
}

type userDirectory interface {
	GetByID(ctx context.Context, id string) (*user.User, error)
}

// resolveRole replaces the token's role claim with the role stored for the
// user. The database is authoritative; a token cannot self-elevate. Unknown
// users keep the token role so a freshly issued token still works before the
// user row lands.
func resolveRole(ctx context.Context, users userDirectory, claims *authenticator.Claims) {
	u, err := users.GetByID(ctx, claims.UserID)
	if err != nil {
		slog.DebugContext(ctx, "No user row for token subject", slog.String("user_id", claims.UserID), slog.Any("error", err))
		return
	}

	claims.Role = string(u.Role)
}

func applyCORS(ctx *fasthttp.RequestCtx) {
	headers := &ctx.Response.Header
	headers.Set("Access-Control-Allow-Origin", string(ctx.Request.Header.Peek("Origin")))
	headers.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS,PATCH")
	headers.Set("Access-Control-Allow-Headers", os.Getenv("ALLOWED_HEADERS"))
	headers.Set("Access-Control-Allow-Credentials", "true")
}

func isPublicRoute(ctx *fasthttp.RequestCtx) bool {
	return string(ctx.Path()) == "/api/health"
}
