package controllers

import (
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
	"go.opentelemetry.io/otel/codes"
)

// registerToolsRoute lists the tool catalog so clients can render what the
// agent is able to do, and which calls will need an approval.
func registerToolsRoute(r *router.Router, deps *AgentDeps) {
	r.GET("/api/agent/tools", func(reqCtx *fasthttp.RequestCtx) {
		stdCtx := requestContext(reqCtx)
		stdCtx, span := tracer.Start(stdCtx, "ListTools")
		defer span.End()

		descriptors, err := deps.Tools.ListTools(stdCtx)
		if err != nil {
			writeError(reqCtx, stdCtx, "Failed to list tools", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}

		writeOK(reqCtx, stdCtx, "OK", descriptors)
	})
}
