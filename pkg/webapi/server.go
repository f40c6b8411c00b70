// Package webapi implements the read-only introspection surface over a
// Registry: health, a machine listing, and a single-machine lookup.
// Grounded on pkg/web/fast_router.go's path-matching and JSON-response
// idiom, stripped of that package's Vertx/EventBus actor-runtime coupling
// since this module's registry is plain goroutines and channels, not an
// actor framework.
package webapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/quadgate/stateforge/pkg/corelog"
	"github.com/quadgate/stateforge/pkg/registry"
)

// Server is a minimal fasthttp-backed read-only API over a Registry.
type Server struct {
	reg     *registry.Registry
	logger  corelog.Logger
	addr    string
	srv     *fasthttp.Server
	metrics fasthttp.RequestHandler
}

// New builds a Server bound to reg, listening on addr once Start is called.
// Metrics are served from promHandler (pass promhttp.Handler() for the
// default registry, or nil to disable /metrics).
func New(reg *registry.Registry, addr string, logger corelog.Logger, promHandler http.Handler) *Server {
	if logger == nil {
		logger = corelog.NewDefaultLogger()
	}
	s := &Server{reg: reg, addr: addr, logger: logger}
	if promHandler != nil {
		s.metrics = fasthttpadaptor.NewFastHTTPHandler(promHandler)
	}
	s.srv = &fasthttp.Server{
		Handler:               s.handle,
		NoDefaultServerHeader: true,
	}
	return s
}

// Start blocks serving HTTP on the configured address.
func (s *Server) Start() error {
	s.logger.Infof("webapi: listening on %s", s.addr)
	return s.srv.ListenAndServe(s.addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	method := string(ctx.Method())
	path := string(ctx.Path())

	switch {
	case method == "GET" && path == "/healthz":
		s.healthz(ctx)
	case method == "GET" && path == "/metrics":
		if s.metrics == nil {
			ctx.Error(`{"error":"metrics disabled"}`, fasthttp.StatusNotFound)
			return
		}
		s.metrics(ctx)
	case method == "GET" && path == "/machines":
		s.listMachines(ctx)
	case method == "GET" && strings.HasPrefix(path, "/machines/"):
		s.getMachine(ctx, strings.TrimPrefix(path, "/machines/"))
	default:
		ctx.Error(`{"error":"not found"}`, fasthttp.StatusNotFound)
	}
}

func (s *Server) healthz(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
		"status":        "ok",
		"residentCount": s.reg.Size(),
	})
}

func (s *Server) listMachines(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, s.reg.List())
}

func (s *Server) getMachine(ctx *fasthttp.RequestCtx, id string) {
	if id == "" {
		ctx.Error(`{"error":"missing machine id"}`, fasthttp.StatusBadRequest)
		return
	}
	m, ok := s.reg.Get(id)
	if !ok {
		writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
			"id":       id,
			"resident": false,
			"status":   string(s.reg.Status(ctx, id)),
		})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
		"id":       m.ID(),
		"resident": true,
		"state":    string(m.CurrentState()),
		"complete": m.IsComplete(),
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v interface{}) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, err := json.Marshal(v)
	if err != nil {
		ctx.Error(`{"error":"encode failure"}`, fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetBody(data)
}
