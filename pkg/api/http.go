// Package api serves the message collection over HTTP. Request and
// response bodies are relaxed Extended JSON.
package api

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"roomlog/pkg/chat"
	"roomlog/pkg/logger"
	"roomlog/pkg/messages"
	"roomlog/pkg/metrics"
	"roomlog/pkg/models"
	"roomlog/pkg/router"
)

// UndeliveredLister lists events whose dispatch never committed.
type UndeliveredLister interface {
	Undelivered(ctx context.Context, olderThan time.Time, limit int) ([]models.RoomEvent, error)
}

// PressureSensor reports storage pressure for readiness.
type PressureSensor interface {
	Pressure() bool
}

// Deps are the collaborators of the HTTP surface. Chat, Log and Sensor may
// be nil; without Chat, room counters are not maintained.
type Deps struct {
	Messages *messages.Collection
	Chat     *chat.Messages
	Log      UndeliveredLister
	Sensor   PressureSensor
	Version  string
	RPS      float64
	Burst    int
}

type Server struct {
	deps    Deps
	r       *router.Router
	limiter *limiterPool
	done    chan struct{}
}

func New(deps Deps) *Server {
	if deps.RPS <= 0 {
		deps.RPS = 1000
	}
	if deps.Burst <= 0 {
		deps.Burst = int(deps.RPS)
	}
	s := &Server{
		deps:    deps,
		r:       router.New(),
		limiter: newLimiterPool(deps.RPS, deps.Burst),
		done:    make(chan struct{}),
	}
	s.r.Use(s.observe, s.limiter.rateLimit)
	s.RegisterRoutes(s.r)
	s.r.NotFound(func(ctx *fasthttp.RequestCtx) {
		writeError(ctx, fasthttp.StatusNotFound, "not found")
	})
	go s.limiter.cleanupLoop(s.done, time.Minute)
	return s
}

// RegisterRoutes wires all routes onto r.
func (s *Server) RegisterRoutes(r *router.Router) {
	r.GET("/healthz", s.healthz)
	r.GET("/readyz", s.readyz)

	r.POST("/v1/rooms/{rid}/messages", s.createMessage)
	r.GET("/v1/rooms/{rid}/messages", s.listRoomMessages)
	r.GET("/v1/rooms/{rid}/trash", s.listRoomTrash)
	r.GET("/v1/rooms/{rid}/count", s.roomCount)
	r.DELETE("/v1/rooms/{rid}/messages", s.purgeRoom)

	r.GET("/v1/messages/{id}", s.getMessage)
	r.PUT("/v1/messages/{id}", s.updateMessage)
	r.DELETE("/v1/messages/{id}", s.deleteMessage)
	r.POST("/v1/messages/query", s.queryMessages)
	r.GET("/v1/trash/messages/{id}", s.getTrashedMessage)
	r.PUT("/v1/messages/{id}/pin", s.pinMessage)
	r.PUT("/v1/messages/{id}/hidden", s.hideMessage)

	r.GET("/admin/undelivered", s.listUndelivered)
	r.GET("/admin/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()))
}

// Handler returns the fasthttp handler with middleware applied.
func (s *Server) Handler() fasthttp.RequestHandler {
	return s.r.Handler()
}

// Close stops background maintenance.
func (s *Server) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// observe logs the request and counts it by route and status class.
func (s *Server) observe(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		logger.LogRequestFast(ctx)
		route, ok := s.r.Match(ctx)
		if !ok {
			route = "unmatched"
		}
		next(ctx)
		class := strconv.Itoa(ctx.Response.StatusCode()/100) + "xx"
		metrics.HTTPRequests.WithLabelValues(route, class).Inc()
	}
}

func (s *Server) healthz(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	_, _ = ctx.WriteString(`{"status":"ok"}`)
}

func (s *Server) readyz(ctx *fasthttp.RequestCtx) {
	if s.deps.Sensor != nil && s.deps.Sensor.Pressure() {
		writeError(ctx, fasthttp.StatusServiceUnavailable, "disk pressure")
		return
	}
	ver := s.deps.Version
	if ver == "" {
		ver = "dev"
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	_, _ = ctx.WriteString(`{"status":"ok","version":"` + ver + `"}`)
}
