package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"
)

func request(method, uri string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	return ctx
}

func TestRouting(t *testing.T) {
	r := New()
	var hit string
	r.GET("/v1/rooms/{rid}/messages", func(ctx *fasthttp.RequestCtx) { hit = "list:" + Param(ctx, "rid") })
	r.POST("/v1/rooms/{rid}/messages", func(ctx *fasthttp.RequestCtx) { hit = "create:" + Param(ctx, "rid") })
	r.GET("/healthz", func(ctx *fasthttp.RequestCtx) { hit = "health" })
	r.NotFound(func(ctx *fasthttp.RequestCtx) {
		hit = "none"
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	})
	h := r.Handler()

	cases := []struct{ method, uri, want string }{
		{"GET", "/v1/rooms/GENERAL/messages", "list:GENERAL"},
		{"POST", "/v1/rooms/r1/messages?x=1", "create:r1"},
		{"GET", "/healthz", "health"},
		{"DELETE", "/healthz", "none"},
		{"GET", "/v1/rooms//messages", "none"},
		{"GET", "/v1/rooms/r1", "none"},
	}
	for _, c := range cases {
		hit = ""
		h(request(c.method, c.uri))
		assert.Equal(t, c.want, hit, "%s %s", c.method, c.uri)
	}
}

func TestMiddlewareOrderAndRoute(t *testing.T) {
	r := New()
	var trail []string
	mw := func(name string) Middleware {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				trail = append(trail, name)
				next(ctx)
			}
		}
	}
	r.Use(mw("outer"), mw("inner"))
	r.GET("/v1/messages/{id}", func(ctx *fasthttp.RequestCtx) { trail = append(trail, "handler") })
	r.Use(func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			r.Match(ctx)
			next(ctx)
		}
	})

	ctx := request("GET", "/v1/messages/m1")
	r.Handler()(ctx)
	assert.Equal(t, []string{"outer", "inner", "handler"}, trail)
	assert.Equal(t, "/v1/messages/{id}", Route(ctx))

	_, ok := r.Match(request("GET", "/nope"))
	assert.False(t, ok)
}
