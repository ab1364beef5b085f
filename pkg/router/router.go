// Package router is a small method+path router for fasthttp with {name}
// path parameters. The matched pattern is kept on the request so
// middleware can label metrics by route instead of by raw path.
package router

import (
	"strings"

	"github.com/valyala/fasthttp"
)

const routeKey = "router.route"

// Middleware wraps a handler.
type Middleware func(fasthttp.RequestHandler) fasthttp.RequestHandler

type Router struct {
	routes   map[string][]route
	notFound fasthttp.RequestHandler
	mw       []Middleware
}

type route struct {
	pattern  string
	segments []segment
	handler  fasthttp.RequestHandler
}

type segment struct {
	name    string
	isParam bool
}

func New() *Router {
	return &Router{routes: make(map[string][]route)}
}

// Use appends middleware. The first added is the outermost.
func (r *Router) Use(mw ...Middleware) {
	r.mw = append(r.mw, mw...)
}

// Handler returns the routing handler wrapped in the registered middleware.
func (r *Router) Handler() fasthttp.RequestHandler {
	h := fasthttp.RequestHandler(r.dispatch)
	for i := len(r.mw) - 1; i >= 0; i-- {
		h = r.mw[i](h)
	}
	return h
}

func (r *Router) dispatch(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	if rt, values, ok := r.lookup(string(ctx.Method()), path); ok {
		for k, v := range values {
			ctx.SetUserValue(k, v)
		}
		rt.handler(ctx)
		return
	}
	if r.notFound != nil {
		r.notFound(ctx)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNotFound)
}

// Match resolves the pattern a request will be routed to and records it
// on ctx. It reports false when no route matches.
func (r *Router) Match(ctx *fasthttp.RequestCtx) (string, bool) {
	rt, _, ok := r.lookup(string(ctx.Method()), string(ctx.Path()))
	if !ok {
		return "", false
	}
	ctx.SetUserValue(routeKey, rt.pattern)
	return rt.pattern, true
}

func (r *Router) lookup(method, path string) (route, map[string]string, bool) {
	for _, rt := range r.routes[method] {
		if values, ok := match(path, rt.segments); ok {
			return rt, values, true
		}
	}
	return route{}, nil, false
}

// Route returns the pattern recorded by Match, or "".
func Route(ctx *fasthttp.RequestCtx) string {
	s, _ := ctx.UserValue(routeKey).(string)
	return s
}

// Param returns a path parameter of the matched route.
func Param(ctx *fasthttp.RequestCtx, name string) string {
	s, _ := ctx.UserValue(name).(string)
	return s
}

func (r *Router) GET(path string, h fasthttp.RequestHandler)    { r.add(fasthttp.MethodGet, path, h) }
func (r *Router) POST(path string, h fasthttp.RequestHandler)   { r.add(fasthttp.MethodPost, path, h) }
func (r *Router) PUT(path string, h fasthttp.RequestHandler)    { r.add(fasthttp.MethodPut, path, h) }
func (r *Router) DELETE(path string, h fasthttp.RequestHandler) { r.add(fasthttp.MethodDelete, path, h) }

// NotFound registers a handler for unmatched routes.
func (r *Router) NotFound(h fasthttp.RequestHandler) {
	r.notFound = h
}

func (r *Router) add(method, path string, h fasthttp.RequestHandler) {
	r.routes[method] = append(r.routes[method], route{pattern: path, segments: parse(path), handler: h})
}

func parse(path string) []segment {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	segs := make([]segment, len(parts))
	for i, part := range parts {
		if len(part) > 2 && strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			segs[i] = segment{name: part[1 : len(part)-1], isParam: true}
		} else {
			segs[i] = segment{name: part}
		}
	}
	return segs
}

func match(path string, segs []segment) (map[string]string, bool) {
	path = strings.TrimPrefix(path, "/")
	var parts []string
	if path != "" {
		parts = strings.Split(path, "/")
	}
	if len(parts) != len(segs) {
		return nil, false
	}
	values := make(map[string]string)
	for i, seg := range segs {
		if seg.isParam {
			if parts[i] == "" {
				return nil, false
			}
			values[seg.name] = parts[i]
			continue
		}
		if seg.name != parts[i] {
			return nil, false
		}
	}
	return values, true
}
