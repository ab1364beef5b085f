package app

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"
)

const (
	readBufferSize       = 64 * 1024
	maxRequestBodySize   = 5 * 1024 * 1024
	readTimeout          = 10 * time.Second
	writeTimeout         = 10 * time.Second
	idleTimeout          = 30 * time.Second
	maxKeepaliveDuration = 2 * time.Minute
)

func (a *App) newServer() *fasthttp.Server {
	return &fasthttp.Server{
		Name:                 "roomlog",
		Handler:              a.api.Handler(),
		ReadBufferSize:       readBufferSize,
		MaxRequestBodySize:   maxRequestBodySize,
		ReduceMemoryUsage:    true,
		ReadTimeout:          readTimeout,
		WriteTimeout:         writeTimeout,
		IdleTimeout:          idleTimeout,
		MaxKeepaliveDuration: maxKeepaliveDuration,
	}
}

// startHTTP builds and starts the fasthttp server, returning a channel that
// delivers its terminal error. TLS is left to a fronting proxy.
func (a *App) startHTTP(_ context.Context) <-chan error {
	a.srvFast = a.newServer()
	errCh := make(chan error, 1)
	srv := a.srvFast
	go func() {
		errCh <- srv.ListenAndServe(a.eff.Addr)
	}()
	return errCh
}
