package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"edgecam/internal/control"
	authmw "edgecam/internal/middleware"
	"edgecam/internal/ws"
)

// publicPaths are served without a bearer token
var publicPaths = []string{"/health", "/api/v1/auth/login", "/metrics"}

// serveHTTP serves the control API, metrics and the live cycle stream until
// ctx is cancelled
func (d *daemon) serveHTTP(ctx context.Context) error {
	addr := d.cfg.Control.HTTP.Addr
	logger := d.logger.Named("http")

	mux := goahttp.NewMuxer()

	api := control.NewHTTPServer(d.rc, d.authenticator, d.history, logger)
	api.Mount(mux)
	mux.Handle("GET", "/metrics", d.metrics.Handler().ServeHTTP)
	mux.Handle("GET", "/ws/cycles", ws.NewHandler(d.hub).ServeHTTP)
	mux.Handle("GET", "/snapshot", d.snapshots.SnapshotHandler)
	mux.Handle("GET", "/stream", d.snapshots.ServeHTTP)

	for _, m := range api.Mounts {
		logger.Debugw("HTTP mounted", "method", m.Method, "verb", m.Verb, "pattern", m.Pattern)
	}

	// Middlewares mounted here apply to every route. The outermost runs first.
	var handler http.Handler = mux
	{
		if d.opts.debugHTTP {
			handler = httpmdlwr.Debug(mux, os.Stdout)(handler)
		}
		handler = authmw.AuthMiddleware(d.authenticator, publicPaths...)(handler)
		handler = accessLog(logger)(handler)
		handler = httpmdlwr.RequestID()(handler)
	}

	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	errc := make(chan error, 1)
	go func() {
		logger.Infow("HTTP server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Infow("Shutting down HTTP server", "addr", addr)
	sctx, cancel := shutdownContext()
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warnw("Failed to shut down HTTP server", "error", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// statusRecorder captures the response status for the access log
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps the MJPEG stream working behind the recorder
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades through the recorder
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func accessLog(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			id, _ := r.Context().Value(middleware.RequestIDKey).(string)
			logger.Debugw("HTTP request",
				"id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start),
				"from", r.RemoteAddr,
			)
		})
	}
}
