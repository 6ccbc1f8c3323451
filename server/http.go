package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/oxtoacart/bpool"
	"golang.org/x/net/netutil"

	"github.com/descoped/mcp-web-scraper/ratelimit"
)

// HeaderConnectionID lets plain HTTP clients name the connection their
// calls count against.
const HeaderConnectionID = "X-Connection-ID"

const maxBodySize = 1 << 20

var bufPool = bpool.NewBufferPool(64) //nolint:gochecknoglobals

// Handler returns the HTTP surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	if s.opts.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(chimw.Recoverer)
	r.Use(s.loggingMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/ws", s.handleWS)
	r.Post("/v1/tools/{name}", s.handleToolCall)

	streamable := mcpserver.NewStreamableHTTPServer(s.mcp,
		mcpserver.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			ip := remoteIP(r)
			return withClient(ctx, client{surface: SurfaceHTTP, identifier: ip, ip: ip})
		}),
	)
	r.Handle("/mcp", streamable)

	return r
}

// ListenAndServe serves Handler on the configured address until ctx is
// done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.opts.Addr, err)
	}
	if s.opts.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.opts.MaxConnections)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Infof("Server:ListenAndServe", "listening on %s", ln.Addr())

	select {
	case err := <-errc:
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debugf("Server:http", "%s %s status:%d elapsed:%s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Stats())
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var args Args
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err == nil && len(body) > 0 {
		err = json.Unmarshal(body, &args)
	}
	if err != nil {
		s.writeError(w, fmt.Errorf("reading arguments: %v: %w", err, ErrInvalidArgument), nil)
		return
	}

	ip := remoteIP(r)
	res, err := s.Invoke(r.Context(), name, Call{
		ConnectionID: r.Header.Get(HeaderConnectionID),
		Identifier:   ip,
		IP:           ip,
	}, args)
	if res.RequestID != "" {
		w.Header().Set(chimw.RequestIDHeader, res.RequestID)
	}
	if err != nil {
		s.writeError(w, err, res.RateLimit.Headers)
		return
	}

	setHeaders(w, res.RateLimit.Headers)
	s.writeJSON(w, http.StatusOK, toolResponse{SessionID: res.SessionID, Result: res.Value})
}

func (s *Server) writeError(w http.ResponseWriter, err error, headers map[string]string) {
	status := StatusFor(err)
	setHeaders(w, headers)
	if status == http.StatusTooManyRequests && w.Header().Get(ratelimit.HeaderRetryAfter) == "" {
		w.Header().Set(ratelimit.HeaderRetryAfter, "1")
	}
	s.logger.Debugf("Server:writeError", "status:%d %v", status, err)
	s.writeJSON(w, status, NewErrorBody(err, time.Now()))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	buf := bufPool.Get()
	defer bufPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		s.logger.Errorf("Server:writeJSON", "encoding response: %v", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := buf.WriteTo(w); err != nil {
		s.logger.Debugf("Server:writeJSON", "writing response: %v", err)
	}
}

func setHeaders(w http.ResponseWriter, headers map[string]string) {
	for k, v := range headers {
		w.Header().Set(k, v)
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
