// Package server exposes the scraper tools over MCP (stdio and streamable
// HTTP), a websocket JSON-RPC endpoint and a plain JSON HTTP API.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/descoped/mcp-web-scraper/connection"
	"github.com/descoped/mcp-web-scraper/log"
	"github.com/descoped/mcp-web-scraper/otel"
	"github.com/descoped/mcp-web-scraper/pool"
	"github.com/descoped/mcp-web-scraper/ratelimit"
	"github.com/descoped/mcp-web-scraper/session"
	"github.com/descoped/mcp-web-scraper/storage"
)

// Notification methods sent to every connection.
const (
	MethodSessionEvicted = "notifications/session_evicted"
)

// Surfaces a connection can attach through.
const (
	SurfaceStdio = "mcp-stdio"
	SurfaceHTTP  = "mcp-http"
	SurfaceWS    = "ws"
)

const broadcastTimeout = 5 * time.Second

// Options configures a Server.
type Options struct {
	Name    string
	Version string
	Addr    string
	// MaxConnections caps simultaneous HTTP connections. Zero is unlimited.
	MaxConnections  int
	ShutdownTimeout time.Duration
	// TrustProxyHeaders takes the client IP from X-Forwarded-For and
	// X-Real-IP. Only enable it behind a proxy that sets them.
	TrustProxyHeaders bool
}

// Deps are the components a Server dispatches to.
type Deps struct {
	Pool        *pool.Pool
	Sessions    *session.Manager
	Limiter     *ratelimit.Limiter
	Connections *connection.Manager
	Tracer      *otel.Tracer
	// Persister stores screenshots. Nil disables saving them.
	Persister storage.FilePersister
}

// Server wires the dispatch facade to the client facing surfaces.
type Server struct {
	opts      Options
	logger    *log.Logger
	startedAt time.Time

	pool       *pool.Pool
	sessions   *session.Manager
	limiter    *ratelimit.Limiter
	conns      *connection.Manager
	tracer     *otel.Tracer
	persister  storage.FilePersister
	dispatcher *Dispatcher

	mcp *mcpserver.MCPServer

	mcpLinksMu sync.Mutex
	mcpLinks   map[string]*mcpLink

	notifying sync.WaitGroup
}

// New returns a server over deps. Idle session evictions are broadcast to
// every connection.
func New(deps Deps, opts Options, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	if opts.Name == "" {
		opts.Name = "mcp-web-scraper"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		opts:       opts,
		logger:     logger,
		startedAt:  time.Now(),
		pool:       deps.Pool,
		sessions:   deps.Sessions,
		limiter:    deps.Limiter,
		conns:      deps.Connections,
		tracer:     deps.Tracer,
		persister:  deps.Persister,
		dispatcher: NewDispatcher(deps.Limiter, deps.Sessions, deps.Tracer, logger),
		mcpLinks:   make(map[string]*mcpLink),
	}
	s.mcp = s.newMCPServer()
	s.sessions.OnEvict(s.onSessionEvicted)

	return s
}

// onSessionEvicted runs inside the eviction, which may be on a request
// path, so the broadcast happens in the background.
func (s *Server) onSessionEvicted(id string) {
	s.tracer.EndSession(id)

	s.notifying.Add(1)
	go func() {
		defer s.notifying.Done()

		ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
		defer cancel()

		res := s.conns.Broadcast(ctx, connection.Notification{
			Method: MethodSessionEvicted,
			Params: map[string]any{"sessionId": id, "reason": "idle"},
		})
		s.logger.Debugf("Server:onSessionEvicted", "sid:%s notified:%d/%d", id, res.Delivered, res.Attempted)
	}()
}

// Drain waits for pending eviction notices to be delivered or time out.
func (s *Server) Drain() {
	s.notifying.Wait()
}

// Invoke runs the tool name with args on behalf of call. call.Tool,
// call.SessionID and call.Stateless are filled in from the tool and args.
func (s *Server) Invoke(ctx context.Context, name string, call Call, args Args) (Result, error) {
	t, ok := tools[name]
	if !ok {
		return Result{}, fmt.Errorf("%q: %w", name, ErrUnknownTool)
	}
	if args == nil {
		args = Args{}
	}
	if err := t.validate(args); err != nil {
		return Result{}, fmt.Errorf("%s: %w", name, err)
	}

	call.Tool = name
	call.Stateless = t.stateless
	if !t.stateless {
		call.SessionID, _ = args.String(argSessionID)
	}
	if call.ConnectionID != "" {
		s.conns.Touch(call.ConnectionID)
	}

	return s.dispatcher.Call(ctx, call, func(ctx context.Context, sess *session.Session) (any, error) {
		return t.run(ctx, s, args, sess)
	})
}

// Stats is a snapshot of every component.
type Stats struct {
	Uptime      string           `json:"uptime"`
	Pool        pool.Stats       `json:"pool"`
	Sessions    int              `json:"sessions"`
	RateLimit   ratelimit.Stats  `json:"rateLimit"`
	Connections connection.Stats `json:"connections"`
	LiveTraces  int              `json:"liveTraces"`
}

// Stats returns a snapshot of every component.
func (s *Server) Stats() Stats {
	return Stats{
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
		Pool:        s.pool.Stats(),
		Sessions:    s.sessions.Count(),
		RateLimit:   s.limiter.Stats(),
		Connections: s.conns.Stats(),
		LiveTraces:  s.tracer.LiveSessions(),
	}
}

type clientKey struct{}

// client is who is calling, as known by the surface the call came through.
type client struct {
	surface    string
	identifier string
	ip         string
}

func withClient(ctx context.Context, c client) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

func clientFromContext(ctx context.Context) client {
	c, _ := ctx.Value(clientKey{}).(client)
	return c
}
