package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"
	"sync"
	"sync/atomic"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/descoped/mcp-web-scraper/connection"
)

const instructions = "Browser automation tools backed by a pool of headless Chrome instances. " +
	"Each call runs in a session that keeps its page between calls. Pass the session_id " +
	"returned by your first call to keep working on the same page, and call close_session " +
	"when you are done. Idle sessions are closed automatically."

const notificationTimeout = 2 * time.Second

func (s *Server) newMCPServer() *mcpserver.MCPServer {
	hooks := &mcpserver.Hooks{}
	hooks.AddOnRegisterSession(s.onRegisterSession)
	hooks.AddOnUnregisterSession(s.onUnregisterSession)
	hooks.AddAfterInitialize(func(ctx context.Context, _ any, req *gomcp.InitializeRequest, _ *gomcp.InitializeResult) {
		cs := mcpserver.ClientSessionFromContext(ctx)
		if cs == nil {
			return
		}
		if id := s.connectionID(cs.SessionID()); id != "" {
			ci := req.Params.ClientInfo
			s.conns.SetClientVersion(id, ci.Name+"/"+ci.Version)
		}
	})

	m := mcpserver.NewMCPServer(
		s.opts.Name,
		s.opts.Version,
		mcpserver.WithInstructions(instructions),
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithHooks(hooks),
	)
	for _, name := range toolNames() {
		t := tools[name]
		m.AddTool(mcpTool(t), s.mcpHandler(t))
	}

	return m
}

func mcpTool(t *tool) gomcp.Tool {
	opts := []gomcp.ToolOption{
		gomcp.WithDescription(t.description),
		gomcp.WithReadOnlyHintAnnotation(t.readOnly),
	}
	if !t.stateless {
		opts = append(opts, gomcp.WithString(argSessionID,
			gomcp.Description("Session to run in. Omit to start a new session."),
		))
	}
	for _, p := range t.params {
		popts := []gomcp.PropertyOption{gomcp.Description(p.description)}
		if p.required {
			popts = append(popts, gomcp.Required())
		}
		switch p.kind {
		case paramString:
			opts = append(opts, gomcp.WithString(p.name, popts...))
		case paramBool:
			opts = append(opts, gomcp.WithBoolean(p.name, popts...))
		}
	}
	return gomcp.NewTool(t.name, opts...)
}

func (s *Server) mcpHandler(t *tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		call := Call{}
		if cs := mcpserver.ClientSessionFromContext(ctx); cs != nil {
			call.ConnectionID = s.connectionID(cs.SessionID())
		}
		cl := clientFromContext(ctx)
		call.IP = cl.ip
		call.Identifier = cl.identifier
		if call.Identifier == "" {
			call.Identifier = call.ConnectionID
		}

		res, err := s.Invoke(ctx, t.name, call, Args(req.GetArguments()))
		if err != nil {
			body, merr := json.Marshal(NewErrorBody(err, time.Now()))
			if merr != nil {
				return nil, fmt.Errorf("encoding error body: %w", merr)
			}
			return gomcp.NewToolResultError(string(body)), nil
		}

		if shot, ok := res.Value.(Screenshot); ok {
			meta, err := json.Marshal(map[string]string{"sessionId": res.SessionID, "path": shot.Path})
			if err != nil {
				return nil, fmt.Errorf("encoding screenshot result: %w", err)
			}
			return gomcp.NewToolResultImage(string(meta), base64.StdEncoding.EncodeToString(shot.Data), shot.MIMEType), nil
		}

		text, err := json.Marshal(toolResponse{SessionID: res.SessionID, Result: res.Value})
		if err != nil {
			return nil, fmt.Errorf("encoding %s result: %w", t.name, err)
		}
		return gomcp.NewToolResultText(string(text)), nil
	}
}

type toolResponse struct {
	SessionID string `json:"sessionId,omitempty"`
	Result    any    `json:"result"`
}

// mcpLink ties an MCP client session to its connection.
type mcpLink struct {
	connectionID string
	transport    *mcpTransport
}

func (s *Server) onRegisterSession(ctx context.Context, cs mcpserver.ClientSession) {
	surface := clientFromContext(ctx).surface
	if surface == "" {
		surface = SurfaceHTTP
	}

	t := newMCPTransport(cs)
	c := s.conns.CreateConnection(t, surface)

	s.mcpLinksMu.Lock()
	s.mcpLinks[cs.SessionID()] = &mcpLink{connectionID: c.ID, transport: t}
	s.mcpLinksMu.Unlock()

	s.logger.Debugf("Server:onRegisterSession", "mcp:%s cid:%s", cs.SessionID(), c.ID)
}

func (s *Server) onUnregisterSession(_ context.Context, cs mcpserver.ClientSession) {
	s.mcpLinksMu.Lock()
	link, ok := s.mcpLinks[cs.SessionID()]
	delete(s.mcpLinks, cs.SessionID())
	s.mcpLinksMu.Unlock()
	if !ok {
		return
	}

	_ = link.transport.Close()
	s.logger.Debugf("Server:onUnregisterSession", "mcp:%s cid:%s", cs.SessionID(), link.connectionID)
}

func (s *Server) connectionID(mcpSessionID string) string {
	s.mcpLinksMu.Lock()
	defer s.mcpLinksMu.Unlock()
	if link, ok := s.mcpLinks[mcpSessionID]; ok {
		return link.connectionID
	}
	return ""
}

// mcpTransport delivers notifications through an MCP client session.
type mcpTransport struct {
	connection.Listeners

	session   mcpserver.ClientSession
	closed    atomic.Bool
	closeOnce sync.Once
}

func newMCPTransport(cs mcpserver.ClientSession) *mcpTransport {
	return &mcpTransport{Listeners: connection.NewListeners(), session: cs}
}

func (t *mcpTransport) Send(ctx context.Context, n connection.Notification) error {
	if t.closed.Load() {
		return connection.ErrConnectionClosed
	}

	msg := gomcp.JSONRPCNotification{
		JSONRPC: gomcp.JSONRPC_VERSION,
		Notification: gomcp.Notification{
			Method: n.Method,
			Params: gomcp.NotificationParams{AdditionalFields: n.Params},
		},
	}

	timer := time.NewTimer(notificationTimeout)
	defer timer.Stop()

	select {
	case t.session.NotificationChannel() <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mcp.send:ctx.Done: %w", ctx.Err())
	case <-timer.C:
		err := fmt.Errorf("mcp.send: client %s is not reading notifications", t.session.SessionID())
		t.EmitError(err)
		return err
	}
}

func (t *mcpTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.EmitClose()
	})
	return nil
}

// ServeStdio serves MCP over in and out until ctx is done or in is closed.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := mcpserver.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(stdlog.New(s.logger.WriterLevel(logrus.ErrorLevel), "", 0))

	ctx = withClient(ctx, client{surface: SurfaceStdio, identifier: "stdio"})
	s.logger.Infof("Server:ServeStdio", "serving MCP on stdio")

	if err := stdio.Listen(ctx, in, out); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serving stdio: %w", err)
	}
	return nil
}
