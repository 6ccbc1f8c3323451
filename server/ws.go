package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/descoped/mcp-web-scraper/connection"
)

// JSON-RPC error codes used on the websocket endpoint.
const (
	rpcParseError     = -32700
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcToolError      = -32000
)

var wsUpgrader = websocket.Upgrader{ //nolint:gochecknoglobals
	ReadBufferSize:  1 << 12,
	WriteBufferSize: 1 << 12,
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type toolCallParams struct {
	Name      string `json:"name"`
	Arguments Args   `json:"arguments"`
}

// handleWS serves JSON-RPC tool calls over a websocket and pushes
// notifications to it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugf("Server:handleWS", "upgrade: %v", err)
		return
	}

	t := connection.NewWSTransport(ws)
	c := s.conns.CreateConnection(t, SurfaceWS)
	if ua := r.UserAgent(); ua != "" {
		s.conns.SetClientVersion(c.ID, ua)
	}
	ip := remoteIP(r)

	ctx := withClient(r.Context(), client{surface: SurfaceWS, identifier: ip, ip: ip})
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.logger.Debugf("Server:handleWS", "cid:%s connected from %s", c.ID, ip)
	t.ReadLoop(ctx, func(ctx context.Context, msg []byte) {
		go s.handleRPC(ctx, t, c.ID, msg)
	})
	s.logger.Debugf("Server:handleWS", "cid:%s disconnected", c.ID)
}

func (s *Server) handleRPC(ctx context.Context, t *connection.WSTransport, connID string, msg []byte) {
	var req rpcRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		s.reply(ctx, t, rpcResponse{Error: &rpcError{Code: rpcParseError, Message: err.Error()}})
		return
	}
	// Notifications get no reply.
	if len(req.ID) == 0 {
		return
	}

	resp := rpcResponse{ID: req.ID}
	switch req.Method {
	case "ping":
		resp.Result = struct{}{}
	case "tools/list":
		resp.Result = map[string]any{"tools": toolNames()}
	case "tools/call":
		var p toolCallParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Name == "" {
			resp.Error = &rpcError{Code: rpcInvalidParams, Message: "params must carry a tool name"}
			break
		}
		cl := clientFromContext(ctx)
		res, err := s.Invoke(ctx, p.Name, Call{
			ConnectionID: connID,
			Identifier:   cl.identifier,
			IP:           cl.ip,
		}, p.Arguments)
		if err != nil {
			resp.Error = &rpcError{
				Code:    rpcToolError,
				Message: err.Error(),
				Data:    NewErrorBody(err, time.Now()),
			}
			break
		}
		resp.Result = toolResponse{SessionID: res.SessionID, Result: res.Value}
	default:
		resp.Error = &rpcError{Code: rpcMethodNotFound, Message: "unknown method " + req.Method}
	}

	s.reply(ctx, t, resp)
}

func (s *Server) reply(ctx context.Context, t *connection.WSTransport, resp rpcResponse) {
	resp.JSONRPC = "2.0"
	if resp.ID == nil {
		resp.ID = json.RawMessage("null")
	}
	if err := t.WriteJSON(ctx, resp); err != nil {
		s.logger.Debugf("Server:reply", "%v", err)
	}
}
