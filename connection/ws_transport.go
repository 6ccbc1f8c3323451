package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oxtoacart/bpool"
)

// DefaultWriteTimeout bounds a websocket write when ctx has no deadline.
const DefaultWriteTimeout = 10 * time.Second

var bufferPool = bpool.NewBufferPool(64) //nolint:gochecknoglobals

// WSTransport delivers notifications over a websocket connection as
// JSON-RPC 2.0 notifications.
type WSTransport struct {
	Listeners

	ws *websocket.Conn

	writeMu   sync.Mutex
	closed    int32
	closeOnce sync.Once
	closeErr  error
}

// NewWSTransport wraps an established websocket connection.
func NewWSTransport(ws *websocket.Conn) *WSTransport {
	return &WSTransport{
		Listeners: NewListeners(),
		ws:        ws,
	}
}

type rpcNotification struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// Send writes n. A failed write is reported to the error listeners.
func (t *WSTransport) Send(ctx context.Context, n Notification) error {
	err := t.WriteJSON(ctx, rpcNotification{JSONRPC: "2.0", Method: n.Method, Params: n.Params})
	if err != nil && !errors.Is(err, ErrConnectionClosed) && ctx.Err() == nil {
		t.EmitError(err)
	}
	return err
}

// WriteJSON writes v as a single text message.
func (t *WSTransport) WriteJSON(ctx context.Context, v any) error {
	if atomic.LoadInt32(&t.closed) == 1 {
		return ErrConnectionClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("ws.send:ctx.Done: %w", ctx.Err())
	default:
	}

	buf := bufferPool.Get()
	defer bufferPool.Put(buf)
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		return fmt.Errorf("ws.send:encode: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultWriteTimeout)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("ws.send:SetWriteDeadline: %w", err)
	}
	w, err := t.ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return fmt.Errorf("ws.send:NextWriter: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("ws.send:Write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("ws.send:Close: %w", err)
	}
	return nil
}

// ReadLoop passes every text message to handle until the connection ends
// or ctx is done. A clean close by the peer runs the close listeners,
// anything else the error listeners.
func (t *WSTransport) ReadLoop(ctx context.Context, handle func(context.Context, []byte)) {
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	for {
		typ, msg, err := t.ws.ReadMessage()
		if err != nil {
			switch {
			case atomic.LoadInt32(&t.closed) == 1:
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				_ = t.Close()
			default:
				t.EmitError(fmt.Errorf("ws.recv: %w", err))
				_ = t.Close()
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		handle(ctx, msg)
	}
}

// Close sends a close frame, closes the connection and runs the close
// listeners. Only the first call has an effect.
func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		atomic.StoreInt32(&t.closed, 1)
		_ = t.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		if err := t.ws.Close(); err != nil {
			t.closeErr = fmt.Errorf("ws.close: %w", err)
		}
		t.EmitClose()
	})
	return t.closeErr
}
