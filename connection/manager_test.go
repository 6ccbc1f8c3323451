package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/descoped/mcp-web-scraper/log"
)

var errSend = errors.New("send failed")

type fakeTransport struct {
	Listeners

	fail error

	mu     sync.Mutex
	sent   []Notification
	closes int
}

func newFakeTransport(fail error) *fakeTransport {
	return &fakeTransport{Listeners: NewListeners(), fail: fail}
}

func (f *fakeTransport) Send(_ context.Context, n Notification) error {
	if f.fail != nil {
		return f.fail
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.EmitClose()
	return nil
}

func (f *fakeTransport) Sent() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notification{}, f.sent...)
}

func TestManagerBroadcastIsolatesFailures(t *testing.T) {
	t.Parallel()

	m := NewManager(log.NewNullLogger())
	var (
		transports []*fakeTransport
		failing    *Connection
	)
	for i := 0; i < 5; i++ {
		var fail error
		if i == 2 {
			fail = errSend
		}
		ft := newFakeTransport(fail)
		transports = append(transports, ft)
		if c := m.CreateConnection(ft, "test"); fail != nil {
			failing = c
		}
	}

	n := Notification{Method: "notifications/message", Params: map[string]any{"level": "info"}}
	res := m.Broadcast(context.Background(), n)

	assert.Equal(t, 5, res.Attempted)
	assert.Equal(t, 4, res.Delivered)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	for id, err := range res.Errors {
		assert.ErrorIs(t, err, errSend)
		assert.NotEmpty(t, id)
	}
	for i, ft := range transports {
		if i == 2 {
			assert.Empty(t, ft.Sent())
			continue
		}
		assert.Equal(t, []Notification{n}, ft.Sent())
	}
	_, ok := res.Errors[failing.ID]
	assert.True(t, ok)
}

func TestManagerBroadcastNoConnections(t *testing.T) {
	t.Parallel()

	res := NewManager(nil).Broadcast(context.Background(), Notification{Method: "x"})
	assert.Zero(t, res.Attempted)
	assert.Empty(t, res.Errors)
}

func TestManagerRemoveIsIdempotent(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	ft := newFakeTransport(nil)
	c := m.CreateConnection(ft, "test")

	m.Remove(c.ID)
	m.Remove(c.ID)
	m.Remove("unknown")

	_, ok := m.Get(c.ID)
	assert.False(t, ok)
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1, ft.closes)
}

func TestManagerListenerChaining(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	ft := newFakeTransport(nil)

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	ft.OnClose(func() { record("close:before") })
	ft.OnError(func(error) { record("error:before") })

	c := m.CreateConnection(ft, "test")
	ft.OnClose(func() { record("close:after") })

	ft.EmitError(errSend)
	ft.EmitClose()
	ft.EmitClose()

	_, ok := m.Get(c.ID)
	assert.False(t, ok)
	assert.Equal(t, StateClosed, c.State())
	// The error cleanup closes the transport once, the later close events
	// find the connection already gone.
	assert.Equal(t, 1, ft.closes)
	assert.Equal(t, []string{
		"error:before",
		"close:before", "close:after",
		"close:before", "close:after",
		"close:before", "close:after",
	}, order)
}

func TestManagerTransportCloseRemovesConnection(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	ft := newFakeTransport(nil)
	c := m.CreateConnection(ft, "test")
	require.Equal(t, StateOpen, c.State())

	ft.EmitClose()

	_, ok := m.Get(c.ID)
	assert.False(t, ok)
	assert.Equal(t, StateClosed, c.State())
	assert.Zero(t, ft.closes)
}

func TestManagerStats(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager(nil, WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))
	assert.Equal(t, Stats{IDs: []string{}}, m.Stats())

	a := m.CreateConnection(newFakeTransport(nil), "mcp-http")
	b := m.CreateConnection(newFakeTransport(nil), "ws")
	m.SetClientVersion(a.ID, "1.2.3")
	m.Touch(b.ID)

	st := m.Stats()
	assert.Equal(t, 2, st.Count)
	assert.Equal(t, []string{a.ID, b.ID}, st.IDs)
	assert.Equal(t, a.CreatedAt, st.Oldest)
	assert.Equal(t, b.CreatedAt, st.Newest)
	assert.Equal(t, "1.2.3", a.ClientVersion().ValueOrZero())
	assert.False(t, b.ClientVersion().Valid)
	assert.True(t, b.LastSeen().After(b.CreatedAt))

	m.CloseAll()
	assert.Zero(t, m.Stats().Count)
}

func TestEventEmitterDropsDoneHandlers(t *testing.T) {
	t.Parallel()

	e := NewEventEmitter()
	ctx, cancel := context.WithCancel(context.Background())

	var got []string
	e.On(ctx, []string{EventClose}, func(ev Event) { got = append(got, "scoped:"+ev.Type) })
	e.On(context.Background(), []string{EventClose, EventError}, func(ev Event) { got = append(got, "any:"+ev.Type) })

	e.Emit(Event{Type: EventClose})
	cancel()
	e.Emit(Event{Type: EventClose})
	e.Emit(Event{Type: EventError})

	assert.Equal(t, []string{"scoped:close", "any:close", "any:close", "any:error"}, got)
}

func TestWSTransport(t *testing.T) {
	t.Parallel()

	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close() //nolint:errcheck
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		received <- string(msg)
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	tr := NewWSTransport(ws)
	m := NewManager(nil)
	c := m.CreateConnection(tr, "ws")

	err = tr.Send(context.Background(), Notification{
		Method: "notifications/session_evicted",
		Params: map[string]any{"sessionId": "s1"},
	})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.JSONEq(t,
			`{"jsonrpc":"2.0","method":"notifications/session_evicted","params":{"sessionId":"s1"}}`,
			msg)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not received")
	}

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	_, ok := m.Get(c.ID)
	assert.False(t, ok)
	assert.ErrorIs(t, tr.Send(context.Background(), Notification{Method: "x"}), ErrConnectionClosed)
}
