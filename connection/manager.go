package connection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/guregu/null.v3"

	"github.com/descoped/mcp-web-scraper/log"
)

// Connection states. A connection never leaves StateClosed.
const (
	StateOpen int64 = iota
	StateClosing
	StateClosed
)

// Connection is one attached client transport.
type Connection struct {
	ID string
	// Server names the surface the client attached through.
	Server    string
	CreatedAt time.Time

	transport Transport
	state     int64

	mu            sync.RWMutex
	clientVersion null.String
	lastSeen      time.Time
}

// State returns the lifecycle state of the connection.
func (c *Connection) State() int64 {
	return atomic.LoadInt64(&c.state)
}

// Transport returns the transport the connection was created with.
func (c *Connection) Transport() Transport {
	return c.transport
}

// ClientVersion returns the version reported by the client, if any.
func (c *Connection) ClientVersion() null.String {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientVersion
}

// LastSeen returns when the client was last active.
func (c *Connection) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

// BroadcastResult reports the outcome of a broadcast. Errors is keyed by
// connection id.
type BroadcastResult struct {
	Attempted int
	Delivered int
	Failed    int
	Errors    map[string]error
}

// Stats describes the open connections.
type Stats struct {
	Count  int       `json:"count"`
	IDs    []string  `json:"ids"`
	Oldest time.Time `json:"oldest,omitempty"`
	Newest time.Time `json:"newest,omitempty"`
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager tracks client connections independently of browsers and
// sessions.
type Manager struct {
	logger *log.Logger
	now    func() time.Time

	mu          sync.RWMutex
	connections map[string]*Connection
}

// NewManager returns an empty connection manager.
func NewManager(logger *log.Logger, options ...Option) *Manager {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	m := &Manager{
		logger:      logger,
		now:         time.Now,
		connections: make(map[string]*Connection),
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// CreateConnection registers t under a new id. The connection is removed
// when t closes or fails; handlers t already had keep running first.
func (m *Manager) CreateConnection(t Transport, server string) *Connection {
	now := m.now()
	c := &Connection{
		ID:        uuid.NewString(),
		Server:    server,
		CreatedAt: now,
		transport: t,
		lastSeen:  now,
	}

	m.mu.Lock()
	m.connections[c.ID] = c
	m.mu.Unlock()

	t.OnClose(func() {
		m.logger.Debugf("Connection:onClose", "cid:%s", c.ID)
		m.cleanup(c, false)
	})
	t.OnError(func(err error) {
		m.logger.Warnf("Connection:onError", "cid:%s %v", c.ID, err)
		m.cleanup(c, true)
	})

	m.logger.Debugf("Connection:create", "cid:%s server:%s", c.ID, server)

	return c
}

// Get returns the open connection with id.
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[id]
	return c, ok
}

// All returns the open connections, oldest first.
func (m *Manager) All() []*Connection {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool {
		if conns[i].CreatedAt.Equal(conns[j].CreatedAt) {
			return conns[i].ID < conns[j].ID
		}
		return conns[i].CreatedAt.Before(conns[j].CreatedAt)
	})

	return conns
}

// Remove closes and forgets the connection with id. Removing an unknown or
// already removed connection is a no-op.
func (m *Manager) Remove(id string) {
	m.mu.RLock()
	c, ok := m.connections[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.cleanup(c, true)
}

// Touch records activity on the connection with id.
func (m *Manager) Touch(id string) {
	if c, ok := m.Get(id); ok {
		c.mu.Lock()
		c.lastSeen = m.now()
		c.mu.Unlock()
	}
}

// SetClientVersion records the version the client reported.
func (m *Manager) SetClientVersion(id, version string) {
	if c, ok := m.Get(id); ok {
		c.mu.Lock()
		c.clientVersion = null.NewString(version, version != "")
		c.mu.Unlock()
	}
}

// Broadcast sends n to every open connection concurrently and returns once
// every send has settled. A failed send does not affect the others.
func (m *Manager) Broadcast(ctx context.Context, n Notification) BroadcastResult {
	conns := m.All()
	res := BroadcastResult{
		Attempted: len(conns),
		Errors:    make(map[string]error),
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, c := range conns {
		c := c
		g.Go(func() error {
			err := c.transport.Send(ctx, n)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				res.Errors[c.ID] = err
				m.logger.Warnf("Connection:broadcast", "cid:%s method:%s %v", c.ID, n.Method, err)
				return nil
			}
			res.Delivered++
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Debugf("Connection:broadcast", "method:%s delivered:%d failed:%d",
		n.Method, res.Delivered, res.Failed)

	return res
}

// Stats returns the connection count, ids and creation time range.
func (m *Manager) Stats() Stats {
	conns := m.All()
	st := Stats{Count: len(conns), IDs: make([]string, 0, len(conns))}
	for _, c := range conns {
		st.IDs = append(st.IDs, c.ID)
	}
	if len(conns) > 0 {
		st.Oldest = conns[0].CreatedAt
		st.Newest = conns[len(conns)-1].CreatedAt
	}
	return st
}

// CloseAll removes every connection.
func (m *Manager) CloseAll() {
	for _, c := range m.All() {
		m.cleanup(c, true)
	}
}

// cleanup runs at most once per connection, whichever of Remove, the
// transport's close or its error gets there first.
func (m *Manager) cleanup(c *Connection, closeTransport bool) {
	if !atomic.CompareAndSwapInt64(&c.state, StateOpen, StateClosing) {
		return
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	if closeTransport {
		if err := c.transport.Close(); err != nil {
			m.logger.Debugf("Connection:cleanup", "cid:%s closing transport: %v", c.ID, err)
		}
	}

	atomic.StoreInt64(&c.state, StateClosed)
	m.logger.Debugf("Connection:cleanup", "cid:%s", c.ID)
}

// String implements fmt.Stringer.
func (c *Connection) String() string {
	return fmt.Sprintf("connection %s (%s)", c.ID, c.Server)
}
