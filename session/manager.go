package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/descoped/mcp-web-scraper/log"
	"github.com/descoped/mcp-web-scraper/pool"
)

// Default values for Options.
const (
	DefaultIdleTimeout   = 5 * time.Minute
	DefaultSweepInterval = 30 * time.Second
	DefaultForgetAfter   = time.Hour
)

// Leaser hands out pooled browsers.
type Leaser interface {
	Acquire(ctx context.Context, timeout time.Duration) (*pool.Handle, error)
	Release(h *pool.Handle)
}

// Options configures a Manager.
type Options struct {
	// IdleTimeout is how long a session may go unused before it is evicted.
	IdleTimeout time.Duration
	// SweepInterval is how often Run looks for idle sessions.
	SweepInterval time.Duration
	// AcquireTimeout is passed to the pool when creating a session. Zero
	// uses the pool's default.
	AcquireTimeout time.Duration
	// ForgetAfter is how long the id of a closed or evicted session keeps
	// answering ErrSessionNotFound instead of starting a new session.
	ForgetAfter time.Duration
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces the clock used for activity tracking.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns every session. Each session leases one browser from the
// pool for its whole life.
type Manager struct {
	pool   Leaser
	opts   Options
	logger *log.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	ended    map[string]time.Time

	creating singleflight.Group

	evictMu sync.RWMutex
	onEvict []func(id string)
}

// NewManager returns a session manager leasing browsers from p.
func NewManager(p Leaser, opts Options, logger *log.Logger, options ...Option) *Manager {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.ForgetAfter <= 0 {
		opts.ForgetAfter = DefaultForgetAfter
	}
	if logger == nil {
		logger = log.NewNullLogger()
	}

	m := &Manager{
		pool:     p,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
		ended:    make(map[string]time.Time),
	}
	for _, o := range options {
		o(m)
	}

	return m
}

// OnEvict registers fn to be called with the id of every session closed for
// being idle. Listeners run in registration order.
func (m *Manager) OnEvict(fn func(id string)) {
	m.evictMu.Lock()
	defer m.evictMu.Unlock()
	m.onEvict = append(m.onEvict, fn)
}

// Create starts a session under a new random id.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	return m.CreateWithID(ctx, uuid.NewString())
}

// CreateWithID starts a session under id. It fails with ErrSessionExists if
// the id is taken.
func (m *Manager) CreateWithID(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	_, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return nil, fmt.Errorf("%q: %w", id, ErrSessionExists)
	}

	h, err := m.pool.Acquire(ctx, m.opts.AcquireTimeout)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	page, err := h.Browser().NewPage(ctx)
	if err != nil {
		m.pool.Release(h)
		return nil, fmt.Errorf("creating session: %w", err)
	}

	s := newSession(id, h, page, m.now())

	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		_ = m.dispose(s)
		return nil, fmt.Errorf("%q: %w", id, ErrSessionExists)
	}
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Debugf("Session:create", "sid:%s hid:%s", id, h.ID())

	return s, nil
}

// Get returns the session with id. A session found idle past the timeout
// is evicted and reported as not found.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrSessionNotFound)
	}
	if m.evictIfIdle(s) {
		return nil, fmt.Errorf("%q: %w", id, ErrSessionNotFound)
	}

	return s, nil
}

// GetOrCreate returns the session with id, creating it when absent.
// Concurrent calls for the same id create a single session. An empty id
// creates a session under a new random id. The id of a closed or evicted
// session is not reused: it fails with ErrSessionNotFound.
func (m *Manager) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return m.Create(ctx)
	}
	if s, err := m.Get(id); err == nil {
		return s, nil
	}
	if m.isEnded(id) {
		return nil, fmt.Errorf("%q: %w", id, ErrSessionNotFound)
	}

	// The creation is shared by every caller joined on id, so it must not
	// stop when the caller that started it goes away. The pool acquire
	// timeout bounds it.
	shared := context.WithoutCancel(ctx)
	ch := m.creating.DoChan(id, func() (any, error) {
		if s, err := m.Get(id); err == nil {
			return s, nil
		}
		return m.CreateWithID(shared, id)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for session %q: %w", id, ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err //nolint:wrapcheck
		}
		return r.Val.(*Session), nil //nolint:forcetypeassert
	}
}

// Do runs fn on the session with id, creating the session when absent.
// Calls on the same session run one at a time in arrival order.
func (m *Manager) Do(ctx context.Context, id string, fn func(context.Context, *Session) error) error {
	s, err := m.GetOrCreate(ctx, id)
	if err != nil {
		return err
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for session %q: %w", s.ID, err)
	}
	defer s.sem.Release(1)

	if s.isClosed() {
		return fmt.Errorf("%q: %w", s.ID, ErrSessionClosed)
	}

	s.touch(m.now())
	defer func() { s.touch(m.now()) }()

	return fn(ctx, s)
}

// Close closes the session with id, waiting for a running operation to
// finish first. Closing an unknown id is a no-op.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		m.ended[id] = m.now()
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	// Wait for the running operation even if ctx is done.
	_ = s.sem.Acquire(context.WithoutCancel(ctx), 1)
	defer s.sem.Release(1)

	m.logger.Debugf("Session:close", "sid:%s", id)

	return m.dispose(s)
}

// CloseAll closes every session concurrently.
func (m *Manager) CloseAll(ctx context.Context) error {
	var g errgroup.Group
	for _, id := range m.ids() {
		id := id
		g.Go(func() error { return m.Close(ctx, id) })
	}
	return g.Wait()
}

// List describes the live sessions, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})

	return infos
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep evicts every session idle past the timeout and returns their ids.
// Sessions running an operation are skipped. Ended ids older than
// ForgetAfter are forgotten.
func (m *Manager) Sweep() []string {
	now := m.now()

	m.mu.Lock()
	var candidates []*Session
	for _, s := range m.sessions {
		if s.idleSince(now) > m.opts.IdleTimeout {
			candidates = append(candidates, s)
		}
	}
	for id, at := range m.ended {
		if now.Sub(at) > m.opts.ForgetAfter {
			delete(m.ended, id)
		}
	}
	m.mu.Unlock()

	var evicted []string
	for _, s := range candidates {
		if m.evictIfIdle(s) {
			evicted = append(evicted, s.ID)
		}
	}
	sort.Strings(evicted)

	return evicted
}

// Run sweeps idle sessions every SweepInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ids := m.Sweep(); len(ids) > 0 {
				m.logger.Infof("Session:sweep", "evicted %d idle sessions", len(ids))
			}
		}
	}
}

// evictIfIdle closes s if it is idle past the timeout and not busy.
func (m *Manager) evictIfIdle(s *Session) bool {
	if s.idleSince(m.now()) <= m.opts.IdleTimeout {
		return false
	}
	if !s.sem.TryAcquire(1) {
		return false
	}
	defer s.sem.Release(1)

	// Activity is only recorded while holding the semaphore, so this check
	// is stable.
	if s.idleSince(m.now()) <= m.opts.IdleTimeout {
		return false
	}

	m.mu.Lock()
	owned := m.sessions[s.ID] == s
	if owned {
		delete(m.sessions, s.ID)
		m.ended[s.ID] = m.now()
	}
	m.mu.Unlock()
	if !owned {
		return false
	}

	m.logger.Debugf("Session:evict", "sid:%s idle:%s", s.ID, s.idleSince(m.now()))
	if err := m.dispose(s); err != nil {
		m.logger.Warnf("Session:evict", "sid:%s %v", s.ID, err)
	}

	m.evictMu.RLock()
	listeners := append([]func(string){}, m.onEvict...)
	m.evictMu.RUnlock()
	for _, fn := range listeners {
		fn(s.ID)
	}

	return true
}

func (m *Manager) isEnded(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	at, ok := m.ended[id]
	return ok && m.now().Sub(at) <= m.opts.ForgetAfter
}

// dispose closes the tab and returns the browser to the pool.
func (m *Manager) dispose(s *Session) error {
	s.markClosed()
	err := s.page.Close()
	m.pool.Release(s.handle)
	if err != nil {
		return fmt.Errorf("closing page of session %q: %w", s.ID, err)
	}
	return nil
}

func (m *Manager) ids() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}
