// Package pool leases a bounded number of browser processes to callers.
//
// A handle is taken from the idle list when possible, otherwise a new
// browser is spawned while the pool is below capacity, otherwise the caller
// waits in a FIFO queue until a handle is released or its timeout expires.
// Released handles are health checked: healthy ones go to the oldest waiter
// or back to the idle list, unhealthy ones are destroyed and their slot is
// given to the oldest waiter, which spawns a replacement itself.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/descoped/mcp-web-scraper/api"
	"github.com/descoped/mcp-web-scraper/log"
)

// Default values for Options.
const (
	DefaultCapacity           = 5
	DefaultAcquireTimeout     = 30 * time.Second
	DefaultHealthCheckTimeout = 5 * time.Second
)

var (
	// ErrPoolExhausted is returned when no handle became available before the
	// acquire timeout. Callers may retry.
	ErrPoolExhausted = errors.New("browser pool exhausted")
	// ErrPoolClosed is returned to waiters drained by Cleanup.
	ErrPoolClosed = errors.New("browser pool closed")
)

// State is the lifecycle state of a Handle.
type State int32

// Handle states.
const (
	StateIdle State = iota
	StateLeased
	StateClosing
	StateDead
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLeased:
		return "leased"
	case StateClosing:
		return "closing"
	case StateDead:
		return "dead"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Handle is a reference to one pooled browser process.
type Handle struct {
	id        string
	browser   api.Browser
	createdAt time.Time
	gen       uint64

	state   atomic.Int32
	healthy atomic.Bool
}

func newHandle(b api.Browser, gen uint64) *Handle {
	h := &Handle{
		id:        uuid.NewString(),
		browser:   b,
		createdAt: time.Now(),
		gen:       gen,
	}
	h.healthy.Store(true)
	h.setState(StateLeased)
	return h
}

// ID returns the handle id.
func (h *Handle) ID() string { return h.id }

// Browser returns the browser the handle refers to.
func (h *Handle) Browser() api.Browser { return h.browser }

// State returns the current state of the handle.
func (h *Handle) State() State { return State(h.state.Load()) }

// Healthy reports the result of the last health check.
func (h *Handle) Healthy() bool { return h.healthy.Load() }

// CreatedAt returns when the browser was spawned.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

func (h *Handle) setState(s State) { h.state.Store(int32(s)) }

// Options configures a Pool.
type Options struct {
	Capacity           int
	AcquireTimeout     time.Duration
	HealthCheckTimeout time.Duration
}

// Stats is a snapshot of the pool counters.
type Stats struct {
	Capacity int `json:"capacity"`
	// Active counts leased handles plus slots reserved for spawns and
	// health checks in progress.
	Active    int   `json:"active"`
	Idle      int   `json:"idle"`
	Waiting   int   `json:"waiting"`
	Spawned   int64 `json:"spawned"`
	Destroyed int64 `json:"destroyed"`
}

// grant is what a waiter receives: a handle, permission to spawn into a
// freed slot, or an error.
type grant struct {
	h     *Handle
	spawn bool
	err   error
}

// Pool is a bounded pool of browser processes.
type Pool struct {
	launcher api.Launcher
	opts     Options
	logger   *log.Logger

	mu      sync.Mutex
	gen     uint64
	idle    []*Handle
	leased  map[string]*Handle
	live    int // idle + leased + reserved slots
	waiters *list.List

	spawned   int64
	destroyed int64
}

// New returns a pool launching browsers with launcher. Zero options take
// their default values.
func New(launcher api.Launcher, opts Options, logger *log.Logger) *Pool {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	if opts.HealthCheckTimeout <= 0 {
		opts.HealthCheckTimeout = DefaultHealthCheckTimeout
	}
	if logger == nil {
		logger = log.NewNullLogger()
	}

	return &Pool{
		launcher: launcher,
		opts:     opts,
		logger:   logger,
		leased:   make(map[string]*Handle),
		waiters:  list.New(),
	}
}

// Capacity returns the maximum number of browsers.
func (p *Pool) Capacity() int { return p.opts.Capacity }

// Acquire leases a handle. A timeout <= 0 uses Options.AcquireTimeout.
// It returns ErrPoolExhausted when the timeout expires, ctx.Err() when ctx
// is done first and the launcher's error when spawning fails.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		timeout = p.opts.AcquireTimeout
	}

	p.mu.Lock()
	if len(p.idle) > 0 {
		h := p.idle[0]
		p.idle = p.idle[1:]
		p.leaseLocked(h)
		p.mu.Unlock()

		p.logger.Debugf("Pool:acquire", "hid:%s reused", h.id)
		return h, nil
	}
	if p.live < p.opts.Capacity {
		p.live++
		gen := p.gen
		p.mu.Unlock()

		return p.spawn(ctx, gen)
	}

	ch := make(chan grant, 1)
	el := p.waiters.PushBack(ch)
	gen := p.gen
	waiting := p.waiters.Len()
	p.mu.Unlock()

	p.logger.Debugf("Pool:acquire", "waiting position:%d timeout:%s", waiting, timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case g := <-ch:
		return p.take(ctx, g, gen)
	case <-timer.C:
		err = ErrPoolExhausted
	case <-ctx.Done():
		err = ctx.Err()
	}

	p.mu.Lock()
	select {
	case g := <-ch:
		// A grant raced in with the timeout. Hand it to someone else.
		p.passBackLocked(g)
	default:
		p.waiters.Remove(el)
	}
	p.mu.Unlock()

	p.logger.Debugf("Pool:acquire", "gave up: %v", err)
	if errors.Is(err, ErrPoolExhausted) {
		return nil, fmt.Errorf("no browser available after %s: %w", timeout, err)
	}
	return nil, err
}

func (p *Pool) take(ctx context.Context, g grant, gen uint64) (*Handle, error) {
	switch {
	case g.err != nil:
		return nil, g.err
	case g.h != nil:
		p.logger.Debugf("Pool:acquire", "hid:%s handed off", g.h.id)
		return g.h, nil
	default:
		return p.spawn(ctx, gen)
	}
}

// spawn launches a browser into a slot already reserved by the caller.
func (p *Pool) spawn(ctx context.Context, gen uint64) (*Handle, error) {
	b, err := p.launcher.Launch(ctx)

	p.mu.Lock()
	if gen != p.gen {
		// Cleanup ran while launching; the slot no longer exists.
		p.mu.Unlock()
		if b != nil {
			p.closeBrowser(b)
		}
		return nil, ErrPoolClosed
	}
	if err != nil {
		p.freeSlotLocked()
		p.mu.Unlock()

		p.logger.Errorf("Pool:spawn", "launching %s: %v", p.launcher.Name(), err)
		return nil, fmt.Errorf("spawning browser: %w", err)
	}
	h := newHandle(b, gen)
	p.leased[h.id] = h
	p.spawned++
	p.mu.Unlock()

	p.logger.Debugf("Pool:spawn", "hid:%s bid:%s", h.id, b.ID())
	return h, nil
}

// Release returns a leased handle to the pool. Handles that are not
// currently leased from this pool are ignored.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}

	p.mu.Lock()
	if p.leased[h.id] != h {
		p.mu.Unlock()
		p.logger.Debugf("Pool:release", "hid:%s not leased, state:%s", h.id, h.State())
		return
	}
	delete(p.leased, h.id)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.HealthCheckTimeout)
	healthy := h.browser.IsConnected(ctx)
	cancel()
	h.healthy.Store(healthy)

	p.mu.Lock()
	if h.gen != p.gen {
		p.mu.Unlock()
		p.destroy(h)
		return
	}
	if !healthy {
		p.destroyed++
		p.freeSlotLocked()
		p.mu.Unlock()

		p.logger.Warnf("Pool:release", "hid:%s unhealthy, destroying", h.id)
		p.destroy(h)
		return
	}
	p.handOffLocked(h)
	p.mu.Unlock()
}

// Cleanup closes every browser, fails all waiters with ErrPoolClosed and
// resets the counters. Leases handed out before Cleanup become invalid.
// The pool can be used again afterwards.
func (p *Pool) Cleanup() error {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.idle)+len(p.leased))
	handles = append(handles, p.idle...)
	for _, h := range p.leased {
		handles = append(handles, h)
	}
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		e.Value.(chan grant) <- grant{err: ErrPoolClosed}
	}
	p.waiters.Init()
	p.idle = nil
	p.leased = make(map[string]*Handle)
	p.live = 0
	p.spawned = 0
	p.destroyed = 0
	p.gen++
	p.mu.Unlock()

	p.logger.Debugf("Pool:cleanup", "closing %d browsers", len(handles))

	var g errgroup.Group
	for _, h := range handles {
		h := h
		h.setState(StateClosing)
		g.Go(func() error {
			defer h.setState(StateDead)
			if err := h.browser.Close(); err != nil {
				return fmt.Errorf("closing browser %s: %w", h.browser.ID(), err)
			}
			return nil
		})
	}

	return g.Wait()
}

// Stats returns a consistent snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Capacity:  p.opts.Capacity,
		Active:    p.live - len(p.idle),
		Idle:      len(p.idle),
		Waiting:   p.waiters.Len(),
		Spawned:   p.spawned,
		Destroyed: p.destroyed,
	}
}

func (p *Pool) leaseLocked(h *Handle) {
	h.setState(StateLeased)
	p.leased[h.id] = h
}

// handOffLocked gives a healthy handle to the oldest waiter, or parks it.
func (p *Pool) handOffLocked(h *Handle) {
	if e := p.waiters.Front(); e != nil {
		p.waiters.Remove(e)
		p.leaseLocked(h)
		e.Value.(chan grant) <- grant{h: h}
		return
	}
	h.setState(StateIdle)
	p.idle = append(p.idle, h)
}

// freeSlotLocked gives a vacated slot to the oldest waiter as permission to
// spawn, or returns it to the pool.
func (p *Pool) freeSlotLocked() {
	if e := p.waiters.Front(); e != nil {
		p.waiters.Remove(e)
		e.Value.(chan grant) <- grant{spawn: true}
		return
	}
	p.live--
}

// passBackLocked forwards a grant received by a waiter that gave up.
func (p *Pool) passBackLocked(g grant) {
	switch {
	case g.h != nil:
		delete(p.leased, g.h.id)
		p.handOffLocked(g.h)
	case g.spawn:
		p.freeSlotLocked()
	}
}

func (p *Pool) destroy(h *Handle) {
	h.setState(StateClosing)
	p.closeBrowser(h.browser)
	h.setState(StateDead)
}

func (p *Pool) closeBrowser(b api.Browser) {
	if err := b.Close(); err != nil {
		p.logger.Warnf("Pool:destroy", "bid:%s closing: %v", b.ID(), err)
	}
}
