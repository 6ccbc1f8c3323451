package pool

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/descoped/mcp-web-scraper/api"
	"github.com/descoped/mcp-web-scraper/api/apitest"
	"github.com/descoped/mcp-web-scraper/log"
)

func newTestPool(t *testing.T, capacity int) (*Pool, *apitest.Launcher) {
	t.Helper()

	l := apitest.NewLauncher()
	p := New(l, Options{
		Capacity:           capacity,
		AcquireTimeout:     time.Second,
		HealthCheckTimeout: 100 * time.Millisecond,
	}, log.NewNullLogger())
	t.Cleanup(func() { _ = p.Cleanup() })

	return p, l
}

func waitForWaiters(t *testing.T, p *Pool, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.Stats().Waiting == n
	}, time.Second, time.Millisecond)
}

func fake(h *Handle) *apitest.Browser {
	return h.Browser().(*apitest.Browser) //nolint:forcetypeassert
}

func TestPoolAcquireReusesIdle(t *testing.T) {
	t.Parallel()

	p, l := newTestPool(t, 2)
	ctx := context.Background()

	h1, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, StateLeased, h1.State())
	p.Release(h1)
	assert.Equal(t, StateIdle, h1.State())

	h2, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, 1, l.Launched())

	assert.Equal(t, Stats{Capacity: 2, Active: 1, Spawned: 1}, p.Stats())
}

func TestPoolCapacityInvariant(t *testing.T) {
	t.Parallel()

	const capacity = 3
	p, _ := newTestPool(t, capacity)

	var (
		wg       sync.WaitGroup
		stop     = make(chan struct{})
		violated atomic.Int64
	)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			s := p.Stats()
			if s.Active+s.Idle > capacity {
				violated.Add(1)
			}
		}
	}()

	for i := 0; i < 16; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(i))) //nolint:gosec
			for j := 0; j < 25; j++ {
				h, err := p.Acquire(context.Background(), 2*time.Second)
				if err != nil {
					continue
				}
				time.Sleep(time.Duration(rnd.Intn(300)) * time.Microsecond)
				if rnd.Intn(5) == 0 {
					fake(h).SetHealthy(false)
				}
				p.Release(h)
			}
		}()
	}
	wg.Wait()
	close(stop)

	assert.Zero(t, violated.Load())
	s := p.Stats()
	assert.LessOrEqual(t, s.Active+s.Idle, capacity)
	assert.Zero(t, s.Active, "every lease was released")
	assert.Zero(t, s.Waiting)
}

func TestPoolUnhealthyReleaseDestroys(t *testing.T) {
	t.Parallel()

	p, l := newTestPool(t, 1)
	ctx := context.Background()

	h1, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	fake(h1).SetHealthy(false)

	p.Release(h1)
	assert.Equal(t, StateDead, h1.State())
	assert.False(t, h1.Healthy())
	assert.True(t, fake(h1).Closed())

	s := p.Stats()
	assert.Zero(t, s.Idle, "unhealthy handles never become idle")
	assert.Zero(t, s.Active)
	assert.Equal(t, int64(1), s.Destroyed)

	h2, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.NotEqual(t, h1.ID(), h2.ID())
	assert.Equal(t, 2, l.Launched())
}

func TestPoolUnhealthyReleaseLetsWaiterSpawn(t *testing.T) {
	t.Parallel()

	p, l := newTestPool(t, 1)
	ctx := context.Background()

	h1, err := p.Acquire(ctx, 0)
	require.NoError(t, err)

	got := make(chan *Handle, 1)
	go func() {
		h, err := p.Acquire(ctx, 2*time.Second)
		assert.NoError(t, err)
		got <- h
	}()
	waitForWaiters(t, p, 1)

	fake(h1).SetHealthy(false)
	p.Release(h1)

	h2 := <-got
	require.NotNil(t, h2)
	assert.NotEqual(t, h1.ID(), h2.ID())
	assert.Equal(t, 2, l.Launched())
	assert.Equal(t, 1, p.Stats().Active)
}

func TestPoolFIFO(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	h, err := p.Acquire(ctx, 0)
	require.NoError(t, err)

	order := make(chan string, 3)
	handles := make(chan *Handle, 3)
	for i, name := range []string{"first", "second", "third"} {
		name := name
		go func() {
			h, err := p.Acquire(ctx, 2*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			order <- name
			handles <- h
		}()
		waitForWaiters(t, p, i+1)
	}

	p.Release(h)
	for i := 0; i < 3; i++ {
		next := <-handles
		assert.Same(t, h, next, "the handle is handed off, not respawned")
		p.Release(next)
	}

	assert.Equal(t, "first", <-order)
	assert.Equal(t, "second", <-order)
	assert.Equal(t, "third", <-order)
}

func TestPoolAcquireTimeout(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	h, err := p.Acquire(ctx, 0)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Zero(t, p.Stats().Waiting, "timed out waiters remove themselves")

	// The handle goes idle since nobody is waiting anymore.
	p.Release(h)
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestPoolAcquireCanceled(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 1)

	_, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, time.Minute)
		errc <- err
	}()
	waitForWaiters(t, p, 1)
	cancel()

	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Zero(t, p.Stats().Waiting)
}

func TestPoolSpawnFailurePropagates(t *testing.T) {
	t.Parallel()

	p, l := newTestPool(t, 1)
	l.FailNext(apitest.ErrLaunchFailed)

	_, err := p.Acquire(context.Background(), 0)
	assert.ErrorIs(t, err, apitest.ErrLaunchFailed)
	assert.Zero(t, p.Stats().Active, "the reserved slot is given back")

	l.FailNext(nil)
	h, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestPoolReleaseTwiceIgnored(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 2)

	h, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)

	p.Release(h)
	p.Release(h)
	p.Release(nil)

	assert.Equal(t, 1, p.Stats().Idle)
	assert.Zero(t, p.Stats().Active)
}

func TestPoolCleanup(t *testing.T) {
	t.Parallel()

	p, l := newTestPool(t, 1)
	ctx := context.Background()

	h, err := p.Acquire(ctx, 0)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, time.Minute)
		errc <- err
	}()
	waitForWaiters(t, p, 1)

	require.NoError(t, p.Cleanup())
	assert.ErrorIs(t, <-errc, ErrPoolClosed)
	assert.True(t, fake(h).Closed())
	assert.Equal(t, StateDead, h.State())
	assert.Equal(t, Stats{Capacity: 1}, p.Stats())

	// Releasing a lease from before the cleanup is ignored.
	p.Release(h)
	assert.Equal(t, Stats{Capacity: 1}, p.Stats())

	// The pool is usable again.
	h2, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.NotEqual(t, h.ID(), h2.ID())
	assert.Equal(t, 2, l.Launched())
}

func TestPoolCleanupReportsCloseErrors(t *testing.T) {
	t.Parallel()

	p := New(errLauncher{}, Options{Capacity: 1}, nil)
	_, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)

	assert.ErrorIs(t, p.Cleanup(), errClose)
}

var errClose = errors.New("close failed")

type errLauncher struct{}

func (errLauncher) Name() string { return "err" }

func (errLauncher) Launch(context.Context) (api.Browser, error) {
	return errBrowser{}, nil
}

type errBrowser struct{}

func (errBrowser) ID() string                                { return "err" }
func (errBrowser) NewPage(context.Context) (api.Page, error) { return nil, errClose }
func (errBrowser) IsConnected(context.Context) bool          { return true }
func (errBrowser) Close() error                              { return errClose }
