package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/descoped/mcp-web-scraper/api/apitest"
	"github.com/descoped/mcp-web-scraper/log"
	"github.com/descoped/mcp-web-scraper/pool"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	launcher *apitest.Launcher
	pool     *pool.Pool
	manager  *Manager
	clock    *clock
}

func newEnv(t *testing.T, capacity int) *env {
	t.Helper()

	e := &env{
		launcher: apitest.NewLauncher(),
		clock:    newClock(),
	}
	e.pool = pool.New(e.launcher, pool.Options{
		Capacity:       capacity,
		AcquireTimeout: time.Second,
	}, log.NewNullLogger())
	e.manager = NewManager(e.pool, Options{
		IdleTimeout:    time.Minute,
		AcquireTimeout: 50 * time.Millisecond,
	}, log.NewNullLogger(), WithClock(e.clock.Now))
	t.Cleanup(func() {
		_ = e.manager.CloseAll(context.Background())
		_ = e.pool.Cleanup()
	})

	return e
}

func TestManagerCreateAndGet(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 2)
	ctx := context.Background()

	s, err := e.manager.Create(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, pool.StateLeased, s.Handle().State())

	got, err := e.manager.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = e.manager.Get("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = e.manager.CreateWithID(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionExists)
	assert.Equal(t, 1, e.pool.Stats().Active, "a duplicate id does not keep a lease")
}

func TestManagerSessionState(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 1)

	s, err := e.manager.Create(context.Background())
	require.NoError(t, err)

	s.AppendHistory("https://a.example")
	s.AppendHistory("https://b.example")
	h := s.History()
	h[0] = "mutated"
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, s.History())

	assert.False(t, s.ConsentHandled())
	s.MarkConsentHandled()
	assert.True(t, s.ConsentHandled())
}

func TestManagerDoSerializesPerSession(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 2)
	ctx := context.Background()

	var (
		inflight atomic.Int64
		overlap  atomic.Bool
		calls    atomic.Int64
	)
	e.launcher.PageHook = func(string) {
		if inflight.Add(1) > 1 {
			overlap.Store(true)
		}
		calls.Add(1)
		time.Sleep(time.Millisecond)
		inflight.Add(-1)
	}

	s, err := e.manager.Create(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := e.manager.Do(ctx, s.ID, func(ctx context.Context, s *Session) error {
				_, err := s.Page().Navigate(ctx, "https://example.com")
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, overlap.Load(), "operations on one session interleaved")
	assert.Equal(t, int64(20), calls.Load())
}

func TestManagerDoProgramOrder(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 1)
	ctx := context.Background()

	s, err := e.manager.Create(ctx)
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		order   []string
		gate    = make(chan struct{})
		entered = make(chan struct{})
	)
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, name)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.manager.Do(ctx, s.ID, func(context.Context, *Session) error {
			record("navigate:start")
			close(entered)
			<-gate
			record("navigate:end")
			return nil
		})
	}()
	<-entered

	second := make(chan struct{})
	go func() {
		defer close(second)
		_ = e.manager.Do(ctx, s.ID, func(context.Context, *Session) error {
			record("click")
			return nil
		})
	}()

	time.Sleep(10 * time.Millisecond)
	close(gate)
	<-done
	<-second

	assert.Equal(t, []string{"navigate:start", "navigate:end", "click"}, order)
}

func TestManagerSessionsRunInParallel(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 2)
	ctx := context.Background()

	var both sync.WaitGroup
	both.Add(2)
	errc := make(chan error, 2)
	for _, id := range []string{"a", "b"} {
		id := id
		go func() {
			errc <- e.manager.Do(ctx, id, func(context.Context, *Session) error {
				both.Done()
				// Both sessions must be inside at the same time.
				waited := make(chan struct{})
				go func() { both.Wait(); close(waited) }()
				select {
				case <-waited:
					return nil
				case <-time.After(time.Second):
					return context.DeadlineExceeded
				}
			})
		}()
	}

	assert.NoError(t, <-errc)
	assert.NoError(t, <-errc)
	assert.Equal(t, 2, e.launcher.Launched())
}

func TestManagerGetOrCreateConcurrent(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 3)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		sessions = make([]*Session, 10)
	)
	for i := range sessions {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := e.manager.GetOrCreate(ctx, "shared")
			assert.NoError(t, err)
			sessions[i] = s
		}()
	}
	wg.Wait()

	for _, s := range sessions {
		assert.Same(t, sessions[0], s)
	}
	assert.Equal(t, 1, e.manager.Count())
	assert.Equal(t, 1, e.launcher.Launched())
}

func TestManagerCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 1)
	ctx := context.Background()

	s, err := e.manager.Create(ctx)
	require.NoError(t, err)
	page := s.Page().(*apitest.Page) //nolint:forcetypeassert

	require.NoError(t, e.manager.Close(ctx, s.ID))
	assert.True(t, page.Closed())
	assert.Equal(t, 1, e.pool.Stats().Idle)

	assert.NoError(t, e.manager.Close(ctx, s.ID))
	assert.NoError(t, e.manager.Close(ctx, "never-existed"))
	assert.Equal(t, pool.Stats{Capacity: 1, Idle: 1, Spawned: 1}, e.pool.Stats())

	_, err = e.manager.Get(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerCloseWaitsForRunningOperation(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 1)
	ctx := context.Background()

	s, err := e.manager.Create(ctx)
	require.NoError(t, err)
	page := s.Page().(*apitest.Page) //nolint:forcetypeassert

	entered := make(chan struct{})
	release := make(chan struct{})
	var closedDuringOp atomic.Bool
	go func() {
		_ = e.manager.Do(ctx, s.ID, func(context.Context, *Session) error {
			close(entered)
			<-release
			closedDuringOp.Store(page.Closed())
			return nil
		})
	}()
	<-entered

	closed := make(chan error, 1)
	go func() { closed <- e.manager.Close(ctx, s.ID) }()

	time.Sleep(10 * time.Millisecond)
	close(release)
	require.NoError(t, <-closed)

	assert.False(t, closedDuringOp.Load())
	assert.True(t, page.Closed())
}

func TestManagerIdleEviction(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 1)
	ctx := context.Background()

	var evicted []string
	e.manager.OnEvict(func(id string) { evicted = append(evicted, id) })

	s, err := e.manager.Create(ctx)
	require.NoError(t, err)

	e.clock.Advance(30 * time.Second)
	assert.Empty(t, e.manager.Sweep())

	e.clock.Advance(31 * time.Second)
	assert.Equal(t, []string{s.ID}, e.manager.Sweep())
	assert.Equal(t, []string{s.ID}, evicted)
	assert.Zero(t, e.manager.Count())

	// The handle is acquirable again without spawning.
	s2, err := e.manager.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.Handle().ID(), s2.Handle().ID())
	assert.Equal(t, 1, e.launcher.Launched())
}

func TestManagerActivityPostponesEviction(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 1)
	ctx := context.Background()

	s, err := e.manager.Create(ctx)
	require.NoError(t, err)

	e.clock.Advance(50 * time.Second)
	require.NoError(t, e.manager.Do(ctx, s.ID, func(context.Context, *Session) error { return nil }))

	e.clock.Advance(50 * time.Second)
	assert.Empty(t, e.manager.Sweep())
	assert.Equal(t, e.clock.Now().Add(-50*time.Second), s.LastActivity())
}

func TestManagerSweepSkipsBusySessions(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 1)
	ctx := context.Background()

	s, err := e.manager.Create(ctx)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.manager.Do(ctx, s.ID, func(context.Context, *Session) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	e.clock.Advance(2 * time.Minute)
	assert.Empty(t, e.manager.Sweep())
	close(release)
	<-done

	_, err = e.manager.Get(s.ID)
	assert.NoError(t, err, "the finished operation counts as activity")
}

func TestManagerGetEvictsLazily(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 1)
	ctx := context.Background()

	s, err := e.manager.Create(ctx)
	require.NoError(t, err)

	e.clock.Advance(2 * time.Minute)
	_, err = e.manager.Get(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// The evicted id does not come back as a blank session.
	_, err = e.manager.GetOrCreate(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	err = e.manager.Do(ctx, s.ID, func(context.Context, *Session) error {
		t.Error("ran on an evicted session")
		return nil
	})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Zero(t, e.manager.Count())
}

func TestManagerClosedIDsAreForgottenLater(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 1)
	ctx := context.Background()

	s, err := e.manager.CreateWithID(ctx, "kept")
	require.NoError(t, err)
	require.NoError(t, e.manager.Close(ctx, s.ID))

	_, err = e.manager.GetOrCreate(ctx, "kept")
	require.ErrorIs(t, err, ErrSessionNotFound)

	// Ids never seen before still start a session.
	fresh, err := e.manager.GetOrCreate(ctx, "fresh")
	require.NoError(t, err)
	require.NoError(t, e.manager.Close(ctx, fresh.ID))

	e.clock.Advance(DefaultForgetAfter + time.Minute)
	e.manager.Sweep()

	again, err := e.manager.GetOrCreate(ctx, "kept")
	require.NoError(t, err)
	assert.NotSame(t, s, again)
}

func TestManagerSharedCreationOutlivesCaller(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 1)
	m := NewManager(e.pool, Options{IdleTimeout: time.Minute, AcquireTimeout: 5 * time.Second},
		log.NewNullLogger(), WithClock(e.clock.Now))
	t.Cleanup(func() { _ = m.CloseAll(context.Background()) })
	ctx := context.Background()

	holder, err := m.Create(ctx)
	require.NoError(t, err)

	first, cancel := context.WithCancel(ctx)
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.GetOrCreate(first, "shared")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return e.pool.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	assert.Equal(t, 1, e.pool.Stats().Waiting, "the creation keeps waiting for a browser")

	second := make(chan *Session, 1)
	go func() {
		s, err := m.GetOrCreate(ctx, "shared")
		assert.NoError(t, err)
		second <- s
	}()

	require.NoError(t, m.Close(ctx, holder.ID))

	select {
	case s := <-second:
		require.NotNil(t, s)
		assert.Equal(t, "shared", s.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("joined caller did not get the session")
	}
	assert.Equal(t, 1, m.Count())
}

func TestManagerCapacityOne(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 1)
	ctx := context.Background()

	s1, err := e.manager.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, e.manager.Close(ctx, s1.ID))

	s2, err := e.manager.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, s1.Handle().ID(), s2.Handle().ID(), "the browser is reused after close")

	_, err = e.manager.Create(ctx)
	assert.ErrorIs(t, err, pool.ErrPoolExhausted)
	assert.Equal(t, 1, e.manager.Count())
}

func TestManagerList(t *testing.T) {
	t.Parallel()

	e := newEnv(t, 2)
	ctx := context.Background()

	a, err := e.manager.CreateWithID(ctx, "a")
	require.NoError(t, err)
	e.clock.Advance(time.Second)
	_, err = e.manager.CreateWithID(ctx, "b")
	require.NoError(t, err)

	_, err = a.Page().Navigate(ctx, "https://example.com")
	require.NoError(t, err)

	infos := e.manager.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].ID)
	assert.Equal(t, "https://example.com", infos[0].URL)
	assert.Equal(t, "b", infos[1].ID)
}
