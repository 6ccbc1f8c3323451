// Package ratelimit decides whether a tool call may run.
//
// Rules are evaluated from the most to the least specific scope and the
// first rule that is exceeded denies the request. Denied requests are not
// counted against any rule.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/descoped/mcp-web-scraper/log"
)

// CodeRateLimitExceeded is the error code of denied requests.
const CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"

// Response headers set from a Result.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// LimitError describes why a request was denied.
type LimitError struct {
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"-"`
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s (retry after %s)", e.Code, e.Message, e.RetryAfter)
}

// Result is the outcome of CheckLimit.
type Result struct {
	Allowed bool
	// Headers carries the quota of the tightest applicable rule. It is nil
	// when no counting rule applies.
	Headers     map[string]string
	Error       *LimitError
	AppliedRule string
	Timestamp   time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces the clock used when a Context has no timestamp.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

type ruleState struct {
	rule Rule

	// Sliding window logs for rules without burst.
	events map[string][]time.Time
	// Token buckets for rules with burst.
	buckets map[string]*rate.Limiter

	checked int64
	denied  int64
}

func newRuleState(r Rule) *ruleState {
	return &ruleState{
		rule:    r,
		events:  make(map[string][]time.Time),
		buckets: make(map[string]*rate.Limiter),
	}
}

// Limiter enforces a set of rules.
type Limiter struct {
	logger *log.Logger
	now    func() time.Time

	mu       sync.Mutex
	rules    map[string]*ruleState
	ordered  []*ruleState
	inflight map[string]Context

	checked int64
	denied  int64

	done      chan struct{}
	closeOnce sync.Once
}

// New returns a limiter without rules, which allows everything.
func New(logger *log.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	l := &Limiter{
		logger:   logger,
		now:      time.Now,
		rules:    make(map[string]*ruleState),
		inflight: make(map[string]Context),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// AddRule adds r, replacing and resetting a rule with the same name.
func (l *Limiter) AddRule(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.rules[r.Name]; ok {
		l.logger.Debugf("RateLimiter:addRule", "replacing rule %q", r.Name)
	}
	l.rules[r.Name] = newRuleState(r)
	l.reorderLocked()

	return nil
}

// RemoveRule removes the rule called name and reports whether it existed.
func (l *Limiter) RemoveRule(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.rules[name]; !ok {
		return false
	}
	delete(l.rules, name)
	l.reorderLocked()

	return true
}

// Rules returns the rules in evaluation order.
func (l *Limiter) Rules() []Rule {
	l.mu.Lock()
	defer l.mu.Unlock()

	rules := make([]Rule, len(l.ordered))
	for i, rs := range l.ordered {
		rules[i] = rs.rule
	}
	return rules
}

func (l *Limiter) reorderLocked() {
	l.ordered = l.ordered[:0]
	for _, rs := range l.rules {
		l.ordered = append(l.ordered, rs)
	}
	sort.Slice(l.ordered, func(i, j int) bool {
		a, b := l.ordered[i].rule, l.ordered[j].rule
		if a.Scope != b.Scope {
			return a.Scope > b.Scope
		}
		return a.Name < b.Name
	})
}

// StartRequest registers c as in flight. Every call must be matched by one
// CompleteRequest with the same request id.
func (l *Limiter) StartRequest(c Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inflight[c.RequestID] = c
}

// CompleteRequest unregisters c. Completing an unknown or already completed
// request is a no-op.
func (l *Limiter) CompleteRequest(c Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, c.RequestID)
}

// Admit starts c, checks it and returns c with its request id set,
// the result and a release func that completes it. The release func must be
// called on every path and is safe to call more than once.
func (l *Limiter) Admit(c Context) (Context, Result, func()) {
	if c.RequestID == "" {
		c.RequestID = uuid.NewString()
	}
	l.StartRequest(c)
	res := l.CheckLimit(c)

	return c, res, sync.OnceFunc(func() { l.CompleteRequest(c) })
}

type quota struct {
	limit     int
	remaining int
	reset     time.Time
}

// CheckLimit evaluates every applicable rule against c and counts c when
// it is allowed.
func (l *Limiter) CheckLimit(c Context) Result {
	now := c.Timestamp
	if now.IsZero() {
		now = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.checked++

	var (
		applied      string
		tightest     *quota
		reservations []*rate.Reservation
		commits      []func()
	)
	deny := func(rs *ruleState, msg string, retryAfter time.Duration) Result {
		for _, r := range reservations {
			r.CancelAt(now)
		}
		rs.denied++
		l.denied++
		if retryAfter < time.Millisecond {
			retryAfter = time.Millisecond
		}
		l.logger.Debugf("RateLimiter:check", "rid:%s denied by %q: %s", c.RequestID, rs.rule.Name, msg)

		q := quota{limit: rs.rule.Limit, reset: now.Add(retryAfter)}
		if rs.rule.Limit == 0 {
			q.limit = rs.rule.MaxConcurrent
		}
		headers := q.headers()
		headers[HeaderRetryAfter] = strconv.FormatInt(int64(math.Ceil(retryAfter.Seconds())), 10)

		return Result{
			Allowed: false,
			Headers: headers,
			Error: &LimitError{
				Code:       CodeRateLimitExceeded,
				Message:    msg,
				RetryAfter: retryAfter,
			},
			AppliedRule: rs.rule.Name,
			Timestamp:   now,
		}
	}

	for _, rs := range l.ordered {
		r := rs.rule
		key := r.key(c)
		if key == "" {
			continue
		}
		rs.checked++
		if applied == "" {
			applied = r.Name
		}

		if r.MaxConcurrent > 0 {
			if n := l.inflightLocked(r, key); n > r.MaxConcurrent {
				retry := time.Second
				if r.Window > 0 && r.Window < retry {
					retry = r.Window
				}
				return deny(rs, fmt.Sprintf("more than %d concurrent requests for %s %q", r.MaxConcurrent, r.Scope, key), retry)
			}
		}
		if r.Limit == 0 {
			continue
		}

		var q quota
		if r.Burst.Valid {
			b := rs.buckets[key]
			if b == nil {
				b = rate.NewLimiter(rate.Every(r.Window/time.Duration(r.Limit)), int(r.Burst.Int64))
				rs.buckets[key] = b
			}
			res := b.ReserveN(now, 1)
			if !res.OK() {
				return deny(rs, fmt.Sprintf("burst of %d exceeded for %s %q", r.Burst.Int64, r.Scope, key), r.Window)
			}
			if d := res.DelayFrom(now); d > 0 {
				res.CancelAt(now)
				return deny(rs, fmt.Sprintf("%d requests per %s exceeded for %s %q", r.Limit, r.Window, r.Scope, key), d)
			}
			reservations = append(reservations, res)
			q = quota{
				limit:     int(r.Burst.Int64),
				remaining: int(b.TokensAt(now)),
				reset:     now.Add(r.Window / time.Duration(r.Limit)),
			}
		} else {
			events := prune(rs.events[key], now.Add(-r.Window))
			rs.events[key] = events
			if len(events) >= r.Limit {
				retry := events[0].Add(r.Window).Sub(now)
				return deny(rs, fmt.Sprintf("%d requests per %s exceeded for %s %q", r.Limit, r.Window, r.Scope, key), retry)
			}
			commits = append(commits, func() { rs.events[key] = append(rs.events[key], now) })
			reset := now.Add(r.Window)
			if len(events) > 0 {
				reset = events[0].Add(r.Window)
			}
			q = quota{limit: r.Limit, remaining: r.Limit - len(events) - 1, reset: reset}
		}
		if tightest == nil || q.remaining < tightest.remaining {
			tightest = &q
		}
	}

	for _, commit := range commits {
		commit()
	}

	res := Result{Allowed: true, AppliedRule: applied, Timestamp: now}
	if tightest != nil {
		res.Headers = tightest.headers()
	}
	return res
}

func (q quota) headers() map[string]string {
	remaining := q.remaining
	if remaining < 0 {
		remaining = 0
	}
	return map[string]string{
		HeaderLimit:     strconv.Itoa(q.limit),
		HeaderRemaining: strconv.Itoa(remaining),
		HeaderReset:     strconv.FormatInt(q.reset.Unix(), 10),
	}
}

// inflightLocked counts in flight requests sharing key under r, including
// the one being checked when it was started.
func (l *Limiter) inflightLocked(r Rule, key string) int {
	n := 0
	for _, c := range l.inflight {
		if r.key(c) == key {
			n++
		}
	}
	return n
}

// prune drops the events at or before cutoff from the sorted log.
func prune(events []time.Time, cutoff time.Time) []time.Time {
	i := sort.Search(len(events), func(i int) bool { return events[i].After(cutoff) })
	if i == 0 {
		return events
	}
	return append(events[:0], events[i:]...)
}

// RuleStats are the counters of one rule.
type RuleStats struct {
	Scope   string `json:"scope"`
	Keys    int    `json:"keys"`
	Checked int64  `json:"checked"`
	Denied  int64  `json:"denied"`
}

// Stats is a snapshot of the limiter counters.
type Stats struct {
	Rules    int                  `json:"rules"`
	InFlight int                  `json:"inFlight"`
	Checked  int64                `json:"checked"`
	Denied   int64                `json:"denied"`
	PerRule  map[string]RuleStats `json:"perRule"`
}

// Stats returns a snapshot of the limiter counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{
		Rules:    len(l.rules),
		InFlight: len(l.inflight),
		Checked:  l.checked,
		Denied:   l.denied,
		PerRule:  make(map[string]RuleStats, len(l.rules)),
	}
	for name, rs := range l.rules {
		s.PerRule[name] = RuleStats{
			Scope:   rs.rule.Scope.String(),
			Keys:    len(rs.events) + len(rs.buckets),
			Checked: rs.checked,
			Denied:  rs.denied,
		}
	}
	return s
}

// Prune drops window logs and buckets that no longer hold any state.
func (l *Limiter) Prune() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rs := range l.rules {
		for key, events := range rs.events {
			if events = prune(events, now.Add(-rs.rule.Window)); len(events) == 0 {
				delete(rs.events, key)
				continue
			}
			rs.events[key] = events
		}
		for key, b := range rs.buckets {
			if b.TokensAt(now) >= float64(b.Burst()) {
				delete(rs.buckets, key)
			}
		}
	}
}

// Cleanup drops every counter and in flight request, keeping the rules.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for name, rs := range l.rules {
		l.rules[name] = newRuleState(rs.rule)
	}
	l.reorderLocked()
	l.inflight = make(map[string]Context)
	l.checked, l.denied = 0, 0
}

// Run prunes stale state every interval until ctx is done or the limiter
// is destroyed.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}

// Destroy stops Run and drops all rules and counters.
func (l *Limiter) Destroy() {
	l.closeOnce.Do(func() { close(l.done) })

	l.mu.Lock()
	defer l.mu.Unlock()

	l.rules = make(map[string]*ruleState)
	l.ordered = nil
	l.inflight = make(map[string]Context)
}
