// Package session maps client visible session ids to a leased browser and
// the tab opened in it.
package session

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/descoped/mcp-web-scraper/api"
	"github.com/descoped/mcp-web-scraper/pool"
)

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned to calls that were waiting on a session
	// when it was closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionExists is returned when creating a session under a taken id.
	ErrSessionExists = errors.New("session already exists")
)

// Session is one logical browsing session. All operations run through
// Manager.Do are serialized.
type Session struct {
	ID        string
	CreatedAt time.Time

	handle *pool.Handle
	page   api.Page
	sem    *semaphore.Weighted

	mu             sync.Mutex
	history        []string
	consentHandled bool
	lastActivity   time.Time
	closed         bool
}

func newSession(id string, h *pool.Handle, page api.Page, now time.Time) *Session {
	return &Session{
		ID:           id,
		CreatedAt:    now,
		handle:       h,
		page:         page,
		sem:          semaphore.NewWeighted(1),
		lastActivity: now,
	}
}

// Page returns the session's tab.
func (s *Session) Page() api.Page { return s.page }

// Handle returns the pooled browser leased by the session.
func (s *Session) Handle() *pool.Handle { return s.handle }

// History returns the URLs navigated to, oldest first.
func (s *Session) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := make([]string, len(s.history))
	copy(h, s.history)
	return h
}

// AppendHistory records a navigation.
func (s *Session) AppendHistory(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, url)
}

// ConsentHandled reports whether a cookie consent dialog was dealt with.
func (s *Session) ConsentHandled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consentHandled
}

// MarkConsentHandled records that a cookie consent dialog was dealt with.
func (s *Session) MarkConsentHandled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consentHandled = true
}

// LastActivity returns when the session was last used.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

func (s *Session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Info describes a session.
type Info struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	URL          string    `json:"url"`
	Navigations  int       `json:"navigations"`
	BrowserID    string    `json:"browserId"`
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Info{
		ID:           s.ID,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		URL:          s.page.URL(),
		Navigations:  len(s.history),
		BrowserID:    s.handle.Browser().ID(),
	}
}
