package session

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-session-server/internal/apperr"
	"github.com/polzovatel/browser-session-server/internal/browser"
)

// State is a session's lifecycle position.
type State string

const (
	StateActive State = "active"
	// StateInvalid is terminal: the engine process died.
	StateInvalid State = "invalid"
	StateClosed  State = "closed"
)

// Info describes a session to callers.
type Info struct {
	ID           string           `json:"id"`
	Kind         browser.Kind     `json:"browser_type"`
	Headless     bool             `json:"headless"`
	Viewport     browser.Viewport `json:"viewport"`
	CreatedAt    time.Time        `json:"created_at"`
	LastActivity time.Time        `json:"last_activity"`
	State        State            `json:"state"`
	CrashReason  string           `json:"crash_reason,omitempty"`
	Pages        []PageInfo       `json:"pages"`
}

// Session owns one engine instance and its pages.
type Session struct {
	id        string
	kind      browser.Kind
	headless  bool
	viewport  browser.Viewport
	createdAt time.Time
	logger    zerolog.Logger

	inst       browser.Instance
	lastActive atomic.Int64

	mu           sync.Mutex
	state        State
	crashReason  string
	pages        map[string]*Page
	pendingPages int
}

func newSession(id string, opts browser.LaunchOptions, logger zerolog.Logger) *Session {
	now := time.Now()
	s := &Session{
		id:        id,
		kind:      opts.Kind,
		headless:  opts.Headless,
		viewport:  opts.Viewport,
		createdAt: now,
		logger:    logger.With().Str("session", id).Logger(),
		state:     StateActive,
		pages:     make(map[string]*Page),
	}
	s.lastActive.Store(now.UnixNano())
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) touch() { s.lastActive.Store(time.Now().UnixNano()) }

func (s *Session) info() Info {
	s.mu.Lock()
	pages := make([]*Page, 0, len(s.pages))
	for _, p := range s.pages {
		pages = append(pages, p)
	}
	inf := Info{
		ID:           s.id,
		Kind:         s.kind,
		Headless:     s.headless,
		Viewport:     s.viewport,
		CreatedAt:    s.createdAt,
		LastActivity: time.Unix(0, s.lastActive.Load()),
		State:        s.state,
		CrashReason:  s.crashReason,
	}
	s.mu.Unlock()

	sort.Slice(pages, func(i, j int) bool {
		if !pages[i].createdAt.Equal(pages[j].createdAt) {
			return pages[i].createdAt.Before(pages[j].createdAt)
		}
		return pages[i].id < pages[j].id
	})
	inf.Pages = make([]PageInfo, 0, len(pages))
	for _, p := range pages {
		inf.Pages = append(inf.Pages, p.info())
	}
	return inf
}

// usable fails when the session can no longer run commands.
func (s *Session) usable(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateInvalid:
		return apperr.New(op, apperr.CodeBrowserCrashed, "browser crashed: %s", s.crashReason)
	case StateClosed:
		return apperr.New(op, apperr.CodeSessionClosed, "session %s is closed", s.id)
	}
	return nil
}

func (s *Session) page(id string) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[id]
	if !ok {
		return nil, apperr.New("session.page", apperr.CodePageNotFound, "page %s not found in session %s", id, s.id)
	}
	return p, nil
}

// reservePage claims a page slot under the per-session limit.
func (s *Session) reservePage(limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		if s.state == StateInvalid {
			return apperr.New("session.create_page", apperr.CodeBrowserCrashed, "browser crashed: %s", s.crashReason)
		}
		return apperr.New("session.create_page", apperr.CodeSessionClosed, "session %s is closed", s.id)
	}
	if limit > 0 && len(s.pages)+s.pendingPages >= limit {
		return apperr.New("session.create_page", apperr.CodeResourceExhausted, "page limit %d reached for session %s", limit, s.id)
	}
	s.pendingPages++
	return nil
}

// commitPage registers p, or reports false when the session went away
// while the page was being opened.
func (s *Session) commitPage(p *Page) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingPages--
	if s.state != StateActive {
		return false
	}
	s.pages[p.id] = p
	return true
}

func (s *Session) releasePage() {
	s.mu.Lock()
	s.pendingPages--
	s.mu.Unlock()
}

func (s *Session) hasPage(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pages[id]
	return ok
}

func (s *Session) removePage(id string) *Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pages[id]
	delete(s.pages, id)
	return p
}

// invalidate moves an active session to StateInvalid and fails every queued
// and running command with BrowserCrashed. Later calls are no-ops.
func (s *Session) invalidate(reason string) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.state = StateInvalid
	s.crashReason = reason
	pages := make([]*Page, 0, len(s.pages))
	for _, p := range s.pages {
		pages = append(pages, p)
	}
	s.mu.Unlock()

	s.logger.Error().Str("reason", reason).Int("pages", len(pages)).Msg("browser crashed, session invalidated")
	err := apperr.New("session.crash", apperr.CodeBrowserCrashed, "browser crashed: %s", reason)
	for _, p := range pages {
		p.queue.stop(err)
	}
}

// close stops every page and releases the engine instance.
func (s *Session) close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	pages := make([]*Page, 0, len(s.pages))
	for id, p := range s.pages {
		pages = append(pages, p)
		delete(s.pages, id)
	}
	s.mu.Unlock()

	closed := apperr.New("session.close", apperr.CodeSessionClosed, "session %s closed", s.id)
	for _, p := range pages {
		p.queue.stop(closed)
	}
	for _, p := range pages {
		if err := p.close(ctx, closed); err != nil {
			s.logger.Warn().Err(err).Str("page", p.id).Msg("page close failed")
		}
	}
	if s.inst == nil {
		return nil
	}
	if err := s.inst.Close(ctx); err != nil {
		return apperr.Wrap("session.close", apperr.CodeInternal, err)
	}
	return nil
}
