// Package session owns browser sessions, their pages, per-page command
// queues and telemetry stores, and enforces the creation-time limits.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/polzovatel/browser-session-server/internal/actionlog"
	"github.com/polzovatel/browser-session-server/internal/apperr"
	"github.com/polzovatel/browser-session-server/internal/browser"
	"github.com/polzovatel/browser-session-server/internal/command"
)

const (
	DefaultMaxSessions        = 10
	DefaultMaxPagesPerSession = 10
	DefaultQueueDepth         = 64
	idLength                  = 8
	idAttempts                = 16
)

// Config sets the manager's limits and launch defaults.
type Config struct {
	MaxSessions        int
	MaxPagesPerSession int
	QueueDepth         int
	Logs               actionlog.Config
	// Defaults fills unset fields of CreateOptions.
	Defaults browser.LaunchOptions
	// NavigateTimeout bounds the initial navigation of CreatePage.
	NavigateTimeout time.Duration
}

// CreateOptions selects the engine for a new session. Zero values take the
// manager defaults.
type CreateOptions struct {
	Kind     browser.Kind
	Headless *bool
	Viewport browser.Viewport
}

// Manager is the registry of live sessions. It is safe for concurrent use.
type Manager struct {
	engine browser.Engine
	exec   *command.Executor
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	shut     bool
}

func NewManager(engine browser.Engine, exec *command.Executor, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.MaxPagesPerSession <= 0 {
		cfg.MaxPagesPerSession = DefaultMaxPagesPerSession
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.Defaults.Kind == "" {
		cfg.Defaults.Kind = browser.Chromium
	}
	if !cfg.Defaults.Viewport.Valid() {
		cfg.Defaults.Viewport = browser.Viewport{Width: 1280, Height: 720}
	}
	if cfg.NavigateTimeout <= 0 {
		cfg.NavigateTimeout = command.DefaultTimeout
	}
	return &Manager{
		engine:   engine,
		exec:     exec,
		cfg:      cfg,
		logger:   logger.With().Str("comp", "session").Logger(),
		sessions: make(map[string]*Session),
	}
}

// Executor returns the executor commands run through.
func (m *Manager) Executor() *command.Executor { return m.exec }

func newID(taken func(string) bool) (string, error) {
	for i := 0; i < idAttempts; i++ {
		id := uuid.NewString()[:idLength]
		if !taken(id) {
			return id, nil
		}
	}
	return "", apperr.New("session.new_id", apperr.CodeInternal, "no free identifier after %d attempts", idAttempts)
}

func (m *Manager) launchOptions(opts CreateOptions) (browser.LaunchOptions, error) {
	lo := m.cfg.Defaults
	if opts.Kind != "" {
		kind, err := browser.ParseKind(string(opts.Kind))
		if err != nil {
			return lo, err
		}
		lo.Kind = kind
	}
	if opts.Headless != nil {
		lo.Headless = *opts.Headless
	}
	if opts.Viewport != (browser.Viewport{}) {
		if !opts.Viewport.Valid() {
			return lo, apperr.New("session.create", apperr.CodeValidation, "invalid viewport %s", opts.Viewport)
		}
		lo.Viewport = opts.Viewport
	}
	return lo, nil
}

// CreateSession launches an engine instance. It fails with ResourceExhausted
// when the session limit is reached.
func (m *Manager) CreateSession(ctx context.Context, opts CreateOptions) (Info, error) {
	return m.createSession(ctx, opts, "")
}

func (m *Manager) createSession(ctx context.Context, opts CreateOptions, wantID string) (Info, error) {
	lo, err := m.launchOptions(opts)
	if err != nil {
		return Info{}, err
	}

	m.mu.Lock()
	if m.shut {
		m.mu.Unlock()
		return Info{}, apperr.New("session.create", apperr.CodeSessionClosed, "manager is shut down")
	}
	// Placeholders of launches in progress count toward the limit.
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return Info{}, apperr.New("session.create", apperr.CodeResourceExhausted, "session limit %d reached", m.cfg.MaxSessions)
	}
	id := wantID
	if _, taken := m.sessions[id]; id == "" || taken {
		id, err = newID(func(s string) bool { _, ok := m.sessions[s]; return ok })
		if err != nil {
			m.mu.Unlock()
			return Info{}, err
		}
	}
	// Hold a placeholder so concurrent creates cannot take the same id.
	m.sessions[id] = nil
	m.mu.Unlock()

	s := newSession(id, lo, m.logger)
	lo.OnCrash = s.invalidate
	inst, err := m.engine.Launch(ctx, lo)

	m.mu.Lock()
	if err != nil {
		delete(m.sessions, id)
		m.mu.Unlock()
		m.logger.Error().Err(err).Str("browser_type", string(lo.Kind)).Msg("launch failed")
		if apperr.CodeOf(err) == apperr.CodeInternal {
			return Info{}, apperr.Wrap("session.create", apperr.CodeInternal, err)
		}
		return Info{}, err
	}
	s.inst = inst
	if m.shut {
		delete(m.sessions, id)
		m.mu.Unlock()
		_ = s.close(context.WithoutCancel(ctx))
		return Info{}, apperr.New("session.create", apperr.CodeSessionClosed, "manager is shut down")
	}
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Info().Str("session", id).Str("browser_type", string(lo.Kind)).Bool("headless", lo.Headless).
		Str("viewport", lo.Viewport.String()).Msg("session created")
	return s.info(), nil
}

func (m *Manager) session(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil {
		return nil, apperr.New("session.get", apperr.CodeSessionNotFound, "session %s not found", id)
	}
	return s, nil
}

// live returns registered sessions, skipping launches still in progress.
func (m *Manager) live() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].createdAt.Before(out[j].createdAt)
		}
		return out[i].id < out[j].id
	})
	return out
}

// ListSessions describes every registered session, oldest first.
func (m *Manager) ListSessions() []Info {
	sessions := m.live()
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info())
	}
	return out
}

func (m *Manager) GetSession(id string) (Info, error) {
	s, err := m.session(id)
	if err != nil {
		return Info{}, err
	}
	return s.info(), nil
}

// CloseSession releases the session's engine instance and pages. Queued and
// running commands fail with SessionClosed. Closing an unknown or already
// closed session is a no-op.
func (m *Manager) CloseSession(ctx context.Context, id string) error {
	m.mu.Lock()
	s := m.sessions[id]
	if s != nil {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	err := s.close(ctx)
	m.logger.Info().Str("session", id).Err(err).Msg("session closed")
	return err
}

// CreatePage opens a page in the session and, when url is set, navigates to
// it. The page's log store is subscribed before the page is returned.
func (m *Manager) CreatePage(ctx context.Context, sessionID, url string) (PageInfo, error) {
	return m.createPage(ctx, sessionID, url, "")
}

func (m *Manager) createPage(ctx context.Context, sessionID, url, wantID string) (PageInfo, error) {
	s, err := m.session(sessionID)
	if err != nil {
		return PageInfo{}, err
	}
	if err := s.reservePage(m.cfg.MaxPagesPerSession); err != nil {
		return PageInfo{}, err
	}
	s.touch()

	id := wantID
	if id == "" || s.hasPage(id) {
		if id, err = newID(s.hasPage); err != nil {
			s.releasePage()
			return PageInfo{}, err
		}
	}

	store := actionlog.NewStore(m.cfg.Logs)
	bp, err := s.inst.NewPage(ctx, listeners(store, s.invalidate))
	if err != nil {
		s.releasePage()
		store.Close()
		if apperr.CodeOf(err) == apperr.CodeInternal {
			err = apperr.Wrap("session.create_page", apperr.CodeInternal, err)
		}
		return PageInfo{}, err
	}
	p := &Page{id: id, sessionID: s.id, createdAt: time.Now(), bp: bp, logs: store}

	if url != "" {
		nctx, cancel := context.WithTimeout(ctx, m.cfg.NavigateTimeout)
		err := bp.Navigate(nctx, url, browser.LoadStateLoad)
		if err == nil {
			p.refreshTitle(nctx)
		}
		cancel()
		if err != nil {
			s.releasePage()
			_ = bp.Close(context.WithoutCancel(ctx))
			store.Close()
			return PageInfo{}, err
		}
	}

	p.queue = newQueue(m.cfg.QueueDepth, p.runner(m.exec, s.touch))
	if !s.commitPage(p) {
		_ = p.close(context.WithoutCancel(ctx), apperr.New("session.create_page", apperr.CodeSessionClosed, "session %s closed", s.id))
		if err := s.usable("session.create_page"); err != nil {
			return PageInfo{}, err
		}
		return PageInfo{}, apperr.New("session.create_page", apperr.CodeSessionClosed, "session %s closed", s.id)
	}
	m.logger.Debug().Str("session", s.id).Str("page", id).Str("url", url).Msg("page created")
	return p.info(), nil
}

func (m *Manager) page(sessionID, pageID string) (*Session, *Page, error) {
	s, err := m.session(sessionID)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.page(pageID)
	if err != nil {
		return nil, nil, err
	}
	return s, p, nil
}

func (m *Manager) GetPage(sessionID, pageID string) (PageInfo, error) {
	_, p, err := m.page(sessionID, pageID)
	if err != nil {
		return PageInfo{}, err
	}
	return p.info(), nil
}

// ClosePage closes one page. Its log store goes with it.
func (m *Manager) ClosePage(ctx context.Context, sessionID, pageID string) error {
	s, err := m.session(sessionID)
	if err != nil {
		return err
	}
	p := s.removePage(pageID)
	if p == nil {
		return apperr.New("session.close_page", apperr.CodePageNotFound, "page %s not found in session %s", pageID, sessionID)
	}
	s.touch()
	return p.close(ctx, apperr.New("session.close_page", apperr.CodeSessionClosed, "page %s closed", pageID))
}

// Execute queues req on the page and waits for its result. Addressing
// failures and a full queue are returned as errors; everything that happens
// to the command itself is reported in the Result.
func (m *Manager) Execute(ctx context.Context, sessionID, pageID string, req command.Request) (command.Result, error) {
	s, p, err := m.page(sessionID, pageID)
	if err != nil {
		return command.Result{}, err
	}
	s.touch()
	if err := s.usable("session.execute"); err != nil {
		return command.Fail(req.Command, err), nil
	}
	done, err := p.queue.submit(ctx, req)
	if err != nil {
		if errors.Is(err, apperr.ErrResourceExhausted) {
			return command.Result{}, err
		}
		return command.Fail(req.Command, err), nil
	}
	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return command.Fail(req.Command, abandoned(ctx.Err())), nil
	}
}

// LogReport is the answer to a telemetry query.
type LogReport struct {
	Entries []actionlog.Entry `json:"entries"`
	Count   int               `json:"count"`
	actionlog.Stats
}

// QueryLogs reads one of the page's log streams. It never waits on the
// page's command queue.
func (m *Manager) QueryLogs(sessionID, pageID string, stream actionlog.Stream, q actionlog.Query) (LogReport, error) {
	_, p, err := m.page(sessionID, pageID)
	if err != nil {
		return LogReport{}, err
	}
	entries := p.logs.Query(stream, q)
	return LogReport{Entries: entries, Count: len(entries), Stats: p.logs.Stats(stream)}, nil
}

// Counts reports the number of registered sessions and open pages.
func (m *Manager) Counts() (sessions, pages int) {
	for _, s := range m.live() {
		sessions++
		s.mu.Lock()
		pages += len(s.pages)
		s.mu.Unlock()
	}
	return sessions, pages
}

// Shutdown closes every session concurrently and rejects new ones.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shut = true
	m.mu.Unlock()

	// One failed close must not cut the others short.
	var g errgroup.Group
	for _, s := range m.live() {
		g.Go(func() error {
			return m.CloseSession(ctx, s.id)
		})
	}
	err := g.Wait()
	m.logger.Info().Err(err).Msg("session manager shut down")
	return err
}
