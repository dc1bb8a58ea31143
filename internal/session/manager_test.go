package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/polzovatel/browser-session-server/internal/actionlog"
	"github.com/polzovatel/browser-session-server/internal/apperr"
	"github.com/polzovatel/browser-session-server/internal/browser"
	"github.com/polzovatel/browser-session-server/internal/browser/fake"
	"github.com/polzovatel/browser-session-server/internal/command"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newManager(t *testing.T, cfg Config) (*Manager, *fake.Engine) {
	t.Helper()
	eng := fake.NewEngine()
	exec := command.New(command.Options{Logger: zerolog.Nop()})
	m := NewManager(eng, exec, cfg, zerolog.Nop())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, eng
}

func fakePage(t *testing.T, eng *fake.Engine, instance int) *fake.Page {
	t.Helper()
	insts := eng.Instances()
	require.Greater(t, len(insts), instance)
	pages := insts[instance].Pages()
	require.NotEmpty(t, pages)
	return pages[len(pages)-1]
}

func navigate(url string) command.Request {
	return command.Request{Command: "navigate", Params: command.Params{"url": url}}
}

func TestSessionLifecycle(t *testing.T) {
	m, eng := newManager(t, Config{})
	ctx := context.Background()
	headless := false

	inf, err := m.CreateSession(ctx, CreateOptions{Kind: "firefox", Headless: &headless, Viewport: browser.Viewport{Width: 1024, Height: 768}})
	require.NoError(t, err)
	assert.Len(t, inf.ID, idLength)
	assert.Equal(t, browser.Firefox, inf.Kind)
	assert.False(t, inf.Headless)
	assert.Equal(t, StateActive, inf.State)
	assert.Equal(t, browser.Viewport{Width: 1024, Height: 768}, eng.Instances()[0].Options.Viewport)

	list := m.ListSessions()
	require.Len(t, list, 1)
	assert.Equal(t, inf.ID, list[0].ID)

	got, err := m.GetSession(inf.ID)
	require.NoError(t, err)
	assert.Equal(t, inf.CreatedAt, got.CreatedAt)

	require.NoError(t, m.CloseSession(ctx, inf.ID))
	require.NoError(t, m.CloseSession(ctx, inf.ID))
	require.NoError(t, m.CloseSession(ctx, "missing"))
	assert.True(t, eng.Instances()[0].Closed())

	_, err = m.GetSession(inf.ID)
	assert.ErrorIs(t, err, apperr.ErrSessionNotFound)
	assert.Empty(t, m.ListSessions())
}

func TestCreateSessionDefaultsAndValidation(t *testing.T) {
	m, eng := newManager(t, Config{Defaults: browser.LaunchOptions{Headless: true}})
	ctx := context.Background()

	inf, err := m.CreateSession(ctx, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, browser.Chromium, inf.Kind)
	assert.True(t, inf.Headless)
	assert.Equal(t, browser.Viewport{Width: 1280, Height: 720}, inf.Viewport)
	assert.NotNil(t, eng.Instances()[0].Options.OnCrash)

	_, err = m.CreateSession(ctx, CreateOptions{Kind: "netscape"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = m.CreateSession(ctx, CreateOptions{Viewport: browser.Viewport{Width: -1, Height: 10}})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSessionLimit(t *testing.T) {
	m, _ := newManager(t, Config{MaxSessions: 2})
	ctx := context.Background()

	a, err := m.CreateSession(ctx, CreateOptions{})
	require.NoError(t, err)
	_, err = m.CreateSession(ctx, CreateOptions{})
	require.NoError(t, err)

	_, err = m.CreateSession(ctx, CreateOptions{})
	assert.ErrorIs(t, err, apperr.ErrResourceExhausted)

	require.NoError(t, m.CloseSession(ctx, a.ID))
	_, err = m.CreateSession(ctx, CreateOptions{})
	assert.NoError(t, err)
}

// slowEngine holds its first Launch until release is closed.
type slowEngine struct {
	*fake.Engine
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (e *slowEngine) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Instance, error) {
	first := false
	e.once.Do(func() { first = true })
	if first {
		close(e.started)
		select {
		case <-e.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.Engine.Launch(ctx, opts)
}

func TestSessionLimitCountsPendingLaunchOnce(t *testing.T) {
	eng := &slowEngine{Engine: fake.NewEngine(), started: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(eng, command.New(command.Options{Logger: zerolog.Nop()}), Config{MaxSessions: 2}, zerolog.Nop())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	ctx := context.Background()

	pending := make(chan error, 1)
	go func() {
		_, err := m.CreateSession(ctx, CreateOptions{})
		pending <- err
	}()
	<-eng.started

	_, err := m.CreateSession(ctx, CreateOptions{})
	require.NoError(t, err)
	_, err = m.CreateSession(ctx, CreateOptions{})
	assert.ErrorIs(t, err, apperr.ErrResourceExhausted)

	close(eng.release)
	require.NoError(t, <-pending)
	assert.Len(t, m.ListSessions(), 2)
}

func TestLaunchFailureFreesSlot(t *testing.T) {
	m, eng := newManager(t, Config{MaxSessions: 1})
	eng.LaunchErr = errors.New("executable not found")

	_, err := m.CreateSession(context.Background(), CreateOptions{})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInternal, apperr.CodeOf(err))

	eng.LaunchErr = nil
	_, err = m.CreateSession(context.Background(), CreateOptions{})
	assert.NoError(t, err)
}

func TestCreatePage(t *testing.T) {
	m, _ := newManager(t, Config{MaxPagesPerSession: 2})
	ctx := context.Background()
	s, err := m.CreateSession(ctx, CreateOptions{})
	require.NoError(t, err)

	p, err := m.CreatePage(ctx, s.ID, "https://example.com/start")
	require.NoError(t, err)
	assert.Equal(t, s.ID, p.SessionID)
	assert.Equal(t, "https://example.com/start", p.URL)
	assert.Equal(t, "example.com", p.Title)

	blank, err := m.CreatePage(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "about:blank", blank.URL)
	assert.NotEqual(t, p.ID, blank.ID)

	_, err = m.CreatePage(ctx, s.ID, "")
	assert.ErrorIs(t, err, apperr.ErrResourceExhausted)

	_, err = m.CreatePage(ctx, "missing", "")
	assert.ErrorIs(t, err, apperr.ErrSessionNotFound)

	inf, err := m.GetSession(s.ID)
	require.NoError(t, err)
	require.Len(t, inf.Pages, 2)
	assert.Equal(t, p.ID, inf.Pages[0].ID)

	sessions, pages := m.Counts()
	assert.Equal(t, 1, sessions)
	assert.Equal(t, 2, pages)
}

func TestPageLogsAreSubscribedAtCreation(t *testing.T) {
	m, eng := newManager(t, Config{})
	ctx := context.Background()
	s, err := m.CreateSession(ctx, CreateOptions{})
	require.NoError(t, err)
	p, err := m.CreatePage(ctx, s.ID, "https://example.com")
	require.NoError(t, err)

	fp := fakePage(t, eng, 0)
	fp.EmitConsole("log", "hello")
	fp.EmitConsole("warning", "deprecated api")
	fp.EmitConsole("error", "Uncaught TypeError")
	fp.EmitNetwork(browser.NetworkEvent{Method: "GET", URL: "https://example.com/api", Failure: "net::ERR_ABORTED"})

	rep, err := m.QueryLogs(s.ID, p.ID, actionlog.StreamConsole, actionlog.Query{})
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Count)
	assert.Equal(t, 3, rep.Retained)
	assert.Equal(t, actionlog.KindLog, rep.Entries[0].Kind)

	rep, err = m.QueryLogs(s.ID, p.ID, actionlog.StreamConsole, actionlog.ErrorsOnly(actionlog.Query{}))
	require.NoError(t, err)
	require.Equal(t, 2, rep.Count)
	assert.Equal(t, "deprecated api", rep.Entries[0].Text)

	rep, err = m.QueryLogs(s.ID, p.ID, actionlog.StreamNetwork, actionlog.Query{})
	require.NoError(t, err)
	require.Equal(t, 3, rep.Count)
	assert.Equal(t, actionlog.KindNetworkRequest, rep.Entries[0].Kind)
	assert.Equal(t, "GET https://example.com", rep.Entries[0].Text)
	assert.Equal(t, actionlog.KindNetworkResponse, rep.Entries[1].Kind)
	assert.Equal(t, 200, rep.Entries[1].Status)
	assert.Equal(t, "net::ERR_ABORTED", rep.Entries[2].Failure)
	assert.Contains(t, rep.Entries[2].Text, "failed")

	_, err = m.QueryLogs(s.ID, "nope", actionlog.StreamConsole, actionlog.Query{})
	assert.ErrorIs(t, err, apperr.ErrPageNotFound)
}

func TestExecute(t *testing.T) {
	m, _ := newManager(t, Config{})
	ctx := context.Background()
	s, err := m.CreateSession(ctx, CreateOptions{})
	require.NoError(t, err)
	p, err := m.CreatePage(ctx, s.ID, "")
	require.NoError(t, err)
	before, _ := m.GetSession(s.ID)

	time.Sleep(2 * time.Millisecond)
	res, err := m.Execute(ctx, s.ID, p.ID, navigate("https://example.org/x"))
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error)

	got, err := m.GetPage(s.ID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/x", got.URL)
	assert.Equal(t, "example.org", got.Title)

	after, _ := m.GetSession(s.ID)
	assert.True(t, after.LastActivity.After(before.LastActivity))

	res, err = m.Execute(ctx, s.ID, p.ID, command.Request{Command: "fly"})
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, apperr.CodeUnknownCommand, res.Error.Code)

	_, err = m.Execute(ctx, s.ID, "nope", navigate("https://example.org"))
	assert.ErrorIs(t, err, apperr.ErrPageNotFound)
	_, err = m.Execute(ctx, "nope", p.ID, navigate("https://example.org"))
	assert.ErrorIs(t, err, apperr.ErrSessionNotFound)
}

func TestCloseSessionDoesNotDisturbOthers(t *testing.T) {
	m, eng := newManager(t, Config{})
	ctx := context.Background()

	a, err := m.CreateSession(ctx, CreateOptions{})
	require.NoError(t, err)
	_, err = m.CreatePage(ctx, a.ID, "")
	require.NoError(t, err)
	b, err := m.CreateSession(ctx, CreateOptions{})
	require.NoError(t, err)
	bp, err := m.CreatePage(ctx, b.ID, "")
	require.NoError(t, err)

	gate := make(chan struct{})
	fakePage(t, eng, 1).Gate = gate

	done := make(chan command.Result, 1)
	go func() {
		res, _ := m.Execute(ctx, b.ID, bp.ID, navigate("https://b.example"))
		done <- res
	}()

	require.NoError(t, m.CloseSession(ctx, a.ID))
	close(gate)

	select {
	case res := <-done:
		assert.True(t, res.Success, res.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("command on session B never finished")
	}
	assert.True(t, eng.Instances()[0].Closed())
	assert.False(t, eng.Instances()[1].Closed())
}

func TestCloseSessionFailsQueuedCommands(t *testing.T) {
	m, eng := newManager(t, Config{})
	ctx := context.Background()
	s, err := m.CreateSession(ctx, CreateOptions{})
	require.NoError(t, err)
	p, err := m.CreatePage(ctx, s.ID, "")
	require.NoError(t, err)
	fakePage(t, eng, 0).Gate = make(chan struct{})

	_, pg, err := m.page(s.ID, p.ID)
	require.NoError(t, err)
	running, err := pg.queue.submit(ctx, navigate("https://one.example"))
	require.NoError(t, err)
	queued, err := pg.queue.submit(ctx, navigate("https://two.example"))
	require.NoError(t, err)

	require.NoError(t, m.CloseSession(ctx, s.ID))
	for _, ch := range []<-chan command.Result{running, queued} {
		res := receive(t, ch)
		require.NotNil(t, res.Error)
		assert.Equal(t, apperr.CodeSessionClosed, res.Error.Code)
	}
	assert.True(t, fakePage(t, eng, 0).Closed())
}

func TestCallerLeavingKeepsSessionAlive(t *testing.T) {
	m, eng := newManager(t, Config{})
	ctx := context.Background()
	s, err := m.CreateSession(ctx, CreateOptions{})
	require.NoError(t, err)
	p, err := m.CreatePage(ctx, s.ID, "")
	require.NoError(t, err)
	gate := make(chan struct{})
	fakePage(t, eng, 0).Gate = gate

	_, pg, err := m.page(s.ID, p.ID)
	require.NoError(t, err)
	callCtx, cancel := context.WithCancel(ctx)
	running, err := pg.queue.submit(callCtx, navigate("https://slow.example"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	cancel()

	res := receive(t, running)
	require.NotNil(t, res.Error)
	assert.Equal(t, apperr.CodeCommandTimeout, res.Error.Code)
	assert.Contains(t, res.Error.Message, "abandoned by caller")

	close(gate)
	inf, err := m.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, inf.State)
	res, err = m.Execute(ctx, s.ID, p.ID, navigate("https://next.example"))
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error)
}

func TestCrashInvalidatesOnlyOwningSession(t *testing.T) {
	m, eng := newManager(t, Config{})
	ctx := context.Background()
	a, err := m.CreateSession(ctx, CreateOptions{})
	require.NoError(t, err)
	ap, err := m.CreatePage(ctx, a.ID, "")
	require.NoError(t, err)
	b, err := m.CreateSession(ctx, CreateOptions{})
	require.NoError(t, err)
	bp, err := m.CreatePage(ctx, b.ID, "")
	require.NoError(t, err)

	fakePage(t, eng, 0).Gate = make(chan struct{})
	_, pg, err := m.page(a.ID, ap.ID)
	require.NoError(t, err)
	pending, err := pg.queue.submit(ctx, navigate("https://a.example"))
	require.NoError(t, err)

	eng.Instances()[0].Crash("renderer out of memory")

	res := receive(t, pending)
	require.NotNil(t, res.Error)
	assert.Equal(t, apperr.CodeBrowserCrashed, res.Error.Code)

	inf, err := m.GetSession(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StateInvalid, inf.State)
	assert.Equal(t, "renderer out of memory", inf.CrashReason)

	res, err = m.Execute(ctx, a.ID, ap.ID, navigate("https://a.example"))
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, apperr.CodeBrowserCrashed, res.Error.Code)

	_, err = m.CreatePage(ctx, a.ID, "")
	assert.ErrorIs(t, err, apperr.ErrBrowserCrashed)

	res, err = m.Execute(ctx, b.ID, bp.ID, navigate("https://b.example"))
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error)

	assert.Len(t, m.Snapshot(), 1)
	require.NoError(t, m.CloseSession(ctx, a.ID))
}

func TestClosePage(t *testing.T) {
	m, eng := newManager(t, Config{})
	ctx := context.Background()
	s, err := m.CreateSession(ctx, CreateOptions{})
	require.NoError(t, err)
	p, err := m.CreatePage(ctx, s.ID, "")
	require.NoError(t, err)

	require.NoError(t, m.ClosePage(ctx, s.ID, p.ID))
	assert.True(t, fakePage(t, eng, 0).Closed())

	_, err = m.GetPage(s.ID, p.ID)
	assert.ErrorIs(t, err, apperr.ErrPageNotFound)
	_, err = m.QueryLogs(s.ID, p.ID, actionlog.StreamNetwork, actionlog.Query{})
	assert.ErrorIs(t, err, apperr.ErrPageNotFound)
	assert.ErrorIs(t, m.ClosePage(ctx, s.ID, p.ID), apperr.ErrPageNotFound)

	// The freed slot can be reused and the session stays usable.
	q, err := m.CreatePage(ctx, s.ID, "https://example.com")
	require.NoError(t, err)
	res, err := m.Execute(ctx, s.ID, q.ID, command.Request{Command: "reload"})
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error)
}

func TestSnapshotRestore(t *testing.T) {
	src, _ := newManager(t, Config{})
	ctx := context.Background()
	s, err := src.CreateSession(ctx, CreateOptions{Kind: "webkit", Viewport: browser.Viewport{Width: 640, Height: 480}})
	require.NoError(t, err)
	p1, err := src.CreatePage(ctx, s.ID, "https://example.com/one")
	require.NoError(t, err)
	p2, err := src.CreatePage(ctx, s.ID, "")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, EncodeSnapshot(&buf, src.Snapshot()))
	assert.Contains(t, buf.String(), "browser_type: webkit")

	descs, err := DecodeSnapshot(&buf)
	require.NoError(t, err)
	require.Len(t, descs, 1)

	dst, eng := newManager(t, Config{})
	restored, err := dst.Restore(ctx, descs)
	require.NoError(t, err)
	require.Len(t, restored, 1)
	got := restored[0]
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, browser.WebKit, got.Kind)
	assert.Equal(t, browser.Viewport{Width: 640, Height: 480}, got.Viewport)
	require.Len(t, got.Pages, 2)
	assert.Equal(t, p1.ID, got.Pages[0].ID)
	assert.Equal(t, "https://example.com/one", got.Pages[0].URL)
	assert.Equal(t, p2.ID, got.Pages[1].ID)
	assert.Equal(t, "about:blank", got.Pages[1].URL)
	assert.Len(t, eng.Instances(), 1)
}

func TestDecodeSnapshotRejectsGarbage(t *testing.T) {
	_, err := DecodeSnapshot(bytes.NewBufferString("sessions: {not: [a list"))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	descs, err := DecodeSnapshot(bytes.NewBufferString(""))
	require.NoError(t, err)
	assert.Empty(t, descs)
}

func TestShutdown(t *testing.T) {
	m, eng := newManager(t, Config{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		s, err := m.CreateSession(ctx, CreateOptions{})
		require.NoError(t, err)
		_, err = m.CreatePage(ctx, s.ID, "")
		require.NoError(t, err)
	}

	require.NoError(t, m.Shutdown(ctx))
	for _, inst := range eng.Instances() {
		assert.True(t, inst.Closed())
	}
	assert.Empty(t, m.ListSessions())

	_, err := m.CreateSession(ctx, CreateOptions{})
	assert.ErrorIs(t, err, apperr.ErrSessionClosed)
}
