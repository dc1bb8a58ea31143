package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/polzovatel/browser-session-server/internal/actionlog"
	"github.com/polzovatel/browser-session-server/internal/browser"
	"github.com/polzovatel/browser-session-server/internal/command"
)

const titleRefreshTimeout = 2 * time.Second

// PageInfo describes a page to callers.
type PageInfo struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Page binds an engine page to its log store and command queue.
type Page struct {
	id        string
	sessionID string
	createdAt time.Time

	bp    browser.Page
	logs  *actionlog.Store
	queue *queue

	mu    sync.Mutex
	title string
}

func (p *Page) info() PageInfo {
	p.mu.Lock()
	title := p.title
	p.mu.Unlock()
	return PageInfo{ID: p.id, SessionID: p.sessionID, URL: p.bp.URL(), Title: title, CreatedAt: p.createdAt}
}

// refreshTitle caches the title so listings never wait on the page.
func (p *Page) refreshTitle(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, titleRefreshTimeout)
	defer cancel()
	title, err := p.bp.Title(ctx)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.title = title
	p.mu.Unlock()
}

func (p *Page) runner(exec *command.Executor, onDone func()) runFunc {
	return func(ctx context.Context, req command.Request) command.Result {
		res := exec.Execute(ctx, p.bp, req)
		if res.Success {
			p.refreshTitle(ctx)
		}
		onDone()
		return res
	}
}

func (p *Page) close(ctx context.Context, reason error) error {
	p.queue.stop(reason)
	werr := p.queue.wait(ctx)
	err := p.bp.Close(ctx)
	p.logs.Close()
	if werr != nil {
		return fmt.Errorf("page %s worker: %w", p.id, werr)
	}
	return err
}

// listeners feeds engine events for one page into store. Subscription
// happens when the page is created; earlier events are never replayed.
func listeners(store *actionlog.Store, onCrash func(string)) browser.Listeners {
	return browser.Listeners{
		Console: func(m browser.ConsoleMessage) {
			store.Append(consoleEntry(m))
		},
		Network: func(ev browser.NetworkEvent) {
			store.Append(networkEntry(ev))
		},
		Crash: onCrash,
	}
}

func consoleEntry(m browser.ConsoleMessage) actionlog.Entry {
	return actionlog.Entry{
		Time:     m.Time,
		Kind:     actionlog.ConsoleKind(m.Type),
		Text:     m.Text,
		Location: m.Location,
		Args:     m.Args,
	}
}

func networkEntry(ev browser.NetworkEvent) actionlog.Entry {
	e := actionlog.Entry{
		Time:         ev.Time,
		Kind:         actionlog.KindNetworkRequest,
		Method:       ev.Method,
		URL:          ev.URL,
		ResourceType: ev.ResourceType,
		Status:       ev.Status,
		Failure:      ev.Failure,
	}
	switch {
	case ev.Response:
		e.Kind = actionlog.KindNetworkResponse
		e.Text = fmt.Sprintf("%d %s", ev.Status, ev.URL)
	case ev.Failure != "":
		e.Text = fmt.Sprintf("%s %s failed: %s", ev.Method, ev.URL, ev.Failure)
	default:
		e.Text = fmt.Sprintf("%s %s", ev.Method, ev.URL)
	}
	return e
}
