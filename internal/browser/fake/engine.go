// Package fake is an in-memory browser engine for tests. Pages keep a URL,
// a title and a Document, record every action, and emit console and network
// events through the listeners they were created with.
package fake

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polzovatel/browser-session-server/internal/apperr"
	"github.com/polzovatel/browser-session-server/internal/browser"
	"github.com/polzovatel/browser-session-server/internal/resolver"
)

// Engine launches fake instances.
type Engine struct {
	mu        sync.Mutex
	instances []*Instance
	// LaunchErr, when set, fails every Launch.
	LaunchErr error
	// Setup runs on each new page before it is returned.
	Setup  func(*Page)
	closed atomic.Bool
}

var _ browser.Engine = (*Engine)(nil)

func NewEngine() *Engine { return &Engine{} }

func (e *Engine) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.LaunchErr != nil {
		return nil, e.LaunchErr
	}
	inst := &Instance{engine: e, Options: opts}
	e.mu.Lock()
	e.instances = append(e.instances, inst)
	e.mu.Unlock()
	return inst, nil
}

func (e *Engine) Close() error {
	e.closed.Store(true)
	return nil
}

// Instances returns every instance launched so far.
func (e *Engine) Instances() []*Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Instance(nil), e.instances...)
}

// Instance is a fake browser process.
type Instance struct {
	engine  *Engine
	Options browser.LaunchOptions

	mu      sync.Mutex
	pages   []*Page
	closed  bool
	crashed bool
}

func (i *Instance) NewPage(ctx context.Context, l browser.Listeners) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed || i.crashed {
		return nil, apperr.New("fake.new_page", apperr.CodeSessionClosed, "instance closed")
	}
	vp := i.Options.Viewport
	if !vp.Valid() {
		vp = browser.Viewport{Width: 1280, Height: 720}
	}
	p := &Page{
		inst:      i,
		listeners: l,
		viewport:  vp,
		url:       "about:blank",
		doc:       blankDocument(vp),
		Selectors: map[string]bool{},
	}
	if i.engine.Setup != nil {
		i.engine.Setup(p)
	}
	i.pages = append(i.pages, p)
	return p, nil
}

func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	for _, p := range i.pages {
		p.closed.Store(true)
	}
	return nil
}

// Closed reports whether Close was called.
func (i *Instance) Closed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

// Pages returns the pages opened on this instance.
func (i *Instance) Pages() []*Page {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]*Page(nil), i.pages...)
}

// Crash simulates the engine process dying.
func (i *Instance) Crash(reason string) {
	i.mu.Lock()
	if i.crashed || i.closed {
		i.mu.Unlock()
		return
	}
	i.crashed = true
	pages := append([]*Page(nil), i.pages...)
	i.mu.Unlock()

	for _, p := range pages {
		p.crashed.Store(true)
		if p.listeners.Crash != nil {
			p.listeners.Crash(reason)
		}
	}
	if i.Options.OnCrash != nil {
		i.Options.OnCrash(reason)
	}
}

var docSeq atomic.Int64

func blankDocument(vp browser.Viewport) *Document {
	d := NewDocument(fmt.Sprintf("doc-%d", docSeq.Add(1)), float64(vp.Width), float64(vp.Height))
	d.Add(nil, "body", "", resolver.Rect{Width: float64(vp.Width), Height: float64(vp.Height)})
	return d
}

// Action is one recorded page call.
type Action struct {
	Name string
	Args []any
}

// Page is a fake document context.
type Page struct {
	inst      *Instance
	listeners browser.Listeners
	viewport  browser.Viewport

	mu      sync.Mutex
	url     string
	title   string
	doc     *Document
	actions []Action
	history []string
	cursor  int

	// Selectors lists selectors that resolve besides "#id" of document
	// elements. Guarded by mu.
	Selectors map[string]bool
	// Gate, when non-nil, holds every blocking call until it is closed or
	// the call's ctx ends.
	Gate chan struct{}
	// Eval answers Evaluate. Nil returns nil.
	Eval func(expr string, args []any) (any, error)

	closed  atomic.Bool
	crashed atomic.Bool
}

var _ browser.Page = (*Page)(nil)

// SetDocument replaces the page's live document.
func (p *Page) SetDocument(d *Document) {
	p.mu.Lock()
	p.doc = d
	p.mu.Unlock()
}

func (p *Page) Document() *Document {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc
}

// AllowSelector makes sel resolvable.
func (p *Page) AllowSelector(sel string) {
	p.mu.Lock()
	p.Selectors[sel] = true
	p.mu.Unlock()
}

// Actions returns the calls recorded so far.
func (p *Page) Actions() []Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Action(nil), p.actions...)
}

// Closed reports whether the page was closed directly or with its instance.
func (p *Page) Closed() bool { return p.closed.Load() }

// EmitConsole pushes a console event through the page's listener.
func (p *Page) EmitConsole(typ, text string) {
	if p.listeners.Console != nil {
		p.listeners.Console(browser.ConsoleMessage{Type: typ, Text: text, Time: time.Now()})
	}
}

// EmitNetwork pushes a network event through the page's listener.
func (p *Page) EmitNetwork(ev browser.NetworkEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if p.listeners.Network != nil {
		p.listeners.Network(ev)
	}
}

func (p *Page) record(name string, args ...any) {
	p.mu.Lock()
	p.actions = append(p.actions, Action{Name: name, Args: args})
	p.mu.Unlock()
}

// enter applies the gate and the closed/crashed state for a blocking call.
func (p *Page) enter(ctx context.Context, op string) error {
	if err := p.state(op); err != nil {
		return err
	}
	if g := p.Gate; g != nil {
		select {
		case <-g:
		case <-ctx.Done():
			return timeoutErr(op, ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return timeoutErr(op, err)
	}
	return p.state(op)
}

func (p *Page) state(op string) error {
	if p.crashed.Load() {
		return apperr.New(op, apperr.CodeBrowserCrashed, "target crashed")
	}
	if p.closed.Load() {
		return apperr.New(op, apperr.CodeSessionClosed, "target closed")
	}
	return nil
}

func timeoutErr(op string, err error) error {
	if err == context.Canceled {
		return apperr.Wrap(op, apperr.CodeSessionClosed, err)
	}
	return apperr.Wrap(op, apperr.CodeCommandTimeout, err)
}

// find resolves a selector, waiting out ctx like a locator would when the
// selector never matches.
func (p *Page) find(ctx context.Context, op, selector string) (*Element, error) {
	p.mu.Lock()
	doc := p.doc
	allowed := p.Selectors[selector]
	p.mu.Unlock()
	if strings.HasPrefix(selector, "#") {
		if el := doc.ByID(strings.TrimPrefix(selector, "#")); el != nil {
			return el, nil
		}
	}
	if allowed {
		return nil, nil
	}
	<-ctx.Done()
	return nil, timeoutErr(op, ctx.Err())
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Title(ctx context.Context) (string, error) {
	if err := p.state("fake.title"); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title, nil
}

func (p *Page) Viewport() browser.Viewport { return p.viewport }

func (p *Page) Navigate(ctx context.Context, url string, wait browser.LoadState) error {
	if err := p.enter(ctx, "fake.navigate"); err != nil {
		return err
	}
	p.record("navigate", url, string(wait))
	p.mu.Lock()
	p.history = append(p.history[:p.cursor+min(1, len(p.history))], url)
	p.cursor = len(p.history) - 1
	p.url = url
	p.title = titleFor(url)
	p.mu.Unlock()

	p.EmitNetwork(browser.NetworkEvent{Method: "GET", URL: url, ResourceType: "document"})
	p.EmitNetwork(browser.NetworkEvent{Response: true, Method: "GET", URL: url, ResourceType: "document", Status: 200})
	return nil
}

func titleFor(url string) string {
	u := strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
	if i := strings.IndexByte(u, '/'); i >= 0 {
		u = u[:i]
	}
	return u
}

func (p *Page) move(ctx context.Context, op string, delta int) error {
	if err := p.enter(ctx, op); err != nil {
		return err
	}
	p.record(strings.TrimPrefix(op, "fake."))
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.cursor + delta
	if next >= 0 && next < len(p.history) {
		p.cursor = next
		p.url = p.history[next]
		p.title = titleFor(p.url)
	}
	return nil
}

func (p *Page) GoBack(ctx context.Context) error    { return p.move(ctx, "fake.go_back", -1) }
func (p *Page) GoForward(ctx context.Context) error { return p.move(ctx, "fake.go_forward", 1) }
func (p *Page) Reload(ctx context.Context) error    { return p.move(ctx, "fake.reload", 0) }

func (p *Page) WaitForLoad(ctx context.Context, state browser.LoadState) error {
	if err := p.enter(ctx, "fake.wait_for_load"); err != nil {
		return err
	}
	p.record("wait_for_load", string(state))
	return nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	if err := p.enter(ctx, "fake.click"); err != nil {
		return err
	}
	if _, err := p.find(ctx, "fake.click", selector); err != nil {
		return err
	}
	p.record("click", selector)
	return nil
}

func (p *Page) ClickPoint(ctx context.Context, x, y float64) error {
	if err := p.enter(ctx, "fake.click_point"); err != nil {
		return err
	}
	p.record("click_point", x, y)
	return nil
}

func (p *Page) ClickNode(ctx context.Context, n resolver.Node) error {
	if err := p.enter(ctx, "fake.click_node"); err != nil {
		return err
	}
	el, ok := n.(*Element)
	if !ok {
		return apperr.New("fake.click_node", apperr.CodeInternal, "foreign node %T", n)
	}
	p.record("click_node", el.ID)
	return nil
}

func (p *Page) Type(ctx context.Context, selector, text string, delay time.Duration) error {
	if err := p.enter(ctx, "fake.type"); err != nil {
		return err
	}
	if _, err := p.find(ctx, "fake.type", selector); err != nil {
		return err
	}
	p.record("type", selector, text, delay)
	return nil
}

func (p *Page) Fill(ctx context.Context, selector, text string) error {
	if err := p.enter(ctx, "fake.fill"); err != nil {
		return err
	}
	if _, err := p.find(ctx, "fake.fill", selector); err != nil {
		return err
	}
	p.record("fill", selector, text)
	return nil
}

func (p *Page) Press(ctx context.Context, selector, key string) error {
	if err := p.enter(ctx, "fake.press"); err != nil {
		return err
	}
	if selector != "" {
		if _, err := p.find(ctx, "fake.press", selector); err != nil {
			return err
		}
	}
	p.record("press", selector, key)
	return nil
}

func (p *Page) SelectOption(ctx context.Context, selector string, values []string) ([]string, error) {
	if err := p.enter(ctx, "fake.select_option"); err != nil {
		return nil, err
	}
	if _, err := p.find(ctx, "fake.select_option", selector); err != nil {
		return nil, err
	}
	p.record("select_option", selector, values)
	return append([]string(nil), values...), nil
}

func (p *Page) WaitForSelector(ctx context.Context, selector string, state browser.ElementState) error {
	if err := p.enter(ctx, "fake.wait_for_selector"); err != nil {
		return err
	}
	if _, err := p.find(ctx, "fake.wait_for_selector", selector); err != nil {
		return err
	}
	p.record("wait_for_selector", selector, string(state))
	return nil
}

func (p *Page) Evaluate(ctx context.Context, expr string, args ...any) (any, error) {
	if err := p.enter(ctx, "fake.evaluate"); err != nil {
		return nil, err
	}
	p.record("evaluate", expr)
	if p.Eval == nil {
		return nil, nil
	}
	return p.Eval(expr, args)
}

// Screenshot returns a blank PNG of the viewport size.
func (p *Page) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	if err := p.enter(ctx, "fake.screenshot"); err != nil {
		return nil, err
	}
	p.record("screenshot", fullPage)
	img := image.NewRGBA(image.Rect(0, 0, p.viewport.Width, p.viewport.Height))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *Page) HitTest(ctx context.Context) (browser.HitTest, error) {
	if err := p.enter(ctx, "fake.hit_test"); err != nil {
		return browser.HitTest{}, err
	}
	return browser.HitTest{Host: Host{}, Root: p.Document(), Release: func() {}}, nil
}

func (p *Page) Close(ctx context.Context) error {
	p.closed.Store(true)
	p.record("close")
	return nil
}
