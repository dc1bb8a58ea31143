package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/polzovatel/browser-session-server/internal/apperr"
	"github.com/polzovatel/browser-session-server/internal/resolver"
)

type page struct {
	page     playwright.Page
	viewport Viewport
}

func (p *page) subscribe(l Listeners, engineCrash func(string)) {
	if l.Console != nil {
		p.page.OnConsole(func(m playwright.ConsoleMessage) {
			msg := ConsoleMessage{Type: m.Type(), Text: m.Text(), Time: time.Now()}
			if loc := m.Location(); loc != nil && loc.URL != "" {
				msg.Location = fmt.Sprintf("%s:%d:%d", loc.URL, loc.LineNumber, loc.ColumnNumber)
			}
			for _, a := range m.Args() {
				msg.Args = append(msg.Args, a.String())
			}
			l.Console(msg)
		})
		p.page.OnPageError(func(err error) {
			l.Console(ConsoleMessage{Type: "error", Text: err.Error(), Time: time.Now()})
		})
	}
	if l.Network != nil {
		p.page.OnRequest(func(r playwright.Request) {
			l.Network(NetworkEvent{Method: r.Method(), URL: r.URL(), ResourceType: r.ResourceType(), Time: time.Now()})
		})
		p.page.OnResponse(func(r playwright.Response) {
			ev := NetworkEvent{Response: true, URL: r.URL(), Status: r.Status(), Time: time.Now()}
			if req := r.Request(); req != nil {
				ev.Method = req.Method()
				ev.ResourceType = req.ResourceType()
			}
			l.Network(ev)
		})
		p.page.OnRequestFailed(func(r playwright.Request) {
			ev := NetworkEvent{Method: r.Method(), URL: r.URL(), ResourceType: r.ResourceType(), Failure: "failed", Time: time.Now()}
			if err := r.Failure(); err != nil {
				ev.Failure = err.Error()
			}
			l.Network(ev)
		})
	}
	onCrash := crashNotifier(l.Crash, engineCrash)
	p.page.OnCrash(func(playwright.Page) { onCrash("page renderer crashed") })
}

// crashNotifier reports a renderer crash once: to the page listener when one
// is registered, otherwise to the owning instance.
func crashNotifier(page, engine func(string)) func(string) {
	if page != nil {
		return page
	}
	if engine != nil {
		return engine
	}
	return func(string) {}
}

// await runs fn off the caller's goroutine so that calls playwright cannot
// bound by a timeout still return at the ctx deadline.
func await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (p *page) URL() string { return p.page.URL() }

func (p *page) Title(ctx context.Context) (string, error) {
	t, err := await(ctx, p.page.Title)
	return t, fail("page.title", err)
}

func (p *page) Viewport() Viewport {
	if s := p.page.ViewportSize(); s != nil {
		return Viewport{Width: s.Width, Height: s.Height}
	}
	return p.viewport
}

func waitUntil(state LoadState) *playwright.WaitUntilState {
	switch state {
	case LoadStateDOM:
		return playwright.WaitUntilStateDomcontentloaded
	case LoadStateNetworkIdle:
		return playwright.WaitUntilStateNetworkidle
	}
	return playwright.WaitUntilStateLoad
}

func (p *page) Navigate(ctx context.Context, url string, wait LoadState) error {
	if err := ctx.Err(); err != nil {
		return fail("page.navigate", err)
	}
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: waitUntil(wait),
		Timeout:   timeoutMs(ctx, defaultNavTimeout),
	})
	return fail("page.navigate", err)
}

func (p *page) GoBack(ctx context.Context) error {
	_, err := p.page.GoBack(playwright.PageGoBackOptions{Timeout: timeoutMs(ctx, defaultNavTimeout)})
	return fail("page.go_back", err)
}

func (p *page) GoForward(ctx context.Context) error {
	_, err := p.page.GoForward(playwright.PageGoForwardOptions{Timeout: timeoutMs(ctx, defaultNavTimeout)})
	return fail("page.go_forward", err)
}

func (p *page) Reload(ctx context.Context) error {
	_, err := p.page.Reload(playwright.PageReloadOptions{Timeout: timeoutMs(ctx, defaultNavTimeout)})
	return fail("page.reload", err)
}

func (p *page) WaitForLoad(ctx context.Context, state LoadState) error {
	ls := playwright.LoadStateLoad
	switch state {
	case LoadStateDOM:
		ls = playwright.LoadStateDomcontentloaded
	case LoadStateNetworkIdle:
		ls = playwright.LoadStateNetworkidle
	}
	return fail("page.wait_for_load", p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   ls,
		Timeout: timeoutMs(ctx, defaultNavTimeout),
	}))
}

func (p *page) Click(ctx context.Context, selector string) error {
	// First() avoids strict mode violations when several elements match.
	first := p.page.Locator(selector).First()
	return fail("page.click", first.Click(playwright.LocatorClickOptions{Timeout: timeoutMs(ctx, defaultActionTimeout)}))
}

func (p *page) ClickPoint(ctx context.Context, x, y float64) error {
	if err := ctx.Err(); err != nil {
		return fail("page.click_point", err)
	}
	_, err := await(ctx, func() (struct{}, error) {
		return struct{}{}, p.page.Mouse().Click(x, y)
	})
	return fail("page.click_point", err)
}

func (p *page) ClickNode(ctx context.Context, n resolver.Node) error {
	h, ok := n.(playwright.JSHandle)
	if !ok {
		return apperr.New("page.click_node", apperr.CodeInternal, "node %T is not a page handle", n)
	}
	el := h.AsElement()
	if el == nil {
		return apperr.New("page.click_node", apperr.CodeInternal, "node is not an element")
	}
	return fail("page.click_node", el.Click(playwright.ElementHandleClickOptions{Timeout: timeoutMs(ctx, defaultActionTimeout)}))
}

func (p *page) Type(ctx context.Context, selector, text string, delay time.Duration) error {
	loc := p.page.Locator(selector).First()
	opts := playwright.LocatorPressSequentiallyOptions{Timeout: timeoutMs(ctx, defaultActionTimeout)}
	if delay > 0 {
		opts.Delay = playwright.Float(float64(delay.Milliseconds()))
	}
	return fail("page.type", loc.PressSequentially(text, opts))
}

func (p *page) Fill(ctx context.Context, selector, text string) error {
	loc := p.page.Locator(selector).First()
	return fail("page.fill", loc.Fill(text, playwright.LocatorFillOptions{Timeout: timeoutMs(ctx, defaultActionTimeout)}))
}

func (p *page) Press(ctx context.Context, selector, key string) error {
	if strings.TrimSpace(selector) == "" {
		_, err := await(ctx, func() (struct{}, error) {
			return struct{}{}, p.page.Keyboard().Press(key)
		})
		return fail("page.press", err)
	}
	loc := p.page.Locator(selector).First()
	return fail("page.press", loc.Press(key, playwright.LocatorPressOptions{Timeout: timeoutMs(ctx, defaultActionTimeout)}))
}

func (p *page) SelectOption(ctx context.Context, selector string, values []string) ([]string, error) {
	loc := p.page.Locator(selector).First()
	got, err := loc.SelectOption(playwright.SelectOptionValues{Values: &values},
		playwright.LocatorSelectOptionOptions{Timeout: timeoutMs(ctx, defaultActionTimeout)})
	return got, fail("page.select_option", err)
}

func (p *page) WaitForSelector(ctx context.Context, selector string, state ElementState) error {
	st := playwright.WaitForSelectorStateVisible
	switch state {
	case StateAttached:
		st = playwright.WaitForSelectorStateAttached
	case StateDetached:
		st = playwright.WaitForSelectorStateDetached
	case StateHidden:
		st = playwright.WaitForSelectorStateHidden
	}
	loc := p.page.Locator(selector).First()
	return fail("page.wait_for_selector", loc.WaitFor(playwright.LocatorWaitForOptions{
		State:   st,
		Timeout: timeoutMs(ctx, defaultActionTimeout),
	}))
}

func (p *page) Evaluate(ctx context.Context, expr string, args ...any) (any, error) {
	v, err := await(ctx, func() (any, error) { return p.page.Evaluate(expr, args...) })
	return v, fail("page.evaluate", err)
}

func (p *page) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	b, err := p.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(fullPage),
		Type:     playwright.ScreenshotTypePng,
		Timeout:  timeoutMs(ctx, defaultActionTimeout),
	})
	return b, fail("page.screenshot", err)
}

func (p *page) HitTest(ctx context.Context) (HitTest, error) {
	doc, err := await(ctx, func() (playwright.JSHandle, error) { return p.page.EvaluateHandle("() => document") })
	if err != nil {
		return HitTest{}, fail("page.hit_test", err)
	}
	h := &jsHost{}
	h.track(doc)
	root, err := h.root(ctx, doc)
	if err != nil {
		h.release()
		return HitTest{}, fail("page.hit_test", err)
	}
	return HitTest{Host: h, Root: root, Release: h.release}, nil
}

func (p *page) Close(ctx context.Context) error {
	_, err := await(ctx, func() (struct{}, error) { return struct{}{}, p.page.Close() })
	if errors.Is(err, playwright.ErrTargetClosed) {
		return nil
	}
	return fail("page.close", err)
}
