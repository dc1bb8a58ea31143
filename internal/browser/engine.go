// Package browser launches browser-engine instances and drives their pages.
// The Engine, Instance and Page interfaces are what the session and command
// layers program against; the playwright-backed implementation lives in
// launcher.go and page.go.
package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/polzovatel/browser-session-server/internal/apperr"
	"github.com/polzovatel/browser-session-server/internal/resolver"
)

// Kind names a browser engine.
type Kind string

const (
	Chromium Kind = "chromium"
	Firefox  Kind = "firefox"
	WebKit   Kind = "webkit"
)

// ParseKind accepts an engine name case-insensitively. Empty means Chromium.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "", Chromium:
		return Chromium, nil
	case Firefox:
		return Firefox, nil
	case WebKit:
		return WebKit, nil
	}
	return "", apperr.New("browser.parse_kind", apperr.CodeValidation, "unknown browser type %q", s)
}

// Viewport is a page size in CSS pixels.
type Viewport struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

func (v Viewport) Valid() bool { return v.Width > 0 && v.Height > 0 }

func (v Viewport) String() string { return fmt.Sprintf("%dx%d", v.Width, v.Height) }

// LaunchOptions configures one engine instance.
type LaunchOptions struct {
	Kind     Kind
	Headless bool
	Viewport Viewport
	Args     []string
	// OnCrash is called at most once when the engine process dies without
	// being closed through Instance.Close.
	OnCrash func(reason string)
}

// Engine starts browser instances. One Engine serves every session.
type Engine interface {
	Launch(ctx context.Context, opts LaunchOptions) (Instance, error)
	Close() error
}

// Instance is a single running browser process with one browsing context.
type Instance interface {
	NewPage(ctx context.Context, l Listeners) (Page, error)
	Close(ctx context.Context) error
}

// ConsoleMessage is a console event as reported by the engine.
type ConsoleMessage struct {
	Type     string
	Text     string
	Location string
	Args     []string
	Time     time.Time
}

// NetworkEvent is a request, response or request failure.
type NetworkEvent struct {
	Response     bool
	Method       string
	URL          string
	ResourceType string
	Status       int
	Failure      string
	Time         time.Time
}

// Listeners receive page events. They are registered before the page is
// returned, so no event from the page's lifetime is missed. Callbacks must
// not block.
type Listeners struct {
	Console func(ConsoleMessage)
	Network func(NetworkEvent)
	Crash   func(reason string)
}

// LoadState is a navigation milestone to wait for.
type LoadState string

const (
	LoadStateLoad        LoadState = "load"
	LoadStateDOM         LoadState = "domcontentloaded"
	LoadStateNetworkIdle LoadState = "networkidle"
)

// ParseLoadState returns def for an empty string.
func ParseLoadState(s string, def LoadState) (LoadState, error) {
	switch ls := LoadState(strings.ToLower(strings.TrimSpace(s))); ls {
	case "":
		return def, nil
	case LoadStateLoad, LoadStateDOM, LoadStateNetworkIdle:
		return ls, nil
	}
	return "", apperr.New("browser.parse_load_state", apperr.CodeValidation, "unknown load state %q", s)
}

// ElementState is a selector condition for WaitForSelector.
type ElementState string

const (
	StateAttached ElementState = "attached"
	StateDetached ElementState = "detached"
	StateVisible  ElementState = "visible"
	StateHidden   ElementState = "hidden"
)

func ParseElementState(s string) (ElementState, error) {
	switch st := ElementState(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return StateVisible, nil
	case StateAttached, StateDetached, StateVisible, StateHidden:
		return st, nil
	}
	return "", apperr.New("browser.parse_element_state", apperr.CodeValidation, "unknown element state %q", s)
}

// HitTest is a resolver view of the page's live document. Handles it hands
// out stay valid until Release.
type HitTest struct {
	Host    resolver.Host
	Root    resolver.Root
	Release func()
}

// Page drives one document context. Blocking methods honour ctx deadlines.
type Page interface {
	URL() string
	Title(ctx context.Context) (string, error)
	Viewport() Viewport

	Navigate(ctx context.Context, url string, wait LoadState) error
	GoBack(ctx context.Context) error
	GoForward(ctx context.Context) error
	Reload(ctx context.Context) error
	WaitForLoad(ctx context.Context, state LoadState) error

	Click(ctx context.Context, selector string) error
	ClickPoint(ctx context.Context, x, y float64) error
	// ClickNode clicks an element handed out by a HitTest.
	ClickNode(ctx context.Context, n resolver.Node) error
	Type(ctx context.Context, selector, text string, delay time.Duration) error
	Fill(ctx context.Context, selector, text string) error
	Press(ctx context.Context, selector, key string) error
	SelectOption(ctx context.Context, selector string, values []string) ([]string, error)
	WaitForSelector(ctx context.Context, selector string, state ElementState) error

	Evaluate(ctx context.Context, expr string, args ...any) (any, error)
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	HitTest(ctx context.Context) (HitTest, error)

	Close(ctx context.Context) error
}
