package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-session-server/internal/apperr"
)

const (
	defaultNavTimeout    = 30 * time.Second
	defaultActionTimeout = 10 * time.Second
	installTimeout       = 5 * time.Minute
	headlessEnv          = "BROWSERD_HEADLESS"
)

// DefaultHeadless reads BROWSERD_HEADLESS, falling back to def.
func DefaultHeadless(def bool) bool { return parseBoolEnv(headlessEnv, def) }

// LauncherOptions configures the shared playwright driver.
type LauncherOptions struct {
	// Install downloads the browsers named in Kinds before starting.
	Install bool
	Kinds   []Kind
	Logger  zerolog.Logger
}

// Launcher owns the playwright driver. Each Launch starts a separate
// browser process so that a crash stays confined to one session.
type Launcher struct {
	pw     *playwright.Playwright
	logger zerolog.Logger
}

var _ Engine = (*Launcher)(nil)

func NewLauncher(ctx context.Context, opts LauncherOptions) (*Launcher, error) {
	if err := ensureDeps(ctx, opts); err != nil {
		return nil, err
	}
	pw, err := playwright.Run(&playwright.RunOptions{Stdout: io.Discard, Stderr: os.Stderr})
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	return &Launcher{pw: pw, logger: opts.Logger.With().Str("comp", "launcher").Logger()}, nil
}

func (l *Launcher) browserType(kind Kind) (playwright.BrowserType, error) {
	switch kind {
	case Chromium, "":
		return l.pw.Chromium, nil
	case Firefox:
		return l.pw.Firefox, nil
	case WebKit:
		return l.pw.WebKit, nil
	}
	return nil, apperr.New("browser.launch", apperr.CodeValidation, "unknown browser type %q", kind)
}

func (l *Launcher) Launch(ctx context.Context, opts LaunchOptions) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bt, err := l.browserType(opts.Kind)
	if err != nil {
		return nil, err
	}
	args := opts.Args
	if opts.Kind == Chromium || opts.Kind == "" {
		args = append([]string{"--disable-dev-shm-usage", "--no-sandbox"}, args...)
	}
	browser, err := bt.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     args,
		Timeout:  timeoutMs(ctx, 60*time.Second),
	})
	if err != nil {
		return nil, apperr.Wrap("browser.launch", apperr.CodeInternal, fmt.Errorf("launch %s: %w", opts.Kind, err))
	}

	ctxOpts := playwright.BrowserNewContextOptions{IgnoreHttpsErrors: playwright.Bool(true)}
	if opts.Viewport.Valid() {
		ctxOpts.Viewport = &playwright.Size{Width: opts.Viewport.Width, Height: opts.Viewport.Height}
	}
	bctx, err := browser.NewContext(ctxOpts)
	if err != nil {
		_ = browser.Close()
		return nil, apperr.Wrap("browser.launch", apperr.CodeInternal, fmt.Errorf("new context: %w", err))
	}
	bctx.SetDefaultTimeout(float64(defaultActionTimeout.Milliseconds()))
	bctx.SetDefaultNavigationTimeout(float64(defaultNavTimeout.Milliseconds()))

	inst := &instance{
		browser:  browser,
		context:  bctx,
		viewport: opts.Viewport,
		onCrash:  opts.OnCrash,
		logger:   l.logger.With().Str("kind", string(opts.Kind)).Logger(),
	}
	browser.OnDisconnected(func(playwright.Browser) {
		if inst.closing.Load() {
			return
		}
		inst.crash("browser process disconnected")
	})
	l.logger.Debug().Str("kind", string(opts.Kind)).Bool("headless", opts.Headless).
		Str("version", browser.Version()).Msg("browser launched")
	return inst, nil
}

func (l *Launcher) Close() error {
	if l.pw != nil {
		return l.pw.Stop()
	}
	return nil
}

type instance struct {
	browser  playwright.Browser
	context  playwright.BrowserContext
	viewport Viewport
	onCrash  func(string)
	logger   zerolog.Logger

	closing   atomic.Bool
	crashOnce sync.Once
}

func (i *instance) crash(reason string) {
	i.crashOnce.Do(func() {
		i.logger.Error().Str("reason", reason).Msg("browser crashed")
		if i.onCrash != nil {
			i.onCrash(reason)
		}
	})
}

func (i *instance) NewPage(ctx context.Context, l Listeners) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if i.closing.Load() {
		return nil, apperr.New("browser.new_page", apperr.CodeSessionClosed, "instance closed")
	}
	pg, err := i.context.NewPage()
	if err != nil {
		return nil, fail("browser.new_page", err)
	}
	p := &page{page: pg, viewport: i.viewport}
	p.subscribe(l, i.crash)
	return p, nil
}

func (i *instance) Close(ctx context.Context) error {
	if !i.closing.CompareAndSwap(false, true) {
		return nil
	}
	done := make(chan error, 1)
	go func() {
		err := i.context.Close()
		if cerr := i.browser.Close(); err == nil {
			err = cerr
		}
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, playwright.ErrTargetClosed) {
			return wrap(err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func ensureDeps(ctx context.Context, opts LauncherOptions) error {
	if !opts.Install {
		return nil
	}
	browsers := make([]string, 0, len(opts.Kinds))
	for _, k := range opts.Kinds {
		browsers = append(browsers, string(k))
	}
	if len(browsers) == 0 {
		browsers = []string{string(Chromium)}
	}
	ictx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- playwright.Install(&playwright.RunOptions{Browsers: browsers, Stdout: io.Discard})
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("install browsers: %w", err)
		}
		return nil
	case <-ictx.Done():
		return fmt.Errorf("install browsers: %w", ictx.Err())
	}
}

// timeoutMs derives a playwright timeout from ctx, or def without a deadline.
func timeoutMs(ctx context.Context, def time.Duration) *float64 {
	d := def
	if dl, ok := ctx.Deadline(); ok {
		d = time.Until(dl)
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return playwright.Float(float64(d.Milliseconds()))
}

// fail maps an engine error onto the error taxonomy.
func fail(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, playwright.ErrTimeout):
		return apperr.Wrap(op, apperr.CodeCommandTimeout, wrap(err))
	case errors.Is(err, context.Canceled), errors.Is(err, playwright.ErrTargetClosed):
		return apperr.Wrap(op, apperr.CodeSessionClosed, wrap(err))
	}
	return apperr.Wrap(op, apperr.CodeInternal, wrap(err))
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("playwright: %w", err)
}

func parseBoolEnv(name string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
