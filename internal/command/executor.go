// Package command runs abstract page actions from a closed handler table.
// Every command is time-bounded and reports failure as a structured Result,
// never as a Go error, so one failing command leaves the page usable.
package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-session-server/internal/apperr"
	"github.com/polzovatel/browser-session-server/internal/browser"
	"github.com/polzovatel/browser-session-server/internal/resolver"
	"github.com/polzovatel/browser-session-server/internal/vision"
)

const (
	DefaultTimeout = 30 * time.Second
	MaxTimeout     = 5 * time.Minute
)

// Request is one command addressed to a page.
type Request struct {
	Command string        `json:"command"`
	Params  Params        `json:"params,omitempty"`
	Timeout time.Duration `json:"-"`
}

// Failure is the error half of a Result.
type Failure struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

// Result is the structured outcome of a command.
type Result struct {
	Success    bool           `json:"success"`
	Command    string         `json:"command"`
	Data       map[string]any `json:"data,omitempty"`
	Error      *Failure       `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// Fail builds a failed Result from err.
func Fail(command string, err error) Result {
	return Result{Command: command, Error: &Failure{Code: apperr.CodeOf(err), Message: err.Error()}}
}

// Options configures an Executor.
type Options struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	Resolver       resolver.Options
	// Detector enables the locate command. Optional.
	Detector vision.Detector
	Logger   zerolog.Logger
}

type handler func(ctx context.Context, p browser.Page, params Params) (map[string]any, error)

// entry is a handler under its canonical name; aliases share the entry.
type entry struct {
	name string
	run  handler
}

// ErrAbandoned is the cancellation cause a caller sets when it stops waiting
// for a command while the page itself stays open.
var ErrAbandoned = apperr.New("command.execute", apperr.CodeCommandTimeout, "abandoned by caller")

// Executor dispatches commands to handlers. It holds no per-page state and
// is safe for concurrent use; serialization per page is the caller's job.
type Executor struct {
	opts     Options
	handlers map[string]entry
	specs    []Spec
	logger   zerolog.Logger
}

func New(opts Options) *Executor {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = MaxTimeout
	}
	if opts.DefaultTimeout > opts.MaxTimeout {
		opts.DefaultTimeout = opts.MaxTimeout
	}
	if opts.Resolver.MaxDepth <= 0 {
		opts.Resolver = resolver.DefaultOptions()
	}
	e := &Executor{opts: opts, logger: opts.Logger.With().Str("comp", "command").Logger()}
	e.register()
	return e
}

// Describe lists the supported commands sorted by name.
func (e *Executor) Describe() []Spec {
	out := append([]Spec(nil), e.specs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Has reports whether name is a known command or alias.
func (e *Executor) Has(name string) bool {
	_, ok := e.handlers[normalize(name)]
	return ok
}

// TimeoutFor clamps a requested timeout into (0, MaxTimeout].
func (e *Executor) TimeoutFor(requested time.Duration) time.Duration {
	switch {
	case requested <= 0:
		return e.opts.DefaultTimeout
	case requested > e.opts.MaxTimeout:
		return e.opts.MaxTimeout
	}
	return requested
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Execute runs req against p within the request's timeout.
func (e *Executor) Execute(ctx context.Context, p browser.Page, req Request) Result {
	ent, ok := e.handlers[normalize(req.Command)]
	if !ok {
		return Fail(req.Command, apperr.New("command.execute", apperr.CodeUnknownCommand, "unknown command %q", req.Command))
	}
	if req.Params == nil {
		req.Params = Params{}
	}
	timeout := e.TimeoutFor(req.Timeout)
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	name := ent.name
	data, err := ent.run(cctx, p, req.Params)
	elapsed := time.Since(start)

	if err != nil {
		err = classify(cctx, ctx, err, timeout)
		res := Fail(name, err)
		res.DurationMs = elapsed.Milliseconds()
		e.logger.Debug().Str("command", name).Dur("took", elapsed).Str("code", string(res.Error.Code)).
			Err(err).Msg("command failed")
		return res
	}
	e.logger.Debug().Str("command", name).Dur("took", elapsed).Msg("command done")
	return Result{Success: true, Command: name, Data: data, DurationMs: elapsed.Milliseconds()}
}

// classify turns a context expiry into CommandTimeout. A parent cancelled
// with ErrAbandoned is the caller leaving; any other parent cancellation
// means the page is going away.
func classify(cctx, parent context.Context, err error, timeout time.Duration) error {
	code := apperr.CodeOf(err)
	if parent.Err() != nil {
		if cause := context.Cause(parent); cause == ErrAbandoned {
			return apperr.Wrap("command.execute", apperr.CodeCommandTimeout, fmt.Errorf("abandoned by caller: %w", err))
		}
		if code == apperr.CodeBrowserCrashed || code == apperr.CodeSessionClosed {
			return err
		}
		return apperr.Wrap("command.execute", apperr.CodeSessionClosed, err)
	}
	if cctx.Err() != nil && code != apperr.CodeCommandTimeout {
		return apperr.Wrap("command.execute", apperr.CodeCommandTimeout, fmt.Errorf("exceeded %s: %w", timeout, err))
	}
	return err
}
