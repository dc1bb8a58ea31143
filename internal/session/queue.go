package session

import (
	"context"
	"errors"
	"sync"

	"github.com/polzovatel/browser-session-server/internal/apperr"
	"github.com/polzovatel/browser-session-server/internal/command"
)

type runFunc func(ctx context.Context, req command.Request) command.Result

type job struct {
	ctx  context.Context
	req  command.Request
	done chan command.Result
}

// queue runs one page's commands in arrival order on a single worker, so at
// most one command is in flight against the page.
type queue struct {
	jobs   chan job
	run    runFunc
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	reason error
}

func newQueue(depth int, run runFunc) *queue {
	if depth <= 0 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &queue{
		jobs:   make(chan job, depth),
		run:    run,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go q.loop()
	return q
}

// submit enqueues req without blocking. It fails with ResourceExhausted when
// the queue is full and with the stop reason once stopped.
func (q *queue) submit(ctx context.Context, req command.Request) (<-chan command.Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, q.reason
	}
	j := job{ctx: ctx, req: req, done: make(chan command.Result, 1)}
	select {
	case q.jobs <- j:
		return j.done, nil
	default:
		return nil, apperr.New("session.submit", apperr.CodeResourceExhausted, "command queue full (%d pending)", cap(q.jobs))
	}
}

// stop rejects new work, cancels the running command and fails every queued
// one with reason. Only the first reason is kept.
func (q *queue) stop(reason error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.reason = reason
	close(q.jobs)
	q.mu.Unlock()
	q.cancel()
}

// wait blocks until the worker has exited.
func (q *queue) wait(ctx context.Context) error {
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *queue) stopReason() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reason
}

func (q *queue) loop() {
	defer close(q.done)
	for j := range q.jobs {
		if err := q.stopReason(); err != nil {
			j.done <- command.Fail(j.req.Command, err)
			continue
		}
		if err := j.ctx.Err(); err != nil {
			j.done <- command.Fail(j.req.Command, abandoned(err))
			continue
		}
		j.done <- q.exec(j)
	}
}

// abandoned reports a job whose caller stopped waiting. The page is still
// open, so it is never SessionClosed.
func abandoned(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap("session.execute", apperr.CodeCommandTimeout, err)
	}
	return apperr.Wrap("session.execute", apperr.CodeCommandTimeout, command.ErrAbandoned)
}

func (q *queue) exec(j job) command.Result {
	ctx, cancel := context.WithCancelCause(q.ctx)
	defer cancel(nil)
	detach := context.AfterFunc(j.ctx, func() { cancel(command.ErrAbandoned) })
	defer detach()

	res := q.run(ctx, j.req)
	if !res.Success {
		// A command cut short by close or crash reports why the page went away.
		if err := q.stopReason(); err != nil {
			res.Error = &command.Failure{Code: apperr.CodeOf(err), Message: err.Error()}
		}
	}
	return res
}
