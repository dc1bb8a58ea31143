// Package reaper closes sessions that have been idle longer than a TTL. It
// only lists and closes sessions; it never reaches into their pages.
package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-session-server/internal/session"
)

const DefaultInterval = time.Minute

// Sessions is the part of the session manager the reaper needs.
type Sessions interface {
	ListSessions() []session.Info
	CloseSession(ctx context.Context, id string) error
}

type Reaper struct {
	sessions Sessions
	ttl      time.Duration
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// New returns a reaper. A non-positive ttl disables reclamation.
func New(sessions Sessions, ttl, interval time.Duration, logger zerolog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reaper{
		sessions: sessions,
		ttl:      ttl,
		interval: interval,
		logger:   logger.With().Str("comp", "reaper").Logger(),
		now:      time.Now,
	}
}

func (r *Reaper) Enabled() bool { return r.ttl > 0 }

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	if !r.Enabled() {
		return
	}
	r.logger.Info().Dur("idle_ttl", r.ttl).Dur("interval", r.interval).Msg("reaper started")
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep closes every session idle for at least the TTL, and crashed sessions
// regardless of age. It returns the ids it closed.
func (r *Reaper) Sweep(ctx context.Context) []string {
	if !r.Enabled() {
		return nil
	}
	now := r.now()
	var closed []string
	for _, s := range r.sessions.ListSessions() {
		idle := now.Sub(s.LastActivity)
		if s.State == session.StateActive && idle < r.ttl {
			continue
		}
		if err := r.sessions.CloseSession(ctx, s.ID); err != nil {
			r.logger.Warn().Err(err).Str("session", s.ID).Msg("reap failed")
			continue
		}
		r.logger.Info().Str("session", s.ID).Str("state", string(s.State)).Dur("idle", idle).Msg("session reaped")
		closed = append(closed, s.ID)
	}
	return closed
}
