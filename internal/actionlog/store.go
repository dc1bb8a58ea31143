// Package actionlog keeps bounded per-page console and network telemetry.
package actionlog

import (
	"strings"
	"sync/atomic"
	"time"
)

const (
	DefaultConsoleCapacity = 1000
	DefaultNetworkCapacity = 500
)

// Stream selects one of the two buffers of a Store.
type Stream string

const (
	StreamConsole Stream = "console"
	StreamNetwork Stream = "network"
)

// Config sets buffer capacities. Non-positive values take the defaults.
type Config struct {
	ConsoleCapacity int
	NetworkCapacity int
}

// Query filters entries. All supplied predicates must match. Since/Until form
// the half-open interval [Since, Until); zero values leave a side open.
// Limit > 0 keeps only the most recent Limit matches.
type Query struct {
	Types        []Kind
	Since        time.Time
	Until        time.Time
	TextContains string
	Limit        int
}

// ErrorsOnly narrows q to error and warning console entries.
func ErrorsOnly(q Query) Query {
	q.Types = []Kind{KindError, KindWarning}
	return q
}

// Stats describes a buffer's occupancy.
type Stats struct {
	Retained int    `json:"total_captured"`
	Appended uint64 `json:"appended"`
	Dropped  uint64 `json:"dropped"`
}

// Store holds one page's console and network buffers. Append is safe to call
// from engine event goroutines while queries run; neither blocks on the page's
// command queue.
type Store struct {
	console *ring[Entry]
	network *ring[Entry]
	seq     atomic.Uint64
	closed  atomic.Bool
	now     func() time.Time
}

// NewStore creates an empty store.
func NewStore(cfg Config) *Store {
	if cfg.ConsoleCapacity <= 0 {
		cfg.ConsoleCapacity = DefaultConsoleCapacity
	}
	if cfg.NetworkCapacity <= 0 {
		cfg.NetworkCapacity = DefaultNetworkCapacity
	}
	return &Store{
		console: newRing[Entry](cfg.ConsoleCapacity),
		network: newRing[Entry](cfg.NetworkCapacity),
		now:     time.Now,
	}
}

// Append records e in the buffer matching its kind, evicting the oldest entry
// on overflow. It never blocks for long and never fails; appends after Close
// are discarded.
func (s *Store) Append(e Entry) {
	if s.closed.Load() {
		return
	}
	e.Seq = s.seq.Add(1)
	if e.Time.IsZero() {
		e.Time = s.now()
	}
	if e.Kind == "" {
		e.Kind = KindLog
	}
	if e.Kind.IsNetwork() {
		s.network.push(e)
		return
	}
	s.console.push(e)
}

// Query returns matching entries from stream in chronological order.
func (s *Store) Query(stream Stream, q Query) []Entry {
	entries, _ := s.buffer(stream).snapshot()

	var types map[Kind]struct{}
	if len(q.Types) > 0 {
		types = make(map[Kind]struct{}, len(q.Types))
		for _, t := range q.Types {
			types[t] = struct{}{}
		}
	}
	needle := strings.ToLower(q.TextContains)

	out := entries[:0]
	for _, e := range entries {
		if types != nil {
			if _, ok := types[e.Kind]; !ok {
				continue
			}
		}
		if !q.Since.IsZero() && e.Time.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && !e.Time.Before(q.Until) {
			continue
		}
		if !e.matchesText(needle) {
			continue
		}
		out = append(out, e)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// Stats reports occupancy of stream.
func (s *Store) Stats(stream Stream) Stats {
	b := s.buffer(stream)
	entries, total := b.snapshot()
	return Stats{
		Retained: len(entries),
		Appended: total,
		Dropped:  total - uint64(len(entries)),
	}
}

// Close discards retained entries and stops accepting appends.
func (s *Store) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.console.reset()
	s.network.reset()
}

func (s *Store) buffer(stream Stream) *ring[Entry] {
	if stream == StreamNetwork {
		return s.network
	}
	return s.console
}
