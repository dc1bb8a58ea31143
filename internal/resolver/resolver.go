// Package resolver finds every element under a viewport point across
// same-origin iframes and open shadow roots, classifies how visible each one
// really is, and ranks them smallest first.
package resolver

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-session-server/internal/apperr"
)

const (
	DefaultMaxDepth = 50
	sampleMargin    = 2.0

	rootPath     = "document"
	framePrefix  = " > (iframe)"
	shadowSuffix = "::shadow"
)

// Options tunes a resolution. Use DefaultOptions and override fields.
type Options struct {
	IncludeHidden          bool
	CheckPartialVisibility bool
	MaxDepth               int
}

// DefaultOptions includes hidden elements, samples partial visibility and
// allows 50 nested contexts.
func DefaultOptions() Options {
	return Options{IncludeHidden: true, CheckPartialVisibility: true, MaxDepth: DefaultMaxDepth}
}

// Candidate is one element found at the queried point.
type Candidate struct {
	Node         Node       `json:"-"`
	Tag          string     `json:"tag"`
	ID           string     `json:"id,omitempty"`
	Class        string     `json:"class,omitempty"`
	Text         string     `json:"text,omitempty"`
	Path         string     `json:"path"`
	Rect         Rect       `json:"rect"`
	Area         float64    `json:"area"`
	Depth        int        `json:"depth"`
	Visibility   Visibility `json:"visibility"`
	FrameBlocked bool       `json:"frame_blocked,omitempty"`
}

// Result is the outcome of Resolve. Candidates are sorted by ascending area.
type Result struct {
	Candidates      []Candidate `json:"candidates"`
	ContextsVisited int         `json:"contexts_visited"`
	DepthTruncated  bool        `json:"depth_truncated,omitempty"`
	BlockedFrames   int         `json:"blocked_frames,omitempty"`
}

// Best returns the smallest actually visible candidate.
func (r Result) Best() (Candidate, bool) {
	for _, c := range r.Candidates {
		if c.Visibility.ActuallyVisible {
			return c, true
		}
	}
	return Candidate{}, false
}

// Resolver runs deep hit-testing against a Host.
type Resolver struct {
	host   Host
	logger zerolog.Logger
}

func New(host Host, logger zerolog.Logger) *Resolver {
	return &Resolver{host: host, logger: logger}
}

type workItem struct {
	root  Root
	x, y  float64
	path  string
	depth int
}

// Resolve collects candidates at (x, y) starting from root. Cross-origin
// frames, broken geometry and depth overruns are handled locally; only a
// failure to hit-test the root itself, or ctx cancellation, is returned.
func (r *Resolver) Resolve(ctx context.Context, root Root, x, y float64, opts Options) (Result, error) {
	if opts.MaxDepth < 0 {
		opts.MaxDepth = 0
	}
	var res Result
	visited := make(map[string]struct{})
	queue := []workItem{{root: root, x: x, y: y, path: rootPath}}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		item := queue[0]
		queue = queue[1:]

		if item.depth > opts.MaxDepth {
			res.DepthTruncated = true
			r.logger.Warn().Str("path", item.path).Int("depth", item.depth).Int("max_depth", opts.MaxDepth).
				Msg("resolver depth limit reached, skipping context")
			continue
		}
		key := item.root.Key()
		if _, seen := visited[key]; seen {
			continue
		}
		visited[key] = struct{}{}
		res.ContextsVisited++

		nodes, err := r.host.ElementsFromPoint(ctx, item.root, item.x, item.y)
		if err != nil {
			if item.depth == 0 || ctx.Err() != nil {
				return Result{}, apperr.Wrap("resolver.elements_from_point", apperr.CodeInternal, err)
			}
			r.logger.Warn().Err(err).Str("path", item.path).Msg("hit-test failed in nested context")
			continue
		}

		var veil Node
		for i, n := range nodes {
			info, err := r.host.Inspect(ctx, n)
			if err != nil {
				if ctx.Err() != nil {
					return Result{}, ctx.Err()
				}
				r.logger.Debug().Err(err).Str("path", item.path).Msg("inspect failed, element skipped")
				continue
			}
			c := Candidate{
				Node:  n,
				Tag:   info.Tag,
				ID:    info.ID,
				Class: info.Class,
				Text:  info.Text,
				Path:  item.path + " > " + label(info),
				Rect:  info.Rect,
				Area:  info.Rect.Area(),
				Depth: item.depth,
			}
			vis, err := r.classify(ctx, item.root, n, info, i == 0, veil, opts)
			if err != nil {
				return Result{}, err
			}
			if i == 0 && vis.HiddenReason == reasonTransparent {
				veil = n
			}
			c.Visibility = vis

			if info.IsFrame {
				next, blocked := r.enterFrame(ctx, n, info, item, c.Path)
				c.FrameBlocked = blocked
				if blocked {
					res.BlockedFrames++
				}
				if next != nil {
					queue = append(queue, *next)
				}
			} else if info.HasShadowRoot {
				if next := r.enterShadow(ctx, n, item, c.Path); next != nil {
					queue = append(queue, *next)
				}
			}

			if !opts.IncludeHidden && !vis.ActuallyVisible {
				continue
			}
			res.Candidates = append(res.Candidates, c)
		}
	}

	sort.SliceStable(res.Candidates, func(i, j int) bool {
		return res.Candidates[i].Area < res.Candidates[j].Area
	})
	return res, nil
}

func (r *Resolver) enterFrame(ctx context.Context, n Node, info NodeInfo, item workItem, path string) (*workItem, bool) {
	doc, err := r.host.FrameDocument(ctx, n)
	if err != nil {
		if errors.Is(err, apperr.ErrCrossOriginBlocked) {
			r.logger.Debug().Str("path", path).Msg("cross-origin frame, not descending")
			return nil, true
		}
		r.logger.Warn().Err(err).Str("path", path).Msg("frame document unavailable")
		return nil, false
	}
	if doc == nil {
		return nil, false
	}
	lx, ly := item.x-info.Rect.X, item.y-info.Rect.Y
	if lx < 0 || ly < 0 || lx > info.Rect.Width || ly > info.Rect.Height {
		return nil, false
	}
	return &workItem{root: doc, x: lx, y: ly, path: path + framePrefix, depth: item.depth + 1}, false
}

func (r *Resolver) enterShadow(ctx context.Context, n Node, item workItem, path string) *workItem {
	sr, err := r.host.ShadowRoot(ctx, n)
	if err != nil {
		r.logger.Debug().Err(err).Str("path", path).Msg("shadow root unavailable")
		return nil
	}
	if sr == nil {
		return nil
	}
	return &workItem{root: sr, x: item.x, y: item.y, path: path + shadowSuffix, depth: item.depth + 1}
}

func label(info NodeInfo) string {
	var b strings.Builder
	b.WriteString(info.Tag)
	if info.ID != "" {
		b.WriteString("#")
		b.WriteString(info.ID)
	}
	for _, cls := range strings.Fields(info.Class) {
		b.WriteString(".")
		b.WriteString(cls)
	}
	return b.String()
}
