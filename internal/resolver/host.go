package resolver

import "context"

// Node is an opaque reference to a live element owned by the Host. The
// resolver never keeps a Node beyond a single Resolve call.
type Node any

// Root is a hit-testable context: a document or an open shadow root.
type Root interface {
	// Key identifies the underlying context; two Roots for the same document
	// must return the same key.
	Key() string
}

// Rect is a bounding rectangle in the coordinate space of the owning document.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area is width x height, never negative.
func (r Rect) Area() float64 {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

// Contains reports whether (x, y) lies inside r, edges included.
func (r Rect) Contains(x, y float64) bool {
	return x >= r.X && y >= r.Y && x <= r.X+r.Width && y <= r.Y+r.Height
}

// NodeInfo is the geometry and style a Host reports for an element.
type NodeInfo struct {
	Tag        string
	ID         string
	Class      string
	Text       string
	Rect       Rect
	Display    string
	Visibility string
	// Opacity is the effective opacity including ancestors.
	Opacity       float64
	IsFrame       bool
	HasShadowRoot bool
}

// Size is a viewport size in CSS pixels.
type Size struct {
	Width  float64
	Height float64
}

// Host is the browser-side primitive set the resolver runs on.
//
// ElementsFromPoint must return elements in paint order, topmost first. The
// resolver does not reconstruct stacking order on its own.
type Host interface {
	ElementsFromPoint(ctx context.Context, root Root, x, y float64) ([]Node, error)
	// TopmostAt returns the single topmost element at (x, y), or nil.
	TopmostAt(ctx context.Context, root Root, x, y float64) (Node, error)
	Inspect(ctx context.Context, n Node) (NodeInfo, error)
	// Contains reports whether n is ancestor or a descendant of it.
	Contains(ctx context.Context, ancestor, n Node) (bool, error)
	Viewport(ctx context.Context, root Root) (Size, error)
	// FrameDocument returns the inner document of a frame element. It fails
	// with apperr.CodeCrossOriginBlocked when the document is inaccessible.
	FrameDocument(ctx context.Context, frame Node) (Root, error)
	// ShadowRoot returns the open shadow root of n, or nil when there is none.
	ShadowRoot(ctx context.Context, n Node) (Root, error)
}
