package fake

import (
	"context"
	"errors"
	"sync"

	"github.com/polzovatel/browser-session-server/internal/apperr"
	"github.com/polzovatel/browser-session-server/internal/resolver"
)

// Document is an in-memory hit-testable context. Elements are kept in paint
// order, bottom first, and hit-testing honours display, visibility and size
// the way elementsFromPoint does.
type Document struct {
	key    string
	Width  float64
	Height float64

	mu    sync.RWMutex
	elems []*Element
}

// Element is a node in a Document.
type Element struct {
	Tag        string
	ID         string
	Class      string
	Text       string
	Rect       resolver.Rect
	Display    string
	Visibility string
	Opacity    float64

	// Frame is the inner document of an iframe element.
	Frame       *Document
	CrossOrigin bool
	// Shadow is an open shadow root sharing this element's coordinates.
	Shadow *Document

	parent *Element
}

func NewDocument(key string, w, h float64) *Document {
	return &Document{key: key, Width: w, Height: h}
}

func (d *Document) Key() string { return d.key }

// Add appends an element painted above everything added before it.
func (d *Document) Add(parent *Element, tag, id string, r resolver.Rect) *Element {
	el := &Element{Tag: tag, ID: id, Rect: r, Display: "block", Visibility: "visible", Opacity: 1, parent: parent}
	d.mu.Lock()
	d.elems = append(d.elems, el)
	d.mu.Unlock()
	return el
}

func (d *Document) AddFrame(parent *Element, id string, r resolver.Rect, inner *Document) *Element {
	el := d.Add(parent, "iframe", id, r)
	el.Frame = inner
	return el
}

// ByID finds an element in this document only.
func (d *Document) ByID(id string) *Element {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, el := range d.elems {
		if el.ID == id {
			return el
		}
	}
	return nil
}

func (d *Document) hit(x, y float64) []resolver.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []resolver.Node
	for i := len(d.elems) - 1; i >= 0; i-- {
		el := d.elems[i]
		if el.Display == "none" || el.Visibility == "hidden" || el.Rect.Area() == 0 {
			continue
		}
		if el.Rect.Contains(x, y) {
			out = append(out, el)
		}
	}
	return out
}

// Host implements resolver.Host over Documents and Elements.
type Host struct{}

var _ resolver.Host = Host{}

var errForeign = errors.New("fake: foreign node")

func (Host) ElementsFromPoint(ctx context.Context, root resolver.Root, x, y float64) ([]resolver.Node, error) {
	d, ok := root.(*Document)
	if !ok {
		return nil, errForeign
	}
	return d.hit(x, y), ctx.Err()
}

func (h Host) TopmostAt(ctx context.Context, root resolver.Root, x, y float64) (resolver.Node, error) {
	nodes, err := h.ElementsFromPoint(ctx, root, x, y)
	if err != nil || len(nodes) == 0 {
		return nil, err
	}
	return nodes[0], nil
}

func (Host) Inspect(_ context.Context, n resolver.Node) (resolver.NodeInfo, error) {
	el, ok := n.(*Element)
	if !ok {
		return resolver.NodeInfo{}, errForeign
	}
	return resolver.NodeInfo{
		Tag:           el.Tag,
		ID:            el.ID,
		Class:         el.Class,
		Text:          el.Text,
		Rect:          el.Rect,
		Display:       el.Display,
		Visibility:    el.Visibility,
		Opacity:       el.Opacity,
		IsFrame:       el.Tag == "iframe",
		HasShadowRoot: el.Shadow != nil,
	}, nil
}

func (Host) Contains(_ context.Context, ancestor, n resolver.Node) (bool, error) {
	a, ok := ancestor.(*Element)
	if !ok {
		return false, errForeign
	}
	el, ok := n.(*Element)
	if !ok {
		return false, errForeign
	}
	for ; el != nil; el = el.parent {
		if el == a {
			return true, nil
		}
	}
	return false, nil
}

func (Host) Viewport(_ context.Context, root resolver.Root) (resolver.Size, error) {
	d, ok := root.(*Document)
	if !ok {
		return resolver.Size{}, errForeign
	}
	return resolver.Size{Width: d.Width, Height: d.Height}, nil
}

func (Host) FrameDocument(_ context.Context, frame resolver.Node) (resolver.Root, error) {
	el, ok := frame.(*Element)
	if !ok {
		return nil, errForeign
	}
	if el.CrossOrigin {
		return nil, apperr.New("fake.frame_document", apperr.CodeCrossOriginBlocked, "cross-origin frame")
	}
	if el.Frame == nil {
		return nil, nil
	}
	return el.Frame, nil
}

func (Host) ShadowRoot(_ context.Context, n resolver.Node) (resolver.Root, error) {
	el, ok := n.(*Element)
	if !ok {
		return nil, errForeign
	}
	if el.Shadow == nil {
		return nil, nil
	}
	return el.Shadow, nil
}
