package browser

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/playwright-community/playwright-go"

	"github.com/polzovatel/browser-session-server/internal/apperr"
	"github.com/polzovatel/browser-session-server/internal/resolver"
)

// All handles are evaluated in the top frame's world; same-origin frame
// documents are reached through contentDocument, so one key map covers
// every context.
const (
	contextKeyScript = `(r) => {
		const w = window;
		if (!w.__bsdCtx) { w.__bsdCtx = new WeakMap(); w.__bsdSeq = 0; }
		let k = w.__bsdCtx.get(r);
		if (!k) { k = 'ctx-' + (++w.__bsdSeq); w.__bsdCtx.set(r, k); }
		return k;
	}`

	elementsFromPointScript = `(r, p) => r.elementsFromPoint(p[0], p[1])`
	elementFromPointScript  = `(r, p) => r.elementFromPoint(p[0], p[1])`
	containsScript          = `(a, b) => a === b || a.contains(b)`

	viewportScript = `(r) => {
		const d = r.ownerDocument || r;
		const w = d.defaultView;
		if (!w) return [0, 0];
		return [w.innerWidth || d.documentElement.clientWidth || 0, w.innerHeight || d.documentElement.clientHeight || 0];
	}`

	inspectScript = `(el) => {
		const r = el.getBoundingClientRect();
		const view = el.ownerDocument.defaultView || window;
		const s = view.getComputedStyle(el);
		let opacity = 1;
		for (let n = el; n; ) {
			const ns = (n.ownerDocument.defaultView || window).getComputedStyle(n);
			opacity *= parseFloat(ns.opacity);
			if (n.parentElement) { n = n.parentElement; continue; }
			const root = n.getRootNode();
			n = root && root.host ? root.host : null;
		}
		const tag = (el.tagName || '').toLowerCase();
		const cls = typeof el.className === 'string' ? el.className : (el.getAttribute('class') || '');
		const text = ((el.innerText || el.textContent || '') + '').trim().slice(0, 80);
		return {
			tag, id: el.id || '', cls, text,
			x: r.left, y: r.top, w: r.width, h: r.height,
			display: s.display, visibility: s.visibility,
			opacity: isNaN(opacity) ? 1 : opacity,
			frame: tag === 'iframe' || tag === 'frame',
			shadow: !!el.shadowRoot,
		};
	}`

	frameAccessScript = `(f) => { try { return !!f.contentDocument; } catch (e) { return false; } }`
	frameDocScript    = `(f) => f.contentDocument`
	hasShadowScript   = `(el) => !!el.shadowRoot`
	shadowRootScript  = `(el) => el.shadowRoot`
)

// jsHost implements resolver.Host over playwright JS handles.
type jsHost struct {
	mu      sync.Mutex
	handles []playwright.JSHandle
}

type jsRoot struct {
	handle playwright.JSHandle
	key    string
}

func (r *jsRoot) Key() string { return r.key }

func (h *jsHost) track(hs ...playwright.JSHandle) {
	h.mu.Lock()
	h.handles = append(h.handles, hs...)
	h.mu.Unlock()
}

func (h *jsHost) release() {
	h.mu.Lock()
	hs := h.handles
	h.handles = nil
	h.mu.Unlock()
	for _, hd := range hs {
		_ = hd.Dispose()
	}
}

func (h *jsHost) root(ctx context.Context, handle playwright.JSHandle) (*jsRoot, error) {
	v, err := await(ctx, func() (any, error) { return handle.Evaluate(contextKeyScript) })
	if err != nil {
		return nil, err
	}
	key, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("context key: unexpected %T", v)
	}
	return &jsRoot{handle: handle, key: key}, nil
}

func rootHandle(r resolver.Root) (playwright.JSHandle, error) {
	jr, ok := r.(*jsRoot)
	if !ok {
		return nil, fmt.Errorf("root %T is not a page context", r)
	}
	return jr.handle, nil
}

func nodeHandle(n resolver.Node) (playwright.JSHandle, error) {
	hd, ok := n.(playwright.JSHandle)
	if !ok {
		return nil, fmt.Errorf("node %T is not a page handle", n)
	}
	return hd, nil
}

func (h *jsHost) ElementsFromPoint(ctx context.Context, root resolver.Root, x, y float64) ([]resolver.Node, error) {
	rh, err := rootHandle(root)
	if err != nil {
		return nil, err
	}
	arr, err := await(ctx, func() (playwright.JSHandle, error) {
		return rh.EvaluateHandle(elementsFromPointScript, []float64{x, y})
	})
	if err != nil {
		return nil, wrap(err)
	}
	defer arr.Dispose()
	props, err := await(ctx, arr.GetProperties)
	if err != nil {
		return nil, wrap(err)
	}

	type indexed struct {
		i int
		h playwright.JSHandle
	}
	items := make([]indexed, 0, len(props))
	for k, v := range props {
		i, err := strconv.Atoi(k)
		if err != nil {
			_ = v.Dispose()
			continue
		}
		items = append(items, indexed{i, v})
	}
	sort.Slice(items, func(a, b int) bool { return items[a].i < items[b].i })

	nodes := make([]resolver.Node, 0, len(items))
	for _, it := range items {
		h.track(it.h)
		nodes = append(nodes, it.h)
	}
	return nodes, nil
}

func (h *jsHost) TopmostAt(ctx context.Context, root resolver.Root, x, y float64) (resolver.Node, error) {
	rh, err := rootHandle(root)
	if err != nil {
		return nil, err
	}
	el, err := await(ctx, func() (playwright.JSHandle, error) {
		return rh.EvaluateHandle(elementFromPointScript, []float64{x, y})
	})
	if err != nil {
		return nil, wrap(err)
	}
	h.track(el)
	if el.AsElement() == nil {
		return nil, nil
	}
	return el, nil
}

func (h *jsHost) Inspect(ctx context.Context, n resolver.Node) (resolver.NodeInfo, error) {
	nh, err := nodeHandle(n)
	if err != nil {
		return resolver.NodeInfo{}, err
	}
	v, err := await(ctx, func() (any, error) { return nh.Evaluate(inspectScript) })
	if err != nil {
		return resolver.NodeInfo{}, wrap(err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return resolver.NodeInfo{}, fmt.Errorf("inspect: unexpected %T", v)
	}
	return resolver.NodeInfo{
		Tag:           str(m["tag"]),
		ID:            str(m["id"]),
		Class:         str(m["cls"]),
		Text:          str(m["text"]),
		Rect:          resolver.Rect{X: num(m["x"]), Y: num(m["y"]), Width: num(m["w"]), Height: num(m["h"])},
		Display:       str(m["display"]),
		Visibility:    str(m["visibility"]),
		Opacity:       num(m["opacity"]),
		IsFrame:       m["frame"] == true,
		HasShadowRoot: m["shadow"] == true,
	}, nil
}

func (h *jsHost) Contains(ctx context.Context, ancestor, n resolver.Node) (bool, error) {
	ah, err := nodeHandle(ancestor)
	if err != nil {
		return false, err
	}
	nh, err := nodeHandle(n)
	if err != nil {
		return false, err
	}
	v, err := await(ctx, func() (any, error) { return ah.Evaluate(containsScript, nh) })
	if err != nil {
		return false, wrap(err)
	}
	return v == true, nil
}

func (h *jsHost) Viewport(ctx context.Context, root resolver.Root) (resolver.Size, error) {
	rh, err := rootHandle(root)
	if err != nil {
		return resolver.Size{}, err
	}
	v, err := await(ctx, func() (any, error) { return rh.Evaluate(viewportScript) })
	if err != nil {
		return resolver.Size{}, wrap(err)
	}
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		return resolver.Size{}, fmt.Errorf("viewport: unexpected %T", v)
	}
	return resolver.Size{Width: num(arr[0]), Height: num(arr[1])}, nil
}

func (h *jsHost) FrameDocument(ctx context.Context, frame resolver.Node) (resolver.Root, error) {
	fh, err := nodeHandle(frame)
	if err != nil {
		return nil, err
	}
	ok, err := await(ctx, func() (any, error) { return fh.Evaluate(frameAccessScript) })
	if err != nil {
		return nil, wrap(err)
	}
	if ok != true {
		return nil, apperr.New("browser.frame_document", apperr.CodeCrossOriginBlocked, "frame document is not accessible")
	}
	doc, err := await(ctx, func() (playwright.JSHandle, error) { return fh.EvaluateHandle(frameDocScript) })
	if err != nil {
		return nil, wrap(err)
	}
	h.track(doc)
	r, err := h.root(ctx, doc)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (h *jsHost) ShadowRoot(ctx context.Context, n resolver.Node) (resolver.Root, error) {
	nh, err := nodeHandle(n)
	if err != nil {
		return nil, err
	}
	has, err := await(ctx, func() (any, error) { return nh.Evaluate(hasShadowScript) })
	if err != nil {
		return nil, wrap(err)
	}
	if has != true {
		return nil, nil
	}
	sr, err := await(ctx, func() (playwright.JSHandle, error) { return nh.EvaluateHandle(shadowRootScript) })
	if err != nil {
		return nil, wrap(err)
	}
	h.track(sr)
	r, err := h.root(ctx, sr)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
