package command

import (
	"bytes"
	"context"
	"encoding/base64"
	"image/png"
	"time"

	"github.com/polzovatel/browser-session-server/internal/apperr"
	"github.com/polzovatel/browser-session-server/internal/browser"
	"github.com/polzovatel/browser-session-server/internal/geometry"
	"github.com/polzovatel/browser-session-server/internal/resolver"
	"github.com/polzovatel/browser-session-server/internal/snapshot"
)

// Spec documents one command for clients.
type Spec struct {
	Name        string         `json:"name"`
	Aliases     []string       `json:"aliases,omitempty"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type schema map[string]any

func newSpec(name, desc string, props schema, required []string, aliases ...string) Spec {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return Spec{Name: name, Aliases: aliases, Description: desc, InputSchema: s}
}

func str(desc string) map[string]any     { return map[string]any{"type": "string", "description": desc} }
func boolean(desc string) map[string]any { return map[string]any{"type": "boolean", "description": desc} }
func number(desc string) map[string]any  { return map[string]any{"type": "number", "description": desc} }
func list(desc string) map[string]any {
	return map[string]any{"type": "array", "description": desc}
}

func (e *Executor) add(spec Spec, h handler) {
	e.specs = append(e.specs, spec)
	ent := entry{name: spec.Name, run: h}
	e.handlers[spec.Name] = ent
	for _, a := range spec.Aliases {
		e.handlers[a] = ent
	}
}

func (e *Executor) register() {
	e.handlers = make(map[string]entry)
	point := schema{"x": number("viewport x"), "y": number("viewport y")}
	boxed := schema{
		"box":          list("[ymin, xmin, ymax, xmax] on the 0..1000 scale"),
		"image_width":  number("width of the image the box was detected on"),
		"image_height": number("height of the image the box was detected on"),
	}

	e.add(newSpec("navigate", "Open URL", schema{"url": str("url to open"), "wait_until": str("load|domcontentloaded|networkidle")}, []string{"url"}, "goto"), e.navigate)
	e.add(newSpec("click", "Click element by CSS selector", schema{"selector": str("CSS selector")}, []string{"selector"}), e.click)
	e.add(newSpec("click_at", "Click the most specific visible element at a viewport point", point, []string{"x", "y"}, "click_point"), e.clickAt)
	e.add(newSpec("click_box", "Click the center of a normalized detection box", boxed, []string{"box"}), e.clickBox)
	e.add(newSpec("resolve", "List every element at a point across frames and shadow roots", merge(point, boxed, schema{
		"include_hidden":           boolean("include elements that are not actually visible"),
		"check_partial_visibility": boolean("sample corners and center for partial visibility"),
		"max_depth":                number("maximum frame/shadow nesting"),
	}), nil), e.resolve)
	e.add(newSpec("type", "Type text key by key into an element", schema{"selector": str("CSS selector"), "text": str("text to type"), "delay_ms": number("delay between keys")}, []string{"selector", "text"}), e.typeText)
	e.add(newSpec("fill", "Fill input by CSS selector", schema{"selector": str("CSS selector"), "text": str("value")}, []string{"selector", "text"}), e.fill)
	e.add(newSpec("press", "Press a key, optionally on an element", schema{"selector": str("CSS selector"), "key": str("key name, e.g. Enter")}, []string{"key"}), e.press)
	e.add(newSpec("select_option", "Select options in a <select>", schema{"selector": str("CSS selector"), "values": list("option values")}, []string{"selector", "values"}), e.selectOption)
	e.add(newSpec("evaluate", "Evaluate a JavaScript expression or function", schema{"expression": str("script")}, []string{"expression"}), e.evaluate)
	e.add(newSpec("screenshot", "Capture a PNG screenshot as base64", schema{"full_page": boolean("capture the full scrollable page")}, nil), e.screenshot)
	e.add(newSpec("wait", "Sleep for ms, or wait for a load state", schema{"ms": number("milliseconds"), "state": str("load|domcontentloaded|networkidle")}, nil), e.wait)
	e.add(newSpec("wait_for_selector", "Wait for selector state", schema{"selector": str("CSS selector"), "state": str("attached|detached|visible|hidden")}, []string{"selector"}), e.waitForSelector)
	e.add(newSpec("go_back", "Navigate back in history", nil, nil), e.goBack)
	e.add(newSpec("go_forward", "Navigate forward in history", nil, nil), e.goForward)
	e.add(newSpec("reload", "Reload the page", nil, nil), e.reload)
	e.add(newSpec("get_info", "Current URL, title and viewport", nil, nil), e.getInfo)
	e.add(newSpec("snapshot", "Visible text and ranked interactive elements", schema{"max_elements": number("elements to keep")}, nil), e.snapshot)
	e.add(newSpec("locate", "Screenshot, detect elements with the vision model, return pixel boxes", schema{"prompt": str("what to look for")}, nil), e.locate)
}

func merge(ss ...schema) schema {
	out := schema{}
	for _, s := range ss {
		for k, v := range s {
			out[k] = v
		}
	}
	return out
}

func pageInfo(ctx context.Context, p browser.Page) (map[string]any, error) {
	title, err := p.Title(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"url": p.URL(), "title": title, "viewport": p.Viewport()}, nil
}

func (e *Executor) navigate(ctx context.Context, p browser.Page, params Params) (map[string]any, error) {
	url, err := params.requiredString("url")
	if err != nil {
		return nil, err
	}
	wait, err := browser.ParseLoadState(params.optionalString("wait_until"), browser.LoadStateLoad)
	if err != nil {
		return nil, err
	}
	if err := p.Navigate(ctx, url, wait); err != nil {
		return nil, err
	}
	return pageInfo(ctx, p)
}

func (e *Executor) click(ctx context.Context, p browser.Page, params Params) (map[string]any, error) {
	sel, err := params.selector("selector")
	if err != nil {
		return nil, err
	}
	if err := p.Click(ctx, sel); err != nil {
		return nil, err
	}
	return map[string]any{"selector": sel}, nil
}

func resolverOptions(base resolver.Options, params Params) (resolver.Options, error) {
	opts := base
	opts.IncludeHidden = params.optionalBool(base.IncludeHidden, "include_hidden")
	opts.CheckPartialVisibility = params.optionalBool(base.CheckPartialVisibility, "check_partial_visibility")
	depth, err := params.optionalInt(base.MaxDepth, "max_depth")
	if err != nil {
		return opts, err
	}
	opts.MaxDepth = depth
	return opts, nil
}

// resolveAt runs the resolver and hands the result to use while the
// page handles are still alive.
func (e *Executor) resolveAt(ctx context.Context, p browser.Page, x, y float64, opts resolver.Options, use func(resolver.Result) error) error {
	ht, err := p.HitTest(ctx)
	if err != nil {
		return err
	}
	defer ht.Release()
	res, err := resolver.New(ht.Host, e.logger).Resolve(ctx, ht.Root, x, y, opts)
	if err != nil {
		return err
	}
	return use(res)
}

func (e *Executor) clickPoint(ctx context.Context, p browser.Page, x, y float64) (map[string]any, error) {
	data := map[string]any{"x": x, "y": y}
	err := e.resolveAt(ctx, p, x, y, e.opts.Resolver, func(res resolver.Result) error {
		data["candidates"] = len(res.Candidates)
		best, ok := res.Best()
		if !ok {
			data["unresolved_fallback"] = true
			return p.ClickPoint(ctx, x, y)
		}
		data["unresolved_fallback"] = false
		data["target"] = best
		return p.ClickNode(ctx, best.Node)
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (e *Executor) point(params Params) (float64, float64, error) {
	x, err := params.requiredFloat("x")
	if err != nil {
		return 0, 0, err
	}
	y, err := params.requiredFloat("y")
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

func (e *Executor) clickAt(ctx context.Context, p browser.Page, params Params) (map[string]any, error) {
	x, y, err := e.point(params)
	if err != nil {
		return nil, err
	}
	return e.clickPoint(ctx, p, x, y)
}

// boxCenter normalizes a box against the supplied image size. Missing
// dimensions degrade to raw 0..1000 values, flagged in the result.
func boxCenter(params Params) (geometry.PixelRect, bool, error) {
	box, err := params.box("box")
	if err != nil {
		return geometry.PixelRect{}, false, err
	}
	w, err := params.optionalInt(0, "image_width")
	if err != nil {
		return geometry.PixelRect{}, false, err
	}
	h, err := params.optionalInt(0, "image_height")
	if err != nil {
		return geometry.PixelRect{}, false, err
	}
	rect, degraded := geometry.ToPixelOrRaw(box, w, h)
	return rect, degraded, nil
}

func (e *Executor) clickBox(ctx context.Context, p browser.Page, params Params) (map[string]any, error) {
	rect, degraded, err := boxCenter(params)
	if err != nil {
		return nil, err
	}
	data, err := e.clickPoint(ctx, p, rect.CenterX, rect.CenterY)
	if err != nil {
		return nil, err
	}
	data["rect"] = rect
	data["degraded"] = degraded
	return data, nil
}

func (e *Executor) resolve(ctx context.Context, p browser.Page, params Params) (map[string]any, error) {
	data := map[string]any{}
	var x, y float64
	if _, ok := params["box"]; ok {
		rect, degraded, err := boxCenter(params)
		if err != nil {
			return nil, err
		}
		x, y = rect.CenterX, rect.CenterY
		data["rect"] = rect
		data["degraded"] = degraded
	} else {
		var err error
		if x, y, err = e.point(params); err != nil {
			return nil, err
		}
	}
	opts, err := resolverOptions(e.opts.Resolver, params)
	if err != nil {
		return nil, err
	}
	err = e.resolveAt(ctx, p, x, y, opts, func(res resolver.Result) error {
		data["x"], data["y"] = x, y
		data["candidates"] = res.Candidates
		data["contexts_visited"] = res.ContextsVisited
		data["depth_truncated"] = res.DepthTruncated
		data["blocked_frames"] = res.BlockedFrames
		if best, ok := res.Best(); ok {
			data["best"] = best
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (e *Executor) typeText(ctx context.Context, p browser.Page, params Params) (map[string]any, error) {
	sel, err := params.selector("selector")
	if err != nil {
		return nil, err
	}
	text, err := params.requiredString("text")
	if err != nil {
		return nil, err
	}
	delay, err := params.optionalInt(0, "delay_ms", "delay")
	if err != nil {
		return nil, err
	}
	if err := p.Type(ctx, sel, text, time.Duration(delay)*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]any{"selector": sel, "length": len(text)}, nil
}

func (e *Executor) fill(ctx context.Context, p browser.Page, params Params) (map[string]any, error) {
	sel, err := params.selector("selector")
	if err != nil {
		return nil, err
	}
	// An empty value is a valid way to clear a field.
	if _, _, ok := params.lookup("text", "value"); !ok {
		return nil, invalid("field text required")
	}
	text := params.optionalString("text", "value")
	if err := p.Fill(ctx, sel, text); err != nil {
		return nil, err
	}
	return map[string]any{"selector": sel}, nil
}

func (e *Executor) press(ctx context.Context, p browser.Page, params Params) (map[string]any, error) {
	key, err := params.requiredString("key")
	if err != nil {
		return nil, err
	}
	sel := sanitizeSelector(params.optionalString("selector"))
	if err := p.Press(ctx, sel, key); err != nil {
		return nil, err
	}
	return map[string]any{"selector": sel, "key": key}, nil
}

func (e *Executor) selectOption(ctx context.Context, p browser.Page, params Params) (map[string]any, error) {
	sel, err := params.selector("selector")
	if err != nil {
		return nil, err
	}
	values, err := params.optionalStrings("values", "value")
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, invalid("field values required")
	}
	got, err := p.SelectOption(ctx, sel, values)
	if err != nil {
		return nil, err
	}
	return map[string]any{"selector": sel, "selected": got}, nil
}

func (e *Executor) evaluate(ctx context.Context, p browser.Page, params Params) (map[string]any, error) {
	expr, err := params.requiredString("expression", "script")
	if err != nil {
		return nil, err
	}
	var args []any
	if arg, ok := params["arg"]; ok {
		args = append(args, arg)
	}
	v, err := p.Evaluate(ctx, expr, args...)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": v}, nil
}

func capture(ctx context.Context, p browser.Page, fullPage bool) ([]byte, int, int, error) {
	img, err := p.Screenshot(ctx, fullPage)
	if err != nil {
		return nil, 0, 0, err
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, 0, 0, apperr.Wrap("command.screenshot", apperr.CodeInternal, err)
	}
	return img, cfg.Width, cfg.Height, nil
}

func (e *Executor) screenshot(ctx context.Context, p browser.Page, params Params) (map[string]any, error) {
	img, w, h, err := capture(ctx, p, params.optionalBool(false, "full_page"))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"data":      base64.StdEncoding.EncodeToString(img),
		"mime_type": "image/png",
		"width":     w,
		"height":    h,
	}, nil
}

func (e *Executor) wait(ctx context.Context, p browser.Page, params Params) (map[string]any, error) {
	if _, _, ok := params.lookup("ms", "duration_ms"); ok {
		ms, err := params.optionalInt(0, "ms", "duration_ms")
		if err != nil {
			return nil, err
		}
		if ms < 0 {
			return nil, invalid("field ms must not be negative")
		}
		t := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, apperr.Wrap("command.wait", apperr.CodeCommandTimeout, ctx.Err())
		}
		return map[string]any{"waited_ms": ms}, nil
	}
	state, err := browser.ParseLoadState(params.optionalString("state"), browser.LoadStateLoad)
	if err != nil {
		return nil, err
	}
	if err := p.WaitForLoad(ctx, state); err != nil {
		return nil, err
	}
	return map[string]any{"state": state}, nil
}

func (e *Executor) waitForSelector(ctx context.Context, p browser.Page, params Params) (map[string]any, error) {
	sel, err := params.selector("selector")
	if err != nil {
		return nil, err
	}
	state, err := browser.ParseElementState(params.optionalString("state"))
	if err != nil {
		return nil, err
	}
	if err := p.WaitForSelector(ctx, sel, state); err != nil {
		return nil, err
	}
	return map[string]any{"selector": sel, "state": state}, nil
}

func (e *Executor) goBack(ctx context.Context, p browser.Page, _ Params) (map[string]any, error) {
	if err := p.GoBack(ctx); err != nil {
		return nil, err
	}
	return pageInfo(ctx, p)
}

func (e *Executor) goForward(ctx context.Context, p browser.Page, _ Params) (map[string]any, error) {
	if err := p.GoForward(ctx); err != nil {
		return nil, err
	}
	return pageInfo(ctx, p)
}

func (e *Executor) reload(ctx context.Context, p browser.Page, _ Params) (map[string]any, error) {
	if err := p.Reload(ctx); err != nil {
		return nil, err
	}
	return pageInfo(ctx, p)
}

func (e *Executor) getInfo(ctx context.Context, p browser.Page, _ Params) (map[string]any, error) {
	return pageInfo(ctx, p)
}

func (e *Executor) snapshot(ctx context.Context, p browser.Page, params Params) (map[string]any, error) {
	keep, err := params.optionalInt(0, "max_elements")
	if err != nil {
		return nil, err
	}
	sum, err := snapshot.Collect(ctx, p, snapshot.Options{Keep: keep})
	if err != nil {
		return nil, err
	}
	return map[string]any{"url": sum.URL, "title": sum.Title, "visible": sum.Visible, "elements": sum.Elements}, nil
}

type located struct {
	Label string                `json:"label"`
	Box   geometry.DetectionBox `json:"box_2d"`
	Rect  geometry.PixelRect    `json:"rect"`
}

func (e *Executor) locate(ctx context.Context, p browser.Page, params Params) (map[string]any, error) {
	if e.opts.Detector == nil {
		return nil, apperr.New("command.locate", apperr.CodeValidation, "no vision detector configured")
	}
	img, w, h, err := capture(ctx, p, false)
	if err != nil {
		return nil, err
	}
	dets, err := e.opts.Detector.Detect(ctx, img, "image/png", params.optionalString("prompt"))
	if err != nil {
		return nil, apperr.Wrap("command.locate", apperr.CodeInternal, err)
	}
	out := make([]located, 0, len(dets))
	for _, d := range dets {
		rect, err := geometry.ToPixel(d.Box, w, h)
		if err != nil {
			return nil, err
		}
		out = append(out, located{Label: d.Label, Box: d.Box, Rect: rect})
	}
	return map[string]any{"detections": out, "image_width": w, "image_height": h}, nil
}
