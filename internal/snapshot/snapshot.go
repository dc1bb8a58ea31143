package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	defaultCollectLimit = 300
	defaultKeep         = 150
	maxVisibleText      = 1200
)

// Source is the slice of a page the collector needs.
type Source interface {
	URL() string
	Title(ctx context.Context) (string, error)
	Evaluate(ctx context.Context, expr string, args ...any) (any, error)
}

// Element describes minimal info about an interactive node.
type Element struct {
	Role  string `json:"role"`
	Text  string `json:"text"`
	Attr  string `json:"attr"`
	BBox  string `json:"bbox"`
	Sel   string `json:"selector"`
	Frame string `json:"frame,omitempty"`
}

// Summary is a compact view of the current page.
type Summary struct {
	URL      string    `json:"url"`
	Title    string    `json:"title"`
	Visible  string    `json:"visible"`
	Elements []Element `json:"elements"`
}

// Options bounds a collection. Zero values use the defaults.
type Options struct {
	Collect int
	Keep    int
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\nTITLE: %s\nTEXT: %s\nELEMENTS:\n", s.URL, s.Title, s.Visible)
	for i, el := range s.Elements {
		fmt.Fprintf(&b, "%d) role=%s text=%s attr=%s bbox=%s\n", i+1, el.Role, el.Text, el.Attr, el.BBox)
	}
	return b.String()
}

// Collect gathers visible text and interactive elements from the document,
// its open shadow roots and same-origin iframes, keeping the most relevant.
func Collect(ctx context.Context, src Source, opts Options) (Summary, error) {
	if opts.Collect <= 0 {
		opts.Collect = defaultCollectLimit
	}
	if opts.Keep <= 0 {
		opts.Keep = defaultKeep
	}
	title, err := src.Title(ctx)
	if err != nil {
		return Summary{}, err
	}

	text := ""
	if v, err := src.Evaluate(ctx, visibleTextScript); err == nil {
		text, _ = v.(string)
	} else if ctx.Err() != nil {
		return Summary{}, err
	}
	text = strings.TrimSpace(text)
	if len(text) > maxVisibleText {
		text = text[:maxVisibleText]
	}

	elems, err := collectInteractive(ctx, src, opts.Collect)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		URL:      src.URL(),
		Title:    title,
		Visible:  text,
		Elements: filterAndRankElements(elems, opts.Keep),
	}, nil
}

const visibleTextScript = `() => (document.body && document.body.innerText) || ""`

const collectScript = `(limit) => {
	const pick = [];
	const attrNames = ["name", "aria-label", "placeholder", "type", "value", "title", "href", "data-testid"];
	function selectorFor(el, role, text) {
		if (el.id) return "#" + el.id;
		const name = el.getAttribute("name");
		if (name) return "[name=\"" + name + "\"]";
		const testId = el.getAttribute("data-testid");
		if (testId) return "[data-testid=\"" + testId + "\"]";
		const label = el.getAttribute("aria-label") || "";
		let safe = (label || text.split("\n")[0].slice(0, 30)).replace(/["\[\]\n\r]/g, " ").trim().slice(0, 40);
		if (el.getAttribute("role") && safe) return "[role=\"" + role + "\"][aria-label*=\"" + safe + "\"]";
		const tag = el.tagName.toLowerCase();
		const siblings = Array.from(el.parentElement ? el.parentElement.children : []);
		const idx = siblings.filter(c => c.tagName === el.tagName).indexOf(el) + 1;
		return idx > 0 ? tag + ":nth-of-type(" + idx + ")" : tag;
	}
	function scan(root, frame) {
		if (!root || pick.length >= limit) return;
		let nodes;
		try {
			nodes = root.querySelectorAll("a,button,input,select,textarea,[role],[tabindex],[data-testid],[onclick],[contenteditable]");
		} catch (e) { return; }
		for (const el of nodes) {
			if (pick.length >= limit) return;
			const rect = el.getBoundingClientRect();
			if (rect.width === 0 && rect.height === 0) continue;
			const bbox = [Math.round(rect.x), Math.round(rect.y), Math.round(rect.width), Math.round(rect.height)].join(",");
			const role = el.getAttribute("role") || el.tagName.toLowerCase();
			const attr = attrNames.map(a => { const v = el.getAttribute(a); return v ? a + ":" + v : ""; }).filter(Boolean).join("|");
			const text = ((el.innerText || el.textContent || el.value || "") + "").trim().slice(0, 120);
			if (!text && !attr) continue;
			pick.push({role, text, attr, bbox, selector: selectorFor(el, role, text), frame});
			if (el.shadowRoot) scan(el.shadowRoot, frame);
		}
	}
	scan(document, "");
	const frames = document.querySelectorAll("iframe");
	for (let i = 0; i < frames.length && pick.length < limit; i++) {
		let doc = null;
		try { doc = frames[i].contentDocument; } catch (e) {}
		if (doc) scan(doc, frames[i].id ? "#" + frames[i].id : "iframe[" + i + "]");
	}
	return pick;
}`

func collectInteractive(ctx context.Context, src Source, limit int) ([]Element, error) {
	val, err := src.Evaluate(ctx, collectScript, limit)
	if err != nil {
		return nil, err
	}
	if val == nil {
		return nil, nil
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	var elems []Element
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("decode elements: %w", err)
	}
	if len(elems) > limit {
		elems = elems[:limit]
	}
	return elems, nil
}

// filterAndRankElements drops irrelevant elements and keeps the best
// maxCount, highest score first. Equal scores keep document order.
func filterAndRankElements(elems []Element, maxCount int) []Element {
	if len(elems) <= maxCount {
		return elems
	}
	type scoredElement struct {
		element Element
		score   int
	}
	scored := make([]scoredElement, 0, len(elems))
	for _, el := range elems {
		if score := scoreElement(el); score > 0 {
			scored = append(scored, scoredElement{element: el, score: score})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	result := make([]Element, 0, maxCount)
	for i := 0; i < len(scored) && i < maxCount; i++ {
		result = append(result, scored[i].element)
	}
	return result
}

var interactiveRoles = map[string]bool{
	"button": true, "a": true, "link": true, "input": true, "select": true,
	"textarea": true, "checkbox": true, "radio": true, "tab": true, "menuitem": true, "option": true,
}

func scoreElement(el Element) int {
	score := 0
	attr := strings.ToLower(el.Attr)

	if el.Role != "" && el.Role != "generic" && el.Role != "presentation" {
		score += 3
	}
	if interactiveRoles[strings.ToLower(el.Role)] {
		score += 3
	}
	if len(el.Text) > 0 {
		score += 3
		if len(el.Text) > 2 && len(el.Text) < 200 {
			score += 2
		}
	}
	if strings.Contains(attr, "aria-label") {
		score += 2
	}
	if strings.Contains(attr, "placeholder") || strings.Contains(attr, "data-testid") {
		score++
	}
	if strings.HasPrefix(el.Sel, "#") {
		score++
	}
	if len(el.Text) == 0 && el.Role == "" {
		score -= 5
	}
	// Long text is usually a container, not a control.
	if len(el.Text) > 500 {
		score -= 3
	}
	return score
}
