package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	url      string
	title    string
	text     string
	elements []any
	evalErr  error
}

func (s stubSource) URL() string { return s.url }

func (s stubSource) Title(context.Context) (string, error) { return s.title, nil }

func (s stubSource) Evaluate(_ context.Context, expr string, _ ...any) (any, error) {
	if s.evalErr != nil {
		return nil, s.evalErr
	}
	if expr == visibleTextScript {
		return s.text, nil
	}
	return s.elements, nil
}

func TestCollectDecodesElements(t *testing.T) {
	src := stubSource{
		url:   "https://example.com/login",
		title: "Login",
		text:  "  Welcome back  ",
		elements: []any{
			map[string]any{"role": "button", "text": "Sign in", "attr": "type:submit", "bbox": "10,10,80,30", "selector": "#signin"},
			map[string]any{"role": "input", "text": "", "attr": "name:email|placeholder:Email", "bbox": "10,50,200,30", "selector": "[name=\"email\"]", "frame": "#auth"},
		},
	}
	sum, err := Collect(context.Background(), src, Options{})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/login", sum.URL)
	assert.Equal(t, "Login", sum.Title)
	assert.Equal(t, "Welcome back", sum.Visible)
	require.Len(t, sum.Elements, 2)
	assert.Equal(t, "#signin", sum.Elements[0].Sel)
	assert.Equal(t, "#auth", sum.Elements[1].Frame)
	assert.Contains(t, sum.String(), "1) role=button text=Sign in")
}

func TestCollectTruncatesVisibleText(t *testing.T) {
	src := stubSource{text: strings.Repeat("x", 5000)}
	sum, err := Collect(context.Background(), src, Options{})
	require.NoError(t, err)
	assert.Len(t, sum.Visible, maxVisibleText)
	assert.Empty(t, sum.Elements)
}

func TestCollectPropagatesEvaluateError(t *testing.T) {
	_, err := Collect(context.Background(), stubSource{evalErr: errors.New("context destroyed")}, Options{})
	assert.Error(t, err)
}

func TestFilterAndRankKeepsBestInStableOrder(t *testing.T) {
	var elems []Element
	for i := 0; i < 10; i++ {
		elems = append(elems, Element{Role: "div", Text: strings.Repeat("long ", 200)})
	}
	elems = append(elems,
		Element{Role: "button", Text: "Buy", Attr: "aria-label:Buy now", Sel: "#buy"},
		Element{Role: "button", Text: "Cancel", Sel: "#cancel"},
		Element{},
	)

	got := filterAndRankElements(elems, 3)
	require.Len(t, got, 3)
	assert.Equal(t, "#buy", got[0].Sel)
	assert.Equal(t, "#cancel", got[1].Sel)
	assert.Equal(t, "div", got[2].Role)

	assert.Len(t, filterAndRankElements(elems[:2], 5), 2, "short lists are returned as is")
}

func TestScoreElement(t *testing.T) {
	tests := []struct {
		el   Element
		want int
	}{
		{Element{}, -5},
		{Element{Role: "button", Text: "OK"}, 3 + 3 + 3},
		{Element{Role: "link", Text: "Home", Attr: "aria-label:Home", Sel: "#home"}, 3 + 3 + 3 + 2 + 2 + 1},
		{Element{Role: "presentation", Text: strings.Repeat("a", 600)}, 3 - 3},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			assert.Equal(t, tt.want, scoreElement(tt.el))
		})
	}
}
