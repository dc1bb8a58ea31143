package resolver

import (
	"context"
	"math"
	"strings"
)

// State is the visibility class of a candidate.
type State string

const (
	StateTopmost  State = "topmost"
	StatePartial  State = "partially-visible"
	StateOccluded State = "occluded"
	StateHidden   State = "hidden"
)

// Sample is one hit-test point and whether it hit the element.
type Sample struct {
	Name    string  `json:"name"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Visible bool    `json:"visible"`
}

// Visibility records how a candidate was classified.
type Visibility struct {
	State           State    `json:"state"`
	Topmost         bool     `json:"topmost"`
	ActuallyVisible bool     `json:"actually_visible"`
	HiddenReason    string   `json:"hidden_reason,omitempty"`
	Samples         []Sample `json:"samples,omitempty"`
}

const (
	reasonTransparent = "transparent"
	reasonCovered     = "covered-by-transparent"
)

func hiddenReason(info NodeInfo) string {
	switch {
	case info.Rect.Area() == 0:
		return "zero-size"
	case strings.EqualFold(info.Display, "none"):
		return "display-none"
	case strings.EqualFold(info.Visibility, "hidden"), strings.EqualFold(info.Visibility, "collapse"):
		return "visibility-hidden"
	case info.Opacity <= 0:
		return reasonTransparent
	}
	return ""
}

// classify decides the visibility of n. veil is the transparent element
// topmost at the queried point, or nil when that element paints. An element
// whose every sample lands on transparent content is hidden, not occluded.
func (r *Resolver) classify(ctx context.Context, root Root, n Node, info NodeInfo, topmost bool, veil Node, opts Options) (Visibility, error) {
	if reason := hiddenReason(info); reason != "" {
		return Visibility{State: StateHidden, Topmost: topmost, HiddenReason: reason}, nil
	}
	v := Visibility{Topmost: topmost}
	veiled := veil != nil
	if opts.CheckPartialVisibility {
		samples, allTransparent, err := r.sample(ctx, root, n, info.Rect)
		if err != nil {
			return Visibility{}, err
		}
		v.Samples = samples
		veiled = veiled && allTransparent
	}
	anySample := false
	for _, s := range v.Samples {
		if s.Visible {
			anySample = true
			break
		}
	}
	v.ActuallyVisible = topmost || anySample
	if !v.ActuallyVisible && veiled {
		inside, err := r.host.Contains(ctx, n, veil)
		if err != nil && ctx.Err() != nil {
			return Visibility{}, ctx.Err()
		}
		if err == nil && !inside {
			v.State = StateHidden
			v.HiddenReason = reasonCovered
			return v, nil
		}
	}
	switch {
	case topmost:
		v.State = StateTopmost
	case anySample:
		v.State = StatePartial
	default:
		v.State = StateOccluded
	}
	return v, nil
}

// sample hit-tests the corners and center of rect, inset by sampleMargin and
// clamped to the viewport. Hit-test errors count as misses; only ctx
// cancellation is returned. allTransparent reports that every miss landed
// on an element with no opacity.
func (r *Resolver) sample(ctx context.Context, root Root, n Node, rect Rect) (points []Sample, allTransparent bool, err error) {
	vp, err := r.host.Viewport(ctx, root)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		vp = Size{}
	}
	points = samplePoints(rect, vp)
	allTransparent = true
	for i := range points {
		hit, err := r.host.TopmostAt(ctx, root, points[i].X, points[i].Y)
		if err != nil || hit == nil {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			allTransparent = false
			continue
		}
		ok, err := r.host.Contains(ctx, n, hit)
		if err != nil && ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		points[i].Visible = err == nil && ok
		if points[i].Visible || !allTransparent {
			continue
		}
		hi, err := r.host.Inspect(ctx, hit)
		if err != nil && ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		allTransparent = err == nil && hiddenReason(hi) == reasonTransparent
	}
	return points, allTransparent, nil
}

func samplePoints(rect Rect, vp Size) []Sample {
	mx := math.Min(sampleMargin, rect.Width/2)
	my := math.Min(sampleMargin, rect.Height/2)
	left, right := rect.X+mx, rect.X+rect.Width-mx
	top, bottom := rect.Y+my, rect.Y+rect.Height-my
	cx, cy := rect.X+rect.Width/2, rect.Y+rect.Height/2

	pts := []Sample{
		{Name: "top-left", X: left, Y: top},
		{Name: "top-right", X: right, Y: top},
		{Name: "center", X: cx, Y: cy},
		{Name: "bottom-left", X: left, Y: bottom},
		{Name: "bottom-right", X: right, Y: bottom},
	}
	for i := range pts {
		pts[i].X = clamp(pts[i].X, vp.Width)
		pts[i].Y = clamp(pts[i].Y, vp.Height)
	}
	return pts
}

// clamp keeps v within [0, limit-1]; an unknown limit only clamps below.
func clamp(v, limit float64) float64 {
	if v < 0 {
		v = 0
	}
	if limit > 0 && v > limit-1 {
		v = limit - 1
	}
	return v
}
