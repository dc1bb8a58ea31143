// Package geometry converts vision detection boxes into page pixel space.
package geometry

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/polzovatel/browser-session-server/internal/apperr"
)

// Scale is the fixed coordinate range used by the vision collaborator.
const Scale = 1000.0

// DetectionBox is a normalized box on the 0..1000 scale. On the wire it is the
// array [ymin, xmin, ymax, xmax]; that order must not change.
type DetectionBox struct {
	YMin float64
	XMin float64
	YMax float64
	XMax float64
}

// MarshalJSON encodes the box as [ymin, xmin, ymax, xmax].
func (b DetectionBox) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{b.YMin, b.XMin, b.YMax, b.XMax})
}

// UnmarshalJSON decodes a four element array in wire order.
func (b *DetectionBox) UnmarshalJSON(data []byte) error {
	var raw []float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("detection box: %w", err)
	}
	if len(raw) != 4 {
		return fmt.Errorf("detection box: want 4 coordinates, got %d", len(raw))
	}
	*b = DetectionBox{YMin: raw[0], XMin: raw[1], YMax: raw[2], XMax: raw[3]}
	return nil
}

// Validate checks every coordinate is within [0, Scale] and min <= max.
func (b DetectionBox) Validate() error {
	for _, v := range []float64{b.YMin, b.XMin, b.YMax, b.XMax} {
		if math.IsNaN(v) || v < 0 || v > Scale {
			return apperr.New("geometry.validate", apperr.CodeValidation, "coordinate %v outside [0,%v]", v, Scale)
		}
	}
	if b.YMin > b.YMax || b.XMin > b.XMax {
		return apperr.New("geometry.validate", apperr.CodeValidation, "inverted box %v", [4]float64{b.YMin, b.XMin, b.YMax, b.XMax})
	}
	return nil
}

// PixelRect is a DetectionBox scaled into image pixels.
type PixelRect struct {
	XMin    float64 `json:"xmin"`
	YMin    float64 `json:"ymin"`
	XMax    float64 `json:"xmax"`
	YMax    float64 `json:"ymax"`
	CenterX float64 `json:"center_x"`
	CenterY float64 `json:"center_y"`
}

// Center returns the midpoint of the rectangle.
func (r PixelRect) Center() (x, y float64) { return r.CenterX, r.CenterY }

// ToPixel scales box into a width x height image. It fails with
// DimensionUnavailable when either dimension is not positive.
func ToPixel(box DetectionBox, width, height int) (PixelRect, error) {
	if width <= 0 || height <= 0 {
		return PixelRect{}, apperr.New("geometry.to_pixel", apperr.CodeDimensionUnavailable,
			"image dimensions unavailable (%dx%d)", width, height)
	}
	w, h := float64(width), float64(height)
	r := PixelRect{
		XMin: scale(box.XMin, w),
		YMin: scale(box.YMin, h),
		XMax: scale(box.XMax, w),
		YMax: scale(box.YMax, h),
	}
	r.CenterX = (r.XMin + r.XMax) / 2
	r.CenterY = (r.YMin + r.YMax) / 2
	return r, nil
}

// ToPixelOrRaw behaves like ToPixel but falls back to the raw 0..1000 values
// when dimensions are unavailable. degraded reports that fallback.
func ToPixelOrRaw(box DetectionBox, width, height int) (rect PixelRect, degraded bool) {
	r, err := ToPixel(box, width, height)
	if err == nil {
		return r, false
	}
	r = PixelRect{XMin: box.XMin, YMin: box.YMin, XMax: box.XMax, YMax: box.YMax}
	r.CenterX = (r.XMin + r.XMax) / 2
	r.CenterY = (r.YMin + r.YMax) / 2
	return r, true
}

// coord/Scale*dim, multiplied first so integral inputs stay exact.
func scale(coord, dim float64) float64 {
	return coord * dim / Scale
}
