// Package vision hands screenshots to an external detector and returns
// normalized boxes in the [ymin, xmin, ymax, xmax] 0..1000 wire format.
package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/polzovatel/browser-session-server/internal/geometry"
)

// Detection is one box returned by a detector.
type Detection struct {
	Box   geometry.DetectionBox `json:"box_2d"`
	Label string                `json:"label"`
}

// Detector finds elements in an image. prompt narrows the search and may be
// empty.
type Detector interface {
	Detect(ctx context.Context, image []byte, mimeType, prompt string) ([]Detection, error)
}

var boxPattern = regexp.MustCompile(`\[\s*\d+(?:\.\d+)?\s*,\s*\d+(?:\.\d+)?\s*,\s*\d+(?:\.\d+)?\s*,\s*\d+(?:\.\d+)?\s*\]`)

// ParseDetections reads a detector reply. It accepts a JSON list of
// {box_2d, label} objects, a list of bare coordinate arrays, or a single
// object, optionally inside a ```json fence. Anything else falls back to
// scanning the text for four-number arrays. Boxes outside the 0..1000 range
// are dropped. Unlabelled boxes are named "Object N".
func ParseDetections(text string) []Detection {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var out []Detection
	add := func(box geometry.DetectionBox, label string) {
		if box.Validate() != nil {
			return
		}
		if strings.TrimSpace(label) == "" {
			label = fmt.Sprintf("Object %d", len(out)+1)
		}
		out = append(out, Detection{Box: box, Label: label})
	}

	var parsed any
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		for _, m := range boxPattern.FindAllString(text, -1) {
			var box geometry.DetectionBox
			if json.Unmarshal([]byte(m), &box) == nil {
				add(box, "")
			}
		}
		return out
	}

	switch v := parsed.(type) {
	case []any:
		for _, item := range v {
			switch it := item.(type) {
			case map[string]any:
				if box, ok := boxFrom(it["box_2d"]); ok {
					label, _ := it["label"].(string)
					add(box, label)
				}
			case []any:
				if box, ok := boxFrom(it); ok {
					add(box, "")
				}
			}
		}
	case map[string]any:
		if box, ok := boxFrom(v["box_2d"]); ok {
			label, _ := v["label"].(string)
			add(box, label)
		}
	}
	return out
}

func boxFrom(v any) (geometry.DetectionBox, bool) {
	arr, ok := v.([]any)
	if !ok || len(arr) != 4 {
		return geometry.DetectionBox{}, false
	}
	var c [4]float64
	for i, x := range arr {
		f, ok := x.(float64)
		if !ok {
			return geometry.DetectionBox{}, false
		}
		c[i] = f
	}
	return geometry.DetectionBox{YMin: c[0], XMin: c[1], YMax: c[2], XMax: c[3]}, true
}
