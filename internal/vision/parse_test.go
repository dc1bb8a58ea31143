package vision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-session-server/internal/geometry"
)

func TestParseDetections(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		boxes  []geometry.DetectionBox
		labels []string
	}{
		{
			name:   "labelled list in fence",
			in:     "```json\n[{\"box_2d\": [100, 200, 300, 400], \"label\": \"login button\"}]\n```",
			boxes:  []geometry.DetectionBox{box(100, 200, 300, 400)},
			labels: []string{"login button"},
		},
		{
			name:   "bare arrays",
			in:     `[[10, 20, 30, 40], [50, 60, 70, 80]]`,
			boxes:  []geometry.DetectionBox{box(10, 20, 30, 40), box(50, 60, 70, 80)},
			labels: []string{"Object 1", "Object 2"},
		},
		{
			name:   "single object without label",
			in:     `{"box_2d": [1, 2, 3, 4]}`,
			boxes:  []geometry.DetectionBox{box(1, 2, 3, 4)},
			labels: []string{"Object 1"},
		},
		{
			name:   "prose falls back to regex",
			in:     "The button is at [120, 40, 180, 260] and the link at [ 5 , 6 , 7 , 8 ].",
			boxes:  []geometry.DetectionBox{box(120, 40, 180, 260), box(5, 6, 7, 8)},
			labels: []string{"Object 1", "Object 2"},
		},
		{
			name:   "out of range box is dropped",
			in:     `[{"box_2d": [0, 0, 1200, 10], "label": "bad"}, {"box_2d": [0, 0, 10, 10], "label": "ok"}]`,
			boxes:  []geometry.DetectionBox{box(0, 0, 10, 10)},
			labels: []string{"ok"},
		},
		{
			name: "nothing found",
			in:   "I could not find it.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseDetections(tt.in)
			require.Len(t, got, len(tt.boxes))
			for i := range got {
				assert.Equal(t, tt.boxes[i], got[i].Box)
				assert.Equal(t, tt.labels[i], got[i].Label)
			}
		})
	}
}

func TestDetectionWireFormat(t *testing.T) {
	got := ParseDetections(`[{"box_2d":[100,200,300,400],"label":"x"}]`)
	require.Len(t, got, 1)
	rect, err := geometry.ToPixel(got[0].Box, 1920, 1080)
	require.NoError(t, err)
	assert.Equal(t, 576.0, rect.CenterX)
	assert.Equal(t, 216.0, rect.CenterY)
}

func box(ymin, xmin, ymax, xmax float64) geometry.DetectionBox {
	return geometry.DetectionBox{YMin: ymin, XMin: xmin, YMax: ymax, XMax: xmax}
}
