// Package matrix maps pointer-drag pixel deltas into the board's logical
// coordinate space. Positions are whole units on a fixed grid that is
// independent of how large the matrix renders on any given screen.
package matrix

import "math"

// Logical extent of the coordinate space. Every stored position lies in
// [0, Width] x [0, Height].
const (
	Width  = 1400
	Height = 650
)

// DeltaFromPixels converts a pixel-space drag delta into logical units
// given the live pixel size of the rendering container. The container is
// measured at drag-end because it can resize between drags.
//
// ok is false when the container has no measurable extent; callers must
// abort the reposition rather than compute against bogus dimensions.
func DeltaFromPixels(dxPx, dyPx, widthPx, heightPx float64) (dx, dy float64, ok bool) {
	if widthPx <= 0 || heightPx <= 0 {
		return 0, 0, false
	}
	dx = dxPx * (Width / widthPx)
	dy = dyPx * (Height / heightPx)
	return dx, dy, true
}

// Clamp snaps a logical position onto the grid: each axis is clamped
// into the valid range independently, then rounded to the nearest whole
// unit.
func Clamp(x, y float64) (int, int) {
	return clampAxis(x, Width), clampAxis(y, Height)
}

func clampAxis(v float64, max float64) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return int(max)
	}
	return int(math.Round(v))
}

// Translate applies a logical delta to a current position and clamps the
// result. It is the whole drag-end arithmetic in one step.
func Translate(x, y int, dx, dy float64) (int, int) {
	return Clamp(float64(x)+dx, float64(y)+dy)
}
