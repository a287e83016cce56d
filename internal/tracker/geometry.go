package tracker

import "math"

// visibleRatio returns the fraction of b's area inside the viewport grown
// by margin on every side.
func visibleRatio(b Box, vp Viewport, margin float64) float64 {
	area := b.Width * b.Height
	if area <= 0 {
		return 0
	}
	left := math.Max(b.X, -margin)
	top := math.Max(b.Y, -margin)
	right := math.Min(b.X+b.Width, vp.Width+margin)
	bottom := math.Min(b.Y+b.Height, vp.Height+margin)
	if right <= left || bottom <= top {
		return 0
	}
	return (right - left) * (bottom - top) / area
}
