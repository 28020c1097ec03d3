package presence

import (
	"image"
	"math"
)

// Proximity returns the pixel distance between the center of box and the center
// of frame. Centers use floor division, so odd sizes round toward the origin.
func Proximity(box, frame image.Rectangle) float64 {
	fx, fy := center(frame)
	bx, by := center(box)
	return math.Hypot(float64(bx-fx), float64(by-fy))
}

func center(r image.Rectangle) (int, int) {
	return floorDiv2(r.Min.X + r.Max.X), floorDiv2(r.Min.Y + r.Max.Y)
}

func floorDiv2(v int) int {
	if v < 0 {
		return -((-v + 1) / 2)
	}
	return v / 2
}
