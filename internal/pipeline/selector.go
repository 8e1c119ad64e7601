package pipeline

import "github.com/andresmejia3/facemood/internal/types"

// Select picks the region with the largest area. Ties go to the earliest box.
// Empty boxes are never selected, so ok is false when no detection has area.
func Select(detections types.DetectionResult) (best types.Box, ok bool) {
	bestArea := 0
	for _, b := range detections {
		if a := b.Area(); a > bestArea {
			best, bestArea = b, a
		}
	}
	return best, bestArea > 0
}
