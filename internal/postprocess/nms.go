package postprocess

import (
	"sort"

	"github.com/e7canasta/zynq-yolo-sensor/internal/detect"
)

// IoU returns the intersection-over-union of two boxes, symmetric and
// bounded to [0, 1]. Disjoint boxes score 0.
func IoU(a, b detect.Detection) float32 {
	ix := min(a.X2, b.X2) - max(a.X1, b.X1)
	iy := min(a.Y2, b.Y2) - max(a.Y1, b.Y1)
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// NMS filters candidates by objectness and suppresses per-class overlaps
// greedily: within a class, boxes are visited in descending confidence and
// each survivor suppresses later boxes that overlap it above nmsThreshold.
// Candidates with a class id outside [0, clsNum) are ignored.
func NMS(candidates []detect.Detection, clsNum int, objThreshold, nmsThreshold float32) []detect.Detection {
	byClass := make([][]detect.Detection, clsNum)
	for _, d := range candidates {
		if d.Confidence <= objThreshold || d.Confidence > 1.0 {
			continue
		}
		if int(d.Class) >= clsNum {
			continue
		}
		byClass[d.Class] = append(byClass[d.Class], d)
	}

	var kept []detect.Detection
	for _, boxes := range byClass {
		kept = append(kept, suppress(boxes, nmsThreshold)...)
	}
	return kept
}

func suppress(boxes []detect.Detection, nmsThreshold float32) []detect.Detection {
	sort.SliceStable(boxes, func(i, j int) bool {
		return boxes[i].Confidence > boxes[j].Confidence
	})

	removed := make([]bool, len(boxes))
	var kept []detect.Detection
	for i, box := range boxes {
		if removed[i] {
			continue
		}
		kept = append(kept, box)
		for j := i + 1; j < len(boxes); j++ {
			if !removed[j] && IoU(box, boxes[j]) > nmsThreshold {
				removed[j] = true
			}
		}
	}
	return kept
}
