// Package detect defines the detection output contract: bounding boxes in
// model space, validation, and the reverse transform back to original image
// coordinates.
package detect

import (
	"fmt"
)

// ModelSpace is the side length of the square coordinate space detections
// are decoded in.
const ModelSpace = 416.0

// Detection is one detected object. Coordinates are corners of the bounding
// box; immediately after decoding they live in 416x416 model space, after
// ReverseTransform in original-image pixel space.
type Detection struct {
	Class      uint8   `json:"class"`
	X1         float32 `json:"x1"`
	Y1         float32 `json:"y1"`
	X2         float32 `json:"x2"`
	Y2         float32 `json:"y2"`
	Confidence float32 `json:"confidence"`
}

// OutOfRangeError reports a decoded box with a corner outside model space.
// Recoverable: the detection is dropped and the pass continues.
type OutOfRangeError struct {
	Box Detection
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("detect: box out of range: %+v", e.Box)
}

// NewFromYolo assembles a detection from one decoded anchor slot
// [cx, cy, w, h, objectness, ...] and its class id. Boxes with any corner
// outside [0, 416] fail with *OutOfRangeError.
func NewFromYolo(slot []float32, classID uint8) (Detection, error) {
	cx, cy := slot[0], slot[1]
	w, h := slot[2], slot[3]

	d := Detection{
		Class:      classID,
		X1:         cx - w/2,
		Y1:         cy - h/2,
		X2:         cx + w/2,
		Y2:         cy + h/2,
		Confidence: slot[4],
	}
	for _, coord := range [4]float32{d.X1, d.Y1, d.X2, d.Y2} {
		if coord < 0 || coord > ModelSpace {
			return Detection{}, &OutOfRangeError{Box: d}
		}
	}
	return d, nil
}

// Area returns the box area; non-positive for degenerate boxes.
func (d Detection) Area() float32 {
	return (d.X2 - d.X1) * (d.Y2 - d.Y1)
}

// ReverseTransform maps the box from padded 416x416 model space back to
// original-image pixel coordinates, undoing the letterbox (and, for 90/270
// rotations, the axis swap). Both corners transform independently.
func (d Detection) ReverseTransform(width, height, rotateAngle int) Detection {
	out := d
	out.X1, out.Y1 = pointReverseTransform(width, height, rotateAngle, d.X1, d.Y1)
	out.X2, out.Y2 = pointReverseTransform(width, height, rotateAngle, d.X2, d.Y2)
	return out
}

func pointReverseTransform(width, height, rotateAngle int, x, y float32) (float32, float32) {
	w, h := float32(width), float32(height)
	if rotateAngle == 90 || rotateAngle == 270 {
		w, h = h, w
	}

	ratio := min(ModelSpace/w, ModelSpace/h)
	padW := (ModelSpace - w*ratio) / 2
	padH := (ModelSpace - h*ratio) / 2

	return (x - padW) / ratio, (y - padH) / ratio
}
