// Package zynqyolo is the embedding API for the tiny-YOLO-v3 FPGA
// accelerator: open a detector against a hardware backend, feed it images,
// get bounding boxes back in original-image coordinates.
//
// The full sensor daemon (camera capture, MQTT emission) lives in
// cmd/yolosensord; this package is for programs that already have images
// and only want inference.
package zynqyolo

import (
	"fmt"
	"image"

	"github.com/e7canasta/zynq-yolo-sensor/internal/accel"
	"github.com/e7canasta/zynq-yolo-sensor/internal/detect"
	"github.com/e7canasta/zynq-yolo-sensor/internal/imaging"
	"github.com/e7canasta/zynq-yolo-sensor/internal/postprocess"
	"github.com/e7canasta/zynq-yolo-sensor/internal/yolo"
)

// Detection is one detected object. See NewFromYolo for coordinate
// conventions.
type Detection = detect.Detection

// Options configures a Detector.
type Options struct {
	// Hierarchy is the IP hierarchy name the accelerator blocks live
	// under. Defaults to "yolo".
	Hierarchy string
	// Blocks describes the memory-mapped IP blocks. Nil selects the
	// simulated backend.
	Blocks map[string]accel.BlockDesc
	// Poll bounds the register busy-wait loops. Zero values use defaults.
	Poll accel.PollPolicy

	// ClassCount is the number of object classes the loaded weights were
	// trained for.
	ClassCount int
	// ObjThreshold is the minimum objectness for a candidate box.
	ObjThreshold float32
	// NMSThreshold is the overlap above which boxes of the same class are
	// suppressed.
	NMSThreshold float32
	// WeightsArchive is a .tar.gz holding weightsN/biasesN entries.
	WeightsArchive string
}

// Detector runs tiny-YOLO-v3 inference on the accelerator.
type Detector struct {
	controller *yolo.Controller
	opts       Options
}

// New opens the hardware, loads the weight archive and returns a ready
// detector. Close must be called to release the DMA channels.
func New(opts Options) (*Detector, error) {
	if opts.Hierarchy == "" {
		opts.Hierarchy = "yolo"
	}
	if opts.ClassCount <= 0 {
		return nil, fmt.Errorf("zynqyolo: ClassCount must be > 0")
	}
	poll := opts.Poll
	if poll.Interval <= 0 || poll.Timeout <= 0 {
		poll = accel.DefaultPollPolicy()
	}

	var hw *accel.Hardware
	if opts.Blocks == nil {
		hw = accel.NewSimulatedHardware(opts.Hierarchy)
	} else {
		var err error
		hw, err = accel.NewUIOHardware(opts.Hierarchy, opts.Blocks, poll)
		if err != nil {
			return nil, fmt.Errorf("zynqyolo: open hardware: %w", err)
		}
	}

	controller, err := yolo.NewController(hw, opts.Hierarchy, poll)
	if err != nil {
		return nil, fmt.Errorf("zynqyolo: %w", err)
	}

	if opts.WeightsArchive != "" {
		if err := controller.LoadArchive(opts.WeightsArchive); err != nil {
			controller.Close()
			return nil, fmt.Errorf("zynqyolo: %w", err)
		}
	}

	return &Detector{controller: controller, opts: opts}, nil
}

// Detect letterboxes img, runs a full forward pass and returns detections
// mapped back to img's pixel coordinates. rotateAngle (0, 90, 180, 270)
// rotates the frame before inference; detections are reported in the
// unrotated frame.
func (d *Detector) Detect(img image.Image, rotateAngle int) ([]Detection, error) {
	input := imaging.Letterbox(img, yolo.InputSize, rotateAngle)

	out13, out26, err := d.controller.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("zynqyolo: %w", err)
	}

	detections := postprocess.Process(out13, out26,
		d.opts.ClassCount, d.opts.ObjThreshold, d.opts.NMSThreshold)

	bounds := img.Bounds()
	for i := range detections {
		detections[i] = detections[i].ReverseTransform(
			bounds.Dx(), bounds.Dy(), rotateAngle)
	}
	return detections, nil
}

// Close stops the DMA channels. Idempotent.
func (d *Detector) Close() {
	d.controller.Close()
}
