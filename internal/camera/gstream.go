package camera

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"sync"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// GstConfig configures a GStreamer capture source.
type GstConfig struct {
	// Location is either a V4L2 device path (/dev/video0) or an rtsp:// URL.
	Location string
	Width    int
	Height   int
}

// GstSource captures frames through a GStreamer pipeline ending in an
// appsink locked to RGB at the configured resolution. The appsink keeps
// only the newest buffer, so Next never returns a frame that sat in a
// queue while inference ran.
type GstSource struct {
	cfg GstConfig

	pipeline *gst.Pipeline
	sink     *app.Sink

	closeOnce sync.Once
}

// NewGstSource validates cfg. The pipeline itself is built in Open.
func NewGstSource(cfg GstConfig) (*GstSource, error) {
	if cfg.Location == "" {
		return nil, fmt.Errorf("camera: capture location is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("camera: invalid capture resolution %dx%d", cfg.Width, cfg.Height)
	}
	return &GstSource{cfg: cfg}, nil
}

// Open builds and starts the pipeline:
//
//	v4l2src        → decodebin → videoconvert → capsfilter(RGB) → appsink
//	rtspsrc (TCP)  → rtph264depay → avdec_h264 → videoconvert → capsfilter(RGB) → appsink
func (s *GstSource) Open(_ context.Context) error {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("camera: create pipeline: %w", err)
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("camera: create videoconvert: %w", err)
	}
	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return fmt.Errorf("camera: create videoscale: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("camera: create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d", s.cfg.Width, s.cfg.Height)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	sink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("camera: create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	if strings.HasPrefix(s.cfg.Location, "rtsp://") {
		src, err := gst.NewElement("rtspsrc")
		if err != nil {
			return fmt.Errorf("camera: create rtspsrc: %w", err)
		}
		src.SetProperty("location", s.cfg.Location)
		src.SetProperty("protocols", 4) // TCP only

		depay, err := gst.NewElement("rtph264depay")
		if err != nil {
			return fmt.Errorf("camera: create rtph264depay: %w", err)
		}
		decoder, err := gst.NewElement("avdec_h264")
		if err != nil {
			return fmt.Errorf("camera: create avdec_h264: %w", err)
		}

		pipeline.AddMany(src, depay, decoder, converter, scaler, capsfilter, sink.Element)
		if err := gst.ElementLinkMany(depay, decoder, converter, scaler, capsfilter, sink.Element); err != nil {
			return fmt.Errorf("camera: link pipeline: %w", err)
		}

		// rtspsrc pads are dynamic, link them as they appear.
		src.Connect("pad-added", func(_ *gst.Element, pad *gst.Pad) {
			sinkPad := depay.GetStaticPad("sink")
			if sinkPad == nil {
				slog.Error("camera: no sink pad on rtph264depay")
				return
			}
			if ret := pad.Link(sinkPad); ret != gst.PadLinkOK {
				slog.Warn("camera: rtsp pad link failed", "result", ret)
			}
		})
	} else {
		src, err := gst.NewElement("v4l2src")
		if err != nil {
			return fmt.Errorf("camera: create v4l2src: %w", err)
		}
		src.SetProperty("device", s.cfg.Location)

		decode, err := gst.NewElement("decodebin")
		if err != nil {
			return fmt.Errorf("camera: create decodebin: %w", err)
		}

		pipeline.AddMany(src, decode, converter, scaler, capsfilter, sink.Element)
		if err := src.Link(decode); err != nil {
			return fmt.Errorf("camera: link v4l2src: %w", err)
		}
		if err := gst.ElementLinkMany(converter, scaler, capsfilter, sink.Element); err != nil {
			return fmt.Errorf("camera: link pipeline: %w", err)
		}

		decode.Connect("pad-added", func(_ *gst.Element, pad *gst.Pad) {
			sinkPad := converter.GetStaticPad("sink")
			if sinkPad == nil {
				slog.Error("camera: no sink pad on videoconvert")
				return
			}
			if ret := pad.Link(sinkPad); ret != gst.PadLinkOK {
				slog.Warn("camera: decodebin pad link failed", "result", ret)
			}
		})
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("camera: start pipeline: %w", err)
	}

	s.pipeline = pipeline
	s.sink = sink
	slog.Info("camera: pipeline started", "location", s.cfg.Location,
		"width", s.cfg.Width, "height", s.cfg.Height)
	return nil
}

// Next pulls one RGB frame from the appsink and copies it into an RGBA
// image (alpha opaque).
func (s *GstSource) Next(ctx context.Context) (*image.RGBA, error) {
	if s.sink == nil {
		return nil, fmt.Errorf("camera: source not open")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sample := s.sink.PullSample()
	if sample == nil {
		return nil, fmt.Errorf("camera: pull sample failed")
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, fmt.Errorf("camera: sample has no buffer")
	}

	mapInfo := buffer.Map(gst.MapRead)
	defer buffer.Unmap()
	data := mapInfo.Bytes()

	want := s.cfg.Width * s.cfg.Height * 3
	if len(data) < want {
		return nil, fmt.Errorf("camera: short frame: %d bytes, want %d", len(data), want)
	}

	return rgbToRGBA(data, s.cfg.Width, s.cfg.Height), nil
}

// Close tears the pipeline down. Idempotent.
func (s *GstSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.pipeline != nil {
			err = s.pipeline.SetState(gst.StateNull)
		}
	})
	return err
}

func rgbToRGBA(data []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		src := y * width * 3
		dst := y * img.Stride
		for x := 0; x < width; x++ {
			img.Pix[dst] = data[src]
			img.Pix[dst+1] = data[src+1]
			img.Pix[dst+2] = data[src+2]
			img.Pix[dst+3] = 0xff
			src += 3
			dst += 4
		}
	}
	return img
}
