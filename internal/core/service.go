// Package core wires the sensor together: camera frames in, accelerator
// inference, detection events out over MQTT.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/zynq-yolo-sensor/internal/accel"
	"github.com/e7canasta/zynq-yolo-sensor/internal/camera"
	"github.com/e7canasta/zynq-yolo-sensor/internal/config"
	"github.com/e7canasta/zynq-yolo-sensor/internal/detect"
	"github.com/e7canasta/zynq-yolo-sensor/internal/emitter"
	"github.com/e7canasta/zynq-yolo-sensor/internal/imaging"
	"github.com/e7canasta/zynq-yolo-sensor/internal/postprocess"
	"github.com/e7canasta/zynq-yolo-sensor/internal/yolo"
)

const healthInterval = 30 * time.Second

// Service is the main sensor orchestrator
type Service struct {
	cfg        *config.Config
	controller *yolo.Controller
	emitter    *emitter.MQTTEmitter

	mu        sync.RWMutex
	started   time.Time
	isRunning bool
	framesOK  uint64
	framesErr uint64
}

// New loads the configuration, brings up the accelerator backend, loads the
// weight archive and prepares the emitter. The camera is opened in Run.
func New(configPath string) (*Service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"backend", cfg.Hardware.Backend,
	)

	hw, err := newHardware(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open hardware: %w", err)
	}

	poll := accel.PollPolicy{
		Interval: cfg.Hardware.Poll.PollInterval(),
		Timeout:  cfg.Hardware.Poll.PollTimeout(),
	}

	controller, err := yolo.NewController(hw, cfg.Hardware.Hierarchy, poll)
	if err != nil {
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}

	if err := controller.LoadArchive(cfg.Model.WeightsArchive); err != nil {
		controller.Close()
		return nil, fmt.Errorf("failed to load weights: %w", err)
	}

	return &Service{
		cfg:        cfg,
		controller: controller,
		emitter:    emitter.NewMQTTEmitter(cfg),
	}, nil
}

func newHardware(cfg *config.Config) (*accel.Hardware, error) {
	switch cfg.Hardware.Backend {
	case "sim":
		return accel.NewSimulatedHardware(cfg.Hardware.Hierarchy), nil
	case "uio":
		descs := make(map[string]accel.BlockDesc, len(cfg.Hardware.Blocks))
		for name, b := range cfg.Hardware.Blocks {
			descs[name] = accel.BlockDesc{
				UIO:        b.UIO,
				Size:       b.Size,
				Registers:  b.Registers,
				BufferUIO:  b.BufferUIO,
				BufferPhys: b.BufferPhys,
				BufferSize: b.BufferSize,
			}
		}
		poll := accel.PollPolicy{
			Interval: cfg.Hardware.Poll.PollInterval(),
			Timeout:  cfg.Hardware.Poll.PollTimeout(),
		}
		return accel.NewUIOHardware(cfg.Hardware.Hierarchy, descs, poll)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Hardware.Backend)
	}
}

func (s *Service) newSource() (camera.Source, error) {
	if s.cfg.Camera.Location != "" {
		return camera.NewGstSource(camera.GstConfig{
			Location: s.cfg.Camera.Location,
			Width:    s.cfg.Camera.Width,
			Height:   s.cfg.Camera.Height,
		})
	}
	interval := time.Duration(s.cfg.Camera.IntervalMS) * time.Millisecond
	return &camera.StaticSource{Path: s.cfg.Camera.StaticImage, Interval: interval}, nil
}

// Run starts capture and the inference loop and blocks until ctx is
// cancelled or a fatal error occurs.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	if err := s.emitter.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect emitter: %w", err)
	}

	source, err := s.newSource()
	if err != nil {
		return fmt.Errorf("failed to create camera source: %w", err)
	}
	loader, err := camera.NewLoader(ctx, source)
	if err != nil {
		return fmt.Errorf("failed to start camera: %w", err)
	}
	defer loader.Close()

	slog.Info("sensor running",
		"instance_id", s.cfg.InstanceID,
		"classes", s.cfg.Model.ClassCount,
	)

	healthTicker := time.NewTicker(healthInterval)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-healthTicker.C:
			s.publishHealth()
		default:
		}

		frame, err := loader.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("camera receive: %w", err)
		}

		if err := s.processFrame(frame); err != nil {
			var dmaErr *yolo.DMAError
			var topoErr *yolo.TopologyError
			if errors.As(err, &dmaErr) || errors.As(err, &topoErr) {
				// The fabric state is unknown after a transfer failure,
				// continuing would stream into a wedged pipeline.
				return fmt.Errorf("accelerator failure: %w", err)
			}
			s.mu.Lock()
			s.framesErr++
			s.mu.Unlock()
			slog.Warn("frame processing failed",
				"trace_id", frame.TraceID,
				"error", err)
		}
	}
}

func (s *Service) processFrame(frame camera.Frame) error {
	start := time.Now()

	input := imaging.Letterbox(frame.Image, yolo.InputSize, s.cfg.Model.RotateAngle)

	out13, out26, err := s.controller.Forward(input)
	if err != nil {
		return err
	}

	detections := postprocess.Process(out13, out26,
		s.cfg.Model.ClassCount, s.cfg.Model.ObjThreshold, s.cfg.Model.NMSThreshold)

	bounds := frame.Image.Bounds()
	for i := range detections {
		detections[i] = detections[i].ReverseTransform(
			bounds.Dx(), bounds.Dy(), s.cfg.Model.RotateAngle)
	}

	elapsed := time.Since(start)
	s.mu.Lock()
	s.framesOK++
	s.mu.Unlock()

	slog.Debug("frame processed",
		"trace_id", frame.TraceID,
		"detections", len(detections),
		"inference_ms", float64(elapsed.Microseconds())/1000.0)

	if detections == nil {
		detections = []detect.Detection{}
	}
	event := emitter.DetectionEvent{
		InstanceID:  s.cfg.InstanceID,
		TraceID:     frame.TraceID,
		Timestamp:   frame.Timestamp,
		InferenceMS: float64(elapsed.Microseconds()) / 1000.0,
		Detections:  detections,
	}
	if err := s.emitter.Publish(event); err != nil {
		return fmt.Errorf("publish detections: %w", err)
	}
	return nil
}

func (s *Service) publishHealth() {
	s.mu.RLock()
	event := emitter.HealthEvent{
		InstanceID: s.cfg.InstanceID,
		Timestamp:  time.Now(),
		FramesOK:   s.framesOK,
		FramesErr:  s.framesErr,
	}
	s.mu.RUnlock()

	if err := s.emitter.PublishHealth(event); err != nil {
		slog.Warn("health publish failed", "error", err)
	}
}

// ShutdownTimeout returns the configured graceful shutdown budget.
func (s *Service) ShutdownTimeout() time.Duration {
	return time.Duration(s.cfg.ShutdownTimeoutS) * time.Second
}

// Shutdown releases the emitter and the accelerator. The controller close
// always runs so the DMA channels stop even when the broker disconnect
// hangs past the deadline.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.emitter.Disconnect()
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}

	s.controller.Close()

	s.mu.Lock()
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("sensor stopped",
		"frames_ok", s.framesOK,
		"frames_err", s.framesErr)
	return err
}
