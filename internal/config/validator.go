package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Validate checks a configuration for correctness and fills in defaults.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	// Hardware backend
	switch cfg.Hardware.Backend {
	case "sim", "uio":
	case "":
		return fmt.Errorf("hardware.backend is required (sim or uio)")
	default:
		return fmt.Errorf("unknown hardware.backend %q (must be sim or uio)", cfg.Hardware.Backend)
	}
	if cfg.Hardware.Hierarchy == "" {
		cfg.Hardware.Hierarchy = "yolo"
	}
	if cfg.Hardware.Backend == "uio" && len(cfg.Hardware.Blocks) == 0 {
		return fmt.Errorf("hardware.blocks is required for the uio backend")
	}
	if cfg.Hardware.Poll.IntervalUS <= 0 {
		cfg.Hardware.Poll.IntervalUS = 10
	}
	if cfg.Hardware.Poll.TimeoutMS <= 0 {
		cfg.Hardware.Poll.TimeoutMS = 3000
	}

	// Model
	if cfg.Model.ClassCount <= 0 {
		return fmt.Errorf("model.class_count must be > 0")
	}
	if cfg.Model.ObjThreshold < 0 || cfg.Model.ObjThreshold > 1 {
		return fmt.Errorf("model.obj_threshold must be in [0, 1]")
	}
	if cfg.Model.NMSThreshold < 0 || cfg.Model.NMSThreshold > 1 {
		return fmt.Errorf("model.nms_threshold must be in [0, 1]")
	}
	if cfg.Model.WeightsArchive == "" {
		return fmt.Errorf("model.weights_archive is required")
	}
	switch cfg.Model.RotateAngle {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("model.rotate_angle must be 0, 90, 180 or 270")
	}

	// Camera
	if cfg.Camera.Location == "" && cfg.Camera.StaticImage == "" {
		return fmt.Errorf("camera.location or camera.static_image is required")
	}
	if cfg.Camera.Location != "" {
		if cfg.Camera.Width <= 0 || cfg.Camera.Height <= 0 {
			return fmt.Errorf("camera.width and camera.height must be > 0")
		}
	}

	// MQTT
	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if cfg.MQTT.Topics.Detections == "" {
		cfg.MQTT.Topics.Detections = fmt.Sprintf("sensors/detections/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Health == "" {
		cfg.MQTT.Topics.Health = fmt.Sprintf("sensors/health/%s", cfg.InstanceID)
	}
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"detections": 1,
			"health":     0,
		}
	}

	return nil
}
