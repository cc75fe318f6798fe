// Package config loads and validates the sensor's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete sensor configuration
type Config struct {
	InstanceID       string         `yaml:"instance_id"`
	ShutdownTimeoutS int            `yaml:"shutdown_timeout_s"` // graceful shutdown timeout in seconds (default: 5)
	Hardware         HardwareConfig `yaml:"hardware"`
	Model            ModelConfig    `yaml:"model"`
	Camera           CameraConfig   `yaml:"camera"`
	MQTT             MQTTConfig     `yaml:"mqtt"`
}

// HardwareConfig selects and describes the accelerator backend
type HardwareConfig struct {
	Backend   string                 `yaml:"backend"`   // sim, uio
	Hierarchy string                 `yaml:"hierarchy"` // IP hierarchy name, e.g. "yolo"
	Poll      PollConfig             `yaml:"poll"`
	Blocks    map[string]BlockConfig `yaml:"blocks"` // required for the uio backend
}

// PollConfig bounds the register busy-wait loops
type PollConfig struct {
	IntervalUS int `yaml:"interval_us"` // default: 10
	TimeoutMS  int `yaml:"timeout_ms"`  // default: 3000
}

// BlockConfig describes one memory-mapped IP block. The blocks map is keyed
// by the full hierarchical name, e.g. "/yolo/axi_dma_0".
type BlockConfig struct {
	UIO        string            `yaml:"uio"` // /dev/uioN
	Size       int               `yaml:"size"`
	Registers  map[string]uint32 `yaml:"registers"`
	BufferUIO  string            `yaml:"buffer_uio,omitempty"` // DMA bounce buffer device
	BufferPhys uint64            `yaml:"buffer_phys,omitempty"`
	BufferSize int               `yaml:"buffer_size,omitempty"`
}

// ModelConfig contains detection model settings
type ModelConfig struct {
	ClassCount     int     `yaml:"class_count"`
	ObjThreshold   float32 `yaml:"obj_threshold"`
	NMSThreshold   float32 `yaml:"nms_threshold"`
	WeightsArchive string  `yaml:"weights_archive"`
	RotateAngle    int     `yaml:"rotate_angle"` // 0, 90, 180, 270
}

// CameraConfig contains capture settings
type CameraConfig struct {
	// Location is a V4L2 device path or an rtsp:// URL. Empty selects the
	// static image source.
	Location    string `yaml:"location"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	StaticImage string `yaml:"static_image,omitempty"`
	IntervalMS  int    `yaml:"interval_ms,omitempty"` // static source pacing
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Detections string `yaml:"detections"`
	Health     string `yaml:"health"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// PollInterval returns the poll interval as a duration.
func (p PollConfig) PollInterval() time.Duration {
	return time.Duration(p.IntervalUS) * time.Microsecond
}

// PollTimeout returns the poll timeout as a duration.
func (p PollConfig) PollTimeout() time.Duration {
	return time.Duration(p.TimeoutMS) * time.Millisecond
}
