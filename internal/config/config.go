package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete hscamd configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Camera           CameraConfig    `yaml:"camera"`
	Capture          CaptureConfig   `yaml:"capture"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
	Buffer           BufferConfig    `yaml:"buffer"`
	Clips            ClipsConfig     `yaml:"clips"`
	Preview          PreviewConfig   `yaml:"preview"`
	Server           ServerConfig    `yaml:"server"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Logging          LoggingConfig   `yaml:"logging"`

	// Adjustments lists every value Validate changed. Not read from YAML.
	Adjustments []Adjustment `yaml:"-"`
}

// CameraConfig contains device selection and sensor knobs
type CameraConfig struct {
	Backend      string       `yaml:"backend"`       // auto, mvsdk, webcam, sim (default: auto)
	Device       string       `yaml:"device"`        // index, name or address substring; empty = first
	TargetFPS    float64      `yaml:"target_fps"`    // capture rate (default: 60)
	ExposureMS   float64      `yaml:"exposure_ms"`   // manual exposure (default: 30, clamped to 90% of the frame period)
	Gain         float64      `yaml:"gain"`          // analog gain factor, 0 = leave as is
	ROI          string       `yaml:"roi"`           // full, 1280x720, 640x480, 320x240 or WxH (default: full)
	AutoExposure bool         `yaml:"auto_exposure"` // vendor backend only
	Webcam       WebcamConfig `yaml:"webcam"`
}

// WebcamConfig is the format requested from webcams
type WebcamConfig struct {
	Width  int     `yaml:"width"`  // default: 640
	Height int     `yaml:"height"` // default: 480
	FPS    float64 `yaml:"fps"`    // default: 30
}

// CaptureConfig contains capture worker timings
type CaptureConfig struct {
	PullTimeoutMS   int     `yaml:"pull_timeout_ms"`   // default: 500
	StopTimeoutMS   int     `yaml:"stop_timeout_ms"`   // default: 2000
	FatalBackoffMS  int     `yaml:"fatal_backoff_ms"`  // default: 200
	WarmupDurationS float64 `yaml:"warmup_duration_s"` // connectivity check window (default: 3)
}

// ReconnectConfig contains timeout-to-reconnect thresholds
type ReconnectConfig struct {
	TimeoutLimit      int     `yaml:"timeout_limit"`       // default: 10
	BackoffS          float64 `yaml:"backoff_s"`           // default: 2
	MinIntervalS      float64 `yaml:"min_interval_s"`      // default: 10
	MaxFailedAttempts *int    `yaml:"max_failed_attempts"` // default: 5, 0 = retry forever
}

// BufferConfig sizes the frame ring buffer
type BufferConfig struct {
	WindowS     float64 `yaml:"window_s"`     // seconds of history (default: 5)
	PlaybackFPS float64 `yaml:"playback_fps"` // slow-motion playback rate (default: 30)
}

// ClipsConfig contains export settings
type ClipsConfig struct {
	OutputDir       string  `yaml:"output_dir"`        // default: ./clips
	MaxAgeH         float64 `yaml:"max_age_h"`         // delete exports older than this (default: 1)
	Codec           string  `yaml:"codec"`             // FourCC (default: mp4v)
	MaxRecordFrames int     `yaml:"max_record_frames"` // recording buffer cap (default: 2000)
}

// PreviewConfig contains live view settings
type PreviewConfig struct {
	FPS          float64        `yaml:"fps"`          // UI sampling rate (default: 25)
	JPEGQuality  int            `yaml:"jpeg_quality"` // default: 80
	Transformers []string       `yaml:"transformers"` // grayscale, brightness, overlay
	Plugins      []PluginConfig `yaml:"plugins"`      // external transformers, run after the built-ins
}

// PluginConfig describes an external transformer process. It reads
// length-prefixed msgpack frames on stdin and answers on stdout.
type PluginConfig struct {
	Name      string   `yaml:"name"`
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	Env       []string `yaml:"env"`        // KEY=value pairs added to the environment
	TimeoutMS int      `yaml:"timeout_ms"` // per-frame round trip (default: 500)
	Disabled  bool     `yaml:"disabled"`   // start switched off; enable with set_transformer
}

// ServerConfig contains the HTTP listener settings
type ServerConfig struct {
	Port int `yaml:"port"` // preview, API and health (default: 8080)
}

// MQTTConfig contains MQTT broker settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control string `yaml:"control"`
	Events  string `yaml:"events"`
	Health  string `yaml:"health"`
}

// LoggingConfig selects the slog handler
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // json, text (default: json)
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	var cfg Config
	if err := Validate(&cfg); err != nil {
		// Defaults always validate.
		panic(err)
	}
	return &cfg
}

// ExposureUS returns the configured exposure in microseconds.
func (c CameraConfig) ExposureUS() float64 { return c.ExposureMS * 1000 }

func (c CaptureConfig) PullTimeout() time.Duration {
	return time.Duration(c.PullTimeoutMS) * time.Millisecond
}

func (c CaptureConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutMS) * time.Millisecond
}

func (c CaptureConfig) FatalBackoff() time.Duration {
	return time.Duration(c.FatalBackoffMS) * time.Millisecond
}

func (c CaptureConfig) WarmupDuration() time.Duration { return seconds(c.WarmupDurationS) }

func (c ReconnectConfig) Backoff() time.Duration     { return seconds(c.BackoffS) }
func (c ReconnectConfig) MinInterval() time.Duration { return seconds(c.MinIntervalS) }

func (c BufferConfig) Window() time.Duration { return seconds(c.WindowS) }

func (c PluginConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c ClipsConfig) MaxAge() time.Duration { return seconds(c.MaxAgeH * 3600) }

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
