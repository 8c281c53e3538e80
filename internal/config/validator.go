package config

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

const (
	// ExposureDutyCycle is the largest share of the frame period the
	// exposure may take.
	ExposureDutyCycle = 0.9

	MaxTargetFPS  = 1000.0
	MaxPreviewFPS = 60.0

	defaultTargetFPS       = 60.0
	defaultExposureMS      = 30.0
	defaultPluginTimeoutMS = 500
)

var (
	backends     = []string{"auto", "mvsdk", "webcam", "sim"}
	logLevels    = []string{"debug", "info", "warn", "error"}
	logFormats   = []string{"json", "text"}
	transformers = []string{"grayscale", "brightness", "overlay"}
)

// Adjustment records a value that was changed during validation.
type Adjustment struct {
	Field     string  `json:"field"`
	Requested float64 `json:"requested"`
	Applied   float64 `json:"applied"`
	Reason    string  `json:"reason"`
}

func (a Adjustment) String() string {
	return fmt.Sprintf("%s: %g -> %g (%s)", a.Field, a.Requested, a.Applied, a.Reason)
}

// ClampExposure limits exposureUS to ExposureDutyCycle of the frame period
// at fps. The adjustment is nil when no clamp was needed.
func ClampExposure(exposureUS, fps float64) (float64, *Adjustment) {
	if fps <= 0 {
		return exposureUS, nil
	}
	limit := ExposureDutyCycle * 1e6 / fps
	if exposureUS <= limit {
		return exposureUS, nil
	}
	return limit, &Adjustment{
		Field:     "exposure_us",
		Requested: exposureUS,
		Applied:   limit,
		Reason:    fmt.Sprintf("exceeds %.0f%% of the frame period at %.1f fps", ExposureDutyCycle*100, fps),
	}
}

// ClampFrameRate limits fps to maxFPS. maxFPS <= 0 means the sensor
// reported no limit. The adjustment is nil when no clamp was needed.
func ClampFrameRate(fps, maxFPS float64) (float64, *Adjustment) {
	if maxFPS <= 0 || fps <= maxFPS {
		return fps, nil
	}
	return maxFPS, &Adjustment{
		Field:     "target_fps",
		Requested: fps,
		Applied:   maxFPS,
		Reason:    fmt.Sprintf("exceeds sensor maximum of %.1f fps", maxFPS),
	}
}

// ROI is an output resolution. The zero value means full sensor.
type ROI struct {
	Width  int
	Height int
}

func (r ROI) IsFull() bool { return r.Width == 0 && r.Height == 0 }

func (r ROI) String() string {
	if r.IsFull() {
		return "full"
	}
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// ParseROI accepts a preset name or WxH.
func ParseROI(s string) (ROI, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "full", "max":
		return ROI{}, nil
	case "720p":
		return ROI{1280, 720}, nil
	case "vga", "480p":
		return ROI{640, 480}, nil
	case "qvga", "240p":
		return ROI{320, 240}, nil
	}

	w, h, ok := strings.Cut(s, "x")
	if !ok {
		return ROI{}, fmt.Errorf("roi %q: want full, a preset or WxH", s)
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil || width <= 0 || height <= 0 {
		return ROI{}, fmt.Errorf("roi %q: width and height must be positive integers", s)
	}
	return ROI{width, height}, nil
}

// Validate fills defaults, clamps out-of-range knobs and rejects invalid
// values. Every clamp is appended to cfg.Adjustments and logged.
func Validate(cfg *Config) error {
	cfg.Adjustments = nil

	if cfg.InstanceID == "" {
		cfg.InstanceID = "hscam"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateCamera(cfg); err != nil {
		return err
	}
	validateCapture(&cfg.Capture)
	if err := validateReconnect(&cfg.Reconnect); err != nil {
		return err
	}

	if cfg.Buffer.WindowS <= 0 {
		cfg.Buffer.WindowS = 5
	}
	if cfg.Buffer.PlaybackFPS <= 0 {
		cfg.Buffer.PlaybackFPS = 30
	}

	if cfg.Clips.OutputDir == "" {
		cfg.Clips.OutputDir = "./clips"
	}
	if cfg.Clips.MaxAgeH <= 0 {
		cfg.Clips.MaxAgeH = 1
	}
	if cfg.Clips.Codec == "" {
		cfg.Clips.Codec = "mp4v"
	}
	if len(cfg.Clips.Codec) != 4 {
		return fmt.Errorf("clips.codec must be a FourCC, got %q", cfg.Clips.Codec)
	}
	if cfg.Clips.MaxRecordFrames <= 0 {
		cfg.Clips.MaxRecordFrames = 2000
	}

	if err := validatePreview(cfg); err != nil {
		return err
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}

	validateMQTT(cfg)

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if !oneOf(cfg.Logging.Level, logLevels) {
		return fmt.Errorf("logging.level must be one of %v, got %q", logLevels, cfg.Logging.Level)
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if !oneOf(cfg.Logging.Format, logFormats) {
		return fmt.Errorf("logging.format must be one of %v, got %q", logFormats, cfg.Logging.Format)
	}

	for _, a := range cfg.Adjustments {
		slog.Warn("config: value adjusted",
			"field", a.Field,
			"requested", a.Requested,
			"applied", a.Applied,
			"reason", a.Reason,
		)
	}
	return nil
}

func validateCamera(cfg *Config) error {
	cam := &cfg.Camera
	if cam.Backend == "" {
		cam.Backend = "auto"
	}
	if !oneOf(cam.Backend, backends) {
		return fmt.Errorf("camera.backend must be one of %v, got %q", backends, cam.Backend)
	}

	if cam.TargetFPS <= 0 {
		cam.TargetFPS = defaultTargetFPS
	}
	if cam.TargetFPS > MaxTargetFPS {
		cfg.adjust("camera.target_fps", cam.TargetFPS, MaxTargetFPS, "above the supported maximum")
		cam.TargetFPS = MaxTargetFPS
	}

	if cam.ExposureMS <= 0 {
		cam.ExposureMS = defaultExposureMS
	}
	if us, adj := ClampExposure(cam.ExposureUS(), cam.TargetFPS); adj != nil {
		cfg.adjust("camera.exposure_ms", cam.ExposureMS, us/1000, adj.Reason)
		cam.ExposureMS = us / 1000
	}

	if cam.Gain < 0 {
		return fmt.Errorf("camera.gain must be >= 0, got %g", cam.Gain)
	}
	if _, err := ParseROI(cam.ROI); err != nil {
		return fmt.Errorf("camera.%w", err)
	}
	if cam.ROI == "" {
		cam.ROI = "full"
	}

	if cam.Webcam.Width <= 0 || cam.Webcam.Height <= 0 {
		cam.Webcam.Width, cam.Webcam.Height = 640, 480
	}
	if cam.Webcam.FPS <= 0 {
		cam.Webcam.FPS = 30
	}
	return nil
}

func validateCapture(c *CaptureConfig) {
	if c.PullTimeoutMS <= 0 {
		c.PullTimeoutMS = 500
	}
	if c.StopTimeoutMS <= 0 {
		c.StopTimeoutMS = 2000
	}
	if c.FatalBackoffMS <= 0 {
		c.FatalBackoffMS = 200
	}
	if c.WarmupDurationS <= 0 {
		c.WarmupDurationS = 3
	}
}

func validateReconnect(r *ReconnectConfig) error {
	if r.TimeoutLimit <= 0 {
		r.TimeoutLimit = 10
	}
	if r.BackoffS <= 0 {
		r.BackoffS = 2
	}
	if r.MinIntervalS <= 0 {
		r.MinIntervalS = 10
	}
	if r.MaxFailedAttempts == nil {
		n := 5
		r.MaxFailedAttempts = &n
	}
	if *r.MaxFailedAttempts < 0 {
		return fmt.Errorf("reconnect.max_failed_attempts must be >= 0, got %d", *r.MaxFailedAttempts)
	}
	return nil
}

func validatePreview(cfg *Config) error {
	p := &cfg.Preview
	if p.FPS <= 0 {
		p.FPS = 25
	}
	if p.FPS > MaxPreviewFPS {
		cfg.adjust("preview.fps", p.FPS, MaxPreviewFPS, "preview is capped at display rate")
		p.FPS = MaxPreviewFPS
	}
	if p.JPEGQuality <= 0 {
		p.JPEGQuality = 80
	}
	if p.JPEGQuality > 100 {
		cfg.adjust("preview.jpeg_quality", float64(p.JPEGQuality), 100, "maximum JPEG quality")
		p.JPEGQuality = 100
	}
	for _, t := range p.Transformers {
		if !oneOf(t, transformers) {
			return fmt.Errorf("preview.transformers: unknown %q (must be one of %v)", t, transformers)
		}
	}

	seen := make(map[string]bool)
	for i := range p.Plugins {
		pl := &p.Plugins[i]
		switch {
		case pl.Name == "":
			return fmt.Errorf("preview.plugins[%d]: name is required", i)
		case oneOf(pl.Name, transformers):
			return fmt.Errorf("preview.plugins[%d]: name %q is a built-in transformer", i, pl.Name)
		case seen[pl.Name]:
			return fmt.Errorf("preview.plugins[%d]: duplicate name %q", i, pl.Name)
		case pl.Command == "":
			return fmt.Errorf("preview.plugins[%d] (%s): command is required", i, pl.Name)
		}
		seen[pl.Name] = true
		if pl.TimeoutMS <= 0 {
			pl.TimeoutMS = defaultPluginTimeoutMS
		}
	}
	return nil
}

func validateMQTT(cfg *Config) {
	m := &cfg.MQTT
	if m.Topics.Control == "" {
		m.Topics.Control = fmt.Sprintf("hscam/control/%s", cfg.InstanceID)
	}
	if m.Topics.Events == "" {
		m.Topics.Events = fmt.Sprintf("hscam/events/%s", cfg.InstanceID)
	}
	if m.Topics.Health == "" {
		m.Topics.Health = fmt.Sprintf("hscam/health/%s", cfg.InstanceID)
	}
	if m.QoS == nil {
		m.QoS = map[string]byte{
			"control": 1,
			"events":  1,
			"health":  0,
		}
	}
}

func (cfg *Config) adjust(field string, requested, applied float64, reason string) {
	cfg.Adjustments = append(cfg.Adjustments, Adjustment{
		Field:     field,
		Requested: requested,
		Applied:   applied,
		Reason:    reason,
	})
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
