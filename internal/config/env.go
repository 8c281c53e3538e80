package config

import "log/slog"

// ApplyEnv overrides file values from the environment. getenv is usually
// os.Getenv. CAMERA_IP selects the device by address substring.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("CAMERA_IP"); v != "" {
		slog.Info("config: device preference from environment", "camera_ip", v)
		cfg.Camera.Device = v
	}
	if v := getenv("HSCAM_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
}
