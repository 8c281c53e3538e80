package core

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/swongvsa/high-speed-camera-testing/internal/camera"
	"github.com/swongvsa/high-speed-camera-testing/internal/camera/mvsdk"
	"github.com/swongvsa/high-speed-camera-testing/internal/camera/webcam"
	"github.com/swongvsa/high-speed-camera-testing/internal/config"
)

// simCamera is the device the "sim" backend exposes.
var simCamera = mvsdk.SimCamera{Name: "MV-SIM640C", PortType: "USB3.0", Width: 640, Height: 480}

// Backends builds the camera backends for cfg.Camera.Backend, vendor first.
//
// "auto" uses the vendor SDK when it is linked and always adds webcams.
func Backends(cfg *config.Config) ([]camera.Backend, error) {
	cam := cfg.Camera
	webcams := func() camera.Backend {
		return webcam.New(webcam.Config{
			Width:  cam.Webcam.Width,
			Height: cam.Webcam.Height,
			FPS:    cam.Webcam.FPS,
		}, nil)
	}
	vendor := func() (camera.Backend, error) {
		sdk, err := mvsdk.Native()
		if err != nil {
			return nil, err
		}
		return mvsdk.New(sdk, mvsdk.WithInitialExposure(cam.ExposureUS())), nil
	}

	switch cam.Backend {
	case "sim":
		slog.Info("core: using simulated vendor camera", "fps", cam.TargetFPS)
		sim := mvsdk.NewSimulator(cam.TargetFPS, simCamera)
		return []camera.Backend{mvsdk.New(sim)}, nil

	case "mvsdk":
		b, err := vendor()
		if err != nil {
			return nil, fmt.Errorf("core: vendor backend: %w", err)
		}
		return []camera.Backend{b}, nil

	case "webcam":
		return []camera.Backend{webcams()}, nil

	case "auto", "":
		var out []camera.Backend
		b, err := vendor()
		switch {
		case err == nil:
			out = append(out, b)
		case errors.Is(err, mvsdk.ErrUnavailable):
			slog.Info("core: vendor sdk not linked, webcams only")
		default:
			return nil, fmt.Errorf("core: vendor backend: %w", err)
		}
		return append(out, webcams()), nil

	default:
		return nil, fmt.Errorf("core: unknown camera backend %q", cam.Backend)
	}
}
