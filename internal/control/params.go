package control

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"

	"github.com/swongvsa/high-speed-camera-testing/internal/config"
)

type exposureParams struct {
	ExposureMS float64 `mapstructure:"exposure_ms"`
}

type gainParams struct {
	Gain float64 `mapstructure:"gain"`
}

type roiParams struct {
	ROI config.ROI `mapstructure:"roi"`
}

type frameRateParams struct {
	FPS float64 `mapstructure:"fps"`
}

type transformerParams struct {
	Name    string `mapstructure:"name"`
	Enabled bool   `mapstructure:"enabled"`
}

type clipParams struct {
	DurationS float64 `mapstructure:"duration_s"`
}

// SlowmoParams are the export_slowmo parameters. Zero values select the
// configured defaults; DurationS 0 exports the whole source.
type SlowmoParams struct {
	DurationS          float64 `mapstructure:"duration_s" json:"duration_s"`
	PlaybackFPS        float64 `mapstructure:"playback_fps" json:"playback_fps"`
	Filename           string  `mapstructure:"filename" json:"filename"`
	UseRecordingBuffer bool    `mapstructure:"use_recording_buffer" json:"use_recording_buffer"`
}

// stringToROIHookFunc parses ROI presets and WxH strings.
func stringToROIHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != reflect.TypeOf(config.ROI{}) {
			return data, nil
		}
		return config.ParseROI(data.(string))
	}
}

// decodeParams decodes params into out. Numbers may arrive as JSON strings.
// Every key in required must be present; unknown keys are rejected.
func decodeParams(params map[string]interface{}, out interface{}, required ...string) error {
	for _, k := range required {
		if _, ok := params[k]; !ok {
			return fmt.Errorf("missing '%s' parameter", k)
		}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       stringToROIHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(params); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}
