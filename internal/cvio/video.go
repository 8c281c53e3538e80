package cvio

import (
	"fmt"
	"log/slog"

	"gocv.io/x/gocv"

	"github.com/swongvsa/high-speed-camera-testing/internal/clip"
	"github.com/swongvsa/high-speed-camera-testing/internal/frame"
)

// DefaultCodec is the FourCC used for .mp4 output.
const DefaultCodec = "mp4v"

// VideoSink writes clips with cv::VideoWriter. It satisfies clip.Sink.
type VideoSink struct {
	Codec string
}

var _ clip.Sink = VideoSink{}

// Write encodes frames at playbackFPS. Mono frames are written as BGR.
func (s VideoSink) Write(frames []frame.Frame, playbackFPS float64, path string) error {
	if err := clip.ValidateSequence(frames); err != nil {
		return err
	}
	codec := s.Codec
	if codec == "" {
		codec = DefaultCodec
	}

	first := frames[0]
	w, err := gocv.VideoWriterFile(path, codec, playbackFPS, first.Width(), first.Height(), true)
	if err != nil {
		return fmt.Errorf("cvio: open video writer %s: %w", path, err)
	}
	defer w.Close()

	if !w.IsOpened() {
		return fmt.Errorf("cvio: video writer for %s not opened (codec %s)", path, codec)
	}

	for i, f := range frames {
		bgr, err := toBGR(f)
		if err != nil {
			return err
		}
		err = w.Write(bgr)
		bgr.Close()
		if err != nil {
			return fmt.Errorf("cvio: write frame %d: %w", i, err)
		}
	}

	slog.Debug("cvio: video written", "path", path, "frames", len(frames), "fps", playbackFPS, "codec", codec)
	return nil
}
