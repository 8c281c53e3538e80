package cvio

import (
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"

	"github.com/swongvsa/high-speed-camera-testing/internal/frame"
)

// DefaultJPEGQuality is used when JPEGEncoder.Quality is zero.
const DefaultJPEGQuality = 80

// JPEGEncoder turns frames into JPEG bytes for the preview.
type JPEGEncoder struct {
	Quality int
}

// Encode returns f as a JPEG.
func (e JPEGEncoder) Encode(f frame.Frame) ([]byte, error) {
	q := e.Quality
	if q <= 0 || q > 100 {
		q = DefaultJPEGQuality
	}

	bgr, err := toBGR(f)
	if err != nil {
		return nil, err
	}
	defer bgr.Close()

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, bgr, []int{int(gocv.IMWriteJpegQuality), q})
	if err != nil {
		return nil, fmt.Errorf("cvio: jpeg encode: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

// SaveImage writes f to path; the format follows the extension (.png, .jpg).
func SaveImage(path string, f frame.Frame) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".png" && ext != ".jpg" && ext != ".jpeg" {
		return fmt.Errorf("cvio: unsupported image format %q", ext)
	}

	bgr, err := toBGR(f)
	if err != nil {
		return err
	}
	defer bgr.Close()

	if !gocv.IMWrite(path, bgr) {
		return fmt.Errorf("cvio: failed to write %s", path)
	}
	return nil
}

// Overlay draws the frame sequence and an optional label in the top left
// corner. It satisfies transform.Transformer.
type Overlay struct {
	Label string
}

func (o Overlay) Transform(f frame.Frame) (frame.Frame, string) {
	bgr, err := toBGR(f)
	if err != nil {
		return frame.Frame{}, ""
	}
	defer bgr.Close()

	text := fmt.Sprintf("#%d", f.Sequence())
	if o.Label != "" {
		text = o.Label + " " + text
	}
	scale := float64(f.Height()) / 720
	if scale < 0.4 {
		scale = 0.4
	}
	gocv.PutText(&bgr, text, image.Pt(10, int(30*scale)+5), gocv.FontHersheySimplex, scale,
		color.RGBA{0, 255, 0, 255}, 1)

	if f.IsMono() {
		gray := gocv.NewMat()
		defer gray.Close()
		gocv.CvtColor(bgr, &gray, gocv.ColorBGRToGray)
		out, err := fromBGR(gray, f)
		if err != nil {
			return frame.Frame{}, ""
		}
		return out, ""
	}

	out, err := fromBGR(bgr, f)
	if err != nil {
		return frame.Frame{}, ""
	}
	return out, ""
}
