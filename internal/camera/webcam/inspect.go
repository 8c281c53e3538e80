package webcam

import (
	"fmt"
	"sort"

	v4l2 "github.com/blackjack/webcam"
)

// NodeInfo is what a V4L2 query reports about a device node.
type NodeInfo struct {
	Formats   []string
	MaxWidth  int
	MaxHeight int
}

// Inspector opens a device node just long enough to read its capabilities.
type Inspector interface {
	Inspect(path string) (NodeInfo, error)
}

// V4L2Inspector queries device nodes through the kernel V4L2 API.
type V4L2Inspector struct{}

func (V4L2Inspector) Inspect(path string) (NodeInfo, error) {
	cam, err := v4l2.Open(path)
	if err != nil {
		return NodeInfo{}, err
	}
	defer cam.Close()

	formats := cam.GetSupportedFormats()
	if len(formats) == 0 {
		// Metadata nodes (/dev/video1 next to a UVC camera) list no formats.
		return NodeInfo{}, fmt.Errorf("webcam: %s has no capture formats", path)
	}

	var info NodeInfo
	for f, name := range formats {
		info.Formats = append(info.Formats, name)
		for _, size := range cam.GetSupportedFrameSizes(f) {
			if int(size.MaxWidth)*int(size.MaxHeight) > info.MaxWidth*info.MaxHeight {
				info.MaxWidth = int(size.MaxWidth)
				info.MaxHeight = int(size.MaxHeight)
			}
		}
	}
	sort.Strings(info.Formats)
	return info, nil
}
