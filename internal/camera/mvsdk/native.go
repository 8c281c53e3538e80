//go:build mvsdk && cgo

package mvsdk

/*
#cgo linux LDFLAGS: -lMVSDK
#cgo windows LDFLAGS: -lMVCAMSDK_X64
#include <stdlib.h>
#include "CameraApi.h"
*/
import "C"

import (
	"sync"
	"unsafe"
)

// Native returns the libMVSDK binding.
func Native() (SDK, error) {
	return &cSDK{
		devs:  make(map[int]C.tSdkCameraDevInfo),
		heads: make(map[RawBuffer]C.tSdkFrameHead),
	}, nil
}

type cSDK struct {
	// Enumerated device blocks, by instance, kept for CameraInit.
	devs map[int]C.tSdkCameraDevInfo

	// Native frame heads of grabbed images; ImageProcess needs the full
	// block (bayer layout, bit depth), not just the fields FrameHead exposes.
	mu    sync.Mutex
	heads map[RawBuffer]C.tSdkFrameHead
}

const maxDevices = 16

func (s *cSDK) SdkInit() Status {
	// 0 selects English SDK messages.
	return Status(C.CameraSdkInit(0))
}

func (s *cSDK) EnumerateDevice() ([]DevInfo, Status) {
	var list [maxDevices]C.tSdkCameraDevInfo
	n := C.INT(maxDevices)

	st := Status(C.CameraEnumerateDevice(&list[0], &n))
	if st != StatusSuccess {
		return nil, st
	}

	out := make([]DevInfo, 0, int(n))
	s.devs = make(map[int]C.tSdkCameraDevInfo, int(n))
	for i := 0; i < int(n); i++ {
		s.devs[i] = list[i]
		out = append(out, DevInfo{
			FriendlyName: C.GoString(&list[i].acFriendlyName[0]),
			PortType:     C.GoString(&list[i].acPortType[0]),
			SerialNumber: C.GoString(&list[i].acSn[0]),
			Instance:     i,
		})
	}
	return out, StatusSuccess
}

func (s *cSDK) CameraInit(dev DevInfo) (CameraHandle, Status) {
	info, ok := s.devs[dev.Instance]
	if !ok {
		return 0, StatusNoDeviceFound
	}
	var h C.CameraHandle
	st := Status(C.CameraInit(&info, -1, -1, &h))
	return CameraHandle(h), st
}

func (s *cSDK) GetCapability(h CameraHandle) (SensorCapability, Status) {
	var c C.tSdkCameraCapbility
	st := Status(C.CameraGetCapability(C.CameraHandle(h), &c))
	if st != StatusSuccess {
		return SensorCapability{}, st
	}
	return SensorCapability{
		WidthMax:   int(c.sResolutionRange.iWidthMax),
		HeightMax:  int(c.sResolutionRange.iHeightMax),
		MonoSensor: c.sIspCapacity.bMonoSensor != 0,
	}, StatusSuccess
}

func (s *cSDK) SetIspOutFormat(h CameraHandle, mediaType uint32) Status {
	return Status(C.CameraSetIspOutFormat(C.CameraHandle(h), C.UINT(mediaType)))
}

func (s *cSDK) SetTriggerMode(h CameraHandle, mode int) Status {
	return Status(C.CameraSetTriggerMode(C.CameraHandle(h), C.int(mode)))
}

func (s *cSDK) SetFrameSpeed(h CameraHandle, speed int) Status {
	return Status(C.CameraSetFrameSpeed(C.CameraHandle(h), C.int(speed)))
}

func (s *cSDK) SetAeState(h CameraHandle, auto bool) Status {
	var v C.BOOL
	if auto {
		v = 1
	}
	return Status(C.CameraSetAeState(C.CameraHandle(h), v))
}

func (s *cSDK) SetExposureTime(h CameraHandle, us float64) Status {
	return Status(C.CameraSetExposureTime(C.CameraHandle(h), C.double(us)))
}

func (s *cSDK) SetAnalogGain(h CameraHandle, gain int) Status {
	return Status(C.CameraSetAnalogGain(C.CameraHandle(h), C.INT(gain)))
}

func (s *cSDK) SetImageResolution(h CameraHandle, width, height int) Status {
	var res C.tSdkImageResolution
	res.iIndex = 0xff // custom ROI
	res.iWidth = C.INT(width)
	res.iHeight = C.INT(height)
	res.iWidthFOV = C.INT(width)
	res.iHeightFOV = C.INT(height)
	return Status(C.CameraSetImageResolution(C.CameraHandle(h), &res))
}

func (s *cSDK) AlignMalloc(size, align int) (FrameBuffer, Status) {
	p := C.CameraAlignMalloc(C.int(size), C.int(align))
	if p == nil {
		return nil, StatusNoMemory
	}
	return &cBuffer{p: p, size: size}, StatusSuccess
}

func (s *cSDK) Play(h CameraHandle) Status  { return Status(C.CameraPlay(C.CameraHandle(h))) }
func (s *cSDK) Pause(h CameraHandle) Status { return Status(C.CameraPause(C.CameraHandle(h))) }

func (s *cSDK) GetImageBuffer(h CameraHandle, timeoutMs int) (RawBuffer, FrameHead, Status) {
	var head C.tSdkFrameHead
	var raw *C.BYTE
	st := Status(C.CameraGetImageBuffer(C.CameraHandle(h), &head, &raw, C.UINT(timeoutMs)))
	if st != StatusSuccess {
		return 0, FrameHead{}, st
	}
	rb := RawBuffer(uintptr(unsafe.Pointer(raw)))
	s.mu.Lock()
	s.heads[rb] = head
	s.mu.Unlock()
	return rb, goHead(&head), StatusSuccess
}

func (s *cSDK) ImageProcess(h CameraHandle, raw RawBuffer, out FrameBuffer, head FrameHead) Status {
	cb, ok := out.(*cBuffer)
	if !ok {
		return StatusParameterInvalid
	}
	s.mu.Lock()
	ch, ok := s.heads[raw]
	s.mu.Unlock()
	if !ok {
		ch = cHead(head)
	}
	return Status(C.CameraImageProcess(C.CameraHandle(h), rawPtr(raw), cb.p, &ch))
}

func (s *cSDK) ReleaseImageBuffer(h CameraHandle, raw RawBuffer) Status {
	s.mu.Lock()
	delete(s.heads, raw)
	s.mu.Unlock()
	return Status(C.CameraReleaseImageBuffer(C.CameraHandle(h), rawPtr(raw)))
}

func (s *cSDK) FlipFrameBuffer(out FrameBuffer, head FrameHead) Status {
	cb, ok := out.(*cBuffer)
	if !ok {
		return StatusParameterInvalid
	}
	ch := cHead(head)
	return Status(C.CameraFlipFrameBuffer(cb.p, &ch, 1))
}

func (s *cSDK) UnInit(h CameraHandle) Status {
	return Status(C.CameraUnInit(C.CameraHandle(h)))
}

func rawPtr(raw RawBuffer) *C.BYTE {
	return (*C.BYTE)(unsafe.Pointer(uintptr(raw)))
}

func goHead(h *C.tSdkFrameHead) FrameHead {
	return FrameHead{
		MediaType: uint32(h.uiMediaType),
		Bytes:     int(h.uBytes),
		Width:     int(h.iWidth),
		Height:    int(h.iHeight),
	}
}

func cHead(h FrameHead) C.tSdkFrameHead {
	var c C.tSdkFrameHead
	c.uiMediaType = C.UINT(h.MediaType)
	c.uBytes = C.UINT(h.Bytes)
	c.iWidth = C.INT(h.Width)
	c.iHeight = C.INT(h.Height)
	return c
}

type cBuffer struct {
	p    *C.BYTE
	size int
}

func (b *cBuffer) Bytes(n int) []byte {
	if b.p == nil {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(b.p)), n)
}

func (b *cBuffer) Size() int { return b.size }

func (b *cBuffer) Free() {
	if b.p != nil {
		C.CameraAlignFree(b.p)
		b.p = nil
		b.size = 0
	}
}
