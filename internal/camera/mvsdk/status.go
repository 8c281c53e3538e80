package mvsdk

import (
	"fmt"

	"github.com/swongvsa/high-speed-camera-testing/internal/camera"
)

// Status is a native SDK return code. Zero is success, everything else is
// negative.
type Status int

const (
	StatusSuccess             Status = 0
	StatusFailed              Status = -1
	StatusInternalError       Status = -2
	StatusUnknown             Status = -3
	StatusNotSupported        Status = -4
	StatusNotInitialized      Status = -5
	StatusParameterInvalid    Status = -6
	StatusParameterOutOfBound Status = -7
	StatusUnenabled           Status = -8
	StatusUserCancel          Status = -9
	StatusPathNotFound        Status = -10
	StatusSizeDismatch        Status = -11
	StatusTimeOut             Status = -12
	StatusIOError             Status = -13
	StatusCommError           Status = -14
	StatusBusError            Status = -15
	StatusNoDeviceFound       Status = -16
	StatusNoLogicDeviceFound  Status = -17
	StatusDeviceIsOpened      Status = -18
	StatusDeviceIsClosed      Status = -19
	StatusDeviceVideoClosed   Status = -20
	StatusNoMemory            Status = -21
	StatusFileCreateFailed    Status = -22
	StatusFileInvalid         Status = -23
	StatusWriteProtected      Status = -24
	StatusGrabFailed          Status = -25
	StatusLostData            Status = -26
	StatusEOFError            Status = -27
	StatusBusy                Status = -28
	StatusWait                Status = -29
	StatusInProcess           Status = -30
	StatusIICError            Status = -31
	StatusSPIError            Status = -32
	StatusUSBControlError     Status = -33
	StatusUSBBulkError        Status = -34
	StatusSocketInitError     Status = -35
	StatusGigEFilterInitError Status = -36
	StatusNetSendError        Status = -37
	StatusDeviceLost          Status = -38
	StatusDataRecvLess        Status = -39
	StatusFunctionLoadFailed  Status = -40
	StatusCriticalFileLost    Status = -41
	StatusSensorIDDismatch    Status = -42
	StatusOutOfRange          Status = -43
	StatusRegistryError       Status = -44
	StatusAccessDeny          Status = -45
)

var statusNames = map[Status]string{
	StatusSuccess:             "SUCCESS",
	StatusFailed:              "FAILED",
	StatusInternalError:       "INTERNAL_ERROR",
	StatusUnknown:             "UNKNOW",
	StatusNotSupported:        "NOT_SUPPORTED",
	StatusNotInitialized:      "NOT_INITIALIZED",
	StatusParameterInvalid:    "PARAMETER_INVALID",
	StatusParameterOutOfBound: "PARAMETER_OUT_OF_BOUND",
	StatusUnenabled:           "UNENABLED",
	StatusUserCancel:          "USER_CANCEL",
	StatusPathNotFound:        "PATH_NOT_FOUND",
	StatusSizeDismatch:        "SIZE_DISMATCH",
	StatusTimeOut:             "TIME_OUT",
	StatusIOError:             "IO_ERROR",
	StatusCommError:           "COMM_ERROR",
	StatusBusError:            "BUS_ERROR",
	StatusNoDeviceFound:       "NO_DEVICE_FOUND",
	StatusNoLogicDeviceFound:  "NO_LOGIC_DEVICE_FOUND",
	StatusDeviceIsOpened:      "DEVICE_IS_OPENED",
	StatusDeviceIsClosed:      "DEVICE_IS_CLOSED",
	StatusDeviceVideoClosed:   "DEVICE_VEDIO_CLOSED",
	StatusNoMemory:            "NO_MEMORY",
	StatusFileCreateFailed:    "FILE_CREATE_FAILED",
	StatusFileInvalid:         "FILE_INVALID",
	StatusWriteProtected:      "WRITE_PROTECTED",
	StatusGrabFailed:          "GRAB_FAILED",
	StatusLostData:            "LOST_DATA",
	StatusEOFError:            "EOF_ERROR",
	StatusBusy:                "BUSY",
	StatusWait:                "WAIT",
	StatusInProcess:           "IN_PROCESS",
	StatusIICError:            "IIC_ERROR",
	StatusSPIError:            "SPI_ERROR",
	StatusUSBControlError:     "USB_CONTROL_ERROR",
	StatusUSBBulkError:        "USB_BULK_ERROR",
	StatusSocketInitError:     "SOCKET_INIT_ERROR",
	StatusGigEFilterInitError: "GIGE_FILTER_INIT_ERROR",
	StatusNetSendError:        "NET_SEND_ERROR",
	StatusDeviceLost:          "DEVICE_LOST",
	StatusDataRecvLess:        "DATA_RECV_LESS",
	StatusFunctionLoadFailed:  "FUNCTION_LOAD_FAILED",
	StatusCriticalFileLost:    "CRITICAL_FILE_LOST",
	StatusSensorIDDismatch:    "SENSOR_ID_DISMATCH",
	StatusOutOfRange:          "OUT_OF_RANGE",
	StatusRegistryError:       "REGISTRY_ERROR",
	StatusAccessDeny:          "ACCESS_DENY",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(%d)", int(s))
}

// userMessages are shown to viewers. Codes without an entry fall back to the
// default message for their camera.Kind.
var userMessages = map[Status]string{
	StatusNoDeviceFound:  "No camera detected. Please connect a camera and restart.",
	StatusDeviceLost:     "Camera connection lost. Please check cable and reconnect.",
	StatusAccessDeny:     "Camera already in use. Only one viewer allowed.",
	StatusTimeOut:        "Camera not responding. Please restart the application.",
	StatusFailed:         "Camera operation failed. Please check camera connection.",
	StatusIOError:        "Camera I/O error. Please reconnect the camera.",
	StatusCommError:      "Camera communication error. Check USB/network connection.",
	StatusBusError:       "Camera bus error. Try a different USB port.",
	StatusDeviceIsOpened: "Camera is already open. Close other applications using the camera.",
	StatusDeviceIsClosed: "Camera is closed. Please restart the application.",
	StatusNoMemory:       "Out of memory. Close other applications and try again.",
	StatusGrabFailed:     "Failed to capture frame. Camera may have disconnected.",
	StatusLostData:       "Data loss detected. Camera bandwidth may be insufficient.",
	StatusNetSendError:   "Network send error. Check camera IP configuration and network connection.",
}

// UserMessage returns the viewer-facing text for s.
func (s Status) UserMessage() string {
	return userMessages[s]
}

// Kind maps a status returned by op onto the camera error taxonomy.
func (s Status) Kind(op string) camera.Kind {
	switch s {
	case StatusTimeOut:
		return camera.KindTimeout
	case StatusAccessDeny, StatusDeviceIsOpened:
		return camera.KindAlreadyInUse
	case StatusNoDeviceFound, StatusNoLogicDeviceFound:
		return camera.KindEnumeration
	}
	if op == "enumerate" || op == "sdk_init" {
		return camera.KindEnumeration
	}
	return camera.KindFatal
}

// statusError wraps a non-success status from op into a *camera.Error.
// It returns nil for StatusSuccess.
func statusError(op string, s Status) error {
	if s == StatusSuccess {
		return nil
	}
	return camera.NewError(s.Kind(op), op, int(s), s.UserMessage(), fmt.Errorf("mvsdk: %s returned %s", op, s))
}
