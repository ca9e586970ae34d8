package adapter

import (
	"context"
	"errors"
	"fmt"
)

// Normalized relay errors.
var (
	ErrDeviceUnreachable = errors.New("DEVICE_UNREACHABLE")
	ErrDeviceRejected    = errors.New("DEVICE_REJECTED")
)

// DeviceError carries the diagnostics of a failed device call.
// Status and Body are set for rejections, Cause for unreachable devices.
type DeviceError struct {
	Code   error
	Path   string
	Status int
	Body   string
	Cause  error
}

func (e *DeviceError) Error() string {
	if errors.Is(e.Code, ErrDeviceRejected) {
		return fmt.Sprintf("device responded with %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("device unreachable: %v", e.Cause)
}

func (e *DeviceError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Code, e.Cause}
	}
	return []error{e.Code}
}

// Rejected builds the error for a non-2xx device response.
func Rejected(path string, status int, body string) *DeviceError {
	return &DeviceError{Code: ErrDeviceRejected, Path: path, Status: status, Body: body}
}

// Unreachable builds the error for a transport failure or timeout.
func Unreachable(path string, cause error) *DeviceError {
	return &DeviceError{Code: ErrDeviceUnreachable, Path: path, Cause: cause}
}

// Normalize maps an arbitrary relay error onto the taxonomy. Errors that already carry a
// code pass through; anything else is treated as an unreachable device.
func Normalize(path string, err error) error {
	if err == nil {
		return nil
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return de
	}
	return Unreachable(path, err)
}

// IsTimeout reports whether err was caused by the per-call deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
