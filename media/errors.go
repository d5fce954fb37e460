package media

import "errors"

// Cause classifies an acquisition failure so callers can branch without
// matching on provider-specific error strings.
type Cause int

const (
	CauseUnknown Cause = iota
	CausePermissionDenied
	CauseDeviceNotFound
	CauseDeviceBusy
)

var (
	// ErrPermissionDenied means the user or platform refused capture access.
	ErrPermissionDenied = errors.New("media: permission denied")
	// ErrDeviceNotFound means no capture device matches the constraints.
	ErrDeviceNotFound = errors.New("media: device not found")
	// ErrDeviceBusy means the device exists but is held by another consumer.
	ErrDeviceBusy = errors.New("media: device busy")
	// ErrTrackClosed is returned by writes to a closed track.
	ErrTrackClosed = errors.New("media: track closed")
)

// Classify translates a provider error into a Cause. Providers wrap the
// sentinel errors above; anything else is CauseUnknown.
func Classify(err error) Cause {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return CausePermissionDenied
	case errors.Is(err, ErrDeviceNotFound):
		return CauseDeviceNotFound
	case errors.Is(err, ErrDeviceBusy):
		return CauseDeviceBusy
	default:
		return CauseUnknown
	}
}

// Recoverable reports whether retrying with reduced constraints can help.
// Permission, missing-device and busy-device failures are all worth an
// audio-only retry when video was requested.
func (c Cause) Recoverable() bool {
	return c == CausePermissionDenied || c == CauseDeviceNotFound || c == CauseDeviceBusy
}

// Message returns the user-facing description for a cause.
func (c Cause) Message() string {
	switch c {
	case CausePermissionDenied:
		return "Camera and microphone access was denied. Check your browser or system permissions."
	case CauseDeviceNotFound:
		return "No camera or microphone was found on this device."
	case CauseDeviceBusy:
		return "Your camera or microphone is in use by another application."
	default:
		return "Could not access your camera or microphone."
	}
}

func (c Cause) String() string {
	switch c {
	case CausePermissionDenied:
		return "permission-denied"
	case CauseDeviceNotFound:
		return "device-not-found"
	case CauseDeviceBusy:
		return "device-busy"
	default:
		return "unknown"
	}
}
