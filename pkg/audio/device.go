// Package audio defines the audio types and device abstractions shared by the
// voxlink capture and playback pipelines.
//
// The two device abstractions are:
//
//   - [Source]: a capture device delivering periodic native-rate sample
//     batches as [SampleBlock] values.
//   - [Sink]: a playback device accepting [PlaybackBuffer] values that carry
//     an absolute start time computed by the playback scheduler.
//
// Concrete bindings live in sub-packages (audio/malgo for real hardware,
// audio/mock for tests). The interfaces are intentionally narrow so that the
// session state machine stays decoupled from any particular audio API.
package audio

import (
	"context"
	"errors"
	"fmt"
)

// Source is a capture device. Start acquires the device and returns a channel
// on which sample batches arrive at the device's fixed cadence. The channel is
// closed when capture stops, either through Stop or because ctx ends.
//
// Implementations must be safe for concurrent use. Stop must be idempotent.
type Source interface {
	// Start acquires the device. Acquisition failures are returned as
	// *[DeviceError] so that callers can report a typed reason.
	Start(ctx context.Context) (<-chan SampleBlock, error)

	// Stop releases the device and closes the channel returned by Start.
	Stop() error

	// SampleRate returns the native capture rate in Hz.
	SampleRate() int
}

// Sink is a playback device. Play must not block: it records the buffer and
// returns, leaving rendering to the device at the buffer's StartAt instant.
//
// Implementations must be safe for concurrent use. Stop must be idempotent.
type Sink interface {
	// Start acquires the output device.
	Start(ctx context.Context) error

	// Play queues buf for rendering at buf.StartAt.
	Play(buf PlaybackBuffer) error

	// Mute discards every queued buffer that has not finished and silences the
	// output immediately.
	Mute() error

	// Stop releases the output device.
	Stop() error
}

// DeviceErrorReason classifies why a device could not be acquired.
type DeviceErrorReason int

const (
	// ReasonUnknown is used when the backend does not report a cause.
	ReasonUnknown DeviceErrorReason = iota

	// ReasonPermissionDenied means the OS refused access to the device.
	ReasonPermissionDenied

	// ReasonDeviceBusy means another process holds the device exclusively.
	ReasonDeviceBusy

	// ReasonUnsupported means the device cannot provide the requested format.
	ReasonUnsupported
)

// String returns the human-readable name of the reason.
func (r DeviceErrorReason) String() string {
	switch r {
	case ReasonPermissionDenied:
		return "PERMISSION_DENIED"
	case ReasonDeviceBusy:
		return "DEVICE_BUSY"
	case ReasonUnsupported:
		return "UNSUPPORTED"
	default:
		return "UNKNOWN"
	}
}

// DeviceError reports a failed device acquisition. It is fatal to session
// start and is never retried.
type DeviceError struct {
	// Device names the device or role ("capture", "playback").
	Device string

	// Reason is the classified cause.
	Reason DeviceErrorReason

	// Err is the underlying backend error, if any.
	Err error
}

// Error implements error.
func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("audio: %s device: %s", e.Device, e.Reason)
	}
	return fmt.Sprintf("audio: %s device: %s: %v", e.Device, e.Reason, e.Err)
}

// Unwrap returns the underlying backend error.
func (e *DeviceError) Unwrap() error { return e.Err }

// NewDeviceError is a convenience constructor for [DeviceError].
func NewDeviceError(device string, reason DeviceErrorReason, err error) *DeviceError {
	return &DeviceError{Device: device, Reason: reason, Err: err}
}

// DeviceReason extracts the [DeviceErrorReason] from err. The second return
// value is false when err does not wrap a *DeviceError.
func DeviceReason(err error) (DeviceErrorReason, bool) {
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Reason, true
	}
	return ReasonUnknown, false
}
