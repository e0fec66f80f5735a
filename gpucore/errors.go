package gpucore

import "errors"

// Device error kinds. Backends wrap these with context; callers match
// them with errors.Is.
var (
	// ErrResourceExhausted is returned when the device cannot allocate a
	// buffer, command recording or bind group.
	ErrResourceExhausted = errors.New("gpucore: device resources exhausted")

	// ErrDeviceLost is returned when the device faulted or disappeared.
	ErrDeviceLost = errors.New("gpucore: device lost")

	// ErrInvalidSubmission is returned when the device rejects commands.
	ErrInvalidSubmission = errors.New("gpucore: invalid submission")

	// ErrWaitTimeout is returned when a bounded wait expires.
	ErrWaitTimeout = errors.New("gpucore: wait timed out")

	// ErrUnknownKernel is returned when a backend cannot execute a program.
	ErrUnknownKernel = errors.New("gpucore: unknown kernel program")

	// ErrInvalidID is returned for handles the backend does not know.
	ErrInvalidID = errors.New("gpucore: invalid resource id")

	// ErrNotMappable is returned when the host accesses a buffer created
	// without a Map usage.
	ErrNotMappable = errors.New("gpucore: buffer is not host-visible")

	// ErrBackendNotAvailable is returned when a requested backend is not
	// registered or cannot start.
	ErrBackendNotAvailable = errors.New("gpucore: backend not available")
)
