package gpu

import "errors"

var (
	// ErrNoAdapter means no WebGPU adapter could be found.
	ErrNoAdapter = errors.New("no compatible GPU adapter")
	// ErrAdapterIndex means the requested adapter index does not exist.
	ErrAdapterIndex = errors.New("adapter index out of range")
	// ErrLimits means the device reports limits the kernel cannot run under.
	ErrLimits = errors.New("device limits cannot run the dice kernel")
	// ErrDrainTimeout means the queue still had work when the drain deadline passed.
	ErrDrainTimeout = errors.New("queue did not drain before the deadline")

	errNotRecording = errors.New("no command recording in progress")
	errNoPass       = errors.New("compute pass not begun")
	errFenceArmed   = errors.New("fence already armed")
	errFenceIdle    = errors.New("fence not armed")
	errNotMapped    = errors.New("result buffer not mapped")
)
