// Package runner drives the submit/wait/readback cycle of a dispatch plan.
//
// The loop owns one recording target, one result buffer and one fence on
// the device for the whole run and keeps at most one dispatch in flight:
// iteration N+1 does not start recording until iteration N has been
// observed complete, its fence reset, and its results unmapped.
package runner

import "time"

// Device is the compute context as the loop sees it. Implementations hand
// over resources that are already valid and not shared with anyone else.
// Methods are called from a single goroutine.
type Device interface {
	// ResetRecording reclaims everything recorded by the previous iteration
	// and readies the recording target for new commands.
	ResetRecording() error
	BindPipeline() error
	// BindResults binds the descriptor that references the result buffer.
	BindResults() error
	// PushSeed uploads the 8-byte seed at offset 0.
	PushSeed(seed uint64) error
	// Dispatch records groupsX groups along x; y and z are always 1.
	Dispatch(groupsX uint32) error
	// Submit ends recording and submits the work with the fence attached.
	Submit() error
	// Wait blocks until the fence signals or timeout elapses. It returns an
	// error wrapping ErrWaitTimeout when the work is still running and one
	// wrapping ErrDeviceLost when the device reported failure.
	Wait(timeout time.Duration) error
	ResetFence() error
	// MapResults exposes the result buffer for host reads. The slice is only
	// valid until UnmapResults.
	MapResults() ([]uint32, error)
	UnmapResults() error
}

// Sink persists the result slots of one iteration.
type Sink interface {
	WriteBatch(iteration uint64, slots []uint32) error
}
