package gpu

import (
	"fmt"
	"sync"
	"time"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/graveler/runner"
)

// Fence signals when a submission has finished. WebGPU exposes no fence
// object, so completion is observed through the map request on the
// staging buffer that the submission copies into last: the map resolves
// only after every command before it on the queue has run.
type Fence struct {
	dev  *wgpu.Device
	poll time.Duration

	mu     sync.Mutex
	armed  bool
	done   chan struct{}
	status wgpu.BufferMapAsyncStatus
}

// NewFence returns an unarmed fence for dev.
func NewFence(dev *wgpu.Device) *Fence {
	return &Fence{dev: dev, poll: time.Millisecond}
}

// Arm requests a read mapping of buf. The fence signals when the request
// resolves.
func (f *Fence) Arm(buf *wgpu.Buffer, size uint64) error {
	f.mu.Lock()
	if f.armed {
		f.mu.Unlock()
		return errFenceArmed
	}
	done := make(chan struct{})
	f.armed = true
	f.done = done
	f.mu.Unlock()

	err := buf.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		f.mu.Lock()
		f.status = status
		f.mu.Unlock()
		close(done)
	})
	if err != nil {
		f.mu.Lock()
		f.armed = false
		f.mu.Unlock()
		return fmt.Errorf("map async: %w", err)
	}
	return nil
}

// Wait polls the device until the fence signals or timeout elapses.
func (f *Fence) Wait(timeout time.Duration) error {
	f.mu.Lock()
	armed, done := f.armed, f.done
	f.mu.Unlock()
	if !armed {
		return errFenceIdle
	}

	deadline := time.Now().Add(timeout)
	for {
		f.dev.Poll(false, nil)
		select {
		case <-done:
			f.mu.Lock()
			status := f.status
			f.mu.Unlock()
			if status != wgpu.BufferMapAsyncStatusSuccess {
				return fmt.Errorf("%w: map status %v", runner.ErrDeviceLost, status)
			}
			return nil
		default:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s", runner.ErrWaitTimeout, timeout)
		}
		time.Sleep(f.poll)
	}
}

// Signaled reports whether the armed request has resolved.
func (f *Fence) Signaled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.armed {
		return false
	}
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Pending reports whether the fence is armed and has not yet signalled.
func (f *Fence) Pending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.armed {
		return false
	}
	select {
	case <-f.done:
		return false
	default:
		return true
	}
}

// Reset readies a signalled fence for the next submission.
func (f *Fence) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.armed {
		return errFenceIdle
	}
	select {
	case <-f.done:
	default:
		return fmt.Errorf("reset fence: %w", runner.ErrWaitTimeout)
	}
	f.armed = false
	f.done = nil
	return nil
}
