// Package gpu runs the dice kernel on a WebGPU device.
//
// A Context owns the instance, adapter, device and queue. A Session built
// on top of it owns the kernel pipeline, the ResultBuffer, the seed uniform
// and the Fence, and implements runner.Device.
package gpu

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/sirupsen/logrus"

	"github.com/openfluke/graveler/planner"
)

// WebGPU core defaults, used when the device cannot be created with the
// adapter's own limits.
var defaultLimits = planner.DeviceLimits{
	MaxInvocationsPerGroup: 256,
	MaxGroupSizeX:          256,
	MaxGroupCountX:         65535,
}

// DefaultDrainTimeout bounds how long shutdown waits for outstanding work.
const DefaultDrainTimeout = 5 * time.Second

// Options controls adapter selection and diagnostics.
type Options struct {
	// Adapter is an explicit adapter index; negative means prompt when
	// Prompt is set and several adapters exist, otherwise pick the
	// preferred one.
	Adapter   int
	Prompt    io.Reader
	PromptOut io.Writer
	// Validation turns on per-command debug logging and the host side
	// command order checks.
	Validation bool
	Logger     logrus.FieldLogger
}

// Context holds one WebGPU device and its queue.
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
	Info     wgpu.AdapterInfo

	limits     planner.DeviceLimits
	validation bool
	log        logrus.FieldLogger
	// stalled is set once a drain times out; the device is then never
	// released because a poll may still be blocked inside it.
	stalled bool
}

// Open creates an instance, selects an adapter and requests a device.
func Open(opts Options) (*Context, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Context{validation: opts.Validation, log: log}

	c.Instance = wgpu.CreateInstance(nil)
	if c.Instance == nil {
		return nil, fmt.Errorf("create WebGPU instance: %w", ErrNoAdapter)
	}

	adapter, err := c.pickAdapter(opts)
	if err != nil {
		c.Release()
		return nil, err
	}
	c.Adapter = adapter
	c.Info = adapter.GetInfo()
	log.WithFields(logrus.Fields{
		"name":    strings.TrimSpace(c.Info.Name),
		"vendor":  c.Info.VendorName,
		"backend": c.Info.BackendType.String(),
	}).Info("adapter selected")

	supported := adapter.GetLimits()
	c.limits = planner.DeviceLimits{
		MaxInvocationsPerGroup: supported.Limits.MaxComputeInvocationsPerWorkgroup,
		MaxGroupSizeX:          supported.Limits.MaxComputeWorkgroupSizeX,
		MaxGroupCountX:         supported.Limits.MaxComputeWorkgroupsPerDimension,
	}
	if err := c.limits.Validate(); err != nil {
		c.Release()
		return nil, fmt.Errorf("%w: %v", ErrLimits, err)
	}

	c.Device, err = adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label:          "graveler_Device",
		RequiredLimits: &wgpu.RequiredLimits{Limits: supported.Limits},
	})
	if err != nil {
		log.WithError(err).Warn("device with adapter limits refused, falling back to default limits")
		c.Device, err = adapter.RequestDevice(nil)
		if err != nil {
			c.Release()
			return nil, fmt.Errorf("request device: %w", err)
		}
		c.limits = clampLimits(c.limits, defaultLimits)
	}
	c.Queue = c.Device.GetQueue()

	log.WithFields(logrus.Fields{
		"max_invocations_per_group": c.limits.MaxInvocationsPerGroup,
		"max_group_size_x":          c.limits.MaxGroupSizeX,
		"max_group_count_x":         c.limits.MaxGroupCountX,
	}).Debug("device ready")
	return c, nil
}

func (c *Context) pickAdapter(opts Options) (*wgpu.Adapter, error) {
	adapters := c.Instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		return c.requestFallback()
	}

	descs := make([]AdapterDesc, len(adapters))
	for i, a := range adapters {
		info := a.GetInfo()
		descs[i] = AdapterDesc{
			Name:     strings.TrimSpace(info.Name),
			Vendor:   info.VendorName,
			Discrete: strings.Contains(strings.ToLower(info.AdapterType.String()), "discrete"),
		}
		c.log.WithFields(logrus.Fields{
			"index":     i,
			"name":      descs[i].Name,
			"vendor":    info.VendorName,
			"vendor_id": fmt.Sprintf("0x%04x", info.VendorId),
			"device_id": fmt.Sprintf("0x%04x", info.DeviceId),
		}).Debug("adapter found")
	}

	idx, err := chooseAdapter(descs, opts.Adapter, opts.Prompt, opts.PromptOut)
	for i, a := range adapters {
		if i != idx {
			a.Release()
		}
	}
	if err != nil {
		return nil, err
	}
	return adapters[idx], nil
}

// requestFallback walks the power preferences when enumeration is empty.
func (c *Context) requestFallback() (*wgpu.Adapter, error) {
	prefs := []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	}
	var lastErr error
	for _, p := range prefs {
		a, err := c.Instance.RequestAdapter(p)
		if err == nil && a != nil {
			return a, nil
		}
		lastErr = err
		c.log.WithError(err).Debug("adapter request failed, trying next preference")
	}
	return nil, fmt.Errorf("%w: %v", ErrNoAdapter, lastErr)
}

// Limits is the snapshot the dispatch plan is computed from.
func (c *Context) Limits() planner.DeviceLimits { return c.limits }

// WaitIdle blocks until the queue has no outstanding work or timeout
// elapses. After a timeout the Context is marked stalled.
func (c *Context) WaitIdle(timeout time.Duration) error {
	if c.Device == nil {
		return nil
	}
	if c.stalled {
		return ErrDrainTimeout
	}
	dev := c.Device
	if err := drain(func() { dev.Poll(true, nil) }, timeout); err != nil {
		c.stalled = true
		return err
	}
	return nil
}

// drain runs a blocking poll on its own goroutine and gives up on it after
// timeout. A poll that never returns keeps its goroutine until exit.
func drain(poll func(), timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		poll()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrDrainTimeout, timeout)
	}
}

// Release frees the device, adapter and instance. It is safe on a
// partially opened Context. A stalled device is left allocated.
func (c *Context) Release() {
	if c.stalled {
		c.log.Warn("device stalled, leaving it allocated")
		return
	}
	if c.Device != nil {
		c.Device.Release()
		c.Device = nil
	}
	if c.Adapter != nil {
		c.Adapter.Release()
		c.Adapter = nil
	}
	if c.Instance != nil {
		c.Instance.Release()
		c.Instance = nil
	}
}

func clampLimits(a, b planner.DeviceLimits) planner.DeviceLimits {
	return planner.DeviceLimits{
		MaxInvocationsPerGroup: min(a.MaxInvocationsPerGroup, b.MaxInvocationsPerGroup),
		MaxGroupSizeX:          min(a.MaxGroupSizeX, b.MaxGroupSizeX),
		MaxGroupCountX:         min(a.MaxGroupCountX, b.MaxGroupCountX),
	}
}
