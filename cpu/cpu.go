// Package cpu runs the dice kernel on host goroutines behind the same
// runner.Device contract as the GPU backend. It is the reference the GPU
// results are checked against and the backend used where no adapter exists.
package cpu

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/openfluke/graveler/dice"
	"github.com/openfluke/graveler/planner"
	"github.com/openfluke/graveler/runner"
)

// Limits are the execution limits the host device reports, matching a
// typical discrete GPU so plans look the same on both backends.
var Limits = planner.DeviceLimits{
	MaxInvocationsPerGroup: 1024,
	MaxGroupSizeX:          1024,
	MaxGroupCountX:         65535,
}

var errState = errors.New("cpu device: command out of state")

// Options tunes the host device.
type Options struct {
	// Workers bounds the goroutines running groups; 0 means GOMAXPROCS.
	Workers int
	Logger  logrus.FieldLogger
}

// Device is a host implementation of runner.Device.
type Device struct {
	invocations uint32
	workers     int
	log         logrus.FieldLogger

	results []uint32

	ctx    context.Context
	cancel context.CancelFunc

	recording bool
	pipeline  bool
	bound     bool
	seed      uint64
	groups    uint32

	mu      sync.Mutex
	pending chan struct{}
	runErr  error
	mapped  bool
}

var _ runner.Device = (*Device)(nil)

// New allocates result slots for plan.
func New(plan planner.Plan, opts Options) (*Device, error) {
	if plan.InvocationsPerGroup == 0 || plan.GroupsPerDispatch == 0 {
		return nil, fmt.Errorf("cpu device: incomplete plan %s", plan)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	log.WithFields(logrus.Fields{
		"workers":             workers,
		"groups_per_dispatch": plan.GroupsPerDispatch,
	}).Info("host device ready")
	return &Device{
		invocations: plan.InvocationsPerGroup,
		workers:     workers,
		log:         log,
		results:     make([]uint32, plan.GroupsPerDispatch),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

func (d *Device) ResetRecording() error {
	d.mu.Lock()
	busy := d.pending != nil || d.mapped
	d.mu.Unlock()
	if busy {
		return fmt.Errorf("%w: reset while a dispatch is outstanding", errState)
	}
	d.recording, d.pipeline, d.bound, d.seed, d.groups = true, false, false, 0, 0
	return nil
}

func (d *Device) BindPipeline() error {
	if !d.recording {
		return fmt.Errorf("%w: not recording", errState)
	}
	d.pipeline = true
	return nil
}

func (d *Device) BindResults() error {
	if !d.recording {
		return fmt.Errorf("%w: not recording", errState)
	}
	d.bound = true
	return nil
}

func (d *Device) PushSeed(seed uint64) error {
	if !d.recording {
		return fmt.Errorf("%w: not recording", errState)
	}
	d.seed = seed
	return nil
}

func (d *Device) Dispatch(groupsX uint32) error {
	if !d.pipeline || !d.bound {
		return fmt.Errorf("%w: dispatch without pipeline and results bound", errState)
	}
	if int(groupsX) != len(d.results) {
		return fmt.Errorf("%w: dispatch of %d groups into %d slots", runner.ErrPlanMismatch, groupsX, len(d.results))
	}
	d.groups = groupsX
	return nil
}

// Submit starts the recorded dispatch in the background.
func (d *Device) Submit() error {
	if !d.recording || d.groups == 0 {
		return fmt.Errorf("%w: submit without a dispatch", errState)
	}
	d.recording = false

	done := make(chan struct{})
	d.mu.Lock()
	d.pending, d.runErr = done, nil
	d.mu.Unlock()

	seed, groups := d.seed, d.groups
	go func() {
		err := d.run(seed, groups)
		d.mu.Lock()
		d.runErr = err
		d.mu.Unlock()
		close(done)
	}()
	return nil
}

// run splits the groups into chunks and fans them out over the workers.
func (d *Device) run(seed uint64, groups uint32) error {
	g, ctx := errgroup.WithContext(d.ctx)
	g.SetLimit(d.workers)

	chunk := max(groups/uint32(d.workers*4), 1)
	for start := uint32(0); start < groups; start += chunk {
		end := min(start+chunk, groups)
		g.Go(func() error {
			for grp := start; grp < end; grp++ {
				if grp%256 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				d.results[grp] = dice.GroupMax(seed, grp, d.invocations)
			}
			return nil
		})
	}
	return g.Wait()
}

// Wait blocks until the background dispatch finishes or timeout elapses.
func (d *Device) Wait(timeout time.Duration) error {
	d.mu.Lock()
	done := d.pending
	d.mu.Unlock()
	if done == nil {
		return fmt.Errorf("%w: wait without submit", errState)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		return fmt.Errorf("%w after %s", runner.ErrWaitTimeout, timeout)
	}

	d.mu.Lock()
	err := d.runErr
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", runner.ErrDeviceLost, err)
	}
	return nil
}

func (d *Device) ResetFence() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return fmt.Errorf("%w: reset fence without submit", errState)
	}
	select {
	case <-d.pending:
	default:
		return fmt.Errorf("%w: reset fence while the dispatch runs", errState)
	}
	d.pending = nil
	return nil
}

// MapResults returns the slots directly; no worker touches them until the
// next Submit.
func (d *Device) MapResults() ([]uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending != nil {
		return nil, fmt.Errorf("%w: map before fence reset", errState)
	}
	d.mapped = true
	return d.results, nil
}

func (d *Device) UnmapResults() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.mapped {
		return fmt.Errorf("%w: unmap without map", errState)
	}
	d.mapped = false
	return nil
}

// Close stops any dispatch still running and waits for it.
func (d *Device) Close() {
	d.cancel()
	d.mu.Lock()
	done := d.pending
	d.mu.Unlock()
	if done != nil {
		<-done
	}
}
