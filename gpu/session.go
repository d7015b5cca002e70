package gpu

import (
	"fmt"
	"time"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/sirupsen/logrus"

	"github.com/openfluke/graveler/dice"
	"github.com/openfluke/graveler/planner"
	"github.com/openfluke/graveler/runner"
)

// Session is everything one run needs on the device, created once before
// the loop and bound once: kernel, ResultBuffer, seed uniform, bind group
// and Fence. It implements runner.Device.
type Session struct {
	ctx     *Context
	kernel  *Kernel
	results *ResultBuffer
	seed    *wgpu.Buffer
	bind    *wgpu.BindGroup
	fence   *Fence
	log     logrus.FieldLogger
	drain   time.Duration

	enc  *wgpu.CommandEncoder
	pass *wgpu.ComputePassEncoder
	cmd  *wgpu.CommandBuffer
}

var _ runner.Device = (*Session)(nil)

// NewSession compiles the kernel for plan and allocates its buffers.
func NewSession(c *Context, plan planner.Plan) (*Session, error) {
	if plan.InvocationsPerGroup > c.limits.MaxInvocationsPerGroup ||
		plan.InvocationsPerGroup > c.limits.MaxGroupSizeX ||
		plan.GroupsPerDispatch > c.limits.MaxGroupCountX {
		return nil, fmt.Errorf("%w: plan %s exceeds device limits", ErrLimits, plan)
	}

	s := &Session{ctx: c, log: c.log, fence: NewFence(c.Device), drain: DefaultDrainTimeout}
	var err error
	if s.kernel, err = CompileKernel(c, plan.InvocationsPerGroup); err != nil {
		return nil, err
	}
	if s.results, err = NewResultBuffer(c, plan.GroupsPerDispatch); err != nil {
		s.Close()
		return nil, err
	}
	s.seed, err = c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "Seed",
		Size:  seedUniformSize,
		Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("create seed buffer: %w", err)
	}
	s.bind, err = c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "Dice_Bind",
		Layout: s.kernel.Layout,
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: s.results.Storage, Size: s.results.Size()},
			{Binding: 1, Buffer: s.seed, Size: seedUniformSize},
		},
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("create bind group: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"invocations_per_group": plan.InvocationsPerGroup,
		"groups_per_dispatch":   plan.GroupsPerDispatch,
		"result_bytes":          s.results.Size(),
	}).Info("compute pipeline and buffers created")
	return s, nil
}

func (s *Session) ResetRecording() error {
	s.releaseRecording()
	enc, err := s.ctx.Device.CreateCommandEncoder(&wgpu.CommandEncoderDescriptor{Label: "Dice_Encoder"})
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	s.enc = enc
	return nil
}

func (s *Session) BindPipeline() error {
	if s.enc == nil {
		return errNotRecording
	}
	s.pass = s.enc.BeginComputePass(&wgpu.ComputePassDescriptor{Label: "Dice_Pass"})
	s.pass.SetPipeline(s.kernel.Pipeline)
	return nil
}

func (s *Session) BindResults() error {
	if s.pass == nil {
		return errNoPass
	}
	s.pass.SetBindGroup(0, s.bind, nil)
	return nil
}

// PushSeed writes the seed words at offset 0 of the seed uniform. Queue
// writes land before any later submission, so the dispatch sees them.
func (s *Session) PushSeed(seed uint64) error {
	if s.enc == nil {
		return errNotRecording
	}
	lo, hi := dice.SplitSeed(seed)
	if err := s.ctx.Queue.WriteBuffer(s.seed, 0, wgpu.ToBytes([]uint32{lo, hi})); err != nil {
		return fmt.Errorf("write seed: %w", err)
	}
	return nil
}

func (s *Session) Dispatch(groupsX uint32) error {
	if s.pass == nil {
		return errNoPass
	}
	if groupsX != s.results.Len() {
		return fmt.Errorf("%w: dispatch of %d groups into %d slots", runner.ErrPlanMismatch, groupsX, s.results.Len())
	}
	s.pass.DispatchWorkgroups(groupsX, 1, 1)
	return nil
}

// Submit ends the pass, records the copy into the staging buffer, submits,
// and arms the fence on that staging buffer.
func (s *Session) Submit() error {
	if s.pass == nil {
		return errNoPass
	}
	s.pass.End()
	s.pass.Release()
	s.pass = nil
	if err := s.enc.CopyBufferToBuffer(s.results.Storage, 0, s.results.Staging, 0, s.results.Size()); err != nil {
		return fmt.Errorf("copy results to staging: %w", err)
	}

	cmd, err := s.enc.Finish(nil)
	if err != nil {
		return fmt.Errorf("finish command buffer: %w", err)
	}
	s.cmd = cmd
	s.ctx.Queue.Submit(cmd)
	return s.fence.Arm(s.results.Staging, s.results.Size())
}

func (s *Session) Wait(timeout time.Duration) error { return s.fence.Wait(timeout) }

func (s *Session) ResetFence() error { return s.fence.Reset() }

func (s *Session) MapResults() ([]uint32, error) { return s.results.Map() }

func (s *Session) UnmapResults() error { return s.results.Unmap() }

func (s *Session) releaseRecording() {
	if s.pass != nil {
		s.pass.End()
		s.pass.Release()
		s.pass = nil
	}
	if s.cmd != nil {
		s.cmd.Release()
		s.cmd = nil
	}
	if s.enc != nil {
		s.enc.Release()
		s.enc = nil
	}
}

// Close waits up to the drain timeout for the queue, then releases
// everything the session created. The Context stays open. When the queue
// does not drain the resources are left allocated, since the device may
// still be using them, and the Context is marked stalled.
func (s *Session) Close() {
	if s.fence.Pending() {
		if err := s.fence.Wait(s.drain); err != nil {
			s.ctx.stalled = true
			s.log.WithError(err).Warn("dispatch still running at shutdown, leaving session resources allocated")
			return
		}
	}
	if err := s.ctx.WaitIdle(s.drain); err != nil {
		s.log.WithError(err).Warn("queue did not drain at shutdown, leaving session resources allocated")
		return
	}
	s.releaseRecording()
	if s.bind != nil {
		s.bind.Release()
		s.bind = nil
	}
	if s.seed != nil {
		s.seed.Destroy()
		s.seed.Release()
		s.seed = nil
	}
	if s.results != nil {
		s.results.Release()
		s.results = nil
	}
	if s.kernel != nil {
		s.kernel.Release()
		s.kernel = nil
	}
}
