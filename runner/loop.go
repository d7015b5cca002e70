package runner

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openfluke/graveler/planner"
)

const DefaultWaitTimeout = 30 * time.Second

// Options tunes a Loop. Zero values pick defaults.
type Options struct {
	Logger logrus.FieldLogger
	// Multiplier repeats the whole plan; total iterations are
	// DispatchCount × Multiplier.
	Multiplier  uint64
	WaitTimeout time.Duration
	// Sink, when set, receives every iteration's slots.
	Sink Sink
	// Validate checks every slot against MaxSlotValue.
	Validate     bool
	MaxSlotValue uint32
	Seeds        *SeedSource
	// OnPhase, when set, is called on every phase transition.
	OnPhase func(iteration uint64, p Phase)
}

// Summary is what a finished (or aborted) run reports.
type Summary struct {
	Plan      planner.Plan  `json:"plan" yaml:"plan"`
	RunCount  uint64        `json:"run_count" yaml:"run_count"`
	Completed uint64        `json:"completed" yaml:"completed"`
	Trials    uint64        `json:"trials" yaml:"trials"`
	GlobalMax uint32        `json:"global_max" yaml:"global_max"`
	Start     time.Time     `json:"start" yaml:"start"`
	End       time.Time     `json:"end" yaml:"end"`
	Elapsed   time.Duration `json:"-" yaml:"-"`
	ElapsedMS int64         `json:"elapsed_ms" yaml:"elapsed_ms"`
}

// Loop runs a dispatch plan on a device.
type Loop struct {
	dev   Device
	plan  planner.Plan
	opts  Options
	log   logrus.FieldLogger
	state RunState
}

// New checks the plan and options and computes the run count.
func New(dev Device, plan planner.Plan, opts Options) (*Loop, error) {
	if dev == nil {
		return nil, SetupError("new loop", errors.New("nil device"))
	}
	if plan.InvocationsPerGroup == 0 || plan.GroupsPerDispatch == 0 || plan.DispatchCount == 0 {
		return nil, ConfigError("new loop", fmt.Errorf("incomplete dispatch plan %+v", plan))
	}
	if opts.Multiplier == 0 {
		return nil, ConfigError("new loop", errors.New("run multiplier must be positive"))
	}
	hi, runCount := bits.Mul64(plan.DispatchCount, opts.Multiplier)
	if hi != 0 {
		return nil, ConfigError("new loop", fmt.Errorf("%d dispatches x %d runs overflows", plan.DispatchCount, opts.Multiplier))
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	if opts.Seeds == nil {
		opts.Seeds = NewSeedSource()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Loop{
		dev:   dev,
		plan:  plan,
		opts:  opts,
		log:   log,
		state: RunState{RunCount: runCount},
	}, nil
}

// State returns a copy of the current run state.
func (l *Loop) State() RunState { return l.state }

// Run executes every iteration in order. ctx is only consulted between
// iterations; a dispatch that has been submitted always runs to completion
// or failure. Any device error stops the run.
func (l *Loop) Run(ctx context.Context) (Summary, error) {
	l.state.Start = time.Now()
	l.setPhase(PhaseIdle)

	for l.state.Iteration = 0; l.state.Iteration < l.state.RunCount; l.state.Iteration++ {
		if err := ctx.Err(); err != nil {
			l.state.End = time.Now()
			return l.summary(), fmt.Errorf("run interrupted after %d of %d dispatches: %w",
				l.state.Iteration, l.state.RunCount, err)
		}
		if err := l.step(); err != nil {
			failed := l.state.Phase
			l.setPhase(PhaseFatal)
			l.state.End = time.Now()
			return l.summary(), err.withPhase(failed)
		}
	}

	l.setPhase(PhaseDone)
	l.state.End = time.Now()
	return l.summary(), nil
}

type stepError struct {
	op        string
	iteration uint64
	err       error
}

func (s *stepError) withPhase(p Phase) error {
	return &Error{Kind: runtimeKind(s.err), Op: s.op, Iteration: s.iteration, Phase: p, Err: s.err}
}

func (l *Loop) step() *stepError {
	it := l.state.Iteration
	seed := l.opts.Seeds.Next()
	groups := l.plan.GroupsPerDispatch

	l.setPhase(PhaseRecording)
	if err := l.dev.ResetRecording(); err != nil {
		return l.annotate("reset recording", err)
	}
	if err := l.dev.BindPipeline(); err != nil {
		return l.annotate("bind pipeline", err)
	}
	if err := l.dev.BindResults(); err != nil {
		return l.annotate("bind results", err)
	}
	if err := l.dev.PushSeed(seed); err != nil {
		return l.annotate("push seed", err)
	}
	if err := l.dev.Dispatch(groups); err != nil {
		return l.annotate("dispatch", err)
	}
	if err := l.dev.Submit(); err != nil {
		return l.annotate("submit", err)
	}
	l.setPhase(PhaseSubmitted)
	l.log.WithField("dispatch", it+1).Debug("dispatch submitted")

	l.setPhase(PhaseWaiting)
	if err := l.dev.Wait(l.opts.WaitTimeout); err != nil {
		return l.annotate("wait", err)
	}
	if err := l.dev.ResetFence(); err != nil {
		return l.annotate("reset fence", err)
	}

	l.setPhase(PhaseReadingBack)
	batchMax, serr := l.readBack(it)
	if serr != nil {
		return serr
	}

	l.setPhase(PhaseIdle)
	l.state.Trials += uint64(l.plan.InvocationsPerGroup) * uint64(groups)
	l.log.WithFields(logrus.Fields{
		"dispatch":   it + 1,
		"of":         l.state.RunCount,
		"seed":       fmt.Sprintf("%016x", seed),
		"batch_max":  batchMax,
		"global_max": l.state.GlobalMax,
	}).Info("dispatch complete")
	return nil
}

// readBack maps the results, reduces and persists them, and always unmaps.
func (l *Loop) readBack(it uint64) (batchMax uint32, serr *stepError) {
	slots, err := l.dev.MapResults()
	if err != nil {
		return 0, l.annotate("map results", err)
	}
	defer func() {
		if err := l.dev.UnmapResults(); err != nil && serr == nil {
			serr = l.annotate("unmap results", err)
		}
	}()

	if len(slots) != int(l.plan.GroupsPerDispatch) {
		return 0, l.annotate("map results", fmt.Errorf("%w: %d slots, plan has %d groups",
			ErrPlanMismatch, len(slots), l.plan.GroupsPerDispatch))
	}
	if l.opts.Validate {
		for i, v := range slots {
			if v > l.opts.MaxSlotValue {
				return 0, l.annotate("validate results", fmt.Errorf("%w: slot %d = %d, max %d",
					ErrResultRange, i, v, l.opts.MaxSlotValue))
			}
		}
	}
	if l.opts.Sink != nil {
		if err := l.opts.Sink.WriteBatch(it, slots); err != nil {
			return 0, l.annotate("write batch", err)
		}
	}
	return l.state.Observe(slots), nil
}

func (l *Loop) setPhase(p Phase) {
	l.state.Phase = p
	if l.opts.OnPhase != nil {
		l.opts.OnPhase(l.state.Iteration, p)
	}
}

func (l *Loop) annotate(op string, err error) *stepError {
	l.log.WithFields(logrus.Fields{
		"op":        op,
		"iteration": l.state.Iteration,
		"phase":     l.state.Phase.String(),
	}).WithError(err).Error("dispatch failed")
	return &stepError{op: op, iteration: l.state.Iteration, err: err}
}

func (l *Loop) summary() Summary {
	elapsed := l.state.Elapsed()
	completed := l.state.Iteration
	if l.state.Phase == PhaseDone {
		completed = l.state.RunCount
	}
	return Summary{
		Plan:      l.plan,
		RunCount:  l.state.RunCount,
		Completed: completed,
		Trials:    l.state.Trials,
		GlobalMax: l.state.GlobalMax,
		Start:     l.state.Start,
		End:       l.state.End,
		Elapsed:   elapsed,
		ElapsedMS: elapsed.Milliseconds(),
	}
}
