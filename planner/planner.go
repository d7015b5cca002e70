// Package planner sizes compute dispatches from device limits.
//
// A plan partitions a target number of trials into
//
//	invocationsPerGroup × groupsPerDispatch × dispatchCount
//
// along the primary (x) axis only. Single-axis partitioning is a
// simplification that fits devices whose per-group invocation limit and
// x group-size limit coincide; it is not optimal for every device, which
// is why strategies are pluggable (see Register).
package planner

import (
	"errors"
	"fmt"
	"math/bits"
)

var (
	ErrInvalidLimits = errors.New("planner: device limits must all be positive")
	ErrZeroTarget    = errors.New("planner: target trial count must be positive")
	ErrPlanOverflow  = errors.New("planner: planned trial count overflows uint64")
)

// DeviceLimits is the immutable snapshot of execution limits read once per run.
type DeviceLimits struct {
	MaxInvocationsPerGroup uint32 `json:"max_invocations_per_group" yaml:"max_invocations_per_group"`
	MaxGroupSizeX          uint32 `json:"max_group_size_x" yaml:"max_group_size_x"`
	MaxGroupCountX         uint32 `json:"max_group_count_x" yaml:"max_group_count_x"`
}

// Validate reports ErrInvalidLimits when any limit is zero.
func (l DeviceLimits) Validate() error {
	if l.MaxInvocationsPerGroup == 0 || l.MaxGroupSizeX == 0 || l.MaxGroupCountX == 0 {
		return fmt.Errorf("%w: %+v", ErrInvalidLimits, l)
	}
	return nil
}

// WarningCode identifies an advisory diagnostic.
type WarningCode string

const (
	WarnClampedGroupSize WarningCode = "clamped-group-size"
	WarnMultiDispatch    WarningCode = "multi-dispatch"
)

// Warning is advisory: the plan is valid but leaves performance on the table.
type Warning struct {
	Code    WarningCode `json:"code" yaml:"code"`
	Message string      `json:"message" yaml:"message"`
}

// Plan is computed once, before the execution loop starts, and never
// changes afterwards. Buffer sizing depends on GroupsPerDispatch staying fixed.
type Plan struct {
	Strategy            string    `json:"strategy" yaml:"strategy"`
	TargetTrials        uint64    `json:"target_trials" yaml:"target_trials"`
	InvocationsPerGroup uint32    `json:"invocations_per_group" yaml:"invocations_per_group"`
	RequiredGroups      uint64    `json:"required_groups" yaml:"required_groups"`
	GroupsPerDispatch   uint32    `json:"groups_per_dispatch" yaml:"groups_per_dispatch"`
	DispatchCount       uint64    `json:"dispatch_count" yaml:"dispatch_count"`
	Warnings            []Warning `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// TotalTrials is the number of trials the plan actually executes.
func (p Plan) TotalTrials() uint64 {
	return uint64(p.InvocationsPerGroup) * uint64(p.GroupsPerDispatch) * p.DispatchCount
}

// Overshoot is how many trials run beyond the target.
func (p Plan) Overshoot() uint64 {
	return p.TotalTrials() - p.TargetTrials
}

// SingleDispatch reports whether the whole target fits in one dispatch.
func (p Plan) SingleDispatch() bool { return p.DispatchCount == 1 }

// ResultBytes is the size of the per-dispatch result buffer.
func (p Plan) ResultBytes() uint64 { return uint64(p.GroupsPerDispatch) * 4 }

func (p Plan) String() string {
	return fmt.Sprintf("%s: %d invocations/group x %d groups/dispatch x %d dispatches = %d trials",
		p.Strategy, p.InvocationsPerGroup, p.GroupsPerDispatch, p.DispatchCount, p.TotalTrials())
}

// Strategy turns limits and a target into a plan. Implementations must be
// pure and deterministic.
type Strategy interface {
	Name() string
	Plan(limits DeviceLimits, targetTrials uint64) (Plan, error)
}

// New plans with the default single-axis strategy.
func New(limits DeviceLimits, targetTrials uint64) (Plan, error) {
	return SingleAxis{}.Plan(limits, targetTrials)
}

// ceilDiv needs b > 0.
func ceilDiv(a, b uint64) uint64 {
	if a == 0 {
		return 0
	}
	return (a-1)/b + 1
}

// checkTotal rejects plans whose trial product does not fit in a uint64.
func checkTotal(p Plan) error {
	hi, groupTrials := bits.Mul64(uint64(p.InvocationsPerGroup), uint64(p.GroupsPerDispatch))
	if hi != 0 {
		return fmt.Errorf("%w: target %d", ErrPlanOverflow, p.TargetTrials)
	}
	if hi, _ = bits.Mul64(groupTrials, p.DispatchCount); hi != 0 {
		return fmt.Errorf("%w: target %d", ErrPlanOverflow, p.TargetTrials)
	}
	return nil
}

// groupSize clamps the per-group invocation count to the x-axis size limit.
func groupSize(limits DeviceLimits) (uint32, *Warning) {
	inv := limits.MaxInvocationsPerGroup
	if inv > limits.MaxGroupSizeX {
		return limits.MaxGroupSizeX, &Warning{
			Code: WarnClampedGroupSize,
			Message: fmt.Sprintf("workgroups could be more efficient with multi-dimensional dispatch: "+
				"device allows %d invocations per group but only %d along x",
				limits.MaxInvocationsPerGroup, limits.MaxGroupSizeX),
		}
	}
	return inv, nil
}

func checkInputs(limits DeviceLimits, targetTrials uint64) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	if targetTrials == 0 {
		return ErrZeroTarget
	}
	return nil
}
