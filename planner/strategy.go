package planner

import "fmt"

// SingleAxis fills one dispatch with as many groups as the target needs and
// falls back to several full dispatches when the x group count limit is hit.
type SingleAxis struct{}

func (SingleAxis) Name() string { return "single-axis" }

func (s SingleAxis) Plan(limits DeviceLimits, targetTrials uint64) (Plan, error) {
	if err := checkInputs(limits, targetTrials); err != nil {
		return Plan{}, err
	}

	p := Plan{Strategy: s.Name(), TargetTrials: targetTrials}
	inv, w := groupSize(limits)
	if w != nil {
		p.Warnings = append(p.Warnings, *w)
	}
	p.InvocationsPerGroup = inv
	p.RequiredGroups = ceilDiv(targetTrials, uint64(inv))

	if p.RequiredGroups <= uint64(limits.MaxGroupCountX) {
		p.GroupsPerDispatch = uint32(p.RequiredGroups)
		p.DispatchCount = 1
		return p, nil
	}

	// Having each invocation run several trials would avoid this path entirely.
	p.GroupsPerDispatch = limits.MaxGroupCountX
	p.DispatchCount = ceilDiv(p.RequiredGroups, uint64(p.GroupsPerDispatch))
	if err := checkTotal(p); err != nil {
		return Plan{}, err
	}
	p.Warnings = append(p.Warnings, multiDispatchWarning(p, limits.MaxGroupCountX))
	return p, nil
}

// Balanced plans the same dispatch count as SingleAxis but spreads the
// required groups evenly across dispatches, so the last dispatch is not
// mostly overshoot.
type Balanced struct{}

func (Balanced) Name() string { return "balanced" }

func (b Balanced) Plan(limits DeviceLimits, targetTrials uint64) (Plan, error) {
	p, err := SingleAxis{}.Plan(limits, targetTrials)
	if err != nil {
		return Plan{}, err
	}
	p.Strategy = b.Name()
	if p.DispatchCount == 1 {
		return p, nil
	}
	p.GroupsPerDispatch = uint32(ceilDiv(p.RequiredGroups, p.DispatchCount))
	warnings := p.Warnings[:0:0]
	for _, w := range p.Warnings {
		if w.Code != WarnMultiDispatch {
			warnings = append(warnings, w)
		}
	}
	p.Warnings = append(warnings, multiDispatchWarning(p, limits.MaxGroupCountX))
	return p, nil
}

func multiDispatchWarning(p Plan, limit uint32) Warning {
	return Warning{
		Code: WarnMultiDispatch,
		Message: fmt.Sprintf("using %d dispatches of %d groups: %d groups exceed the per-dispatch limit of %d; "+
			"multiple dispatches are much slower than one",
			p.DispatchCount, p.GroupsPerDispatch, p.RequiredGroups, limit),
	}
}
