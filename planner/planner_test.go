package planner

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"math/rand/v2"
	"reflect"
	"strings"
	"testing"
)

var reference = DeviceLimits{MaxInvocationsPerGroup: 1024, MaxGroupSizeX: 1024, MaxGroupCountX: 65535}

func hasWarning(p Plan, code WarningCode) bool {
	for _, w := range p.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

func TestPlanBillionTrialsNeedsSeveralDispatches(t *testing.T) {
	p, err := New(reference, 1_000_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if p.InvocationsPerGroup != 1024 {
		t.Errorf("invocations per group = %d, want 1024", p.InvocationsPerGroup)
	}
	if p.RequiredGroups != 976563 {
		t.Errorf("required groups = %d, want 976563", p.RequiredGroups)
	}
	if p.GroupsPerDispatch != 65535 {
		t.Errorf("groups per dispatch = %d, want 65535", p.GroupsPerDispatch)
	}
	if p.DispatchCount != 15 {
		t.Errorf("dispatch count = %d, want 15", p.DispatchCount)
	}
	if !hasWarning(p, WarnMultiDispatch) {
		t.Errorf("expected multi-dispatch warning, got %v", p.Warnings)
	}
	if hasWarning(p, WarnClampedGroupSize) {
		t.Errorf("unexpected clamp warning")
	}
}

func TestPlanMillionTrialsFitsOneDispatch(t *testing.T) {
	p, err := New(reference, 1_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if p.DispatchCount != 1 || p.GroupsPerDispatch != 977 {
		t.Errorf("got %d groups x %d dispatches, want 977 x 1", p.GroupsPerDispatch, p.DispatchCount)
	}
	if !p.SingleDispatch() {
		t.Error("SingleDispatch() = false")
	}
	if len(p.Warnings) != 0 {
		t.Errorf("unexpected warnings %v", p.Warnings)
	}
	if p.ResultBytes() != 977*4 {
		t.Errorf("result bytes = %d", p.ResultBytes())
	}
}

func TestPlanGroupSizeClamp(t *testing.T) {
	tests := []struct {
		name      string
		limits    DeviceLimits
		wantInv   uint32
		wantClamp bool
	}{
		{"invocations below x size", DeviceLimits{256, 512, 65535}, 256, false},
		{"invocations above x size", DeviceLimits{512, 256, 65535}, 256, true},
		{"equal", DeviceLimits{1024, 1024, 65535}, 1024, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.limits, 10_000)
			if err != nil {
				t.Fatal(err)
			}
			if p.InvocationsPerGroup != tt.wantInv {
				t.Errorf("invocations = %d, want %d", p.InvocationsPerGroup, tt.wantInv)
			}
			if hasWarning(p, WarnClampedGroupSize) != tt.wantClamp {
				t.Errorf("clamp warning = %v, want %v", !tt.wantClamp, tt.wantClamp)
			}
		})
	}
}

func TestPlanRejectsBadInputs(t *testing.T) {
	if _, err := New(DeviceLimits{0, 1, 1}, 1); !errors.Is(err, ErrInvalidLimits) {
		t.Errorf("zero invocations: err = %v", err)
	}
	if _, err := New(DeviceLimits{1, 1, 0}, 1); !errors.Is(err, ErrInvalidLimits) {
		t.Errorf("zero group count: err = %v", err)
	}
	if _, err := New(reference, 0); !errors.Is(err, ErrZeroTarget) {
		t.Errorf("zero target: err = %v", err)
	}
}

func TestPlanNearUint64Max(t *testing.T) {
	for _, s := range []Strategy{SingleAxis{}, Balanced{}} {
		if p, err := s.Plan(reference, math.MaxUint64); !errors.Is(err, ErrPlanOverflow) {
			t.Errorf("%s: max target: err = %v, plan %v", s.Name(), err, p)
		}

		p, err := s.Plan(reference, 1<<63)
		if err != nil {
			t.Fatalf("%s: 2^63 target: %v", s.Name(), err)
		}
		if p.GroupsPerDispatch == 0 || p.DispatchCount == 0 {
			t.Fatalf("%s: empty plan %v", s.Name(), p)
		}
		hi, groupTrials := bits.Mul64(uint64(p.InvocationsPerGroup), uint64(p.GroupsPerDispatch))
		hi2, total := bits.Mul64(groupTrials, p.DispatchCount)
		if hi != 0 || hi2 != 0 || total < 1<<63 {
			t.Errorf("%s: plan %v does not cover 2^63 trials", s.Name(), p)
		}
	}

	if got := ceilDiv(math.MaxUint64, 1); got != math.MaxUint64 {
		t.Errorf("ceilDiv(max, 1) = %d", got)
	}
	if got := ceilDiv(math.MaxUint64, 1024); got != 1<<54 {
		t.Errorf("ceilDiv(max, 1024) = %d", got)
	}
}

func TestBalancedWarningQuotesBalancedGroups(t *testing.T) {
	p, err := Balanced{}.Plan(reference, 1_000_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if p.GroupsPerDispatch != 65105 {
		t.Fatalf("groups per dispatch = %d, want 65105", p.GroupsPerDispatch)
	}
	n := 0
	for _, w := range p.Warnings {
		if w.Code != WarnMultiDispatch {
			continue
		}
		n++
		if !strings.Contains(w.Message, fmt.Sprintf("%d dispatches of %d groups", p.DispatchCount, p.GroupsPerDispatch)) {
			t.Errorf("warning does not quote the balanced plan: %q", w.Message)
		}
	}
	if n != 1 {
		t.Errorf("%d multi-dispatch warnings, want 1", n)
	}
}

func randomCase(r *rand.Rand) (DeviceLimits, uint64) {
	l := DeviceLimits{
		MaxInvocationsPerGroup: 1 + r.Uint32N(2048),
		MaxGroupSizeX:          1 + r.Uint32N(2048),
		MaxGroupCountX:         1 + r.Uint32N(70000),
	}
	return l, 1 + r.Uint64N(5_000_000_000)
}

func TestSingleAxisProperties(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 5000; i++ {
		limits, target := randomCase(r)
		p, err := New(limits, target)
		if err != nil {
			t.Fatalf("%+v target %d: %v", limits, target, err)
		}
		inv, groups, disp := uint64(p.InvocationsPerGroup), uint64(p.GroupsPerDispatch), p.DispatchCount

		if inv*groups*disp < target {
			t.Fatalf("%+v target %d: plan %v covers too few trials", limits, target, p)
		}
		if inv > uint64(min(limits.MaxInvocationsPerGroup, limits.MaxGroupSizeX)) || groups > uint64(limits.MaxGroupCountX) {
			t.Fatalf("%+v: plan %v exceeds limits", limits, p)
		}
		if inv*groups*(disp-1) >= target {
			t.Fatalf("%+v target %d: one dispatch fewer still covers the target", limits, target)
		}

		required := (target + inv - 1) / inv
		if required <= uint64(limits.MaxGroupCountX) {
			if disp != 1 {
				t.Fatalf("%+v target %d: dispatch count %d, want 1", limits, target, disp)
			}
			if inv*(groups-1) >= target {
				t.Fatalf("%+v target %d: one group fewer still covers the target", limits, target)
			}
		} else {
			if groups != uint64(limits.MaxGroupCountX) {
				t.Fatalf("groups per dispatch %d, want %d", groups, limits.MaxGroupCountX)
			}
			if want := (required + groups - 1) / groups; disp != want {
				t.Fatalf("dispatch count %d, want %d", disp, want)
			}
		}
	}
}

func TestBalancedMinimisesGroupOvershoot(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	for i := 0; i < 5000; i++ {
		limits, target := randomCase(r)
		single, err := New(limits, target)
		if err != nil {
			t.Fatal(err)
		}
		p, err := Balanced{}.Plan(limits, target)
		if err != nil {
			t.Fatal(err)
		}
		inv, groups, disp := uint64(p.InvocationsPerGroup), uint64(p.GroupsPerDispatch), p.DispatchCount
		if disp != single.DispatchCount {
			t.Fatalf("balanced dispatch count %d, single-axis %d", disp, single.DispatchCount)
		}
		if groups > uint64(limits.MaxGroupCountX) {
			t.Fatalf("groups per dispatch %d above limit %d", groups, limits.MaxGroupCountX)
		}
		if inv*groups*disp < target {
			t.Fatalf("balanced plan %v covers too few trials", p)
		}
		if inv*(groups-1)*disp >= target {
			t.Fatalf("balanced plan %v: one group fewer still covers target %d", p, target)
		}
		if p.Overshoot() > single.Overshoot() {
			t.Fatalf("balanced overshoot %d above single-axis %d", p.Overshoot(), single.Overshoot())
		}
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	for _, name := range Names() {
		s, err := Lookup(name)
		if err != nil {
			t.Fatal(err)
		}
		a, _ := s.Plan(reference, 1_000_000_000)
		b, _ := s.Plan(reference, 1_000_000_000)
		if !reflect.DeepEqual(a, b) {
			t.Errorf("%s: plans differ: %v vs %v", name, a, b)
		}
	}
}

func TestRegistry(t *testing.T) {
	names := Names()
	if !reflect.DeepEqual(names, []string{"balanced", "single-axis"}) {
		t.Errorf("Names() = %v", names)
	}
	if _, err := Lookup("diagonal"); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("Lookup(diagonal) err = %v", err)
	}
}
