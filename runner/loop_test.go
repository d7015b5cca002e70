package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openfluke/graveler/planner"
)

// fakeDevice records every call and serves scripted result slots.
type fakeDevice struct {
	calls   []string
	seeds   []uint64
	batches [][]uint32
	batch   int
	mapped  bool

	waitErr   error
	mapErr    error
	failAfter int // iteration index whose wait fails; -1 never
}

func newFake(batches ...[]uint32) *fakeDevice {
	return &fakeDevice{batches: batches, failAfter: -1}
}

func (f *fakeDevice) call(name string) { f.calls = append(f.calls, name) }

func (f *fakeDevice) ResetRecording() error {
	if f.mapped {
		return errors.New("reset while mapped")
	}
	f.call("reset")
	return nil
}
func (f *fakeDevice) BindPipeline() error { f.call("pipeline"); return nil }
func (f *fakeDevice) BindResults() error  { f.call("results"); return nil }
func (f *fakeDevice) PushSeed(seed uint64) error {
	f.call("seed")
	f.seeds = append(f.seeds, seed)
	return nil
}
func (f *fakeDevice) Dispatch(groups uint32) error {
	f.call(fmt.Sprintf("dispatch %d", groups))
	return nil
}
func (f *fakeDevice) Submit() error { f.call("submit"); return nil }
func (f *fakeDevice) Wait(time.Duration) error {
	f.call("wait")
	if f.failAfter >= 0 && len(f.seeds)-1 == f.failAfter {
		return f.waitErr
	}
	return nil
}
func (f *fakeDevice) ResetFence() error { f.call("fence"); return nil }
func (f *fakeDevice) MapResults() ([]uint32, error) {
	f.call("map")
	if f.mapErr != nil {
		return nil, f.mapErr
	}
	f.mapped = true
	b := f.batches[f.batch%len(f.batches)]
	f.batch++
	return b, nil
}
func (f *fakeDevice) UnmapResults() error {
	f.call("unmap")
	f.mapped = false
	return nil
}

type memSink struct {
	iterations []uint64
	batches    [][]uint32
}

func (m *memSink) WriteBatch(it uint64, slots []uint32) error {
	m.iterations = append(m.iterations, it)
	m.batches = append(m.batches, append([]uint32(nil), slots...))
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testPlan(groups uint32, dispatches uint64) planner.Plan {
	return planner.Plan{
		Strategy:            "test",
		InvocationsPerGroup: 4,
		GroupsPerDispatch:   groups,
		DispatchCount:       dispatches,
		TargetTrials:        uint64(groups) * 4 * dispatches,
	}
}

func TestObserveUpdatesGlobalMax(t *testing.T) {
	s := RunState{GlobalMax: 5}
	if got := s.Observe([]uint32{3, 7, 2, 9, 1}); got != 9 {
		t.Errorf("iteration max = %d, want 9", got)
	}
	if s.GlobalMax != 9 {
		t.Errorf("global max = %d, want 9", s.GlobalMax)
	}
	if got := s.Observe([]uint32{4, 4}); got != 4 {
		t.Errorf("iteration max = %d, want 4", got)
	}
	if s.GlobalMax != 9 {
		t.Errorf("global max decreased to %d", s.GlobalMax)
	}
}

func TestLoopRecordsInOrderAndReduces(t *testing.T) {
	dev := newFake([]uint32{3, 7, 2}, []uint32{1, 12, 5}, []uint32{0, 0, 11})
	sink := &memSink{}
	loop, err := New(dev, testPlan(3, 3), Options{Logger: quietLogger(), Multiplier: 2, Sink: sink})
	if err != nil {
		t.Fatal(err)
	}
	sum, err := loop.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if sum.RunCount != 6 || sum.Completed != 6 {
		t.Errorf("run count %d, completed %d, want 6", sum.RunCount, sum.Completed)
	}
	if sum.GlobalMax != 12 {
		t.Errorf("global max = %d, want 12", sum.GlobalMax)
	}
	if sum.Trials != 6*3*4 {
		t.Errorf("trials = %d, want %d", sum.Trials, 6*3*4)
	}

	one := []string{"reset", "pipeline", "results", "seed", "dispatch 3", "submit", "wait", "fence", "map", "unmap"}
	var want []string
	for i := 0; i < 6; i++ {
		want = append(want, one...)
	}
	if !reflect.DeepEqual(dev.calls, want) {
		t.Errorf("call order:\n got %v\nwant %v", dev.calls, want)
	}

	if !reflect.DeepEqual(sink.iterations, []uint64{0, 1, 2, 3, 4, 5}) {
		t.Errorf("sink iterations = %v", sink.iterations)
	}
	if !reflect.DeepEqual(sink.batches[1], []uint32{1, 12, 5}) {
		t.Errorf("sink batch 1 = %v", sink.batches[1])
	}
	if st := loop.State(); st.Phase != PhaseDone {
		t.Errorf("final phase = %v", st.Phase)
	}
}

func TestLoopPhaseTransitions(t *testing.T) {
	var got []string
	opts := Options{
		Logger:     quietLogger(),
		Multiplier: 1,
		OnPhase: func(it uint64, p Phase) {
			got = append(got, fmt.Sprintf("%d:%s", it, p))
		},
	}
	loop, err := New(newFake([]uint32{1, 2}), testPlan(2, 1), opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := loop.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []string{"0:idle", "0:recording", "0:submitted", "0:waiting", "0:reading back", "0:idle", "1:done"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("phases:\n got %v\nwant %v", got, want)
	}

	// A failed wait is reported in the waiting phase, after submitted was seen.
	got = nil
	dev := newFake([]uint32{1, 2})
	dev.failAfter, dev.waitErr = 0, ErrWaitTimeout
	loop, err = New(dev, testPlan(2, 1), opts)
	if err != nil {
		t.Fatal(err)
	}
	_, err = loop.Run(context.Background())
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Phase != PhaseWaiting {
		t.Fatalf("err = %v, want waiting-phase *Error", err)
	}
	want = []string{"0:idle", "0:recording", "0:submitted", "0:waiting", "0:fatal"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("phases:\n got %v\nwant %v", got, want)
	}
}

func TestLoopGlobalMaxMatchesAllSlots(t *testing.T) {
	r := rand.New(rand.NewPCG(9, 9))
	var batches [][]uint32
	var want uint32
	for i := 0; i < 20; i++ {
		b := make([]uint32, 16)
		for j := range b {
			b[j] = r.Uint32N(232)
			want = max(want, b[j])
		}
		batches = append(batches, b)
	}
	dev := newFake(batches...)
	loop, err := New(dev, testPlan(16, 20), Options{Logger: quietLogger(), Multiplier: 1})
	if err != nil {
		t.Fatal(err)
	}

	sum, err := loop.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.GlobalMax != want {
		t.Errorf("global max = %d, want %d", sum.GlobalMax, want)
	}
}

func TestLoopUsesFreshSeeds(t *testing.T) {
	var tick uint64
	seeds := NewSeedSourceWith(func() uint64 { tick++; return tick }, rand.New(rand.NewPCG(1, 1)))
	dev := newFake([]uint32{1})
	loop, err := New(dev, testPlan(1, 8), Options{Logger: quietLogger(), Multiplier: 1, Seeds: seeds})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := loop.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	seen := map[uint64]bool{}
	for _, s := range dev.seeds {
		if seen[s] {
			t.Fatalf("seed %#x reused", s)
		}
		seen[s] = true
	}
	if len(seen) != 8 {
		t.Errorf("%d seeds, want 8", len(seen))
	}
}

func TestLoopWaitTimeoutIsTransient(t *testing.T) {
	dev := newFake([]uint32{1, 2})
	dev.failAfter = 2
	dev.waitErr = fmt.Errorf("fence: %w", ErrWaitTimeout)
	loop, err := New(dev, testPlan(2, 5), Options{Logger: quietLogger(), Multiplier: 1, WaitTimeout: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	sum, err := loop.Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if KindOf(err) != KindTransient {
		t.Errorf("kind = %v, want transient", KindOf(err))
	}
	var re *Error
	if !errors.As(err, &re) {
		t.Fatalf("error %T is not *Error", err)
	}
	if re.Op != "wait" || re.Iteration != 2 || re.Phase != PhaseWaiting {
		t.Errorf("error = %+v", re)
	}
	if !errors.Is(err, ErrWaitTimeout) {
		t.Error("errors.Is(ErrWaitTimeout) = false")
	}
	if sum.Completed != 2 {
		t.Errorf("completed = %d, want 2", sum.Completed)
	}
	if st := loop.State(); st.Phase != PhaseFatal {
		t.Errorf("phase = %v, want fatal", st.Phase)
	}
	if last := dev.calls[len(dev.calls)-1]; last != "wait" {
		t.Errorf("loop kept going after failure: last call %q", last)
	}
}

func TestLoopDeviceLostIsFatal(t *testing.T) {
	dev := newFake([]uint32{1})
	dev.failAfter = 0
	dev.waitErr = ErrDeviceLost
	loop, _ := New(dev, testPlan(1, 1), Options{Logger: quietLogger(), Multiplier: 1})
	_, err := loop.Run(context.Background())
	if KindOf(err) != KindFatal {
		t.Errorf("kind = %v, want fatal", KindOf(err))
	}
	if !strings.Contains(err.Error(), "wait") {
		t.Errorf("error %q does not name the failed operation", err)
	}
}

func TestLoopMapFailure(t *testing.T) {
	dev := newFake([]uint32{1})
	dev.mapErr = errors.New("mapping refused")
	loop, _ := New(dev, testPlan(1, 1), Options{Logger: quietLogger(), Multiplier: 1})
	_, err := loop.Run(context.Background())
	var re *Error
	if !errors.As(err, &re) || re.Op != "map results" || re.Kind != KindFatal || re.Phase != PhaseReadingBack {
		t.Errorf("err = %v", err)
	}
}

func TestLoopValidatesSlotsAndUnmaps(t *testing.T) {
	dev := newFake([]uint32{1, 500})
	loop, _ := New(dev, testPlan(2, 1), Options{Logger: quietLogger(), Multiplier: 1, Validate: true, MaxSlotValue: 231})
	_, err := loop.Run(context.Background())
	if !errors.Is(err, ErrResultRange) {
		t.Fatalf("err = %v, want ErrResultRange", err)
	}
	if dev.mapped {
		t.Error("results left mapped after validation failure")
	}
}

func TestLoopRejectsSlotCountMismatch(t *testing.T) {
	dev := newFake([]uint32{1, 2, 3})
	loop, _ := New(dev, testPlan(2, 1), Options{Logger: quietLogger(), Multiplier: 1})
	if _, err := loop.Run(context.Background()); !errors.Is(err, ErrPlanMismatch) {
		t.Errorf("err = %v, want ErrPlanMismatch", err)
	}
}

func TestNewRejectsZeroMultiplier(t *testing.T) {
	dev := newFake([]uint32{1})
	_, err := New(dev, testPlan(1, 1), Options{})
	if KindOf(err) != KindConfig {
		t.Errorf("kind = %v, want configuration", KindOf(err))
	}
	if len(dev.calls) != 0 {
		t.Errorf("device touched: %v", dev.calls)
	}
}

func TestNewRejectsRunCountOverflow(t *testing.T) {
	_, err := New(newFake([]uint32{1}), testPlan(1, 1<<40), Options{Multiplier: 1 << 30})
	if KindOf(err) != KindConfig {
		t.Errorf("kind = %v, want configuration", KindOf(err))
	}
}

func TestLoopStopsBetweenIterationsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dev := newFake([]uint32{1})
	sink := sinkFunc(func(it uint64, _ []uint32) error {
		if it == 1 {
			cancel()
		}
		return nil
	})
	loop, _ := New(dev, testPlan(1, 10), Options{Logger: quietLogger(), Multiplier: 1, Sink: sink})
	sum, err := loop.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if sum.Completed != 2 {
		t.Errorf("completed = %d, want 2", sum.Completed)
	}
}

type sinkFunc func(uint64, []uint32) error

func (f sinkFunc) WriteBatch(it uint64, slots []uint32) error { return f(it, slots) }

func TestSeedSourceMixesClockAndRandom(t *testing.T) {
	s := NewSeedSourceWith(func() uint64 { return 0x1234 }, rand.New(rand.NewPCG(5, 6)))
	a, b := s.Next(), s.Next()
	if a&0xffffffff != 0x1234 || b&0xffffffff != 0x1234 {
		t.Errorf("low word lost the clock: %#x %#x", a, b)
	}
	if a == b {
		t.Error("random high word did not change")
	}
}

func TestErrorMessages(t *testing.T) {
	err := ConfigError("parse -r", errors.New("0 is not allowed"))
	if got := err.Error(); got != "configuration error: parse -r: 0 is not allowed" {
		t.Errorf("got %q", got)
	}
	rt := &Error{Kind: KindFatal, Op: "submit", Iteration: 3, Phase: PhaseRecording, Err: errors.New("queue gone")}
	if got := rt.Error(); got != "fatal runtime error: submit (iteration 3, recording): queue gone" {
		t.Errorf("got %q", got)
	}
}
