package runner

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrCommandOrder means a device command was issued out of sequence.
var ErrCommandOrder = errors.New("device command out of order")

// Validated wraps dev with command order checks and debug logging of
// every command. It is what the validate flag turns on for any backend.
func Validated(dev Device, log logrus.FieldLogger) Device {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &validatedDevice{dev: dev, log: log}
}

type validatedDevice struct {
	dev Device
	log logrus.FieldLogger

	recording  bool
	pipeline   bool
	results    bool
	seeded     bool
	dispatched bool
	inFlight   bool
	waited     bool
	mapped     bool
}

func (v *validatedDevice) check(cmd string, ok bool, want string) error {
	v.log.WithField("cmd", cmd).Debug("device command")
	if !ok {
		return fmt.Errorf("%w: %s before %s", ErrCommandOrder, cmd, want)
	}
	return nil
}

func (v *validatedDevice) ResetRecording() error {
	if err := v.check("reset recording", !v.inFlight && !v.mapped, "previous dispatch was read back"); err != nil {
		return err
	}
	if err := v.dev.ResetRecording(); err != nil {
		return err
	}
	v.recording, v.pipeline, v.results, v.seeded, v.dispatched = true, false, false, false, false
	v.waited = false
	return nil
}

func (v *validatedDevice) BindPipeline() error {
	if err := v.check("bind pipeline", v.recording, "reset recording"); err != nil {
		return err
	}
	if err := v.dev.BindPipeline(); err != nil {
		return err
	}
	v.pipeline = true
	return nil
}

func (v *validatedDevice) BindResults() error {
	if err := v.check("bind results", v.pipeline, "bind pipeline"); err != nil {
		return err
	}
	if err := v.dev.BindResults(); err != nil {
		return err
	}
	v.results = true
	return nil
}

func (v *validatedDevice) PushSeed(seed uint64) error {
	if err := v.check("push seed", v.recording, "reset recording"); err != nil {
		return err
	}
	if err := v.dev.PushSeed(seed); err != nil {
		return err
	}
	v.seeded = true
	return nil
}

func (v *validatedDevice) Dispatch(groupsX uint32) error {
	if err := v.check("dispatch", v.pipeline && v.results && v.seeded, "pipeline, results and seed are bound"); err != nil {
		return err
	}
	if groupsX == 0 {
		return fmt.Errorf("%w: dispatch of zero groups", ErrCommandOrder)
	}
	if err := v.dev.Dispatch(groupsX); err != nil {
		return err
	}
	v.dispatched = true
	return nil
}

func (v *validatedDevice) Submit() error {
	if err := v.check("submit", v.dispatched && !v.inFlight, "dispatch"); err != nil {
		return err
	}
	if err := v.dev.Submit(); err != nil {
		return err
	}
	v.recording, v.inFlight = false, true
	return nil
}

func (v *validatedDevice) Wait(timeout time.Duration) error {
	if err := v.check("wait", v.inFlight, "submit"); err != nil {
		return err
	}
	if err := v.dev.Wait(timeout); err != nil {
		return err
	}
	v.waited = true
	return nil
}

func (v *validatedDevice) ResetFence() error {
	if err := v.check("reset fence", v.inFlight && v.waited, "wait"); err != nil {
		return err
	}
	if err := v.dev.ResetFence(); err != nil {
		return err
	}
	v.inFlight = false
	return nil
}

func (v *validatedDevice) MapResults() ([]uint32, error) {
	if err := v.check("map results", v.waited && !v.inFlight && !v.mapped, "reset fence"); err != nil {
		return nil, err
	}
	slots, err := v.dev.MapResults()
	if err != nil {
		return nil, err
	}
	v.mapped = true
	return slots, nil
}

func (v *validatedDevice) UnmapResults() error {
	if err := v.check("unmap results", v.mapped, "map results"); err != nil {
		return err
	}
	if err := v.dev.UnmapResults(); err != nil {
		return err
	}
	v.mapped = false
	return nil
}
