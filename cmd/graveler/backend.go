package main

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/openfluke/graveler/config"
	"github.com/openfluke/graveler/cpu"
	"github.com/openfluke/graveler/gpu"
	"github.com/openfluke/graveler/planner"
	"github.com/openfluke/graveler/runner"
)

// backend is an opened compute context: limits to plan against and a
// factory for the per-run device.
type backend interface {
	Limits() planner.DeviceLimits
	Device(plan planner.Plan) (runner.Device, func(), error)
	Close()
}

type opener func(cfg *config.Config, in io.Reader, out io.Writer, log *logrus.Logger) (backend, error)

func openBackend(cfg *config.Config, in io.Reader, out io.Writer, log *logrus.Logger) (backend, error) {
	if cfg.Backend == config.BackendCPU {
		return cpuBackend{log: log}, nil
	}
	c, err := gpu.Open(gpu.Options{
		Adapter:    cfg.Adapter,
		Prompt:     in,
		PromptOut:  out,
		Validation: cfg.Validation,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	return gpuBackend{ctx: c}, nil
}

type gpuBackend struct{ ctx *gpu.Context }

func (b gpuBackend) Limits() planner.DeviceLimits { return b.ctx.Limits() }

func (b gpuBackend) Device(plan planner.Plan) (runner.Device, func(), error) {
	s, err := gpu.NewSession(b.ctx, plan)
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}

func (b gpuBackend) Close() { b.ctx.Release() }

type cpuBackend struct{ log logrus.FieldLogger }

func (cpuBackend) Limits() planner.DeviceLimits { return cpu.Limits }

func (b cpuBackend) Device(plan planner.Plan) (runner.Device, func(), error) {
	d, err := cpu.New(plan, cpu.Options{Logger: b.log})
	if err != nil {
		return nil, nil, err
	}
	return d, d.Close, nil
}

func (cpuBackend) Close() {}
