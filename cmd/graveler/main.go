// Command graveler rolls a four-sided die 231 times per trial, for about a
// billion trials, on a GPU (or the host), and reports the most ones any
// single trial rolled.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openfluke/graveler/artifact"
	"github.com/openfluke/graveler/config"
	"github.com/openfluke/graveler/detector"
	"github.com/openfluke/graveler/dice"
	"github.com/openfluke/graveler/planner"
	"github.com/openfluke/graveler/runner"
)

const (
	exitOK          = 0
	exitUnknown     = 1
	exitConfig      = 2
	exitSetup       = 3
	exitTransient   = 4
	exitFatal       = 5
	exitInterrupted = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, openBackend)
	stop()
	os.Exit(code)
}

// execute runs the command line and maps the outcome to an exit code.
func execute(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer, open opener) int {
	root := newRootCmd(in, out, errOut, open)
	root.SetArgs(args)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	err := root.ExecuteContext(ctx)
	code := exitCode(err)
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		if code == exitConfig {
			fmt.Fprintln(errOut, root.UsageString())
		}
	}
	return code
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, context.Canceled) {
		return exitInterrupted
	}
	switch runner.KindOf(err) {
	case runner.KindConfig:
		return exitConfig
	case runner.KindSetup:
		return exitSetup
	case runner.KindTransient:
		return exitTransient
	case runner.KindFatal:
		return exitFatal
	default:
		return exitUnknown
	}
}

func newRootCmd(in io.Reader, out, errOut io.Writer, open opener) *cobra.Command {
	v := config.New()
	var configPath string

	root := &cobra.Command{
		Use:   "graveler",
		Short: "Roll 231 four-sided dice per trial across a GPU and keep the best count of ones",
		Long: `graveler plans dispatches from the device's limits, then runs them one at a
time: seed, record, submit, wait, read back, reduce. The total number of
dispatches is the planned count times --runs.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return runner.ConfigError("load configuration", err)
			}
			log := cfg.Logger()
			log.SetOutput(errOut)
			return run(cmd.Context(), cfg, in, out, log, open)
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return runner.ConfigError("parse flags", err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "YAML configuration file")
	pf.String("log-level", "info", "log level: debug, info, warn or error")
	_ = v.BindPFlag(config.KeyLogLevel, pf.Lookup("log-level"))

	f := root.Flags()
	f.Uint64P("runs", "r", 1, "run multiplier; total dispatches = planned dispatches x runs")
	f.BoolP("validate", "v", false, "check device command order and result ranges")
	f.BoolP("write", "w", false, "write every dispatch's per-group results to a batch file")
	f.Uint64("target", 1_000_000_000, "number of trials one pass of the plan covers")
	f.Duration("timeout", runner.DefaultWaitTimeout, "longest wait for one dispatch to finish")
	f.String("backend", config.BackendGPU, "compute backend: gpu or cpu")
	f.Int("adapter", -1, "GPU adapter index; negative prompts when several exist")
	f.String("out-dir", ".", "directory for batch files")
	f.String("strategy", planner.SingleAxis{}.Name(), "dispatch planning strategy")
	f.String("summary", "", "write a YAML run summary to this file")
	for key, name := range map[string]string{
		config.KeyRuns:     "runs",
		config.KeyValidate: "validate",
		config.KeyWrite:    "write",
		config.KeyTarget:   "target",
		config.KeyTimeout:  "timeout",
		config.KeyBackend:  "backend",
		config.KeyAdapter:  "adapter",
		config.KeyOutDir:   "out-dir",
		config.KeyStrategy: "strategy",
		config.KeySummary:  "summary",
	} {
		_ = v.BindPFlag(key, f.Lookup(name))
	}

	root.AddCommand(newDetectCmd(out), newPlanCmd(out))
	return root
}

func run(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer, log *logrus.Logger, open opener) error {
	strategy, err := planner.Lookup(cfg.Strategy)
	if err != nil {
		return runner.ConfigError("select strategy", err)
	}

	be, err := open(cfg, in, out, log)
	if err != nil {
		return runner.SetupError("open "+cfg.Backend+" backend", err)
	}
	defer be.Close()

	plan, err := strategy.Plan(be.Limits(), cfg.TargetTrials)
	if err != nil {
		return runner.SetupError("plan dispatches", err)
	}
	for _, w := range plan.Warnings {
		log.WithField("code", w.Code).Warn(w.Message)
	}
	log.WithField("plan", plan.String()).Info("dispatch plan ready")

	dev, closeDev, err := be.Device(plan)
	if err != nil {
		return runner.SetupError("create device resources", err)
	}
	defer closeDev()
	if cfg.Validation {
		dev = runner.Validated(dev, log)
	}

	opts := runner.Options{
		Logger:       log,
		Multiplier:   cfg.RunMultiplier,
		WaitTimeout:  cfg.WaitTimeout,
		Validate:     cfg.Validation,
		MaxSlotValue: dice.RollsPerTrial,
	}
	if cfg.WriteResults {
		dir, err := artifact.NewDir(cfg.OutputDir)
		if err != nil {
			return runner.SetupError("prepare batch directory", err)
		}
		opts.Sink = dir
	}

	loop, err := runner.New(dev, plan, opts)
	if err != nil {
		return err
	}
	sum, runErr := loop.Run(ctx)
	printSummary(out, sum)
	if cfg.SummaryPath != "" {
		if err := writeSummary(cfg.SummaryPath, cfg, sum, runErr); err != nil {
			log.WithError(err).Error("summary not written")
		}
	}
	return runErr
}

func newDetectCmd(out io.Writer) *cobra.Command {
	var format string
	var all bool
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Print the adapter report",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if all {
				reps, err := detector.List()
				if err != nil {
					return runner.SetupError("list adapters", err)
				}
				return detector.Encode(out, format, reps)
			}
			rep, err := detector.Detect()
			if err != nil {
				return runner.SetupError("detect adapter", err)
			}
			return detector.Encode(out, format, rep)
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "output format: json or yaml")
	cmd.Flags().BoolVar(&all, "all", false, "report every adapter, indexed as --adapter expects")
	return cmd
}

func newPlanCmd(out io.Writer) *cobra.Command {
	var (
		format   string
		strategy string
		target   uint64
		detect   bool
		limits   planner.DeviceLimits
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the dispatch plan for a set of device limits without running it",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			s, err := planner.Lookup(strategy)
			if err != nil {
				return runner.ConfigError("select strategy", err)
			}
			if detect {
				rep, err := detector.Detect()
				if err != nil {
					return runner.SetupError("detect adapter", err)
				}
				limits = rep.DeviceLimits()
			}
			p, err := s.Plan(limits, target)
			if err != nil {
				return runner.ConfigError("plan dispatches", err)
			}
			return detector.Encode(out, format, p)
		},
	}
	f := cmd.Flags()
	f.StringVar(&format, "format", "yaml", "output format: json or yaml")
	f.StringVar(&strategy, "strategy", planner.SingleAxis{}.Name(), "dispatch planning strategy")
	f.Uint64Var(&target, "target", 1_000_000_000, "trial count to plan for")
	f.BoolVar(&detect, "detect", false, "plan against the detected adapter instead of the limit flags")
	f.Uint32Var(&limits.MaxInvocationsPerGroup, "max-invocations", 1024, "max invocations per group")
	f.Uint32Var(&limits.MaxGroupSizeX, "max-group-size-x", 1024, "max group size along x")
	f.Uint32Var(&limits.MaxGroupCountX, "max-group-count-x", 65535, "max groups per dispatch along x")
	return cmd
}
