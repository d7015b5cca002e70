package main

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/openfluke/graveler/config"
	"github.com/openfluke/graveler/runner"
)

func printSummary(w io.Writer, s runner.Summary) {
	p := s.Plan
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Performed 1 dice run per invocation")
	fmt.Fprintf(w, "Performed %d invocations per workgroup\n", p.InvocationsPerGroup)
	fmt.Fprintf(w, "Performed %d workgroups per dispatch\n", p.GroupsPerDispatch)
	fmt.Fprintf(w, "Performed %d of %d dispatches\n", s.Completed, s.RunCount)
	fmt.Fprintf(w, "Total dice runs = 1 x %d x %d x %d = %d\n",
		p.InvocationsPerGroup, p.GroupsPerDispatch, s.Completed, s.Trials)
	fmt.Fprintf(w, "Highest roll found in total was %d\n", s.GlobalMax)
	fmt.Fprintf(w, "Took %d ms to complete\n", s.ElapsedMS)
}

type summaryFile struct {
	Config  *config.Config `yaml:"config"`
	Summary runner.Summary `yaml:"summary"`
	Error   string         `yaml:"error,omitempty"`
}

func writeSummary(path string, cfg *config.Config, s runner.Summary, runErr error) error {
	f := summaryFile{Config: cfg, Summary: s}
	if runErr != nil {
		f.Error = runErr.Error()
	}
	b, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
