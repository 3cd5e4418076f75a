package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/vango-dev/datarouter/internal/config"
	"github.com/vango-dev/datarouter/internal/sim"
	"github.com/vango-dev/datarouter/pkg/instrument"
)

func simulateCmd(flags *globalFlags) *cobra.Command {
	var (
		scriptPath  string
		output      string
		showMetrics bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a scripted sequence of router operations",
		Long: `Run the configured script against a fresh router and print the
router state after every step.

The script comes from the "script" section of the configuration
or from a separate file given with --script.

Examples:
  navsim simulate
  navsim simulate --script checkout.yaml --output json
  navsim simulate --metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			steps := cfg.Script
			if scriptPath != "" {
				if steps, err = config.LoadScript(scriptPath); err != nil {
					return err
				}
			}
			if len(steps) == 0 {
				return fmt.Errorf("no script steps in %s", cfg.Path())
			}
			if output != "text" && output != "json" {
				return fmt.Errorf("unknown output %q: want text or json", output)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSimulate(ctx, cfg, steps, output, showMetrics, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&scriptPath, "script", "s", "", "Script file overriding the configured script")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text or json")
	cmd.Flags().BoolVar(&showMetrics, "metrics", false, "Print call metrics after the run")

	return cmd
}

func runSimulate(ctx context.Context, cfg *config.Config, steps []config.Step, output string, showMetrics bool, stdout, stderr io.Writer) error {
	logger := newLogger(cfg.Log, stderr)
	reg := prometheus.NewRegistry()

	r, _, err := sim.Build(ctx, cfg, sim.NewSource(cfg), logger,
		instrument.Tracing(instrument.WithTracerName("navsim")),
		instrument.Metrics(instrument.WithRegistry(reg)),
	)
	if err != nil {
		return err
	}
	defer r.Dispose()
	if err := r.Initialize(ctx); err != nil {
		return err
	}

	var report func(sim.StepResult)
	switch output {
	case "json":
		enc := json.NewEncoder(stdout)
		report = func(res sim.StepResult) {
			if err := enc.Encode(res); err != nil {
				logger.Error("encode step", "index", res.Index, "error", err)
			}
		}
	default:
		report = func(res sim.StepResult) { printStep(stdout, res) }
	}

	runErr := sim.NewRunner(r, logger).Run(ctx, steps, report)

	if showMetrics {
		if err := writeMetrics(stdout, reg); err != nil {
			return err
		}
	}
	return runErr
}

// printStep writes one human readable step summary.
func printStep(w io.Writer, res sim.StepResult) {
	target := res.Step.To
	if res.Step.Op == "go" {
		target = fmt.Sprintf("%+d", res.Step.Delta)
	}
	if res.Error != "" {
		failure(w, "%d %s %s: %s", res.Index, res.Step.Op, target, res.Error)
		return
	}
	success(w, "%d %s %s (%s)", res.Index, res.Step.Op, target, res.Duration.Round(time.Microsecond))

	st := res.State
	info(w, "location: %s%s", st.Location.Pathname, st.Location.Search)
	for _, m := range st.Matches {
		info(w, "  match %s %s", m.ID, m.Pathname)
	}
	for id, e := range st.Errors {
		if e.Status != 0 {
			info(w, "  error %s: %d %s", id, e.Status, e.Message)
		} else {
			info(w, "  error %s: %s", id, e.Message)
		}
	}
	for key, f := range st.Fetchers {
		info(w, "  fetcher %s: %s", key, f.State)
	}
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
