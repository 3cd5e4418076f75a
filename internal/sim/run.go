package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vango-dev/datarouter/internal/config"
	"github.com/vango-dev/datarouter/pkg/devtools"
	"github.com/vango-dev/datarouter/pkg/router"
)

// StepResult is the outcome of one scripted step.
type StepResult struct {
	Index    int               `json:"index"`
	Step     config.Step       `json:"step"`
	Error    string            `json:"error,omitempty"`
	Duration time.Duration     `json:"duration"`
	State    devtools.Snapshot `json:"state"`
}

// Runner executes steps against a router, one at a time.
type Runner struct {
	router *router.Router
	logger *slog.Logger
}

// NewRunner creates a runner for r. The router must be initialized.
func NewRunner(r *router.Router, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{router: r, logger: logger.With("component", "sim")}
}

// Run executes steps in order and passes each result to report. A failed
// step does not stop the run; the failures are joined into the returned
// error. Cancelling ctx stops the run immediately.
func (r *Runner) Run(ctx context.Context, steps []config.Step, report func(StepResult)) error {
	var errs []error
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		err := r.Step(ctx, step)
		res := StepResult{
			Index:    i,
			Step:     step,
			Duration: time.Since(start),
			State:    devtools.NewSnapshot(r.router.State()),
		}
		if err != nil {
			res.Error = err.Error()
			errs = append(errs, fmt.Errorf("step %d (%s): %w", i, step.Op, err))
			r.logger.Warn("step failed", "index", i, "op", step.Op, "error", err)
		} else {
			r.logger.Debug("step done", "index", i, "op", step.Op, "duration", res.Duration)
		}
		if report != nil {
			report(res)
		}
	}
	return errors.Join(errs...)
}

// Step executes a single step.
func (r *Runner) Step(ctx context.Context, s config.Step) error {
	switch s.Op {
	case "navigate":
		return r.router.Navigate(ctx, s.To, stepOptions(s)...)
	case "submit":
		opts := append(stepOptions(s), router.WithFormData(stepMethod(s), formValues(s.Form)))
		return r.router.Navigate(ctx, s.To, opts...)
	case "fetch":
		opts := stepOptions(s)
		if len(s.Form) > 0 || s.Method != "" {
			opts = append(opts, router.WithFormData(stepMethod(s), formValues(s.Form)))
		}
		return r.router.Fetch(ctx, s.Key, s.RouteID, s.To, opts...)
	case "revalidate":
		return r.router.Revalidate(ctx)
	case "go":
		return r.router.Go(ctx, s.Delta)
	default:
		return fmt.Errorf("sim: unknown op %q", s.Op)
	}
}

func stepOptions(s config.Step) []router.NavigateOption {
	var opts []router.NavigateOption
	if s.Replace {
		opts = append(opts, router.WithReplace())
	}
	if s.RouteID != "" && s.Op != "fetch" {
		opts = append(opts, router.FromRoute(s.RouteID))
	}
	return opts
}

func stepMethod(s config.Step) string {
	if s.Method == "" {
		return http.MethodPost
	}
	return strings.ToUpper(s.Method)
}

func formValues(m map[string]string) url.Values {
	v := make(url.Values, len(m))
	for k, val := range m {
		v.Set(k, val)
	}
	return v
}
