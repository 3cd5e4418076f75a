package sim

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vango-dev/datarouter/internal/config"
	"github.com/vango-dev/datarouter/pkg/discovery"
	"github.com/vango-dev/datarouter/pkg/history"
	"github.com/vango-dev/datarouter/pkg/router"
)

// Build creates an uninitialized router for cfg. Routes from the root
// manifest are present up front; everything else is discovered from the
// index on demand.
func Build(ctx context.Context, cfg *config.Config, src discovery.Source, logger *slog.Logger, instr ...router.Instrumentation) (*router.Router, *discovery.Discoverer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := Builtins(cfg.Fixtures, logger.With("component", "handlers"))
	d := discovery.New(src, reg,
		discovery.WithIndex(cfg.Manifests.Index),
		discovery.WithLogger(logger),
	)

	routes, err := d.Routes(ctx, cfg.Manifests.Root)
	if err != nil {
		return nil, nil, fmt.Errorf("sim: root manifest: %w", err)
	}

	r, err := router.New(router.Options{
		Routes:                      routes,
		History:                     history.NewMemory(cfg.InitialPath),
		PatchRoutesOnNavigation:     d.Discover,
		Instrumentations:            instr,
		SkipActionErrorRevalidation: cfg.SkipActionErrorRevalidation,
		Origin:                      cfg.Origin,
		Logger:                      logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("sim: create router: %w", err)
	}
	return r, d, nil
}
