package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/vango-dev/datarouter/internal/config"
	"github.com/vango-dev/datarouter/internal/sim"
	"github.com/vango-dev/datarouter/pkg/devtools"
	"github.com/vango-dev/datarouter/pkg/instrument"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var (
		port      int
		host      string
		runScript bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the router inspector",
		Long: `Start an HTTP server exposing the router.

Clients can read state, drive navigations and fetches, and
subscribe to state snapshots over WebSocket.

Endpoints:
  GET  /state  /routes  /fetchers/{key}  /ws  /metrics
  POST /navigate  /fetch  /revalidate  /go

Examples:
  navsim serve
  navsim serve --port=8080
  navsim serve --run-script`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Devtools.Port = port
			}
			if host != "" {
				cfg.Devtools.Host = host
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", cfg.DevtoolsAddress())
			if err != nil {
				return err
			}
			return runServe(ctx, cfg, ln, runScript, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (default from config)")
	cmd.Flags().StringVarP(&host, "host", "H", "", "Host to bind to (default from config)")
	cmd.Flags().BoolVar(&runScript, "run-script", false, "Run the configured script before serving")

	return cmd
}

// runServe serves until ctx is done. ln is closed on return.
func runServe(ctx context.Context, cfg *config.Config, ln net.Listener, runScript bool, stdout, stderr io.Writer) error {
	logger := newLogger(cfg.Log, stderr)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r, _, err := sim.Build(ctx, cfg, sim.NewSource(cfg), logger,
		instrument.Tracing(instrument.WithTracerName("navsim")),
		instrument.Metrics(instrument.WithRegistry(reg)),
	)
	if err != nil {
		ln.Close()
		return err
	}
	defer r.Dispose()

	srv := devtools.New(devtools.Options{
		Router:         r,
		Gatherer:       reg,
		DisableMetrics: cfg.Devtools.DisableMetrics,
		AllowedOrigins: cfg.Devtools.AllowedOrigins,
		Logger:         logger,
	})

	if err := r.Initialize(ctx); err != nil {
		ln.Close()
		return err
	}
	if runScript && len(cfg.Script) > 0 {
		if err := sim.NewRunner(r, logger).Run(ctx, cfg.Script, nil); err != nil {
			logger.Warn("script finished with errors", "error", err)
		}
	}

	success(stdout, "Inspector ready at %s", inspectorURL(ln.Addr()))
	info(stdout, "State stream: ws://%s/ws", ln.Addr())
	info(stdout, "Press Ctrl+C to stop")
	fmt.Fprintln(stdout)

	return srv.Serve(ctx, ln)
}

func inspectorURL(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok && tcp.IP.IsUnspecified() {
		return "http://localhost:" + strconv.Itoa(tcp.Port)
	}
	return "http://" + addr.String()
}
