// Command peerdexd runs the directory server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/peerdex/peerdex/internal/config"
	"github.com/peerdex/peerdex/internal/directory"
	"github.com/peerdex/peerdex/pkg/utils/logging"
)

func main() {
	app := cli.NewApp()
	app.Name = "peerdexd"
	app.Usage = "directory server for the peerdex file-sharing network"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to a YAML configuration file",
		},
		cli.StringFlag{
			Name:  "bind, s",
			Usage: "address to listen on (overrides the config file)",
		},
		cli.IntFlag{
			Name:  "port, p",
			Usage: "TCP port to listen on (overrides the config file)",
		},
		cli.StringFlag{
			Name:  "metrics",
			Usage: "address to serve Prometheus metrics on, e.g. :9090",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("bind") {
		cfg.BindAddr = c.String("bind")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("metrics") {
		cfg.MetricsAddr = c.String("metrics")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := setupLogger(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	store := directory.NewStore(log)
	srv := directory.NewServer(store, &directory.ServerOpts{
		Log:     log,
		Metrics: directory.NewMetrics(reg),
	})
	if err := srv.Listen(fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port)); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr, reg, log)
		})
	}

	err = g.Wait()
	log.Info("shut down")
	return err
}

func setupLogger(cfg config.Config) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}

	opts := logging.DefaultOptions()
	opts.Level = level

	log := slog.New(logging.NewHandler(os.Stdout, &opts))
	slog.SetDefault(log)

	return log, nil
}

// serveMetrics exposes reg over HTTP until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	log.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
