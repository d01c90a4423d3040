// Command peerdex runs the interactive client shell.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/peerdex/peerdex/internal/client"
	"github.com/peerdex/peerdex/internal/timestamp"
	"github.com/peerdex/peerdex/pkg/utils/logging"
)

func main() {
	app := cli.NewApp()
	app.Name = "peerdex"
	app.Usage = "interactive client for the peerdex file-sharing network"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:     "server, s",
			Usage:    "directory server host",
			Required: true,
		},
		cli.IntFlag{
			Name:     "port, p",
			Usage:    "directory server port",
			Required: true,
		},
		cli.StringFlag{
			Name:  "timesvc, t",
			Usage: "base URL of the date-time service, e.g. http://host:8600",
		},
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: "log protocol activity to stderr",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	port := c.Int("port")
	if port < 1024 || port > 65535 {
		return fmt.Errorf("port must be in the range 1024 <= port <= 65535, got %d", port)
	}

	log := setupLogger(c.Bool("verbose"))

	var ts timestamp.Source
	if base := c.String("timesvc"); base != "" {
		ts = timestamp.NewHTTPSource(base)
	}

	cl := client.New(c.String("server"), port, &client.Opts{
		Timestamps: ts,
		Log:        log,
	})

	sh, err := client.NewShell(cl)
	if err != nil {
		return err
	}

	// A termination signal gets the same treatment as QUIT: a best-effort
	// DISCONNECT before exiting.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cl.Shutdown()
		fmt.Println("+++ FINISHED +++")
		os.Exit(0)
	}()

	if err := sh.Run(); err != nil {
		return err
	}

	cl.Shutdown()
	fmt.Println("+++ FINISHED +++")
	return nil
}

func setupLogger(verbose bool) *slog.Logger {
	opts := logging.DefaultOptions()
	opts.Level = slog.LevelWarn
	if verbose {
		opts.Level = slog.LevelDebug
	}

	// Shell prompt owns stdout; logs go to stderr so the stable output lines
	// stay parseable.
	var w io.Writer = os.Stderr
	log := slog.New(logging.NewHandler(w, &opts))
	slog.SetDefault(log)

	return log
}
