// Command timesvc serves the date-time strings clients prepend to their
// directory requests.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/peerdex/peerdex/internal/timestamp"
	"github.com/peerdex/peerdex/pkg/utils/logging"
)

func main() {
	app := cli.NewApp()
	app.Name = "timesvc"
	app.Usage = "date-time service for peerdex clients"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "addr, a",
			Value: ":8600",
			Usage: "address to listen on",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := slog.New(logging.NewHandler(os.Stdout, nil))
	slog.SetDefault(log)

	mux := http.NewServeMux()
	mux.HandleFunc("/datetime", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		fmt.Fprint(w, time.Now().Format(timestamp.Layout))
	})

	srv := &http.Server{Addr: c.String("addr"), Handler: mux}

	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	log.Info("listening", "addr", c.String("addr"))
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}

	log.Info("shut down")
	return nil
}
