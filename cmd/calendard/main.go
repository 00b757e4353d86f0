package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"

	"github.com/INDEVOPS/calendar/internal/config"
	"github.com/INDEVOPS/calendar/internal/freebusy"
	"github.com/INDEVOPS/calendar/internal/ics"
	"github.com/INDEVOPS/calendar/internal/itip"
	appLog "github.com/INDEVOPS/calendar/internal/log"
	"github.com/INDEVOPS/calendar/internal/model"
	"github.com/INDEVOPS/calendar/internal/notify"
	"github.com/INDEVOPS/calendar/internal/storage"
	"github.com/INDEVOPS/calendar/internal/undo"
	"github.com/INDEVOPS/calendar/internal/web"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "calendard",
		Usage: "Calendar scheduling daemon: free/busy queries and iTIP reconciliation.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "config.yaml", Usage: "Path to config file"},
			&cli.BoolFlag{Name: "debug", Usage: "Enable debug logging"},
		},
		Commands: []*cli.Command{
			serveCommand(),
			processCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		appLog.Error("application failed", err)
		os.Exit(1)
	}
}

// core wires the scheduling components the commands share.
type core struct {
	cfg        *config.Config
	store      *storage.Memory
	buffer     *undo.Buffer
	reconciler *itip.Reconciler
	pipeline   *itip.Pipeline
	aggregator freebusy.Aggregator
}

func buildCore(c *cli.Context) (*core, error) {
	if c.Bool("debug") {
		appLog.SetLevel(appLog.LevelDebug)
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	store := storage.NewMemory()
	buffer := undo.NewBuffer()
	outbox := notify.NewOutbox(cfg.Outbox)
	identity := itip.StaticIdentity(cfg.UserEmails)

	rec := &itip.Reconciler{
		Store:    store,
		Notifier: outbox,
		Identity: identity,
		Cfg:      cfg,
	}
	pipe := &itip.Pipeline{
		Store:    store,
		Notifier: outbox,
		Identity: identity,
		Undo:     buffer,
		Cfg:      cfg,
	}
	agg := freebusy.Aggregator{
		Sources: []freebusy.Source{freebusy.EventSource{Store: store}},
	}

	return &core{
		cfg:        cfg,
		store:      store,
		buffer:     buffer,
		reconciler: rec,
		pipeline:   pipe,
		aggregator: agg,
	}, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API server.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "HTTP listen address (overrides config if set)"},
		},
		Action: func(c *cli.Context) error {
			app, err := buildCore(c)
			if err != nil {
				return err
			}
			if l := c.String("listen"); l != "" {
				app.cfg.Listen = l
			}

			appLog.Info("effective config",
				"listen", app.cfg.Listen,
				"timezone", app.cfg.Timezone,
				"undo_timeout", app.cfg.UndoTimeout,
				"itip_send", int(app.cfg.ItipSend),
				"outbox", app.cfg.Outbox,
			)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				appLog.Info("signal received, shutting down", "signal", sig.String())
				cancel()
			}()

			// Periodic sweep drops expired undo snapshots.
			sched := cron.New()
			if _, err := sched.AddFunc(app.cfg.SweepCron, func() {
				if n := app.buffer.Sweep(); n > 0 {
					appLog.Debug("swept undo buffer", "expired", n)
				}
			}); err != nil {
				return fmt.Errorf("invalid sweep schedule %q: %w", app.cfg.SweepCron, err)
			}
			sched.Start()
			defer sched.Stop()

			srv := &http.Server{
				Addr:    app.cfg.Listen,
				Handler: web.NewServer(app.cfg, app.reconciler, app.pipeline, app.aggregator).Handler(),
			}
			errCh := make(chan error, 1)
			go func() {
				appLog.Info("starting HTTP server", "listen", "http://"+app.cfg.Listen)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				appLog.Error("server shutdown failed", err)
			}
			appLog.Info("calendard exiting")
			return nil
		},
	}
}

func processCommand() *cli.Command {
	return &cli.Command{
		Name:      "process",
		Usage:     "Apply one iTIP message from a file or stdin.",
		ArgsUsage: "[file.ics]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "sender", Usage: "Transport-level sender address"},
			&cli.StringFlag{Name: "status", Value: "ACCEPTED", Usage: "Participation status for REQUEST (ACCEPTED, TENTATIVE, DECLINED)"},
			&cli.BoolFlag{Name: "no-reply", Usage: "Do not reply to the organizer"},
		},
		Action: func(c *cli.Context) error {
			app, err := buildCore(c)
			if err != nil {
				return err
			}

			in := os.Stdin
			if c.NArg() > 0 {
				f, err := os.Open(c.Args().First())
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			msg, err := ics.ParseItip(in)
			if err != nil {
				return err
			}
			msg.Sender = c.String("sender")

			outcome, err := app.reconciler.Process(msg, itip.ProcessOptions{
				Status:  model.PartStat(c.String("status")),
				NoReply: c.Bool("no-reply"),
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s uid=%s calendar=%s event=%s\n", outcome.Action, msg.UID, outcome.CalendarID, outcome.EventID)
			return nil
		},
	}
}
