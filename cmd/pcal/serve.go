package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/urfave/cli"

	appLog "pcal/internal/log"
	"pcal/internal/web"
)

var serveCmd = cli.Command{
	Name:  "serve",
	Usage: "Refresh feeds on schedule and serve the HTTP API",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "listen",
			Usage: "HTTP listen address (overrides config if set)",
		},
	},
	Action: serve,
}

func serve(c *cli.Context) error {
	a, err := openApp(c)
	if err != nil {
		return err
	}
	defer a.Close()
	if l := c.String("listen"); l != "" {
		a.cfg.Listen = l
	}

	ctx, cancel := signalContext()
	defer cancel()

	if _, err := a.eng.EnsureAround(ctx, a.eng.Now()); err != nil {
		return fmt.Errorf("initial materialization: %w", err)
	}

	// One refresh at a time; a tick that finds one running is skipped.
	var running sync.Mutex
	runRefresh := func(ctx context.Context) error {
		if !running.TryLock() {
			appLog.Debug("refresh already running; skipping")
			return nil
		}
		defer running.Unlock()
		start := time.Now()
		err := a.refresh(ctx)
		appLog.Info("refresh finished", "duration_ms", time.Since(start).Milliseconds(), "ok", err == nil)
		return err
	}

	sched := cron.New()
	if _, err := sched.AddFunc(a.cfg.RefreshCron, func() {
		if err := runRefresh(ctx); err != nil {
			appLog.Error("scheduled refresh failed", err)
		}
	}); err != nil {
		return fmt.Errorf("refresh schedule %q: %w", a.cfg.RefreshCron, err)
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	go func() {
		if err := runRefresh(ctx); err != nil {
			appLog.Error("startup refresh failed", err)
		}
	}()

	srv := web.NewServer(a.cfg, a.eng, a.q)
	if len(a.cfg.ICS) > 0 {
		srv.OnRefresh(runRefresh)
	}
	err = srv.StartServer(ctx)
	appLog.Info("pcal exiting")
	return err
}
