package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"pcal/internal/config"
	"pcal/internal/engine"
	"pcal/internal/ics"
	appLog "pcal/internal/log"
	"pcal/internal/notify"
	"pcal/internal/query"
	"pcal/internal/store"
	"pcal/internal/store/memory"
	"pcal/internal/store/sqlite"
)

// app wires the components every command shares.
type app struct {
	cfg      *config.Config
	st       store.Store
	hub      *notify.Hub
	eng      *engine.Engine
	q        *query.Service
	fetcher  *ics.Fetcher
	importer *ics.Importer
}

func openApp(c *cli.Context) (*app, error) {
	path := c.GlobalString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	level := appLog.ParseLevel(cfg.LogLevel)
	if c.GlobalBool("debug") {
		level = appLog.LevelDebug
	}
	appLog.SetLevel(level)

	var st store.Store
	if cfg.Database == "" {
		st = memory.New()
	} else if st, err = sqlite.New(cfg.Database); err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Database, err)
	}

	hub := notify.New()
	eng := engine.New(st, hub, engine.Options{
		Location:     cfg.Location(),
		PastDays:     cfg.Window.PastDays,
		FutureDays:   cfg.Window.FutureDays,
		MaxInstances: cfg.Window.MaxOccurrencesPerSeries,
	})
	vis := query.NewVisibility(hub, cfg.Calendars()...)

	appLog.Info("effective config",
		"config_path", path,
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"database", cfg.Database,
		"refresh", cfg.RefreshCron,
		"past_days", cfg.Window.PastDays,
		"future_days", cfg.Window.FutureDays,
		"ics_count", len(cfg.ICS),
	)

	return &app{
		cfg:      cfg,
		st:       st,
		hub:      hub,
		eng:      eng,
		q:        query.New(st, hub, eng, vis),
		fetcher:  ics.NewFetcher(cfg.CacheDir),
		importer: ics.NewImporter(eng, st),
	}, nil
}

func (a *app) Close() {
	if err := a.st.Close(); err != nil {
		appLog.Error("store close failed", err)
	}
}

// refresh imports every feed, then keeps the window ahead of today.
func (a *app) refresh(ctx context.Context) error {
	results, errs := a.importer.Refresh(ctx, a.fetcher, a.cfg.Sources())
	for _, err := range errs {
		appLog.Error("feed refresh failed", err)
	}
	for _, res := range results {
		for _, err := range res.Errors {
			appLog.Error("feed event rejected", err, "source", res.Source.ID)
		}
	}
	sum, err := a.eng.EnsureAround(ctx, a.eng.Now())
	if err != nil {
		return err
	}
	if sum.Failed > 0 {
		appLog.Info("window top-up left series unmaterialized", "failed", sum.Failed)
	}
	if len(errs) > 0 && len(results) == 0 {
		return fmt.Errorf("all %d feeds failed", len(errs))
	}
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
