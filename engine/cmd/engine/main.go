package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/spend/engine/pkg/catalog"
	"github.com/malbeclabs/spend/engine/pkg/config"
	"github.com/malbeclabs/spend/engine/pkg/metrics"
	"github.com/malbeclabs/spend/engine/pkg/registry"
	"github.com/malbeclabs/spend/engine/pkg/server"
	"github.com/malbeclabs/spend/engine/pkg/warmer"
	"github.com/malbeclabs/spend/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultAddr = "0.0.0.0:8080"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var cfg config.Config
	cfg.RegisterFlags(flag.CommandLine)
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	addrFlag := flag.String("addr", defaultAddr, "address of the ops server (health, readiness, version, metrics)")
	migrateFlag := flag.Bool("migrate", true, "run catalog migrations at startup")
	warmIntervalFlag := flag.Duration("warm-interval", 10*time.Minute, "interval between cache warm runs (0 disables warming)")
	warmPlanFlag := flag.String("warm-plan", "", "JSON file mapping dataset names to queries to keep warm")
	warmConcurrencyFlag := flag.Int("warm-concurrency", 2, "maximum concurrent warm queries")
	corsOriginsFlag := flag.StringSlice("cors-origins", nil, "origins allowed to call the ops server from a browser")
	flag.Parse()
	cfg.ApplyEnv()

	log := logger.New(*verboseFlag)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		env := os.Getenv("SENTRY_ENVIRONMENT")
		if env == "" {
			env = "development"
		}
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Environment:      env,
			Release:          version,
			EnableTracing:    true,
			TracesSampleRate: 0.1,
		}); err != nil {
			log.Warn("failed to initialize sentry", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := cfg.OpenStore(ctx, log)
	if err != nil {
		return err
	}
	defer client.Close()

	if *migrateFlag {
		if err := catalog.Migrate(ctx, log, client); err != nil {
			return err
		}
	}

	cacheStore, err := cfg.OpenCacheStore(ctx, log)
	if err != nil {
		return err
	}
	reg, err := registry.New(registry.Config{Logger: log, Client: client, CacheStore: cacheStore})
	if err != nil {
		return err
	}

	checks := []server.Check{{
		Name: "store",
		Fn:   func(ctx context.Context) error { return client.DB().PingContext(ctx) },
	}}

	var w *warmer.Warmer
	if *warmIntervalFlag > 0 && cacheStore != nil {
		targets, err := warmTargets(ctx, log, reg, *warmPlanFlag)
		if err != nil {
			return err
		}
		w, err = warmer.New(warmer.Config{
			Logger:        log,
			Client:        client,
			Targets:       targets,
			Interval:      *warmIntervalFlag,
			MaxConcurrent: *warmConcurrencyFlag,
		})
		if err != nil {
			return err
		}
		checks = append(checks, server.Check{
			Name: "warmer",
			Fn: func(context.Context) error {
				if !w.Ready() {
					return errors.New("cache not warmed yet")
				}
				return nil
			},
		})
	}

	srv, err := server.New(server.Config{
		Logger:  log,
		Addr:    *addrFlag,
		Version: server.VersionInfo{Version: version, Commit: commit, Date: date},
		Checks:  checks,

		AllowedOrigins: *corsOriginsFlag,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if w != nil {
		g.Go(func() error {
			w.Start(gctx)
			<-gctx.Done()
			w.Stop()
			return nil
		})
	}

	log.Info("engine started", "version", version, "store", cfg.StoreDriver, "cache", cfg.CacheBackend)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("engine stopped")
	return nil
}

// warmTargets pairs every registered dataset with its planned queries, or the
// default queries when the plan does not name it.
func warmTargets(ctx context.Context, log *slog.Logger, reg *registry.Registry, planPath string) ([]warmer.Target, error) {
	plan := warmer.Plan{}
	if planPath != "" {
		f, err := os.Open(planPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open warm plan: %w", err)
		}
		plan, err = warmer.ReadPlan(f)
		f.Close()
		if err != nil {
			return nil, err
		}
	}

	handles, err := reg.All(ctx)
	if err != nil {
		return nil, err
	}
	targets := make([]warmer.Target, 0, len(handles))
	for _, h := range handles {
		queries, ok := plan[h.Dataset.Name()]
		if !ok {
			queries = warmer.DefaultQueries(h.Dataset)
		}
		targets = append(targets, warmer.Target{Cache: h.Cache, Queries: queries})
	}
	for name := range plan {
		if _, err := reg.Get(ctx, name); err != nil {
			log.Warn("warm plan names an unknown dataset", "dataset", name, "error", err)
		}
	}
	return targets, nil
}
