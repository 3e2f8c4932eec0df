package warmer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/spend/engine/pkg/cache"
	"github.com/malbeclabs/spend/engine/pkg/dataset"
	"github.com/malbeclabs/spend/engine/pkg/metrics"
	"github.com/malbeclabs/spend/engine/pkg/store"
)

const (
	defaultInterval      = 10 * time.Minute
	defaultMaxConcurrent = 2
	stopTimeout          = 5 * time.Second
)

// Target is a set of queries kept warm in one dataset's cache.
type Target struct {
	Cache   *cache.QueryCache
	Queries []dataset.Query
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Client  store.Client
	Targets []Target

	// Interval between warm runs.
	Interval time.Duration
	// MaxConcurrent limits how many queries run at once, leaving the rest of
	// the connection pool to API requests.
	MaxConcurrent int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	for i, t := range cfg.Targets {
		if t.Cache == nil {
			return fmt.Errorf("target %d: cache is required", i)
		}
	}
	return nil
}

// Status describes the most recent warm run.
type Status struct {
	Runs    int
	LastRun time.Time
	Failed  int
}

// Warmer periodically replays configured queries so their results are cached
// before users ask for them.
type Warmer struct {
	log *slog.Logger
	cfg Config

	mu     sync.RWMutex
	status Status

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) (*Warmer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Warmer{log: cfg.Logger, cfg: cfg}, nil
}

// Start runs one warm pass synchronously, then keeps warming every interval
// until Stop is called or ctx is done.
func (w *Warmer) Start(ctx context.Context) {
	w.log.Info("warmer: starting", "targets", len(w.cfg.Targets), "interval", w.cfg.Interval)
	w.Run(ctx)

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
}

func (w *Warmer) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := w.cfg.Clock.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			w.Run(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels the background loop and waits for it to exit.
func (w *Warmer) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.log.Info("warmer: stopped")
	case <-time.After(stopTimeout):
		w.log.Warn("warmer: stop timed out, continuing shutdown")
	}
}

// Run replays every configured query once. Failures are logged and counted;
// they do not stop the other queries.
func (w *Warmer) Run(ctx context.Context) Status {
	start := w.cfg.Clock.Now()

	var mu sync.Mutex
	failed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.MaxConcurrent)
	for _, t := range w.cfg.Targets {
		if !t.Cache.Enabled() {
			metrics.WarmerRunsTotal.WithLabelValues("skipped").Add(float64(len(t.Queries)))
			continue
		}
		for _, q := range t.Queries {
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				if err := w.warm(gctx, t.Cache, q); err != nil {
					metrics.WarmerRunsTotal.WithLabelValues("error").Inc()
					w.log.Warn("warmer: query failed", "dataset", t.Cache.Dataset(), "error", err)
					mu.Lock()
					failed++
					mu.Unlock()
					return nil
				}
				metrics.WarmerRunsTotal.WithLabelValues("success").Inc()
				return nil
			})
		}
	}
	_ = g.Wait()

	w.mu.Lock()
	w.status.Runs++
	w.status.LastRun = start
	w.status.Failed = failed
	status := w.status
	w.mu.Unlock()

	w.log.Debug("warmer: run completed", "failed", failed, "duration", w.cfg.Clock.Since(start))
	return status
}

func (w *Warmer) warm(ctx context.Context, qc *cache.QueryCache, q dataset.Query) error {
	conn, err := w.cfg.Client.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if q.Aggregate {
		_, err = qc.Aggregate(ctx, conn, q)
	} else {
		_, err = qc.Select(ctx, conn, q)
	}
	return err
}

// Status returns the outcome of the most recent run.
func (w *Warmer) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Ready reports whether at least one warm run completed.
func (w *Warmer) Ready() bool {
	return w.Status().Runs > 0
}
