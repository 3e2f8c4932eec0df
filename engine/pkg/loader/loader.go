package loader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/spend/engine/pkg/dataset"
	"github.com/malbeclabs/spend/engine/pkg/store"
)

const (
	defaultWorkers = 4

	// maxReportedErrors caps the row errors kept in a Report.
	maxReportedErrors = 100
)

// ErrTooManyErrors aborts a run once more rows failed than Config.MaxErrors.
var ErrTooManyErrors = errors.New("too many failed rows")

type Config struct {
	Logger  *slog.Logger
	Client  store.Client
	Dataset *dataset.Dataset

	// Workers is the number of records loaded concurrently.
	Workers int
	// RatePerSecond throttles record loads; zero means unlimited.
	RatePerSecond float64
	// MaxErrors aborts the run after this many failed rows; zero means never.
	MaxErrors int
	// Comma is the CSV field separator, ',' by default.
	Comma rune
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("client is required")
	}
	if cfg.Dataset == nil {
		return errors.New("dataset is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.RatePerSecond < 0 {
		return errors.New("rate per second must not be negative")
	}
	if cfg.Comma == 0 {
		cfg.Comma = ','
	}
	return nil
}

// RowError is the failure of one data row. Row counts data rows from 1.
type RowError struct {
	Row int
	Err error
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

// Report summarizes one load run.
type Report struct {
	RunID    uuid.UUID
	Loaded   int
	Failed   int
	Errors   []RowError
	Duration time.Duration
}

type Loader struct {
	log     *slog.Logger
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), max(1, cfg.Workers))
	}
	return &Loader{log: cfg.Logger, cfg: cfg, limiter: limiter}, nil
}

type row struct {
	n      int
	record map[string]any
}

// LoadCSV loads every data row of a CSV document whose header names the source
// columns. Rows that fail to load are reported and skipped; storage outages and
// context cancellation abort the run.
func (l *Loader) LoadCSV(ctx context.Context, r io.Reader) (*Report, error) {
	report := &Report{RunID: uuid.New()}
	start := time.Now()
	ds := l.cfg.Dataset
	log := l.log.With("dataset", ds.Name(), "run_id", report.RunID.String())

	cr := csv.NewReader(r)
	cr.Comma = l.cfg.Comma
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("csv document has no header")
		}
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	log.Info("loader: starting run", "workers", l.cfg.Workers, "columns", len(header))

	var mu sync.Mutex
	fail := func(n int, err error) error {
		mu.Lock()
		defer mu.Unlock()
		report.Failed++
		if len(report.Errors) < maxReportedErrors {
			report.Errors = append(report.Errors, RowError{Row: n, Err: err})
		}
		if l.cfg.MaxErrors > 0 && report.Failed > l.cfg.MaxErrors {
			return ErrTooManyErrors
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	rows := make(chan row, l.cfg.Workers*2)

	g.Go(func() error {
		defer close(rows)
		for n := 1; ; n++ {
			fields, err := cr.Read()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				var parseErr *csv.ParseError
				if errors.As(err, &parseErr) {
					if err := fail(n, err); err != nil {
						return err
					}
					continue
				}
				return fmt.Errorf("failed to read csv: %w", err)
			}
			rec := make(map[string]any, len(header))
			for i, col := range header {
				if i < len(fields) {
					rec[col] = fields[i]
				}
			}
			select {
			case rows <- row{n: n, record: rec}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	for range l.cfg.Workers {
		g.Go(func() error {
			for rw := range rows {
				if err := l.limiter.Wait(gctx); err != nil {
					return err
				}
				conn, err := l.cfg.Client.Conn(gctx)
				if err != nil {
					return err
				}
				_, err = ds.Load(gctx, conn, rw.record)
				conn.Close()
				if err == nil {
					mu.Lock()
					report.Loaded++
					mu.Unlock()
					continue
				}
				if gctx.Err() != nil || store.IsTransient(err) {
					return fmt.Errorf("row %d: %w", rw.n, err)
				}
				log.Debug("loader: row failed", "row", rw.n, "error", err)
				if err := fail(rw.n, err); err != nil {
					return err
				}
			}
			return nil
		})
	}

	err = g.Wait()
	report.Duration = time.Since(start)
	slices.SortFunc(report.Errors, func(a, b RowError) int { return a.Row - b.Row })

	if err != nil {
		log.Error("loader: run aborted", "loaded", report.Loaded, "failed", report.Failed, "error", err)
		return report, err
	}
	log.Info("loader: run completed", "loaded", report.Loaded, "failed", report.Failed, "duration", report.Duration)
	return report, nil
}
