package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/spend/engine/pkg/dataset"
	"github.com/malbeclabs/spend/engine/pkg/metrics"
	"github.com/malbeclabs/spend/engine/pkg/store"
)

// Querier is the query surface of a dataset.
type Querier interface {
	Name() string
	Private() bool
	Select(ctx context.Context, conn store.Conn, q dataset.Query) (*dataset.Result, error)
	Aggregate(ctx context.Context, conn store.Conn, q dataset.Query) (*dataset.AggregateResult, error)
}

type QueryCacheConfig struct {
	Logger  *slog.Logger
	Dataset Querier
	Store   Store
	Enabled bool
}

func (cfg *QueryCacheConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Dataset == nil {
		return errors.New("dataset is required")
	}
	if cfg.Enabled && cfg.Store == nil {
		return errors.New("store is required when the cache is enabled")
	}
	return nil
}

// QueryCache memoizes complete, unpaginated query results of one dataset and
// serves any page from them.
type QueryCache struct {
	log *slog.Logger
	cfg QueryCacheConfig
}

func NewQueryCache(cfg QueryCacheConfig) (*QueryCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &QueryCache{log: cfg.Logger, cfg: cfg}, nil
}

// Dataset names the cached dataset.
func (c *QueryCache) Dataset() string {
	return c.cfg.Dataset.Name()
}

// Enabled reports whether results are cached. Private datasets never are.
func (c *QueryCache) Enabled() bool {
	return c.cfg.Enabled && !c.cfg.Dataset.Private()
}

// Key returns the store key of a query.
func (c *QueryCache) Key(q dataset.Query) string {
	return datasetPrefix(c.cfg.Dataset.Name()) + Fingerprint(q)
}

// cachedResult is the stored form shared by Select and Aggregate.
type cachedResult struct {
	Records []dataset.Record `json:"records"`
	Summary dataset.Summary  `json:"summary"`
}

func (c *QueryCache) Select(ctx context.Context, conn store.Conn, q dataset.Query) (*dataset.Result, error) {
	if !c.Enabled() || q.IntoCollection != "" {
		metrics.CacheRequestsTotal.WithLabelValues("bypass").Inc()
		return c.cfg.Dataset.Select(ctx, conn, q)
	}
	res, err := c.lookup(ctx, q, func(full dataset.Query) (*cachedResult, error) {
		r, err := c.cfg.Dataset.Select(ctx, conn, full)
		if err != nil {
			return nil, err
		}
		return &cachedResult{Records: r.Records, Summary: r.Summary}, nil
	})
	if err != nil {
		return nil, err
	}
	// Select and Aggregate in aggregate mode share an entry.
	res.Summary.Aggregate = false
	return (&dataset.Result{Records: res.Records, Summary: res.Summary}).Paginate(q.Page, q.PageSize), nil
}

func (c *QueryCache) Aggregate(ctx context.Context, conn store.Conn, q dataset.Query) (*dataset.AggregateResult, error) {
	q.Aggregate = true
	if !c.Enabled() || q.IntoCollection != "" {
		metrics.CacheRequestsTotal.WithLabelValues("bypass").Inc()
		return c.cfg.Dataset.Aggregate(ctx, conn, q)
	}
	res, err := c.lookup(ctx, q, func(full dataset.Query) (*cachedResult, error) {
		r, err := c.cfg.Dataset.Aggregate(ctx, conn, full)
		if err != nil {
			return nil, err
		}
		return &cachedResult{Records: r.Drilldown, Summary: r.Summary}, nil
	})
	if err != nil {
		return nil, err
	}
	res.Summary.Aggregate = true
	return (&dataset.AggregateResult{Drilldown: res.Records, Summary: res.Summary}).Paginate(q.Page, q.PageSize), nil
}

// lookup returns the cached result of q, computing and storing it on a miss.
// Store failures are logged and the result is computed directly.
func (c *QueryCache) lookup(ctx context.Context, q dataset.Query, compute func(dataset.Query) (*cachedResult, error)) (*cachedResult, error) {
	key := c.Key(q)
	fingerprint := Fingerprint(q)

	data, ok, err := c.cfg.Store.Get(ctx, key)
	if err != nil {
		c.log.Warn("cache: failed to read cached result", "dataset", c.cfg.Dataset.Name(), "key", key, "error", err)
	}
	if err == nil && ok {
		var res cachedResult
		if err := json.Unmarshal(data, &res); err != nil {
			c.log.Warn("cache: discarding unreadable cached result", "dataset", c.cfg.Dataset.Name(), "key", key, "error", err)
		} else {
			metrics.CacheRequestsTotal.WithLabelValues("hit").Inc()
			c.log.Debug("cache: hit", "dataset", c.cfg.Dataset.Name(), "key", key)
			tag(&res, fingerprint)
			return &res, nil
		}
	}

	metrics.CacheRequestsTotal.WithLabelValues("miss").Inc()
	full := q
	full.Page = 1
	full.PageSize = dataset.Unbounded
	res, err := compute(full)
	if err != nil {
		return nil, err
	}

	data, err = json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result for cache: %w", err)
	}
	if err := c.cfg.Store.Put(ctx, key, data); err != nil {
		c.log.Warn("cache: failed to store result", "dataset", c.cfg.Dataset.Name(), "key", key, "error", err)
	} else {
		c.log.Debug("cache: stored result", "dataset", c.cfg.Dataset.Name(), "key", key, "bytes", len(data))
	}
	// Serve the decoded form so record values have the same types on a miss
	// as on a later hit.
	var stored cachedResult
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode result for cache: %w", err)
	}
	tag(&stored, fingerprint)
	return &stored, nil
}

func tag(res *cachedResult, fingerprint string) {
	res.Summary.Cached = true
	res.Summary.CacheKey = fingerprint
}

// Invalidate removes every cached result of the dataset. It is a no-op without
// a store.
func (c *QueryCache) Invalidate(ctx context.Context) error {
	if c.cfg.Store == nil {
		return nil
	}
	n, err := c.cfg.Store.Clear(ctx, datasetPrefix(c.cfg.Dataset.Name()))
	if err != nil {
		return fmt.Errorf("failed to invalidate cache of %s: %w", c.cfg.Dataset.Name(), err)
	}
	metrics.CacheInvalidationsTotal.Inc()
	c.log.Info("cache: invalidated", "dataset", c.cfg.Dataset.Name(), "removed", n)
	return nil
}
