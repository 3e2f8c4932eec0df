package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/spend/engine/pkg/cache"
	"github.com/malbeclabs/spend/engine/pkg/catalog"
	"github.com/malbeclabs/spend/engine/pkg/dataset"
	"github.com/malbeclabs/spend/engine/pkg/store"
)

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Client  store.Client
	Catalog *catalog.Catalog
	// CacheStore backs every dataset's QueryCache; nil disables caching.
	CacheStore cache.Store
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
	if cfg.Catalog == nil {
		c, err := catalog.New(catalog.Config{Logger: cfg.Logger, Clock: cfg.Clock})
		if err != nil {
			return err
		}
		cfg.Catalog = c
	}
	return nil
}

// Handle is an opened dataset together with its result cache.
type Handle struct {
	Dataset *dataset.Dataset
	Cache   *cache.QueryCache
}

// Registry opens catalog datasets on demand and keeps them open, so every
// caller shares one Dataset and one QueryCache per name.
type Registry struct {
	log *slog.Logger
	cfg Config

	mu      sync.Mutex
	handles map[string]*Handle
}

func New(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{log: cfg.Logger, cfg: cfg, handles: make(map[string]*Handle)}, nil
}

func (r *Registry) Catalog() *catalog.Catalog {
	return r.cfg.Catalog
}

// Get returns the handle of a registered dataset, opening it on first use.
func (r *Registry) Get(ctx context.Context, name string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[name]; ok {
		return h, nil
	}

	conn, err := r.cfg.Client.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ds, err := r.cfg.Catalog.Open(ctx, conn, name)
	if err != nil {
		return nil, err
	}
	h, err := r.handle(ds)
	if err != nil {
		return nil, err
	}
	r.handles[name] = h
	return h, nil
}

func (r *Registry) handle(ds *dataset.Dataset) (*Handle, error) {
	qc, err := cache.NewQueryCache(cache.QueryCacheConfig{
		Logger:  r.log,
		Dataset: ds,
		Store:   r.cfg.CacheStore,
		Enabled: r.cfg.CacheStore != nil,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache for %s: %w", ds.Name(), err)
	}
	return &Handle{Dataset: ds, Cache: qc}, nil
}

// All opens every registered dataset, including private ones.
func (r *Registry) All(ctx context.Context) ([]*Handle, error) {
	conn, err := r.cfg.Client.Conn(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := r.cfg.Catalog.List(ctx, conn, true)
	conn.Close()
	if err != nil {
		return nil, err
	}

	out := make([]*Handle, 0, len(entries))
	for _, e := range entries {
		h, err := r.Get(ctx, e.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to open dataset %s: %w", e.Name, err)
		}
		out = append(out, h)
	}
	return out, nil
}

// Register saves a model in the catalog and replaces any open handle, so the
// next Get sees the new mapping. Cached results of the dataset are cleared.
func (r *Registry) Register(ctx context.Context, model *dataset.Model) (*Handle, error) {
	conn, err := r.cfg.Client.Conn(ctx)
	if err != nil {
		return nil, err
	}
	_, err = r.cfg.Catalog.Save(ctx, conn, model)
	conn.Close()
	if err != nil {
		return nil, err
	}
	r.Forget(model.Dataset.Name)

	h, err := r.Get(ctx, model.Dataset.Name)
	if err != nil {
		return nil, err
	}
	if err := h.Cache.Invalidate(ctx); err != nil {
		r.log.Warn("registry: failed to invalidate cache", "dataset", model.Dataset.Name, "error", err)
	}
	return h, nil
}

// Forget drops the open handle of a dataset, if any.
func (r *Registry) Forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, name)
}
