package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/malbeclabs/spend/engine/pkg/clickhouse"
	"github.com/malbeclabs/spend/engine/pkg/dataset"
	"github.com/malbeclabs/spend/engine/pkg/mirror"
	"github.com/malbeclabs/spend/engine/pkg/store"
)

// QueryFlags is the command-line form of a query. JSON, when set, is decoded
// as a whole query and the other flags are ignored.
type QueryFlags struct {
	JSON       string
	Measure    string
	Cuts       string
	Slice      string
	Drilldowns string
	Order      string
	From       string
	Into       string
	Page       int
	PageSize   int
	Aggregate  bool
}

// Query builds the query the flags describe. Drilldowns and orders are
// comma-separated: "year,to" and "amount:desc,to".
func (f QueryFlags) Query() (dataset.Query, error) {
	var q dataset.Query
	if f.JSON != "" {
		dec := json.NewDecoder(strings.NewReader(f.JSON))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&q); err != nil {
			return q, fmt.Errorf("failed to decode query: %w", err)
		}
		return q, nil
	}

	cuts, err := dataset.ParseCuts(f.Cuts)
	if err != nil {
		return q, err
	}
	slice, err := dataset.ParseSlice(f.Slice)
	if err != nil {
		return q, err
	}
	q.Cuts = cuts
	q.Slice = slice
	q.FromCollection = f.From
	q.IntoCollection = f.Into
	q.Measure = f.Measure
	q.Page = f.Page
	q.PageSize = f.PageSize
	q.Aggregate = f.Aggregate
	q.Drilldowns = splitList(f.Drilldowns)
	for _, s := range splitList(f.Order) {
		o, err := dataset.ParseOrder(s)
		if err != nil {
			return q, err
		}
		q.Order = append(q.Order, o)
	}
	return q, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Query runs a query through the dataset's result cache and prints the result
// as indented JSON.
func (a *Admin) Query(ctx context.Context, name string, q dataset.Query) error {
	h, err := a.cfg.Registry.Get(ctx, name)
	if err != nil {
		return err
	}

	var out any
	err = a.withConn(ctx, func(conn store.Conn) error {
		if q.Aggregate {
			res, err := h.Cache.Aggregate(ctx, conn, q)
			out = res
			return err
		}
		res, err := h.Cache.Select(ctx, conn, q)
		out = res
		return err
	})
	if err != nil {
		return err
	}
	if q.IntoCollection != "" {
		if err := h.Cache.Invalidate(ctx); err != nil {
			a.log.Warn("admin: failed to invalidate cache", "dataset", name, "error", err)
		}
	}

	enc := json.NewEncoder(a.cfg.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// Collect materializes the entries matching f into a collection, creating the
// collection when it does not exist yet.
func (a *Admin) Collect(ctx context.Context, name, collection, label string, f dataset.Filter) error {
	h, err := a.cfg.Registry.Get(ctx, name)
	if err != nil {
		return err
	}

	var n int64
	err = a.withConn(ctx, func(conn store.Conn) error {
		_, err := h.Dataset.Collection(ctx, conn, collection)
		if errors.Is(err, dataset.ErrCollectionNotFound) {
			_, err = h.Dataset.CreateCollection(ctx, conn, collection, label, "")
		}
		if err != nil {
			return err
		}
		n, err = h.Dataset.Collect(ctx, conn, collection, f)
		return err
	})
	if err != nil {
		return err
	}
	if err := h.Cache.Invalidate(ctx); err != nil {
		a.log.Warn("admin: failed to invalidate cache", "dataset", name, "error", err)
	}
	a.printf("Collected %d entries into '%s'\n", n, collection)
	return nil
}

// Invalidate clears every cached result of a dataset.
func (a *Admin) Invalidate(ctx context.Context, name string) error {
	h, err := a.cfg.Registry.Get(ctx, name)
	if err != nil {
		return err
	}
	if !h.Cache.Enabled() {
		a.printf("Caching is disabled, nothing to invalidate\n")
		return nil
	}
	if err := h.Cache.Invalidate(ctx); err != nil {
		return err
	}
	a.printf("Invalidated cached results of '%s'\n", name)
	return nil
}

// Mirror copies the entries of a dataset into its ClickHouse mirror table.
func (a *Admin) Mirror(ctx context.Context, name string, ch clickhouse.Connection, batchSize int) error {
	h, err := a.cfg.Registry.Get(ctx, name)
	if err != nil {
		return err
	}
	m, err := mirror.New(mirror.Config{Logger: a.log, BatchSize: batchSize})
	if err != nil {
		return err
	}

	var n int
	err = a.withConn(ctx, func(conn store.Conn) error {
		var syncErr error
		n, syncErr = m.Sync(ctx, conn, ch, h.Dataset)
		return syncErr
	})
	if err != nil {
		return err
	}
	a.printf("Mirrored %d entries into '%s'\n", n, mirror.TableName(h.Dataset))
	return nil
}
