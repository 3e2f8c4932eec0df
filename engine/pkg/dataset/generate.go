package dataset

import (
	"context"
	"fmt"
	"slices"

	"github.com/malbeclabs/spend/engine/pkg/metrics"
	"github.com/malbeclabs/spend/engine/pkg/store"
)

// IsGenerated reports whether the entry table exists in storage.
func (d *Dataset) IsGenerated(ctx context.Context, conn store.Conn) (bool, error) {
	if d.generated.Load() {
		return true, nil
	}
	ok, err := store.TableExists(ctx, conn, d.Schema().Entry)
	if err != nil {
		return false, err
	}
	if ok {
		d.generated.Store(true)
	}
	return ok, nil
}

// Generate creates the dataset's tables. Existing tables are reflected and only
// missing columns and indexes are added; no data is removed.
func (d *Dataset) Generate(ctx context.Context, conn store.Conn) error {
	err := d.generate(ctx, conn)
	recordSchemaOp("generate", err)
	return err
}

func (d *Dataset) generate(ctx context.Context, conn store.Conn) error {
	s := d.Schema()

	if err := ensureTable(ctx, conn, schemeUsageTable()); err != nil {
		return err
	}
	for _, name := range s.order {
		if err := ensureTable(ctx, conn, s.table(name)); err != nil {
			return err
		}
	}

	dl := conn.Dialect()
	register := fmt.Sprintf(
		"INSERT INTO %s (%s, %s, %s) VALUES (%s, %s, %s) ON CONFLICT DO NOTHING",
		dl.Quote(SchemeUsageTable), dl.Quote("scheme"), dl.Quote("dataset"), dl.Quote("dimension"),
		dl.Placeholder(1), dl.Placeholder(2), dl.Placeholder(3),
	)
	for _, f := range d.Fields() {
		c, ok := f.(*CompoundDimension)
		if !ok {
			continue
		}
		if _, err := conn.Exec(ctx, register, c.scheme, d.Name(), c.name); err != nil {
			return fmt.Errorf("failed to register scheme %s: %w", c.scheme, err)
		}
	}

	d.generated.Store(true)
	d.log.Info("dataset: generated", "dataset", d.Name(), "tables", len(s.order))
	return nil
}

func ensureTable(ctx context.Context, conn store.Conn, t *tableDef) error {
	dl := conn.Dialect()

	exists, err := store.TableExists(ctx, conn, t.name)
	if err != nil {
		return err
	}
	if !exists {
		if _, err := conn.Exec(ctx, t.createSQL(dl)); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.name, err)
		}
	} else {
		existing, err := store.TableColumns(ctx, conn, t.name)
		if err != nil {
			return err
		}
		for _, c := range t.columns {
			if slices.Contains(existing, c.name) {
				continue
			}
			if _, err := conn.Exec(ctx, t.addColumnSQL(dl, c)); err != nil {
				return fmt.Errorf("failed to add column %s.%s: %w", t.name, c.name, err)
			}
		}
	}

	for _, ix := range t.indexes {
		if _, err := conn.Exec(ctx, ix.sql(dl, t.name)); err != nil {
			return fmt.Errorf("failed to create index %s: %w", ix.name, err)
		}
	}
	return nil
}

// Drop removes the dataset's tables and every lookup table no other dimension
// still uses.
func (d *Dataset) Drop(ctx context.Context, conn store.Conn) error {
	err := d.drop(ctx, conn)
	recordSchemaOp("drop", err)
	return err
}

func (d *Dataset) drop(ctx context.Context, conn store.Conn) error {
	s := d.Schema()
	dl := conn.Dialect()

	for _, name := range []string{s.CollectionEntry, s.Collection, s.Entry} {
		if _, err := conn.Exec(ctx, "DROP TABLE IF EXISTS "+dl.Quote(name)); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", name, err)
		}
	}
	d.generated.Store(false)

	for _, scheme := range s.Lookups {
		owned, err := d.releaseScheme(ctx, conn, scheme)
		if err != nil {
			return err
		}
		if !owned {
			d.log.Debug("dataset: keeping shared lookup table", "dataset", d.Name(), "table", scheme)
			continue
		}
		if _, err := conn.Exec(ctx, "DROP TABLE IF EXISTS "+dl.Quote(scheme)); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", scheme, err)
		}
	}

	d.log.Info("dataset: dropped", "dataset", d.Name())
	return nil
}

// releaseScheme removes this dataset's registrations of scheme and reports
// whether the scheme is now unused.
func (d *Dataset) releaseScheme(ctx context.Context, conn store.Conn, scheme string) (bool, error) {
	dl := conn.Dialect()
	exists, err := store.TableExists(ctx, conn, SchemeUsageTable)
	if err != nil {
		return false, err
	}
	if !exists {
		return true, nil
	}

	del := fmt.Sprintf("DELETE FROM %s WHERE %s = %s AND %s = %s",
		dl.Quote(SchemeUsageTable), dl.Quote("scheme"), dl.Placeholder(1), dl.Quote("dataset"), dl.Placeholder(2))
	if _, err := conn.Exec(ctx, del, scheme, d.Name()); err != nil {
		return false, fmt.Errorf("failed to release scheme %s: %w", scheme, err)
	}

	n, err := d.schemeUsers(ctx, conn, scheme, false)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// schemeUsers counts registrations of scheme, optionally only those of other
// datasets.
func (d *Dataset) schemeUsers(ctx context.Context, conn store.Conn, scheme string, othersOnly bool) (int64, error) {
	dl := conn.Dialect()
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = %s", dl.Quote(SchemeUsageTable), dl.Quote("scheme"), dl.Placeholder(1))
	args := []any{scheme}
	if othersOnly {
		q += fmt.Sprintf(" AND %s <> %s", dl.Quote("dataset"), dl.Placeholder(2))
		args = append(args, d.Name())
	}
	var n int64
	if err := conn.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count users of scheme %s: %w", scheme, err)
	}
	return n, nil
}

// Flush deletes all rows of the dataset but keeps its tables. Lookup rows are
// only deleted from tables no other dataset uses.
func (d *Dataset) Flush(ctx context.Context, conn store.Conn) error {
	err := d.flush(ctx, conn)
	recordSchemaOp("flush", err)
	return err
}

func (d *Dataset) flush(ctx context.Context, conn store.Conn) error {
	ok, err := d.IsGenerated(ctx, conn)
	if err != nil || !ok {
		return err
	}
	s := d.Schema()
	dl := conn.Dialect()

	return conn.WithTx(ctx, func(tx store.Conn) error {
		for _, name := range []string{s.CollectionEntry, s.Collection, s.Entry} {
			if _, err := tx.Exec(ctx, "DELETE FROM "+dl.Quote(name)); err != nil {
				return fmt.Errorf("failed to flush table %s: %w", name, err)
			}
		}
		for _, scheme := range s.Lookups {
			others, err := d.schemeUsers(ctx, tx, scheme, true)
			if err != nil {
				return err
			}
			if others > 0 {
				continue
			}
			if _, err := tx.Exec(ctx, "DELETE FROM "+dl.Quote(scheme)); err != nil {
				return fmt.Errorf("failed to flush table %s: %w", scheme, err)
			}
		}
		d.log.Info("dataset: flushed", "dataset", d.Name())
		return nil
	})
}

func recordSchemaOp(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.SchemaOperationsTotal.WithLabelValues(op, status).Inc()
}
