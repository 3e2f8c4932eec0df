package dataset

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/malbeclabs/spend/engine/pkg/metrics"
	"github.com/malbeclabs/spend/engine/pkg/store"
)

// Load normalizes one raw record, keyed by source column names, and upserts it.
// Lookup rows and the entry row are written in one transaction. It returns the
// entry id, which is stable across reloads of the same key values.
func (d *Dataset) Load(ctx context.Context, conn store.Conn, rec map[string]any) (string, error) {
	id, err := d.load(ctx, conn, rec)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.EntriesLoadedTotal.WithLabelValues(status).Inc()
	return id, err
}

func (d *Dataset) load(ctx context.Context, conn store.Conn, rec map[string]any) (string, error) {
	fields := d.Fields()
	keys := d.KeyFields()

	var id string
	err := conn.WithTx(ctx, func(tx store.Conn) error {
		key := NewEntryKey(d.Name())
		var cols []assignment
		for _, f := range fields {
			l, err := f.load(ctx, tx, rec)
			if err != nil {
				return err
			}
			cols = append(cols, l.columns...)
			if slices.Contains(keys, f.Name()) {
				key.Values = append(key.Values, l.key...)
			}
		}

		id = key.ID()
		query, args := d.upsertEntrySQL(tx.Dialect(), id, cols)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to upsert entry %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	d.log.Debug("dataset: loaded entry", "dataset", d.Name(), "id", id)
	return id, nil
}

func (d *Dataset) upsertEntrySQL(dl store.Dialect, id string, cols []assignment) (string, []any) {
	names := []string{dl.Quote("id")}
	placeholders := []string{dl.Placeholder(1)}
	args := []any{id}
	updates := make([]string, 0, len(cols))
	for i, c := range cols {
		q := dl.Quote(c.column)
		names = append(names, q)
		placeholders = append(placeholders, dl.Placeholder(i+2))
		args = append(args, bindValue(dl, c.value))
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", q, q))
	}

	conflict := "DO NOTHING"
	if len(updates) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(updates, ", ")
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		dl.Quote(d.Schema().Entry),
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
		dl.Quote("id"),
		conflict,
	)
	return query, args
}
