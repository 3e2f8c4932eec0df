package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/spend/engine/pkg/clickhouse"
	"github.com/malbeclabs/spend/engine/pkg/dataset"
	"github.com/malbeclabs/spend/engine/pkg/metrics"
	"github.com/malbeclabs/spend/engine/pkg/store"
)

const defaultBatchSize = 5000

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	// BatchSize is the number of rows sent per ClickHouse batch.
	BatchSize int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return nil
}

// Mirror copies the denormalized entries of a dataset into a flat ClickHouse
// table for analytic queries.
type Mirror struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Mirror, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Mirror{log: cfg.Logger, cfg: cfg}, nil
}

// TableName is the mirror table of a dataset.
func TableName(ds *dataset.Dataset) string {
	return ds.Name() + "_entries"
}

// Sync creates the mirror table if needed and writes every entry of the dataset
// into it. Rows are versioned by sync time, so repeated syncs replace rather
// than duplicate entries once ClickHouse merges parts.
func (m *Mirror) Sync(ctx context.Context, conn store.Conn, ch clickhouse.Connection, ds *dataset.Dataset) (int, error) {
	log := m.log.With("dataset", ds.Name())
	cols := Columns(ds)

	if err := ch.Exec(ctx, CreateTableSQL(ds)); err != nil {
		return 0, fmt.Errorf("failed to create mirror table for %s: %w", ds.Name(), err)
	}

	syncedAt := m.cfg.Clock.Now().UTC()
	insert := InsertSQL(ds)
	total := 0
	var rows [][]any

	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		batch, err := ch.PrepareBatch(ctx, insert)
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}
		for _, row := range rows {
			if err := batch.Append(row...); err != nil {
				batch.Abort()
				return fmt.Errorf("failed to append row: %w", err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}
		total += len(rows)
		metrics.MirrorRowsTotal.Add(float64(len(rows)))
		log.Debug("mirror: sent batch", "rows", len(rows), "total", total)
		rows = rows[:0]
		return nil
	}

	for rec, err := range ds.Entries(ctx, conn, dataset.EntriesOptions{Step: m.cfg.BatchSize}) {
		if err != nil {
			return total, err
		}
		row, err := Row(cols, rec, syncedAt)
		if err != nil {
			return total, fmt.Errorf("entry %v: %w", rec["id"], err)
		}
		rows = append(rows, row)
		if len(rows) >= m.cfg.BatchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, err
	}

	log.Info("mirror: synced dataset", "rows", total, "table", TableName(ds))
	return total, nil
}

// Drop removes the mirror table of a dataset.
func (m *Mirror) Drop(ctx context.Context, ch clickhouse.Connection, ds *dataset.Dataset) error {
	if err := ch.Exec(ctx, "DROP TABLE IF EXISTS "+clickhouse.QuoteIdent(TableName(ds))); err != nil {
		return fmt.Errorf("failed to drop mirror table for %s: %w", ds.Name(), err)
	}
	return nil
}

// Column is one column of a mirror table. Compound dimensions expand to one
// column per attribute, named <dimension>_<attribute>.
type Column struct {
	Name      string
	Type      string
	field     string
	attribute string
	datatype  dataset.Datatype
}

// Columns returns the mirror columns of a dataset in field order, after the id.
func Columns(ds *dataset.Dataset) []Column {
	cols := []Column{{Name: "id", Type: "String", field: "id", datatype: dataset.DatatypeID}}
	for _, f := range ds.Fields() {
		switch fd := f.(type) {
		case *dataset.CompoundDimension:
			for _, a := range fd.Attributes() {
				cols = append(cols, Column{
					Name:      f.Name() + "_" + a.Name(),
					Type:      columnType(a.Datatype()),
					field:     f.Name(),
					attribute: a.Name(),
					datatype:  a.Datatype(),
				})
			}
		default:
			cols = append(cols, Column{Name: f.Name(), Type: columnType(f.Datatype()), field: f.Name(), datatype: f.Datatype()})
		}
	}
	return cols
}

func columnType(dt dataset.Datatype) string {
	switch dt {
	case dataset.DatatypeFloat:
		return "Nullable(Float64)"
	case dataset.DatatypeInteger:
		return "Nullable(Int64)"
	case dataset.DatatypeDate:
		return "Nullable(Date)"
	}
	return "Nullable(String)"
}

// CreateTableSQL renders the mirror table DDL.
func CreateTableSQL(ds *dataset.Dataset) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE TABLE IF NOT EXISTS %s (\n", clickhouse.QuoteIdent(TableName(ds)))
	for _, c := range Columns(ds) {
		fmt.Fprintf(&sb, "    %s %s,\n", clickhouse.QuoteIdent(c.Name), c.Type)
	}
	sb.WriteString("    `synced_at` DateTime64(3)\n")
	sb.WriteString(") ENGINE = ReplacingMergeTree(synced_at)\nORDER BY id")
	return sb.String()
}

// InsertSQL renders the batch insert statement.
func InsertSQL(ds *dataset.Dataset) string {
	cols := Columns(ds)
	names := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		names = append(names, clickhouse.QuoteIdent(c.Name))
	}
	names = append(names, "`synced_at`")
	return fmt.Sprintf("INSERT INTO %s (%s)", clickhouse.QuoteIdent(TableName(ds)), strings.Join(names, ", "))
}

// Row converts a denormalized entry into batch values matching cols, followed
// by the sync time. Missing values become NULL.
func Row(cols []Column, rec dataset.Record, syncedAt time.Time) ([]any, error) {
	out := make([]any, 0, len(cols)+1)
	for _, c := range cols {
		v := rec[c.field]
		if c.attribute != "" {
			nested, _ := v.(map[string]any)
			v = nested[c.attribute]
		}
		if c.field == "id" {
			out = append(out, fmt.Sprint(v))
			continue
		}
		cv, err := convert(c.datatype, v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		out = append(out, cv)
	}
	return append(out, syncedAt), nil
}

func convert(dt dataset.Datatype, v any) (any, error) {
	switch dt {
	case dataset.DatatypeFloat:
		if v == nil {
			return (*float64)(nil), nil
		}
		f, err := store.ToFloat(v)
		if err != nil {
			return nil, err
		}
		return &f, nil
	case dataset.DatatypeInteger:
		if v == nil {
			return (*int64)(nil), nil
		}
		n, err := store.ToInt(v)
		if err != nil {
			return nil, err
		}
		return &n, nil
	case dataset.DatatypeDate:
		if v == nil {
			return (*time.Time)(nil), nil
		}
		t, err := store.ToTime(v)
		if err != nil {
			return nil, err
		}
		return &t, nil
	}
	if v == nil {
		return (*string)(nil), nil
	}
	s := fmt.Sprint(v)
	return &s, nil
}
