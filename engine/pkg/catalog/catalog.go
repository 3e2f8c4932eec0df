package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/spend/engine/pkg/dataset"
	"github.com/malbeclabs/spend/engine/pkg/store"
)

const table = "spend_dataset"

// ErrNotFound is returned when no dataset is registered under a name.
var ErrNotFound = errors.New("dataset not found in catalog")

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Catalog is the persisted registry of dataset mapping documents.
type Catalog struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Catalog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Catalog{log: cfg.Logger, cfg: cfg}, nil
}

// Entry is one registered dataset.
type Entry struct {
	Name      string    `json:"name"`
	Label     string    `json:"label"`
	Currency  string    `json:"currency"`
	Private   bool      `json:"private"`
	Mapping   []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Model decodes the stored mapping document.
func (e *Entry) Model() (*dataset.Model, error) {
	return dataset.ParseModel(e.Mapping)
}

// Save registers a model, replacing the mapping of an existing dataset with the
// same name. The model must build a valid dataset.
func (c *Catalog) Save(ctx context.Context, conn store.Conn, model *dataset.Model) (*Entry, error) {
	if _, err := dataset.New(dataset.Config{Logger: c.log, Model: model}); err != nil {
		return nil, err
	}
	doc, err := model.JSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode mapping of %s: %w", model.Dataset.Name, err)
	}

	dl := conn.Dialect()
	now := formatTime(c.cfg.Clock.Now())
	q := fmt.Sprintf(`INSERT INTO %s ("name", "label", "currency", "private", "mapping", "created_at", "updated_at")
VALUES (%s, %s, %s, %s, %s, %s, %s)
ON CONFLICT ("name") DO UPDATE SET "label" = excluded."label", "currency" = excluded."currency",
"private" = excluded."private", "mapping" = excluded."mapping", "updated_at" = excluded."updated_at"`,
		dl.Quote(table),
		dl.Placeholder(1), dl.Placeholder(2), dl.Placeholder(3), dl.Placeholder(4),
		dl.Placeholder(5), dl.Placeholder(6), dl.Placeholder(7))

	meta := model.Dataset
	if _, err := conn.Exec(ctx, q, meta.Name, meta.Label, meta.Currency, meta.Private, string(doc), now, now); err != nil {
		return nil, fmt.Errorf("failed to save dataset %s: %w", meta.Name, err)
	}

	c.log.Info("catalog: saved dataset", "dataset", meta.Name)
	return c.Get(ctx, conn, meta.Name)
}

const entryColumns = `"name", "label", "currency", "private", "mapping", "created_at", "updated_at"`

// Get returns the registered dataset with the given name.
func (c *Catalog) Get(ctx context.Context, conn store.Conn, name string) (*Entry, error) {
	dl := conn.Dialect()
	rows, err := conn.Query(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE "name" = %s`, entryColumns, dl.Quote(table), dl.Placeholder(1)), name)
	if err != nil {
		return nil, fmt.Errorf("failed to get dataset %s: %w", name, err)
	}
	values, err := store.ScanAll(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get dataset %s: %w", name, err)
	}
	if len(values) == 0 {
		return nil, ErrNotFound
	}
	return scanEntry(values[0])
}

// List returns every registered dataset ordered by name. Private datasets are
// included only when includePrivate is set.
func (c *Catalog) List(ctx context.Context, conn store.Conn, includePrivate bool) ([]*Entry, error) {
	rows, err := conn.Query(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY "name"`, entryColumns, conn.Dialect().Quote(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	values, err := store.ScanAll(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}

	out := make([]*Entry, 0, len(values))
	for _, row := range values {
		e, err := scanEntry(row)
		if err != nil {
			return nil, err
		}
		if e.Private && !includePrivate {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Delete unregisters a dataset. Its tables are left alone.
func (c *Catalog) Delete(ctx context.Context, conn store.Conn, name string) error {
	dl := conn.Dialect()
	n, err := conn.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE "name" = %s`, dl.Quote(table), dl.Placeholder(1)), name)
	if err != nil {
		return fmt.Errorf("failed to delete dataset %s: %w", name, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	c.log.Info("catalog: deleted dataset", "dataset", name)
	return nil
}

// Open builds the registered dataset.
func (c *Catalog) Open(ctx context.Context, conn store.Conn, name string) (*dataset.Dataset, error) {
	e, err := c.Get(ctx, conn, name)
	if err != nil {
		return nil, err
	}
	model, err := e.Model()
	if err != nil {
		return nil, err
	}
	return dataset.New(dataset.Config{Logger: c.log, Clock: c.cfg.Clock, Model: model})
}

func scanEntry(row []any) (*Entry, error) {
	private, err := toBool(row[3])
	if err != nil {
		return nil, fmt.Errorf("failed to read private flag: %w", err)
	}
	created, err := store.ToTime(row[5])
	if err != nil {
		return nil, fmt.Errorf("failed to read created_at: %w", err)
	}
	updated, err := store.ToTime(row[6])
	if err != nil {
		return nil, fmt.Errorf("failed to read updated_at: %w", err)
	}
	return &Entry{
		Name:      fmt.Sprint(row[0]),
		Label:     fmt.Sprint(row[1]),
		Currency:  fmt.Sprint(row[2]),
		Private:   private,
		Mapping:   []byte(fmt.Sprint(row[4])),
		CreatedAt: created.UTC(),
		UpdatedAt: updated.UTC(),
	}, nil
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case nil:
		return false, nil
	}
	n, err := store.ToInt(v)
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
