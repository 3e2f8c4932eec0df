package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/spend/engine/pkg/store"
)

var datasetNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Model  *Model
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Model == nil {
		return errors.New("model is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Dataset is a dimensional model built from a mapping document. Every operation
// that touches storage takes the connection to use.
type Dataset struct {
	log   *slog.Logger
	clock clockwork.Clock
	model *Model

	mu       sync.RWMutex
	fields   []Field
	byName   map[string]Field
	schema   *Schema
	keyNames []string

	generated atomic.Bool
}

func New(cfg Config) (*Dataset, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Dataset{
		log:   cfg.Logger,
		clock: cfg.Clock,
		model: cfg.Model,
	}
	if err := d.Init(); err != nil {
		return nil, err
	}
	return d, nil
}

// FromMapping parses a JSON mapping document and builds the dataset.
func FromMapping(log *slog.Logger, doc []byte) (*Dataset, error) {
	model, err := ParseModel(doc)
	if err != nil {
		return nil, err
	}
	return New(Config{Logger: log, Model: model})
}

// Init derives the field list and the table descriptors from the model. It is
// safe to call repeatedly.
func (d *Dataset) Init() error {
	name := d.model.Dataset.Name
	if !datasetNameRe.MatchString(name) || strings.Contains(name, "__") {
		return &SchemaError{Dataset: name, Reason: "invalid dataset name"}
	}

	names := make([]string, 0, len(d.model.Mapping))
	for n := range d.model.Mapping {
		names = append(names, n)
	}
	slices.Sort(names)

	var dims, measures []Field
	for _, n := range names {
		f, err := newField(name, n, d.model.Mapping[n])
		if err != nil {
			return err
		}
		if f.Kind() == KindMeasure {
			measures = append(measures, f)
		} else {
			dims = append(dims, f)
		}
	}
	fields := slices.Concat(dims, measures)

	byName := make(map[string]Field, len(fields))
	columns := map[string]string{"id": "id"}
	for _, f := range fields {
		byName[f.Name()] = f
		for _, c := range f.entryColumns() {
			if owner, ok := columns[c.name]; ok {
				return &SchemaError{Dataset: name, Field: f.Name(), Reason: fmt.Sprintf("column %q collides with %q", c.name, owner)}
			}
			columns[c.name] = f.Name()
		}
	}

	if dt := d.model.Dataset.DefaultTime; dt != "" {
		if f, ok := byName[dt]; !ok || f.Kind() != KindDate {
			return &SchemaError{Dataset: name, Field: dt, Reason: "default time must name a date dimension"}
		}
	}

	var keyNames []string
	for _, f := range fields {
		if f.Key() {
			keyNames = append(keyNames, f.Name())
		}
	}
	if len(keyNames) == 0 {
		for _, f := range dims {
			keyNames = append(keyNames, f.Name())
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.fields = fields
	d.byName = byName
	d.keyNames = keyNames
	d.schema = buildSchema(name, fields)

	d.log.Debug("dataset: initialized", "dataset", name, "fields", len(fields), "tables", len(d.schema.order))
	return nil
}

func (d *Dataset) Name() string        { return d.model.Dataset.Name }
func (d *Dataset) Label() string       { return d.model.Dataset.Label }
func (d *Dataset) Description() string { return d.model.Dataset.Description }
func (d *Dataset) Currency() string    { return d.model.Dataset.Currency }
func (d *Dataset) Private() bool       { return d.model.Dataset.Private }
func (d *Dataset) Model() *Model       { return d.model }

// DefaultTime names the date dimension behind the year and month aliases.
func (d *Dataset) DefaultTime() string {
	if d.model.Dataset.DefaultTime != "" {
		return d.model.Dataset.DefaultTime
	}
	return "time"
}

// Fields returns dimensions followed by measures, each group ordered by name.
func (d *Dataset) Fields() []Field {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Field(nil), d.fields...)
}

func (d *Dataset) Field(name string) (Field, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, ok := d.byName[name]
	return f, ok
}

func (d *Dataset) Dimensions() []Field {
	return slices.DeleteFunc(d.Fields(), func(f Field) bool { return f.Kind() == KindMeasure })
}

func (d *Dataset) Measures() []Field {
	return slices.DeleteFunc(d.Fields(), func(f Field) bool { return f.Kind() != KindMeasure })
}

// KeyFields names the fields hashed into entry ids.
func (d *Dataset) KeyFields() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.keyNames...)
}

func (d *Dataset) Schema() *Schema {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.schema
}

// Len returns the number of entries. An ungenerated dataset has none.
func (d *Dataset) Len(ctx context.Context, conn store.Conn) (int64, error) {
	ok, err := d.IsGenerated(ctx, conn)
	if err != nil || !ok {
		return 0, err
	}
	var n int64
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s", conn.Dialect().Quote(d.Schema().Entry))
	if err := conn.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, &QueryError{Op: "count", Err: err}
	}
	return n, nil
}

// Times returns the distinct years of the default time dimension, ascending.
func (d *Dataset) Times(ctx context.Context, conn store.Conn) ([]string, error) {
	f, ok := d.Field(d.DefaultTime())
	if !ok || f.Kind() != KindDate {
		return nil, &UnknownFieldError{Field: d.DefaultTime()}
	}
	ok, err := d.IsGenerated(ctx, conn)
	if err != nil || !ok {
		return nil, err
	}

	dl := conn.Dialect()
	year := dl.DatePart(dl.Quote(f.Name()), store.PartYear)
	q := fmt.Sprintf("SELECT DISTINCT %s AS y FROM %s WHERE %s IS NOT NULL ORDER BY y",
		year, dl.Quote(d.Schema().Entry), dl.Quote(f.Name()))
	rows, err := conn.Query(ctx, q)
	if err != nil {
		return nil, &QueryError{Op: "times", Err: err}
	}
	values, err := store.ScanAll(rows)
	if err != nil {
		return nil, &QueryError{Op: "times", Err: err}
	}
	years := make([]string, 0, len(values))
	for _, v := range values {
		years = append(years, fmt.Sprint(v[0]))
	}
	return years, nil
}
