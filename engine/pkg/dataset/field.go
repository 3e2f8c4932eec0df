package dataset

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/malbeclabs/spend/engine/pkg/store"
)

// Kind identifies the variant of a Field.
type Kind int

const (
	KindMeasure Kind = iota
	KindAttribute
	KindDate
	KindCompound
)

func (k Kind) String() string {
	switch k {
	case KindMeasure:
		return "measure"
	case KindAttribute:
		return "attribute"
	case KindDate:
		return "date"
	case KindCompound:
		return "compound"
	}
	return "unknown"
}

// Field is one dimension or measure of a dataset. The set of implementations is
// closed: *Measure, *AttributeDimension, *DateDimension and *CompoundDimension.
type Field interface {
	Name() string
	Label() string
	Kind() Kind
	Datatype() Datatype
	SourceColumn() string
	Key() bool

	entryColumns() []columnDef
	load(ctx context.Context, conn store.Conn, rec map[string]any) (loaded, error)
}

// loaded is the normalized form of one field of one record: the entry-table
// columns it sets and the natural values it contributes to the entry id.
type loaded struct {
	columns []assignment
	key     []any
}

type assignment struct {
	column string
	value  any
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

var reservedFieldNames = []string{"id", "entry", "num_entries"}

// valueSource describes where a scalar comes from in a raw record.
type valueSource struct {
	name         string
	column       string
	datatype     Datatype
	constant     any
	defaultValue any
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

// resolve reads and coerces the value for this source. owner names the field
// reported in load errors.
func (s *valueSource) resolve(owner string, rec map[string]any) (any, error) {
	if s.constant != nil {
		v, err := s.datatype.coerce(s.constant)
		if err != nil {
			return nil, &LoadError{Field: owner, Reason: fmt.Sprintf("invalid constant for %q", s.name), Err: err}
		}
		return v, nil
	}

	raw, ok := rec[s.column]
	if !ok || isBlank(raw) {
		if s.defaultValue != nil {
			raw = s.defaultValue
		} else if !ok {
			return nil, &LoadError{Field: owner, Reason: fmt.Sprintf("missing source column %q", s.column)}
		}
	}

	v, err := s.datatype.coerce(raw)
	if err != nil {
		return nil, &LoadError{Field: owner, Reason: fmt.Sprintf("invalid value in column %q", s.column), Err: err}
	}
	return v, nil
}

type fieldBase struct {
	valueSource
	label       string
	description string
	key         bool
}

func (f *fieldBase) Name() string         { return f.name }
func (f *fieldBase) Label() string        { return f.label }
func (f *fieldBase) Datatype() Datatype   { return f.datatype }
func (f *fieldBase) SourceColumn() string { return f.column }
func (f *fieldBase) Key() bool            { return f.key }
func (f *fieldBase) Description() string  { return f.description }

func (f *fieldBase) entryColumns() []columnDef {
	return []columnDef{{name: f.name, typ: f.datatype.columnType()}}
}

func (f *fieldBase) load(_ context.Context, _ store.Conn, rec map[string]any) (loaded, error) {
	v, err := f.resolve(f.name, rec)
	if err != nil {
		return loaded{}, err
	}
	return loaded{
		columns: []assignment{{column: f.name, value: v}},
		key:     []any{v},
	}, nil
}

// Measure is a numeric quantity stored on the entry table.
type Measure struct {
	fieldBase
}

func (*Measure) Kind() Kind { return KindMeasure }

// AttributeDimension is a single-valued dimension stored on the entry table.
type AttributeDimension struct {
	fieldBase
}

func (*AttributeDimension) Kind() Kind { return KindAttribute }

// DateDimension is a date stored on the entry table. Year, month and day are
// derived from it at query time.
type DateDimension struct {
	fieldBase
}

func (*DateDimension) Kind() Kind { return KindDate }

var dateParts = map[string]store.DatePart{
	"year":      store.PartYear,
	"yearmonth": store.PartYearMonth,
	"month":     store.PartMonth,
	"day":       store.PartDay,
}

// Attribute is one column of a compound dimension's lookup table.
type Attribute struct {
	valueSource
	label string
}

func (a *Attribute) Name() string       { return a.name }
func (a *Attribute) Label() string      { return a.label }
func (a *Attribute) Datatype() Datatype { return a.datatype }

// SourceColumn is the raw record column the attribute reads.
func (a *Attribute) SourceColumn() string { return a.column }

// CompoundDimension is a dimension backed by a lookup table keyed by the natural
// key of its attributes. The entry table references it through <name>_id.
type CompoundDimension struct {
	fieldBase
	attributes []*Attribute
	naturalKey []*Attribute
	taxonomy   string
	scheme     string
}

func (*CompoundDimension) Kind() Kind { return KindCompound }

// Attributes returns the attributes ordered by name.
func (c *CompoundDimension) Attributes() []*Attribute {
	return c.attributes
}

// Attribute looks up an attribute by name.
func (c *CompoundDimension) Attribute(name string) (*Attribute, bool) {
	for _, a := range c.attributes {
		if a.name == name {
			return a, true
		}
	}
	return nil, false
}

// NaturalKey returns the attributes identifying a lookup row.
func (c *CompoundDimension) NaturalKey() []*Attribute {
	return c.naturalKey
}

// Scheme is the storage identity of the lookup table; it is also the table name.
func (c *CompoundDimension) Scheme() string {
	return c.scheme
}

// Taxonomy tags records produced for this dimension.
func (c *CompoundDimension) Taxonomy() string {
	return c.taxonomy
}

// FKColumn is the entry-table column referencing the lookup table.
func (c *CompoundDimension) FKColumn() string {
	return c.name + "_id"
}

// labelAttribute is the attribute a whole-dimension reference compares against
// in cuts, slices and ordering.
func (c *CompoundDimension) labelAttribute() *Attribute {
	if a, ok := c.Attribute("name"); ok {
		return a
	}
	return c.naturalKey[0]
}

func (c *CompoundDimension) entryColumns() []columnDef {
	return []columnDef{{
		name: c.FKColumn(),
		typ:  store.TypeReference,
		ref:  &reference{table: c.scheme, column: "id"},
	}}
}

func (c *CompoundDimension) lookupTable() *tableDef {
	t := &tableDef{name: c.scheme, serialID: true}
	for _, a := range c.attributes {
		t.columns = append(t.columns, columnDef{name: a.name, typ: a.datatype.columnType()})
	}
	nk := make([]string, len(c.naturalKey))
	for i, a := range c.naturalKey {
		nk[i] = a.name
	}
	t.indexes = []indexDef{{name: c.scheme + "_natural_key", columns: nk, unique: true}}
	return t
}

// load resolves the record's attributes, upserts the lookup row by natural key
// and returns its surrogate id as the entry's foreign key.
func (c *CompoundDimension) load(ctx context.Context, conn store.Conn, rec map[string]any) (loaded, error) {
	values := make(map[string]any, len(c.attributes))
	for _, a := range c.attributes {
		v, err := a.resolve(c.name, rec)
		if err != nil {
			return loaded{}, err
		}
		values[a.name] = v
	}

	key := make([]any, len(c.naturalKey))
	for i, a := range c.naturalKey {
		v := values[a.name]
		if isBlank(v) {
			return loaded{}, &LoadError{Field: c.name, Reason: fmt.Sprintf("empty natural key attribute %q", a.name)}
		}
		key[i] = v
	}

	query, args := c.upsertSQL(conn.Dialect(), values)
	var id int64
	if err := conn.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return loaded{}, &LoadError{Field: c.name, Reason: "failed to resolve lookup row", Err: err}
	}

	return loaded{
		columns: []assignment{{column: c.FKColumn(), value: id}},
		key:     key,
	}, nil
}

func (c *CompoundDimension) upsertSQL(d store.Dialect, values map[string]any) (string, []any) {
	cols := make([]string, len(c.attributes))
	placeholders := make([]string, len(c.attributes))
	args := make([]any, len(c.attributes))
	var updates []string
	for i, a := range c.attributes {
		cols[i] = d.Quote(a.name)
		placeholders[i] = d.Placeholder(i + 1)
		args[i] = bindValue(d, values[a.name])
		if !slices.Contains(c.naturalKey, a) {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", cols[i], cols[i]))
		}
	}
	conflict := make([]string, len(c.naturalKey))
	for i, a := range c.naturalKey {
		conflict[i] = d.Quote(a.name)
	}
	if len(updates) == 0 {
		// DO NOTHING would suppress RETURNING for existing rows.
		updates = []string{fmt.Sprintf("%s = excluded.%s", conflict[0], conflict[0])}
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s RETURNING %s",
		d.Quote(c.scheme),
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(conflict, ", "),
		strings.Join(updates, ", "),
		d.Quote("id"),
	)
	return query, args
}

// newField builds the variant selected by the field spec.
func newField(dataset, name string, spec FieldSpec) (Field, error) {
	schemaErr := func(format string, args ...any) error {
		return &SchemaError{Dataset: dataset, Field: name, Reason: fmt.Sprintf(format, args...)}
	}

	if !identRe.MatchString(name) {
		return nil, schemaErr("invalid field name")
	}
	if slices.Contains(reservedFieldNames, name) {
		return nil, schemaErr("field name is reserved")
	}

	base := fieldBase{
		valueSource: valueSource{
			name:         name,
			column:       spec.Column,
			constant:     spec.Constant,
			defaultValue: spec.DefaultValue,
		},
		label:       spec.Label,
		description: spec.Description,
		key:         spec.Key,
	}
	if base.column == "" {
		base.column = name
	}
	if base.label == "" {
		base.label = name
	}

	typ := strings.ToLower(spec.Type)
	switch {
	case typ == "measure" || name == "amount":
		dt, ok := parseDatatype(spec.Datatype, DatatypeFloat)
		if !ok || !dt.numeric() {
			return nil, schemaErr("measure datatype must be float or integer, got %q", spec.Datatype)
		}
		base.datatype = dt
		return &Measure{fieldBase: base}, nil

	case typ == "date" || (name == "time" && strings.EqualFold(spec.Datatype, string(DatatypeDate))):
		base.datatype = DatatypeDate
		return &DateDimension{fieldBase: base}, nil

	case typ == "value" || typ == "attribute":
		dt, ok := parseDatatype(spec.Datatype, DatatypeString)
		if !ok {
			return nil, schemaErr("unknown datatype %q", spec.Datatype)
		}
		if dt == DatatypeConstant && spec.Constant == nil {
			return nil, schemaErr("constant datatype requires a constant")
		}
		base.datatype = dt
		return &AttributeDimension{fieldBase: base}, nil

	case typ == "compound" || typ == "entity" || typ == "classifier" || (typ == "" && len(spec.Attributes) > 0):
		return newCompoundDimension(dataset, base, spec)
	}

	return nil, schemaErr("unknown field type %q", spec.Type)
}

func newCompoundDimension(dataset string, base fieldBase, spec FieldSpec) (*CompoundDimension, error) {
	schemaErr := func(format string, args ...any) error {
		return &SchemaError{Dataset: dataset, Field: base.name, Reason: fmt.Sprintf(format, args...)}
	}
	if len(spec.Attributes) == 0 {
		return nil, schemaErr("compound dimension has no attributes")
	}

	base.datatype = DatatypeString
	c := &CompoundDimension{fieldBase: base}

	names := make([]string, 0, len(spec.Attributes))
	for n := range spec.Attributes {
		names = append(names, n)
	}
	slices.Sort(names)

	for _, n := range names {
		as := spec.Attributes[n]
		if !identRe.MatchString(n) || n == "id" || n == "taxonomy" {
			return nil, schemaErr("invalid attribute name %q", n)
		}
		dt, ok := parseDatatype(as.Datatype, DatatypeString)
		if !ok {
			return nil, schemaErr("attribute %q has unknown datatype %q", n, as.Datatype)
		}
		if dt == DatatypeConstant && as.Constant == nil {
			return nil, schemaErr("attribute %q: constant datatype requires a constant", n)
		}
		a := &Attribute{
			valueSource: valueSource{
				name:         n,
				column:       as.Column,
				datatype:     dt,
				constant:     as.Constant,
				defaultValue: as.DefaultValue,
			},
			label: as.Label,
		}
		if a.column == "" {
			a.column = base.name + "." + n
		}
		if a.label == "" {
			a.label = n
		}
		c.attributes = append(c.attributes, a)
	}

	for _, a := range c.attributes {
		if a.datatype == DatatypeID {
			c.naturalKey = append(c.naturalKey, a)
		}
	}
	if len(c.naturalKey) == 0 {
		if a, ok := c.Attribute("name"); ok {
			c.naturalKey = []*Attribute{a}
		} else {
			c.naturalKey = c.attributes
		}
	}

	c.taxonomy = spec.Taxonomy
	if c.taxonomy == "" {
		c.taxonomy = base.name
		c.scheme = dataset + "__" + base.name
	} else {
		if !identRe.MatchString(spec.Taxonomy) {
			return nil, schemaErr("invalid taxonomy %q", spec.Taxonomy)
		}
		c.scheme = spec.Taxonomy
	}
	return c, nil
}
