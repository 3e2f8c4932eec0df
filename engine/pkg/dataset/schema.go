package dataset

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/spend/engine/pkg/store"
)

// SchemeUsageTable records which dataset dimensions use each lookup-table scheme.
// A lookup table is dropped only when its last user goes away.
const SchemeUsageTable = "spend_scheme_usage"

type reference struct {
	table   string
	column  string
	cascade bool
}

type columnDef struct {
	name    string
	typ     store.ColumnType
	notNull bool
	ref     *reference
}

func (c columnDef) sql(d store.Dialect) string {
	s := d.Quote(c.name) + " " + d.ColumnType(c.typ)
	if c.notNull {
		s += " NOT NULL"
	}
	if c.ref != nil {
		s += fmt.Sprintf(" REFERENCES %s (%s)", d.Quote(c.ref.table), d.Quote(c.ref.column))
		if c.ref.cascade {
			s += " ON DELETE CASCADE"
		}
	}
	return s
}

type indexDef struct {
	name    string
	columns []string
	unique  bool
}

func (ix indexDef) sql(d store.Dialect, table string) string {
	cols := make([]string, len(ix.columns))
	for i, c := range ix.columns {
		cols[i] = d.Quote(c)
	}
	unique := ""
	if ix.unique {
		unique = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)", unique, d.Quote(ix.name), d.Quote(table), strings.Join(cols, ", "))
}

// tableDef describes one physical table. serialID adds an auto-increment integer
// primary key named id.
type tableDef struct {
	name       string
	serialID   bool
	columns    []columnDef
	primaryKey []string
	indexes    []indexDef
}

func (t *tableDef) createSQL(d store.Dialect) string {
	var parts []string
	if t.serialID {
		parts = append(parts, d.Quote("id")+" "+d.SerialPrimaryKey())
	}
	for _, c := range t.columns {
		parts = append(parts, c.sql(d))
	}
	if len(t.primaryKey) > 0 {
		pk := make([]string, len(t.primaryKey))
		for i, c := range t.primaryKey {
			pk[i] = d.Quote(c)
		}
		parts = append(parts, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(pk, ", ")))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", d.Quote(t.name), strings.Join(parts, ",\n\t"))
}

// addColumnSQL adds a column to a reflected table. Added columns are nullable
// since existing rows have no value for them.
func (t *tableDef) addColumnSQL(d store.Dialect, c columnDef) string {
	c.notNull = false
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", d.Quote(t.name), c.sql(d))
}

// columnNames lists the table's columns, including the serial id.
func (t *tableDef) columnNames() []string {
	var names []string
	if t.serialID {
		names = append(names, "id")
	}
	for _, c := range t.columns {
		names = append(names, c.name)
	}
	return names
}

// Schema is the arena of table descriptors of one dataset, indexed by table name.
type Schema struct {
	Entry           string
	Collection      string
	CollectionEntry string
	Lookups         []string

	tables map[string]*tableDef
	order  []string
}

func (s *Schema) add(t *tableDef) {
	if _, ok := s.tables[t.name]; ok {
		return
	}
	s.tables[t.name] = t
	s.order = append(s.order, t.name)
}

func (s *Schema) table(name string) *tableDef {
	return s.tables[name]
}

// Tables returns every table name in creation order.
func (s *Schema) Tables() []string {
	return append([]string(nil), s.order...)
}

// CreateSQL renders the DDL statements that create the schema from scratch.
func (s *Schema) CreateSQL(d store.Dialect) []string {
	var stmts []string
	for _, name := range s.order {
		t := s.tables[name]
		stmts = append(stmts, t.createSQL(d))
		for _, ix := range t.indexes {
			stmts = append(stmts, ix.sql(d, t.name))
		}
	}
	return stmts
}

func schemeUsageTable() *tableDef {
	return &tableDef{
		name: SchemeUsageTable,
		columns: []columnDef{
			{name: "scheme", typ: store.TypeText, notNull: true},
			{name: "dataset", typ: store.TypeText, notNull: true},
			{name: "dimension", typ: store.TypeText, notNull: true},
		},
		primaryKey: []string{"scheme", "dataset", "dimension"},
	}
}

// buildSchema derives the table descriptors for a dataset from its fields.
func buildSchema(dataset string, fields []Field) *Schema {
	s := &Schema{
		Entry:           dataset + "__entry",
		Collection:      dataset + "__entry_collection",
		CollectionEntry: dataset + "__entry_collection_entry",
		tables:          make(map[string]*tableDef),
	}

	for _, f := range fields {
		if c, ok := f.(*CompoundDimension); ok {
			if _, seen := s.tables[c.scheme]; !seen {
				s.Lookups = append(s.Lookups, c.scheme)
			}
			s.add(c.lookupTable())
		}
	}

	entry := &tableDef{
		name:       s.Entry,
		columns:    []columnDef{{name: "id", typ: store.TypeEntryID, notNull: true}},
		primaryKey: []string{"id"},
	}
	for _, f := range fields {
		entry.columns = append(entry.columns, f.entryColumns()...)
		if c, ok := f.(*CompoundDimension); ok {
			entry.indexes = append(entry.indexes, indexDef{
				name:    fmt.Sprintf("%s_%s_idx", s.Entry, c.FKColumn()),
				columns: []string{c.FKColumn()},
			})
		}
	}
	s.add(entry)

	s.add(&tableDef{
		name:     s.Collection,
		serialID: true,
		columns: []columnDef{
			{name: "name", typ: store.TypeText, notNull: true},
			{name: "label", typ: store.TypeText},
			{name: "description", typ: store.TypeText},
			{name: "created_at", typ: store.TypeTimestamp},
			{name: "updated_at", typ: store.TypeTimestamp},
		},
		indexes: []indexDef{{name: s.Collection + "_name_key", columns: []string{"name"}, unique: true}},
	})

	s.add(&tableDef{
		name: s.CollectionEntry,
		columns: []columnDef{
			{name: "entry_id", typ: store.TypeEntryID, notNull: true, ref: &reference{table: s.Entry, column: "id", cascade: true}},
			{name: "collection_id", typ: store.TypeReference, notNull: true, ref: &reference{table: s.Collection, column: "id", cascade: true}},
		},
		primaryKey: []string{"entry_id", "collection_id"},
		indexes:    []indexDef{{name: s.CollectionEntry + "_collection_idx", columns: []string{"collection_id"}}},
	})

	return s
}
