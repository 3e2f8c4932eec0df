package dataset

import (
	"errors"
	"slices"
	"strings"

	"github.com/malbeclabs/spend/engine/pkg/store"
)

// Mode selects the projection of a plan.
type Mode int

const (
	ModeFlat Mode = iota
	ModeAggregate
	ModeMaterialize
	ModeEntries
)

func (m Mode) String() string {
	switch m {
	case ModeFlat:
		return "select"
	case ModeAggregate:
		return "aggregate"
	case ModeMaterialize:
		return "materialize"
	case ModeEntries:
		return "entries"
	}
	return "unknown"
}

var errNullComparison = errors.New("empty value cannot be ordered")

// ref is a resolved field reference.
type ref struct {
	name  string
	field Field
	attr  *Attribute
	part  store.DatePart
	id    bool
}

// compound returns the dimension this reference needs joined, if any.
func (r ref) compound() *CompoundDimension {
	c, _ := r.field.(*CompoundDimension)
	return c
}

// whole reports a reference to a compound dimension without an attribute.
func (r ref) whole() bool {
	return r.compound() != nil && r.attr == nil
}

func (r ref) measure() bool {
	return !r.id && r.field.Kind() == KindMeasure
}

// datatype is the type query values are coerced to before comparison.
func (r ref) datatype() Datatype {
	switch {
	case r.id:
		return DatatypeString
	case r.part != "":
		return DatatypeString
	case r.attr != nil:
		return r.attr.datatype
	case r.whole():
		return r.compound().labelAttribute().datatype
	}
	return r.field.Datatype()
}

// expr renders the scalar column expression of the reference. A whole compound
// renders its label attribute.
func (r ref) expr(dl store.Dialect) string {
	switch {
	case r.id:
		return entryAlias(dl) + "." + dl.Quote("id")
	case r.compound() != nil:
		a := r.attr
		if a == nil {
			a = r.compound().labelAttribute()
		}
		return dl.Quote(r.field.Name()) + "." + dl.Quote(a.name)
	case r.part != "":
		return dl.DatePart(entryAlias(dl)+"."+dl.Quote(r.field.Name()), r.part)
	}
	return entryAlias(dl) + "." + dl.Quote(r.field.Name())
}

// columns expands the reference into projected columns. A whole compound
// contributes every attribute, labelled "<dimension>.<attribute>".
func (r ref) columns() []ref {
	if !r.whole() {
		return []ref{r}
	}
	c := r.compound()
	out := make([]ref, 0, len(c.attributes))
	for _, a := range c.attributes {
		out = append(out, ref{name: c.name + "." + a.name, field: c, attr: a})
	}
	return out
}

func entryAlias(dl store.Dialect) string {
	return dl.Quote("entry")
}

// resolve maps a field name as written in a query to a reference. Real fields
// shadow the virtual aliases id, year and month.
func (d *Dataset) resolve(name string) (ref, error) {
	if f, ok := d.Field(name); ok {
		return ref{name: name, field: f}, nil
	}

	if base, sub, ok := strings.Cut(name, "."); ok {
		if f, ok := d.Field(base); ok {
			switch f := f.(type) {
			case *CompoundDimension:
				if a, ok := f.Attribute(sub); ok {
					return ref{name: name, field: f, attr: a}, nil
				}
			case *DateDimension:
				if part, ok := dateParts[sub]; ok {
					return ref{name: name, field: f, part: part}, nil
				}
			}
		}
		return ref{}, &UnknownFieldError{Field: name}
	}

	switch name {
	case "id":
		return ref{name: name, id: true}, nil
	case "year", "month":
		f, ok := d.Field(d.DefaultTime())
		if !ok || f.Kind() != KindDate {
			break
		}
		part := store.PartYear
		if name == "month" {
			part = store.PartYearMonth
		}
		return ref{name: name, field: f, part: part}, nil
	}
	return ref{}, &UnknownFieldError{Field: name}
}

type predicate struct {
	ref   ref
	op    Operator
	value any
}

// filterNode is a boolean expression over entries.
type filterNode interface {
	isFilter()
}

type andNode []filterNode
type orNode []filterNode

func (andNode) isFilter()   {}
func (orNode) isFilter()    {}
func (predicate) isFilter() {}

// memberNode restricts entries to the members of the source collection.
type memberNode struct{}

func (memberNode) isFilter() {}

type orderTerm struct {
	ref  ref
	desc bool
}

// Plan is the compiled, storage-independent form of a query. Plans are
// immutable; WithCollectionIDs returns a copy.
type Plan struct {
	mode    Mode
	dataset string
	schema  *Schema
	measure ref

	joins   []*CompoundDimension
	columns []ref
	groupBy []ref
	filter  filterNode
	order   []orderTerm

	fromCollection string
	intoCollection string
	fromID         int64
	intoID         int64

	limit  int
	offset int
}

func (p *Plan) Mode() Mode { return p.mode }

// Columns lists the labels of the projected columns, in projection order.
func (p *Plan) Columns() []string {
	var labels []string
	switch p.mode {
	case ModeMaterialize:
		return []string{"entry_id", "collection_id"}
	case ModeFlat, ModeEntries:
		labels = append(labels, "id")
	}
	for _, c := range p.columns {
		labels = append(labels, c.name)
	}
	switch p.mode {
	case ModeAggregate:
		labels = append(labels, p.measure.name, "num_entries")
	case ModeFlat:
		labels = append(labels, p.measure.name)
	}
	return labels
}

// FromCollection and IntoCollection name the collections the plan reads from and
// writes into. Their ids must be supplied with WithCollectionIDs before
// rendering.
func (p *Plan) FromCollection() string { return p.fromCollection }
func (p *Plan) IntoCollection() string { return p.intoCollection }

func (p *Plan) WithCollectionIDs(from, into int64) *Plan {
	cp := *p
	cp.fromID = from
	cp.intoID = into
	return &cp
}

// WithWindow returns a copy limited to limit rows starting at offset. The
// offset only applies with a positive limit.
func (p *Plan) WithWindow(limit, offset int) *Plan {
	cp := *p
	cp.limit = limit
	cp.offset = offset
	return &cp
}

// Compile builds the plan of a Select or Aggregate query without touching
// storage. Every unknown field, bad operator and uncoercible value is reported
// in one QueryErrors.
func (d *Dataset) Compile(q Query) (*Plan, error) {
	q = q.withDefaults()
	mode := ModeFlat
	switch {
	case q.IntoCollection != "":
		mode = ModeMaterialize
	case q.Aggregate:
		mode = ModeAggregate
	}
	return d.compile(mode, q.Measure, q.Drilldowns, q.Filter, q.Order, q.IntoCollection)
}

func (d *Dataset) compileEntries(f Filter, order []Order) (*Plan, error) {
	return d.compile(ModeEntries, "", nil, f, order, "")
}

func (d *Dataset) compile(mode Mode, measure string, drilldowns []string, f Filter, order []Order, into string) (*Plan, error) {
	var errs QueryErrors
	p := &Plan{
		mode:           mode,
		dataset:        d.Name(),
		schema:         d.Schema(),
		fromCollection: f.FromCollection,
		intoCollection: into,
	}

	resolve := func(name string) (ref, bool) {
		r, err := d.resolve(name)
		if err != nil {
			errs = append(errs, err)
			return ref{}, false
		}
		return r, true
	}

	if mode == ModeFlat || mode == ModeAggregate {
		if r, ok := resolve(measure); ok {
			if !r.measure() {
				errs = append(errs, &UnknownFieldError{Field: measure})
			}
			p.measure = r
		}
	}

	var joined []*CompoundDimension
	join := func(r ref) {
		if c := r.compound(); c != nil && !slices.Contains(joined, c) {
			joined = append(joined, c)
		}
	}

	// Flat and entries plans always project the entry id.
	seen := map[string]bool{}
	if mode != ModeAggregate {
		seen["id"] = true
	}
	var grouped []ref
	group := func(r ref) {
		if r.measure() {
			return
		}
		join(r)
		for _, c := range r.columns() {
			if seen[c.name] {
				continue
			}
			seen[c.name] = true
			grouped = append(grouped, c)
		}
	}

	for _, name := range drilldowns {
		if r, ok := resolve(name); ok {
			group(r)
		}
	}

	var cutFields []string
	cuts := map[string]orNode{}
	for _, c := range f.Cuts {
		r, ok := resolve(c.Field)
		if !ok {
			continue
		}
		group(r)
		pred, err := newPredicate(r, OpEq, c.Value)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, ok := cuts[c.Field]; !ok {
			cutFields = append(cutFields, c.Field)
		}
		cuts[c.Field] = append(cuts[c.Field], pred)
	}

	var filters andNode
	for _, name := range cutFields {
		filters = append(filters, cuts[name])
	}

	var slice orNode
	var sliceRefs []ref
	for _, conj := range f.Slice {
		var and andNode
		for _, term := range conj {
			r, ok := resolve(term.Field)
			if !ok {
				continue
			}
			op, ok := ParseOperator(term.Op)
			if !ok {
				errs = append(errs, &InvalidOperatorError{Field: term.Field, Operator: term.Op})
				continue
			}
			join(r)
			sliceRefs = append(sliceRefs, r)
			pred, err := newPredicate(r, op, term.Value)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			and = append(and, pred)
		}
		if len(and) > 0 {
			slice = append(slice, and)
		}
	}
	if len(slice) > 0 {
		filters = append(filters, slice)
	}
	if f.FromCollection != "" {
		filters = append(filters, memberNode{})
	}

	for _, o := range order {
		r, ok := resolve(o.Field)
		if !ok {
			continue
		}
		if mode == ModeAggregate || mode == ModeFlat {
			group(r)
		} else {
			join(r)
		}
		p.order = append(p.order, orderTerm{ref: r, desc: o.Desc})
	}

	if err := errs.orNil(); err != nil {
		return nil, err
	}

	switch mode {
	case ModeAggregate:
		p.columns = grouped
		p.groupBy = grouped
		if len(p.order) == 0 {
			p.order = append(p.order, orderTerm{ref: p.measure, desc: true})
			// Ties break by column name, independent of the drilldown order.
			tie := slices.Clone(grouped)
			slices.SortFunc(tie, func(a, b ref) int { return strings.Compare(a.name, b.name) })
			for _, g := range tie {
				p.order = append(p.order, orderTerm{ref: g})
			}
		}
	case ModeFlat:
		for _, r := range sliceRefs {
			group(r)
		}
		p.columns = grouped
		if len(p.order) == 0 {
			p.order = append(p.order, orderTerm{ref: p.measure, desc: true})
		}
		p.order = append(p.order, orderTerm{ref: ref{name: "id", id: true}})
	case ModeEntries:
		for _, field := range d.Fields() {
			group(ref{name: field.Name(), field: field})
			if field.Kind() == KindMeasure {
				p.columns = append(p.columns, ref{name: field.Name(), field: field})
			}
		}
		p.columns = append(grouped, p.columns...)
		p.order = append(p.order, orderTerm{ref: ref{name: "id", id: true}})
	}

	p.joins = joined
	if len(filters) > 0 {
		p.filter = filters
	}
	return p, nil
}

// newPredicate coerces the compared value to the datatype of the reference.
func newPredicate(r ref, op Operator, value any) (predicate, error) {
	v, err := r.datatype().coerce(value)
	if err != nil {
		return predicate{}, &InvalidValueError{Field: r.name, Value: value, Err: err}
	}
	if v == nil && op != OpEq && op != OpNe {
		return predicate{}, &InvalidValueError{Field: r.name, Value: value, Err: errNullComparison}
	}
	return predicate{ref: r, op: op, value: v}, nil
}
