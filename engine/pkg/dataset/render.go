package dataset

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/malbeclabs/spend/engine/pkg/store"
)

var errUnresolvedCollection = errors.New("collection id not resolved")

// renderer accumulates statement arguments so placeholders are numbered in the
// order they appear in the text.
type renderer struct {
	dl   store.Dialect
	args []any
}

func (r *renderer) bind(v any) string {
	r.args = append(r.args, bindValue(r.dl, v))
	return r.dl.Placeholder(len(r.args))
}

// SQL renders the plan as a single statement for the dialect. Collection ids are
// inlined as integer literals.
func (p *Plan) SQL(dl store.Dialect) (string, []any, error) {
	if p.fromCollection != "" && p.fromID == 0 {
		return "", nil, fmt.Errorf("%w: %s", errUnresolvedCollection, p.fromCollection)
	}
	if p.mode == ModeMaterialize && p.intoID == 0 {
		return "", nil, fmt.Errorf("%w: %s", errUnresolvedCollection, p.intoCollection)
	}

	r := &renderer{dl: dl}
	var sb strings.Builder
	entry := entryAlias(dl)
	membership := dl.Quote(p.schema.CollectionEntry)

	if p.mode == ModeMaterialize {
		fmt.Fprintf(&sb, "INSERT INTO %s (%s, %s) ", membership, dl.Quote("entry_id"), dl.Quote("collection_id"))
	}

	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(p.projection(dl), ", "))

	fmt.Fprintf(&sb, " FROM %s AS %s", dl.Quote(p.schema.Entry), entry)
	for _, c := range p.joins {
		fmt.Fprintf(&sb, " LEFT JOIN %s AS %s ON %s.%s = %s.%s",
			dl.Quote(c.scheme), dl.Quote(c.name),
			entry, dl.Quote(c.FKColumn()),
			dl.Quote(c.name), dl.Quote("id"))
	}

	var where []string
	if p.filter != nil {
		where = append(where, p.renderFilter(r, p.filter))
	}
	if p.mode == ModeMaterialize {
		where = append(where, fmt.Sprintf("%s.%s NOT IN (SELECT %s FROM %s WHERE %s = %d)",
			entry, dl.Quote("id"), dl.Quote("entry_id"), membership, dl.Quote("collection_id"), p.intoID))
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}

	if len(p.groupBy) > 0 {
		exprs := make([]string, len(p.groupBy))
		for i, g := range p.groupBy {
			exprs[i] = g.expr(dl)
		}
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(exprs, ", "))
	}

	if p.mode != ModeMaterialize && len(p.order) > 0 {
		terms := make([]string, len(p.order))
		for i, o := range p.order {
			dir := "ASC"
			if o.desc {
				dir = "DESC"
			}
			terms[i] = p.valueExpr(dl, o.ref) + " " + dir
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(terms, ", "))
	}

	if p.limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", p.limit)
		if p.offset > 0 {
			fmt.Fprintf(&sb, " OFFSET %d", p.offset)
		}
	}

	return sb.String(), r.args, nil
}

// valueExpr is the expression of a reference in the plan's mode: measures are
// summed in aggregate plans.
func (p *Plan) valueExpr(dl store.Dialect, r ref) string {
	if p.mode == ModeAggregate && r.measure() {
		return "SUM(" + r.expr(dl) + ")"
	}
	return r.expr(dl)
}

func (p *Plan) projection(dl store.Dialect) []string {
	entryID := entryAlias(dl) + "." + dl.Quote("id")
	if p.mode == ModeMaterialize {
		return []string{entryID, strconv.FormatInt(p.intoID, 10)}
	}

	var cols []string
	if p.mode != ModeAggregate {
		cols = append(cols, entryID+" AS "+dl.Quote("id"))
	}
	for _, c := range p.columns {
		cols = append(cols, p.valueExpr(dl, c)+" AS "+dl.Quote(c.name))
	}
	switch p.mode {
	case ModeAggregate:
		cols = append(cols,
			p.valueExpr(dl, p.measure)+" AS "+dl.Quote(p.measure.name),
			"COUNT("+entryID+") AS "+dl.Quote("num_entries"),
		)
	case ModeFlat:
		cols = append(cols, p.measure.expr(dl)+" AS "+dl.Quote(p.measure.name))
	}
	return cols
}

func (p *Plan) renderFilter(r *renderer, n filterNode) string {
	switch n := n.(type) {
	case andNode:
		return p.renderGroup(r, []filterNode(n), " AND ")
	case orNode:
		return p.renderGroup(r, []filterNode(n), " OR ")
	case memberNode:
		dl := r.dl
		return fmt.Sprintf("%s.%s IN (SELECT %s FROM %s WHERE %s = %d)",
			entryAlias(dl), dl.Quote("id"), dl.Quote("entry_id"), dl.Quote(p.schema.CollectionEntry), dl.Quote("collection_id"), p.fromID)
	case predicate:
		expr := n.ref.expr(r.dl)
		if n.value == nil {
			if n.op == OpNe {
				return expr + " IS NOT NULL"
			}
			return expr + " IS NULL"
		}
		return fmt.Sprintf("%s %s %s", expr, string(n.op), r.bind(n.value))
	}
	panic(fmt.Sprintf("unexpected filter node %T", n))
}

func (p *Plan) renderGroup(r *renderer, nodes []filterNode, sep string) string {
	parts := make([]string, len(nodes))
	for i, c := range nodes {
		parts[i] = p.renderFilter(r, c)
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, sep) + ")"
}
