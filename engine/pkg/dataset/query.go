package dataset

import (
	"fmt"
	"math"
	"strings"
)

const (
	// DefaultMeasure is queried when a query names no measure.
	DefaultMeasure = "amount"

	// DefaultPageSize applies when a query names no page size.
	DefaultPageSize = 10000

	// Unbounded is a page size that returns every result on one page.
	Unbounded = math.MaxInt32
)

// Operator is a slice comparison operator.
type Operator string

const (
	OpEq Operator = "="
	OpNe Operator = "!="
	OpGt Operator = ">"
	OpLt Operator = "<"
	OpGe Operator = ">="
	OpLe Operator = "<="
)

var operators = map[string]Operator{
	"=":  OpEq,
	":":  OpEq,
	"!=": OpNe,
	"!":  OpNe,
	">":  OpGt,
	"<":  OpLt,
	">=": OpGe,
	">:": OpGe,
	"<=": OpLe,
	"<:": OpLe,
}

// ParseOperator accepts the comparison operators and their legacy spellings
// (":" "!" ">:" "<:").
func ParseOperator(s string) (Operator, bool) {
	op, ok := operators[strings.TrimSpace(s)]
	return op, ok
}

// Cut is an equality filter. Cuts on the same field are ORed, cuts on different
// fields are ANDed.
type Cut struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// Predicate is one comparison of a slice. Op is kept as written and validated
// when the query is compiled.
type Predicate struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// Order is one sort key.
type Order struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Filter restricts the entries a query, a materialization or an iteration sees.
// Slice is a disjunction of conjunctions.
type Filter struct {
	Cuts           []Cut         `json:"cuts,omitempty"`
	Slice          [][]Predicate `json:"slice,omitempty"`
	FromCollection string        `json:"from_collection,omitempty"`
}

// Query is the request shape of Select and Aggregate.
type Query struct {
	Filter

	Measure        string   `json:"measure,omitempty"`
	Drilldowns     []string `json:"drilldowns,omitempty"`
	Order          []Order  `json:"order,omitempty"`
	Page           int      `json:"page,omitempty"`
	PageSize       int      `json:"pagesize,omitempty"`
	Aggregate      bool     `json:"aggregate,omitempty"`
	IntoCollection string   `json:"into_collection,omitempty"`
}

func (q Query) withDefaults() Query {
	if q.Measure == "" {
		q.Measure = DefaultMeasure
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	return q
}

// ParseCut parses "field:value".
func ParseCut(s string) (Cut, error) {
	field, value, ok := strings.Cut(s, ":")
	if !ok || strings.TrimSpace(field) == "" {
		return Cut{}, fmt.Errorf("invalid cut %q: expected field:value", s)
	}
	return Cut{Field: strings.TrimSpace(field), Value: value}, nil
}

// ParseCuts parses a "|"-separated list of cuts.
func ParseCuts(s string) ([]Cut, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var cuts []Cut
	for _, part := range strings.Split(s, "|") {
		c, err := ParseCut(part)
		if err != nil {
			return nil, err
		}
		cuts = append(cuts, c)
	}
	return cuts, nil
}

// operatorTokens is ordered so that two-character operators match first.
var operatorTokens = []string{"!=", ">=", "<=", ">:", "<:", "=", ":", "!", ">", "<"}

// ParsePredicate parses a comparison such as "amount>200" or "to.name!acorp".
// The operator is the first operator token after the field name.
func ParsePredicate(s string) (Predicate, error) {
	idx := strings.IndexAny(s, "=:!<>")
	if idx <= 0 {
		return Predicate{}, fmt.Errorf("invalid predicate %q", s)
	}
	rest := s[idx:]
	for _, tok := range operatorTokens {
		if strings.HasPrefix(rest, tok) {
			return Predicate{
				Field: strings.TrimSpace(s[:idx]),
				Op:    tok,
				Value: rest[len(tok):],
			}, nil
		}
	}
	return Predicate{}, fmt.Errorf("invalid predicate %q", s)
}

// ParseSlice parses conjunctions separated by "|", each a ";"-separated list of
// predicates: "amount>200;field:foo|year:2009;to.name!acorp".
func ParseSlice(s string) ([][]Predicate, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var slice [][]Predicate
	for _, group := range strings.Split(s, "|") {
		var and []Predicate
		for _, term := range strings.Split(group, ";") {
			if strings.TrimSpace(term) == "" {
				continue
			}
			p, err := ParsePredicate(term)
			if err != nil {
				return nil, err
			}
			and = append(and, p)
		}
		if len(and) > 0 {
			slice = append(slice, and)
		}
	}
	return slice, nil
}

// ParseOrder parses "field" or "field:desc"/"field:asc".
func ParseOrder(s string) (Order, error) {
	field, dir, _ := strings.Cut(s, ":")
	field = strings.TrimSpace(field)
	if field == "" {
		return Order{}, fmt.Errorf("invalid order %q", s)
	}
	switch strings.ToLower(strings.TrimSpace(dir)) {
	case "", "asc":
		return Order{Field: field}, nil
	case "desc":
		return Order{Field: field, Desc: true}, nil
	}
	return Order{}, fmt.Errorf("invalid order direction in %q", s)
}
