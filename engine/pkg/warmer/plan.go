package warmer

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/malbeclabs/spend/engine/pkg/dataset"
)

// Plan maps dataset names to the queries kept warm for them.
type Plan map[string][]dataset.Query

// ReadPlan decodes a JSON plan:
//
//	{"budget": [{"drilldowns": ["year"], "aggregate": true}]}
func ReadPlan(r io.Reader) (Plan, error) {
	var p Plan
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode warm plan: %w", err)
	}
	return p, nil
}

// DefaultQueries are warmed for datasets the plan does not mention: the grand
// total and, when the dataset has its default time dimension, totals per year.
func DefaultQueries(ds *dataset.Dataset) []dataset.Query {
	out := []dataset.Query{{Aggregate: true}}
	if f, ok := ds.Field(ds.DefaultTime()); ok && f.Kind() == dataset.KindDate {
		out = append(out, dataset.Query{Drilldowns: []string{"year"}, Aggregate: true})
	}
	return out
}
