package cache

import (
	"cmp"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"slices"

	"github.com/malbeclabs/spend/engine/pkg/dataset"
)

type fingerprintTerm struct {
	Field string          `json:"field"`
	Op    string          `json:"op,omitempty"`
	Value json.RawMessage `json:"value"`
}

func compareTerms(a, b fingerprintTerm) int {
	return cmp.Or(
		cmp.Compare(a.Field, b.Field),
		cmp.Compare(a.Op, b.Op),
		cmp.Compare(string(a.Value), string(b.Value)),
	)
}

type fingerprintQuery struct {
	Measure        string              `json:"measure"`
	Drilldowns     []string            `json:"drilldowns"`
	FromCollection string              `json:"from_collection"`
	Cuts           []fingerprintTerm   `json:"cuts"`
	Slice          [][]fingerprintTerm `json:"slice"`
	Order          []dataset.Order     `json:"order"`
	Aggregate      bool                `json:"aggregate"`
}

// Fingerprint returns the hex sha1 of a canonical encoding of the query. Queries
// that differ only in page, page size, or the order of drilldowns, cuts and
// slice terms share a fingerprint.
func Fingerprint(q dataset.Query) string {
	fq := fingerprintQuery{
		Measure:        cmp.Or(q.Measure, dataset.DefaultMeasure),
		Drilldowns:     slices.Sorted(slices.Values(q.Drilldowns)),
		FromCollection: q.FromCollection,
		Cuts:           make([]fingerprintTerm, 0, len(q.Cuts)),
		Slice:          make([][]fingerprintTerm, 0, len(q.Slice)),
		Order:          q.Order,
		Aggregate:      q.Aggregate,
	}
	if fq.Drilldowns == nil {
		fq.Drilldowns = []string{}
	}
	if fq.Order == nil {
		fq.Order = []dataset.Order{}
	}

	for _, c := range q.Cuts {
		fq.Cuts = append(fq.Cuts, fingerprintTerm{Field: c.Field, Value: canonicalValue(c.Value)})
	}
	slices.SortFunc(fq.Cuts, compareTerms)

	for _, conj := range q.Slice {
		terms := make([]fingerprintTerm, 0, len(conj))
		for _, p := range conj {
			op, ok := dataset.ParseOperator(p.Op)
			if !ok {
				op = dataset.Operator(p.Op)
			}
			terms = append(terms, fingerprintTerm{Field: p.Field, Op: string(op), Value: canonicalValue(p.Value)})
		}
		slices.SortFunc(terms, compareTerms)
		fq.Slice = append(fq.Slice, terms)
	}
	slices.SortFunc(fq.Slice, func(a, b []fingerprintTerm) int {
		return slices.CompareFunc(a, b, compareTerms)
	})

	// Every field is a string, bool, slice or raw JSON, so encoding cannot fail.
	data, _ := json.Marshal(fq)
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func canonicalValue(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return data
}
