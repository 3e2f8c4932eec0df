package dataset_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/spend/engine/pkg/dataset"
	"github.com/malbeclabs/spend/engine/pkg/store"
	storetesting "github.com/malbeclabs/spend/engine/pkg/store/testing"
	spendtesting "github.com/malbeclabs/spend/utils/pkg/testing"
)

const fixtureMapping = `{
  "dataset": {"name": "test", "label": "Test Case Model", "currency": "EUR"},
  "mapping": {
    "time": {"type": "date", "label": "Year", "column": "year", "datatype": "date", "key": true},
    "field": {"type": "value", "label": "Field", "column": "field", "datatype": "string", "key": true},
    "amount": {"type": "measure", "label": "Amount", "column": "amount", "datatype": "float"},
    "to": {"type": "entity", "label": "Einzelplan", "key": true, "attributes": {
      "name": {"column": "to_name", "datatype": "id"},
      "label": {"column": "to_label", "datatype": "string"}
    }},
    "function": {"type": "classifier", "taxonomy": "funny", "label": "Function", "key": true, "attributes": {
      "name": {"column": "func_name", "datatype": "id"},
      "label": {"column": "func_label", "datatype": "string"}
    }}
  }
}`

var fixtureRecords = []map[string]any{
	{"year": "2010", "field": "foo", "amount": "500", "to_name": "acorp", "to_label": "A Corp", "func_name": "xx", "func_label": "Extra"},
	{"year": "2010", "field": "foo", "amount": "300", "to_name": "bcorp", "to_label": "B Corp", "func_name": "yy", "func_label": "Why"},
	{"year": "2010", "field": "foo", "amount": "200", "to_name": "ccorp", "to_label": "C Corp", "func_name": "xx", "func_label": "Extra"},
	{"year": "2009", "field": "bar", "amount": "190", "to_name": "bcorp", "to_label": "B Corp", "func_name": "yy", "func_label": "Why"},
	{"year": "2009", "field": "qux", "amount": "900", "to_name": "acorp", "to_label": "A Corp", "func_name": "yy", "func_label": "Why"},
	{"year": "2009", "field": "qux", "amount": "600", "to_name": "ccorp", "to_label": "C Corp", "func_name": "xx", "func_label": "Extra"},
}

var fixtureNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newDataset(t *testing.T, mapping string) *dataset.Dataset {
	t.Helper()
	model, err := dataset.ParseModel([]byte(mapping))
	require.NoError(t, err)
	ds, err := dataset.New(dataset.Config{
		Logger: spendtesting.NewLogger(),
		Clock:  clockwork.NewFakeClockAt(fixtureNow),
		Model:  model,
	})
	require.NoError(t, err)
	return ds
}

// loadFixture generates the test dataset on a fresh database and loads the six
// fixture entries. It returns the entry ids in fixture order.
func loadFixture(t *testing.T) (*dataset.Dataset, store.Conn, []string) {
	t.Helper()
	ctx := t.Context()
	_, conn := storetesting.NewSQLiteConn(t)
	ds := newDataset(t, fixtureMapping)
	require.NoError(t, ds.Generate(ctx, conn))

	ids := make([]string, 0, len(fixtureRecords))
	for _, rec := range fixtureRecords {
		id, err := ds.Load(ctx, conn, rec)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ds, conn, ids
}

func amounts(t *testing.T, records []dataset.Record) []float64 {
	t.Helper()
	out := make([]float64, 0, len(records))
	for _, r := range records {
		v, err := store.ToFloat(r["amount"])
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}
