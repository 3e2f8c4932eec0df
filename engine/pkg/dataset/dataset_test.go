package dataset_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/spend/engine/pkg/dataset"
	"github.com/malbeclabs/spend/engine/pkg/store"
	storetesting "github.com/malbeclabs/spend/engine/pkg/store/testing"
	spendtesting "github.com/malbeclabs/spend/utils/pkg/testing"
)

func TestSpend_Dataset_FromMapping(t *testing.T) {
	t.Parallel()

	t.Run("fixture_fields_and_tables", func(t *testing.T) {
		t.Parallel()
		ds := newDataset(t, fixtureMapping)

		require.Equal(t, "test", ds.Name())
		require.Equal(t, "Test Case Model", ds.Label())
		require.Equal(t, "EUR", ds.Currency())
		require.Equal(t, "time", ds.DefaultTime())

		var names []string
		for _, f := range ds.Fields() {
			names = append(names, f.Name())
		}
		require.Equal(t, []string{"field", "function", "time", "to", "amount"}, names)
		require.Len(t, ds.Dimensions(), 4)
		require.Len(t, ds.Measures(), 1)
		require.Equal(t, []string{"field", "function", "time", "to"}, ds.KeyFields())

		s := ds.Schema()
		require.Equal(t, "test__entry", s.Entry)
		require.Equal(t, "test__entry_collection", s.Collection)
		require.Equal(t, "test__entry_collection_entry", s.CollectionEntry)
		require.Equal(t, []string{"funny", "test__to"}, s.Lookups)
		require.Equal(t, []string{"funny", "test__to", "test__entry", "test__entry_collection", "test__entry_collection_entry"}, s.Tables())
	})

	t.Run("field_variants", func(t *testing.T) {
		t.Parallel()
		ds := newDataset(t, fixtureMapping)

		kinds := map[string]dataset.Kind{
			"field":    dataset.KindAttribute,
			"function": dataset.KindCompound,
			"time":     dataset.KindDate,
			"to":       dataset.KindCompound,
			"amount":   dataset.KindMeasure,
		}
		for name, kind := range kinds {
			f, ok := ds.Field(name)
			require.True(t, ok, name)
			require.Equal(t, kind, f.Kind(), name)
		}

		f, _ := ds.Field("function")
		fn := f.(*dataset.CompoundDimension)
		require.Equal(t, "funny", fn.Scheme())
		require.Equal(t, "funny", fn.Taxonomy())
		require.Equal(t, "function_id", fn.FKColumn())
		require.Len(t, fn.NaturalKey(), 1)
		require.Equal(t, "name", fn.NaturalKey()[0].Name())

		f, _ = ds.Field("to")
		to := f.(*dataset.CompoundDimension)
		require.Equal(t, "test__to", to.Scheme())
		require.Equal(t, "to", to.Taxonomy())
		a, ok := to.Attribute("label")
		require.True(t, ok)
		require.Equal(t, "to_label", a.SourceColumn())
	})

	t.Run("implicit_variants", func(t *testing.T) {
		t.Parallel()
		ds := newDataset(t, `{
		  "dataset": {"name": "implicit"},
		  "mapping": {
		    "amount": {"column": "value"},
		    "time": {"datatype": "date"},
		    "region": {"attributes": {"code": {}, "title": {}}}
		  }
		}`)

		f, _ := ds.Field("amount")
		require.Equal(t, dataset.KindMeasure, f.Kind())
		require.Equal(t, dataset.DatatypeFloat, f.Datatype())
		f, _ = ds.Field("time")
		require.Equal(t, dataset.KindDate, f.Kind())
		f, _ = ds.Field("region")
		region := f.(*dataset.CompoundDimension)
		require.Len(t, region.NaturalKey(), 2, "without id or name attributes every attribute is part of the key")

		a, _ := region.Attribute("code")
		require.Equal(t, "region.code", a.SourceColumn())
		require.Equal(t, []string{"region", "time"}, ds.KeyFields())
	})

	t.Run("schema_errors", func(t *testing.T) {
		t.Parallel()
		cases := map[string]string{
			"unknown_type":           `{"dataset": {"name": "bad"}, "mapping": {"x": {"type": "nonsense"}}}`,
			"unknown_datatype":       `{"dataset": {"name": "bad"}, "mapping": {"x": {"type": "value", "datatype": "blob"}}}`,
			"string_measure":         `{"dataset": {"name": "bad"}, "mapping": {"x": {"type": "measure", "datatype": "string"}}}`,
			"reserved_name":          `{"dataset": {"name": "bad"}, "mapping": {"id": {"type": "value"}}}`,
			"reserved_attribute":     `{"dataset": {"name": "bad"}, "mapping": {"x": {"type": "entity", "attributes": {"taxonomy": {}}}}}`,
			"empty_compound":         `{"dataset": {"name": "bad"}, "mapping": {"x": {"type": "entity"}}}`,
			"double_underscore":      `{"dataset": {"name": "bad__name"}, "mapping": {"x": {"type": "value"}}}`,
			"default_time_missing":   `{"dataset": {"name": "bad", "default_time": "when"}, "mapping": {"x": {"type": "value"}}}`,
			"column_collision":       `{"dataset": {"name": "bad"}, "mapping": {"x": {"type": "entity", "attributes": {"name": {}}}, "x_id": {"type": "value"}}}`,
			"constant_without_value": `{"dataset": {"name": "bad"}, "mapping": {"x": {"type": "value", "datatype": "constant"}}}`,
			"invalid_document":       `{"dataset": `,
		}
		for name, doc := range cases {
			t.Run(name, func(t *testing.T) {
				t.Parallel()
				_, err := dataset.FromMapping(spendtesting.NewLogger(), []byte(doc))
				var schemaErr *dataset.SchemaError
				require.ErrorAs(t, err, &schemaErr)
			})
		}
	})

	t.Run("init_is_repeatable", func(t *testing.T) {
		t.Parallel()
		ds := newDataset(t, fixtureMapping)
		before := ds.Schema().Tables()
		require.NoError(t, ds.Init())
		require.NoError(t, ds.Init())
		require.Equal(t, before, ds.Schema().Tables())
		require.Len(t, ds.Fields(), 5)
	})
}

func TestSpend_Dataset_Generate(t *testing.T) {
	t.Parallel()

	t.Run("creates_tables_and_is_idempotent", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		_, conn := storetesting.NewSQLiteConn(t)
		ds := newDataset(t, fixtureMapping)

		ok, err := ds.IsGenerated(ctx, conn)
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, ds.Generate(ctx, conn))
		require.NoError(t, ds.Generate(ctx, conn))

		for _, table := range append(ds.Schema().Tables(), dataset.SchemeUsageTable) {
			exists, err := store.TableExists(ctx, conn, table)
			require.NoError(t, err)
			require.True(t, exists, table)
		}

		cols, err := store.TableColumns(ctx, conn, "test__entry")
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"id", "field", "function_id", "time", "to_id", "amount"}, cols)

		cols, err = store.TableColumns(ctx, conn, "test__to")
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"id", "label", "name"}, cols)

		ok, err = ds.IsGenerated(ctx, conn)
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("adds_missing_columns_to_existing_tables", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		_, conn := storetesting.NewSQLiteConn(t)

		require.NoError(t, newDataset(t, fixtureMapping).Generate(ctx, conn))

		extended := newDataset(t, `{
		  "dataset": {"name": "test"},
		  "mapping": {
		    "time": {"type": "date", "column": "year", "key": true},
		    "field": {"type": "value", "key": true},
		    "note": {"type": "value"},
		    "amount": {"type": "measure"},
		    "to": {"type": "entity", "key": true, "attributes": {
		      "name": {"column": "to_name", "datatype": "id"},
		      "label": {"column": "to_label"},
		      "kind": {"column": "to_kind"}
		    }},
		    "function": {"type": "classifier", "taxonomy": "funny", "key": true, "attributes": {
		      "name": {"column": "func_name", "datatype": "id"},
		      "label": {"column": "func_label"}
		    }}
		  }
		}`)
		require.NoError(t, extended.Generate(ctx, conn))

		cols, err := store.TableColumns(ctx, conn, "test__entry")
		require.NoError(t, err)
		require.Contains(t, cols, "note")
		cols, err = store.TableColumns(ctx, conn, "test__to")
		require.NoError(t, err)
		require.Contains(t, cols, "kind")
	})

	t.Run("create_sql_is_renderable_for_both_dialects", func(t *testing.T) {
		t.Parallel()
		ds := newDataset(t, fixtureMapping)

		pg := ds.Schema().CreateSQL(store.Postgres)
		require.Contains(t, pg, "CREATE TABLE IF NOT EXISTS \"test__entry\" (\n\t\"id\" VARCHAR(42) NOT NULL,\n\t\"field\" TEXT,\n\t\"function_id\" BIGINT REFERENCES \"funny\" (\"id\"),\n\t\"time\" DATE,\n\t\"to_id\" BIGINT REFERENCES \"test__to\" (\"id\"),\n\t\"amount\" DOUBLE PRECISION,\n\tPRIMARY KEY (\"id\")\n)")
		require.Contains(t, pg, `CREATE UNIQUE INDEX IF NOT EXISTS "funny_natural_key" ON "funny" ("name")`)

		lite := ds.Schema().CreateSQL(store.SQLite)
		require.Contains(t, lite, "CREATE TABLE IF NOT EXISTS \"test__entry_collection\" (\n\t\"id\" INTEGER PRIMARY KEY AUTOINCREMENT,\n\t\"name\" TEXT NOT NULL,\n\t\"label\" TEXT,\n\t\"description\" TEXT,\n\t\"created_at\" TEXT,\n\t\"updated_at\" TEXT\n)")
	})
}

func TestSpend_Dataset_Drop(t *testing.T) {
	t.Parallel()

	t.Run("removes_owned_tables", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		ds, conn, _ := loadFixture(t)

		require.NoError(t, ds.Drop(ctx, conn))

		for _, table := range ds.Schema().Tables() {
			exists, err := store.TableExists(ctx, conn, table)
			require.NoError(t, err)
			require.False(t, exists, table)
		}
		ok, err := ds.IsGenerated(ctx, conn)
		require.NoError(t, err)
		require.False(t, ok)

		n, err := ds.Len(ctx, conn)
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("keeps_shared_lookup_tables", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		_, conn := storetesting.NewSQLiteConn(t)

		mapping := func(name string) string {
			return `{
			  "dataset": {"name": "` + name + `"},
			  "mapping": {
			    "amount": {"type": "measure"},
			    "region": {"type": "entity", "taxonomy": "regions", "key": true, "attributes": {"name": {"column": "region"}}}
			  }
			}`
		}
		alpha := newDataset(t, mapping("alpha"))
		beta := newDataset(t, mapping("beta"))
		require.NoError(t, alpha.Generate(ctx, conn))
		require.NoError(t, beta.Generate(ctx, conn))

		_, err := alpha.Load(ctx, conn, map[string]any{"amount": 1, "region": "north"})
		require.NoError(t, err)
		_, err = beta.Load(ctx, conn, map[string]any{"amount": 2, "region": "north"})
		require.NoError(t, err)

		require.NoError(t, alpha.Drop(ctx, conn))

		exists, err := store.TableExists(ctx, conn, "regions")
		require.NoError(t, err)
		require.True(t, exists)
		exists, err = store.TableExists(ctx, conn, "alpha__entry")
		require.NoError(t, err)
		require.False(t, exists)

		res, err := beta.Select(ctx, conn, dataset.Query{Drilldowns: []string{"region"}})
		require.NoError(t, err)
		require.Len(t, res.Records, 1)
		require.Equal(t, "north", res.Records[0]["region"].(map[string]any)["name"])

		require.NoError(t, beta.Drop(ctx, conn))
		exists, err = store.TableExists(ctx, conn, "regions")
		require.NoError(t, err)
		require.False(t, exists)
	})
}

func TestSpend_Dataset_Flush(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	ds, conn, _ := loadFixture(t)

	_, err := ds.CreateCollection(ctx, conn, "c", "", "")
	require.NoError(t, err)

	require.NoError(t, ds.Flush(ctx, conn))

	n, err := ds.Len(ctx, conn)
	require.NoError(t, err)
	require.Zero(t, n)

	var lookups int64
	require.NoError(t, conn.QueryRow(ctx, `SELECT COUNT(*) FROM "test__to"`).Scan(&lookups))
	require.Zero(t, lookups)

	collections, err := ds.Collections(ctx, conn)
	require.NoError(t, err)
	require.Empty(t, collections)

	ok, err := ds.IsGenerated(ctx, conn)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSpend_Dataset_Load(t *testing.T) {
	t.Parallel()

	t.Run("fixture_len_and_times", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		ds, conn, ids := loadFixture(t)

		n, err := ds.Len(ctx, conn)
		require.NoError(t, err)
		require.Equal(t, int64(6), n)

		for _, id := range ids {
			require.Len(t, id, 40)
		}

		times, err := ds.Times(ctx, conn)
		require.NoError(t, err)
		require.Equal(t, []string{"2009", "2010"}, times)

		var lookups int64
		require.NoError(t, conn.QueryRow(ctx, `SELECT COUNT(*) FROM "test__to"`).Scan(&lookups))
		require.Equal(t, int64(3), lookups)
	})

	t.Run("reload_updates_in_place", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		ds, conn, ids := loadFixture(t)

		rec := map[string]any{}
		for k, v := range fixtureRecords[0] {
			rec[k] = v
		}
		rec["amount"] = "555"
		rec["to_label"] = "A Corporation"

		id, err := ds.Load(ctx, conn, rec)
		require.NoError(t, err)
		require.Equal(t, ids[0], id)

		n, err := ds.Len(ctx, conn)
		require.NoError(t, err)
		require.Equal(t, int64(6), n)

		res, err := ds.Select(ctx, conn, dataset.Query{
			Filter:     dataset.Filter{Cuts: []dataset.Cut{{Field: "id", Value: id}}},
			Drilldowns: []string{"to"},
		})
		require.NoError(t, err)
		require.Len(t, res.Records, 1)
		require.Equal(t, []float64{555}, amounts(t, res.Records))
		require.Equal(t, "A Corporation", res.Records[0]["to"].(map[string]any)["label"])
	})

	t.Run("ids_are_stable_across_databases", func(t *testing.T) {
		t.Parallel()
		_, _, first := loadFixture(t)
		_, _, second := loadFixture(t)
		require.Equal(t, first, second)
	})

	t.Run("load_errors", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		ds, conn, _ := loadFixture(t)

		cases := map[string]struct {
			drop  string
			set   map[string]any
			field string
		}{
			"missing_source_column": {drop: "field", field: "field"},
			"empty_natural_key":     {set: map[string]any{"to_name": " "}, field: "to"},
			"invalid_measure":       {set: map[string]any{"amount": "lots"}, field: "amount"},
			"invalid_date":          {set: map[string]any{"year": "someday"}, field: "time"},
		}
		for name, tc := range cases {
			rec := map[string]any{}
			for k, v := range fixtureRecords[0] {
				rec[k] = v
			}
			delete(rec, tc.drop)
			for k, v := range tc.set {
				rec[k] = v
			}

			_, err := ds.Load(ctx, conn, rec)
			var loadErr *dataset.LoadError
			require.ErrorAs(t, err, &loadErr, name)
			require.Equal(t, tc.field, loadErr.Field, name)
		}

		n, err := ds.Len(ctx, conn)
		require.NoError(t, err)
		require.Equal(t, int64(6), n)
	})

	t.Run("defaults_and_constants", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		_, conn := storetesting.NewSQLiteConn(t)
		ds := newDataset(t, `{
		  "dataset": {"name": "defaults"},
		  "mapping": {
		    "amount": {"type": "measure", "datatype": "integer"},
		    "kind": {"type": "value", "default_value": "grant", "key": true},
		    "source": {"type": "value", "datatype": "constant", "constant": "ledger"},
		    "to": {"type": "entity", "key": true, "attributes": {
		      "name": {"column": "to", "datatype": "id"},
		      "country": {"constant": "DE"}
		    }}
		  }
		}`)
		require.NoError(t, ds.Generate(ctx, conn))

		_, err := ds.Load(ctx, conn, map[string]any{"amount": "7", "to": "acorp"})
		require.NoError(t, err)

		res, err := ds.Select(ctx, conn, dataset.Query{Drilldowns: []string{"kind", "source", "to"}})
		require.NoError(t, err)
		require.Len(t, res.Records, 1)
		rec := res.Records[0]
		require.Equal(t, "grant", rec["kind"])
		require.Equal(t, "ledger", rec["source"])
		require.Equal(t, "DE", rec["to"].(map[string]any)["country"])
		require.EqualValues(t, 7, rec["amount"])
	})

	t.Run("before_generate_fails", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		_, conn := storetesting.NewSQLiteConn(t)
		ds := newDataset(t, fixtureMapping)

		_, err := ds.Load(ctx, conn, fixtureRecords[0])
		require.Error(t, err)
		require.False(t, errors.Is(err, dataset.ErrCollectionNotFound))
	})
}
