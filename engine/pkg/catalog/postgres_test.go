package catalog_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/spend/engine/pkg/catalog"
	"github.com/malbeclabs/spend/engine/pkg/dataset"
	spendtesting "github.com/malbeclabs/spend/utils/pkg/testing"
)

func TestSpend_Catalog_Postgres(t *testing.T) {
	t.Parallel()
	client := postgresClient(t)
	ctx := t.Context()
	log := spendtesting.NewLogger()

	require.NoError(t, catalog.Migrate(ctx, log, client))
	// Migrating twice is a no-op.
	require.NoError(t, catalog.Migrate(ctx, log, client))

	c, err := catalog.New(catalog.Config{Logger: log})
	require.NoError(t, err)
	conn, err := client.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	model, err := dataset.ParseModel([]byte(mapping))
	require.NoError(t, err)
	_, err = c.Save(ctx, conn, model)
	require.NoError(t, err)

	ds, err := c.Open(ctx, conn, "budget")
	require.NoError(t, err)
	require.NoError(t, ds.Generate(ctx, conn))

	for _, rec := range []map[string]any{
		{"year": "2010", "amount": "500", "to_name": "acorp", "to_label": "A Corp"},
		{"year": "2009", "amount": "190", "to_name": "bcorp", "to_label": "B Corp"},
		{"year": "2009", "amount": "900", "to_name": "acorp", "to_label": "A Corp"},
	} {
		_, err := ds.Load(ctx, conn, rec)
		require.NoError(t, err)
	}

	res, err := ds.Aggregate(ctx, conn, dataset.Query{Drilldowns: []string{"to"}})
	require.NoError(t, err)
	require.Equal(t, "1590", res.Summary.Total.String())
	require.Equal(t, 2, res.Summary.NumResults)

	entries, err := c.List(ctx, conn, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, ds.Drop(ctx, conn))
	require.NoError(t, c.Delete(ctx, conn, "budget"))
	_, err = c.Get(ctx, conn, "budget")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}
