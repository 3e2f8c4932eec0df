package dataset_test

import (
	"slices"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/spend/engine/pkg/dataset"
	storetesting "github.com/malbeclabs/spend/engine/pkg/store/testing"
)

func TestSpend_Dataset_Collections(t *testing.T) {
	t.Parallel()

	t.Run("create_get_list_delete", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		ds, conn, ids := loadFixture(t)

		c, err := ds.CreateCollection(ctx, conn, "favourites", "Favourites", "hand picked")
		require.NoError(t, err)
		require.Positive(t, c.ID)
		require.Equal(t, fixtureNow, c.CreatedAt)

		_, err = ds.CreateCollection(ctx, conn, "favourites", "", "")
		var dup *dataset.DuplicateNameError
		require.ErrorAs(t, err, &dup)
		require.Equal(t, "favourites", dup.Name)

		got, err := ds.Collection(ctx, conn, "favourites")
		require.NoError(t, err)
		require.Equal(t, c.ID, got.ID)
		require.Equal(t, "Favourites", got.Label)
		require.Equal(t, "hand picked", got.Description)
		require.True(t, fixtureNow.Equal(got.CreatedAt))

		_, err = ds.CreateCollection(ctx, conn, "archive", "", "")
		require.NoError(t, err)
		all, err := ds.Collections(ctx, conn)
		require.NoError(t, err)
		require.Len(t, all, 2)
		require.Equal(t, "archive", all[0].Name)

		added, err := ds.AddToCollection(ctx, conn, "favourites", ids[0])
		require.NoError(t, err)
		require.True(t, added)

		require.NoError(t, ds.DeleteCollection(ctx, conn, "favourites"))
		_, err = ds.Collection(ctx, conn, "favourites")
		require.ErrorIs(t, err, dataset.ErrCollectionNotFound)
		require.ErrorIs(t, ds.DeleteCollection(ctx, conn, "favourites"), dataset.ErrCollectionNotFound)

		var orphans int64
		require.NoError(t, conn.QueryRow(ctx, `SELECT COUNT(*) FROM "test__entry_collection_entry"`).Scan(&orphans))
		require.Zero(t, orphans)
	})

	t.Run("membership", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		ds, conn, ids := loadFixture(t)

		_, err := ds.CreateCollection(ctx, conn, "picked", "", "")
		require.NoError(t, err)

		added, err := ds.AddToCollection(ctx, conn, "picked", ids[1])
		require.NoError(t, err)
		require.True(t, added)
		added, err = ds.AddToCollection(ctx, conn, "picked", ids[1])
		require.NoError(t, err)
		require.False(t, added, "adding a member twice is a no-op")
		added, err = ds.AddToCollection(ctx, conn, "picked", ids[3])
		require.NoError(t, err)
		require.True(t, added)

		in, err := ds.InCollection(ctx, conn, "picked", ids[1])
		require.NoError(t, err)
		require.True(t, in)
		in, err = ds.InCollection(ctx, conn, "picked", ids[0])
		require.NoError(t, err)
		require.False(t, in)

		members, err := ds.Members(ctx, conn, "picked")
		require.NoError(t, err)
		want := []string{ids[1], ids[3]}
		slices.Sort(want)
		require.Equal(t, want, members)

		require.NoError(t, ds.RemoveFromCollection(ctx, conn, "picked", ids[1]))
		require.NoError(t, ds.RemoveFromCollection(ctx, conn, "picked", ids[1]))
		members, err = ds.Members(ctx, conn, "picked")
		require.NoError(t, err)
		require.Equal(t, []string{ids[3]}, members)

		_, err = ds.AddToCollection(ctx, conn, "missing", ids[0])
		require.ErrorIs(t, err, dataset.ErrCollectionNotFound)
	})

	t.Run("materialize_is_idempotent", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		ds, conn, _ := loadFixture(t)

		_, err := ds.CreateCollection(ctx, conn, "big", "", "")
		require.NoError(t, err)

		filter := dataset.Filter{Slice: [][]dataset.Predicate{{{Field: "amount", Op: ">", Value: 350}}}}
		n, err := ds.Collect(ctx, conn, "big", filter)
		require.NoError(t, err)
		require.Equal(t, int64(3), n)

		n, err = ds.Collect(ctx, conn, "big", filter)
		require.NoError(t, err)
		require.Zero(t, n)

		members, err := ds.Members(ctx, conn, "big")
		require.NoError(t, err)
		require.Len(t, members, 3)

		res, err := ds.Select(ctx, conn, dataset.Query{Filter: dataset.Filter{FromCollection: "big"}})
		require.NoError(t, err)
		require.Equal(t, []float64{900, 600, 500}, amounts(t, res.Records))
		require.True(t, decimal.NewFromInt(2000).Equal(res.Summary.Total))

		res, err = ds.Select(ctx, conn, dataset.Query{Filter: dataset.Filter{
			FromCollection: "big",
			Cuts:           []dataset.Cut{{Field: "to.name", Value: "acorp"}},
		}})
		require.NoError(t, err)
		require.Len(t, res.Records, 2)

		_, err = ds.CreateCollection(ctx, conn, "acorp", "", "")
		require.NoError(t, err)
		n, err = ds.Collect(ctx, conn, "acorp", dataset.Filter{
			FromCollection: "big",
			Cuts:           []dataset.Cut{{Field: "to.name", Value: "acorp"}},
		})
		require.NoError(t, err)
		require.Equal(t, int64(2), n)

		res, err = ds.Select(ctx, conn, dataset.Query{
			Drilldowns: []string{"to"},
			Filter:     dataset.Filter{FromCollection: "acorp"},
		})
		require.NoError(t, err)
		require.Len(t, res.Records, 2)
		require.True(t, decimal.NewFromInt(1400).Equal(res.Summary.Total))
		for _, r := range res.Records {
			require.Equal(t, map[string]any{"taxonomy": "to", "name": "acorp", "label": "A Corp"}, r["to"])
		}
	})

	t.Run("select_into_collection_reports_inserted", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		ds, conn, _ := loadFixture(t)

		_, err := ds.CreateCollection(ctx, conn, "foo", "", "")
		require.NoError(t, err)

		q := dataset.Query{
			IntoCollection: "foo",
			Filter:         dataset.Filter{Cuts: []dataset.Cut{{Field: "field", Value: "foo"}}},
		}
		res, err := ds.Select(ctx, conn, q)
		require.NoError(t, err)
		require.Equal(t, int64(3), res.Summary.NumEntries)
		require.Empty(t, res.Records)

		res, err = ds.Select(ctx, conn, q)
		require.NoError(t, err)
		require.Zero(t, res.Summary.NumEntries)

		_, err = ds.Select(ctx, conn, dataset.Query{IntoCollection: "missing"})
		require.ErrorIs(t, err, dataset.ErrCollectionNotFound)
	})

	t.Run("drop_removes_collections", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		ds, conn, ids := loadFixture(t)

		_, err := ds.CreateCollection(ctx, conn, "c", "", "")
		require.NoError(t, err)
		_, err = ds.AddToCollection(ctx, conn, "c", ids[0])
		require.NoError(t, err)

		require.NoError(t, ds.Drop(ctx, conn))
		_, err = ds.Collection(ctx, conn, "c")
		require.ErrorIs(t, err, dataset.ErrCollectionNotFound)

		require.NoError(t, ds.Generate(ctx, conn))
		all, err := ds.Collections(ctx, conn)
		require.NoError(t, err)
		require.Empty(t, all)
	})

	t.Run("create_before_generate", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		_, conn := storetesting.NewSQLiteConn(t)
		ds := newDataset(t, fixtureMapping)

		_, err := ds.CreateCollection(ctx, conn, "c", "", "")
		require.ErrorIs(t, err, dataset.ErrNotGenerated)
	})
}
