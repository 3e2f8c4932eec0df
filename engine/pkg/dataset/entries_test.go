package dataset_test

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/spend/engine/pkg/dataset"
	storetesting "github.com/malbeclabs/spend/engine/pkg/store/testing"
)

func TestSpend_Dataset_Entries(t *testing.T) {
	t.Parallel()

	t.Run("chunks_cover_every_entry_in_id_order", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		ds, conn, ids := loadFixture(t)

		var got []string
		for rec, err := range ds.Entries(ctx, conn, dataset.EntriesOptions{Step: 4}) {
			require.NoError(t, err)
			got = append(got, rec["id"].(string))
		}
		want := slices.Clone(ids)
		slices.Sort(want)
		require.Equal(t, want, got)
	})

	t.Run("records_are_denormalized", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		ds, conn, ids := loadFixture(t)

		for rec, err := range ds.Entries(ctx, conn, dataset.EntriesOptions{
			Filter: dataset.Filter{Cuts: []dataset.Cut{{Field: "id", Value: ids[0]}}},
		}) {
			require.NoError(t, err)
			require.Equal(t, dataset.Record{
				"id":       ids[0],
				"field":    "foo",
				"time":     "2010-01-01",
				"amount":   500.0,
				"to":       map[string]any{"taxonomy": "to", "name": "acorp", "label": "A Corp"},
				"function": map[string]any{"taxonomy": "funny", "name": "xx", "label": "Extra"},
			}, rec)
		}
	})

	t.Run("limit_offset_and_filter", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		ds, conn, ids := loadFixture(t)
		sorted := slices.Clone(ids)
		slices.Sort(sorted)

		var got []string
		for rec, err := range ds.Entries(ctx, conn, dataset.EntriesOptions{Limit: 3, Offset: 2, Step: 2}) {
			require.NoError(t, err)
			got = append(got, rec["id"].(string))
		}
		require.Equal(t, sorted[2:5], got)

		n := 0
		for _, err := range ds.Entries(ctx, conn, dataset.EntriesOptions{
			Filter: dataset.Filter{Slice: [][]dataset.Predicate{{{Field: "year", Op: "=", Value: "2009"}}}},
			Order:  []dataset.Order{{Field: "amount", Desc: true}},
		}) {
			require.NoError(t, err)
			n++
		}
		require.Equal(t, 3, n)
	})

	t.Run("early_break", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		ds, conn, _ := loadFixture(t)

		n := 0
		for _, err := range ds.Entries(ctx, conn, dataset.EntriesOptions{Step: 2}) {
			require.NoError(t, err)
			n++
			if n == 3 {
				break
			}
		}
		require.Equal(t, 3, n)

		// The connection is usable after an abandoned iteration.
		count, err := ds.Len(ctx, conn)
		require.NoError(t, err)
		require.Equal(t, int64(6), count)
	})

	t.Run("invalid_filter_is_yielded", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		ds, conn, _ := loadFixture(t)

		var errs []error
		for rec, err := range ds.Entries(ctx, conn, dataset.EntriesOptions{
			Filter: dataset.Filter{Cuts: []dataset.Cut{{Field: "nope", Value: "x"}}},
		}) {
			require.Nil(t, rec)
			errs = append(errs, err)
		}
		require.Len(t, errs, 1)
		var unknown *dataset.UnknownFieldError
		require.ErrorAs(t, errs[0], &unknown)
	})

	t.Run("ungenerated_is_empty", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		_, conn := storetesting.NewSQLiteConn(t)
		ds := newDataset(t, fixtureMapping)

		for range ds.Entries(ctx, conn, dataset.EntriesOptions{}) {
			t.Fatal("expected no entries")
		}
	})
}
