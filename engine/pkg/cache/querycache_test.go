package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/spend/engine/pkg/cache"
	"github.com/malbeclabs/spend/engine/pkg/dataset"
	"github.com/malbeclabs/spend/engine/pkg/store"
	storetesting "github.com/malbeclabs/spend/engine/pkg/store/testing"
	spendtesting "github.com/malbeclabs/spend/utils/pkg/testing"
)

// countingQuerier serves five records with amounts 5 down to 1 and counts how
// often it is asked.
type countingQuerier struct {
	mu         sync.Mutex
	name       string
	private    bool
	err        error
	selects    int
	aggregates int
	last       dataset.Query
}

func (q *countingQuerier) Name() string  { return q.name }
func (q *countingQuerier) Private() bool { return q.private }

func (q *countingQuerier) records() ([]dataset.Record, dataset.Summary) {
	var records []dataset.Record
	for i := 5; i >= 1; i-- {
		records = append(records, dataset.Record{"id": string(rune('a' + 5 - i)), "amount": float64(i)})
	}
	return records, dataset.Summary{Measure: "amount", Total: decimal.NewFromInt(15), NumEntries: 5, NumResults: 5}
}

func (q *countingQuerier) Select(_ context.Context, _ store.Conn, query dataset.Query) (*dataset.Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.selects++
	q.last = query
	if q.err != nil {
		return nil, q.err
	}
	records, summary := q.records()
	return (&dataset.Result{Records: records, Summary: summary}).Paginate(query.Page, query.PageSize), nil
}

func (q *countingQuerier) Aggregate(_ context.Context, _ store.Conn, query dataset.Query) (*dataset.AggregateResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.aggregates++
	q.last = query
	if q.err != nil {
		return nil, q.err
	}
	records, summary := q.records()
	summary.Aggregate = true
	return (&dataset.AggregateResult{Drilldown: records, Summary: summary}).Paginate(query.Page, query.PageSize), nil
}

func (q *countingQuerier) counts() (int, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.selects, q.aggregates
}

func newQueryCache(t *testing.T, q cache.Querier, st cache.Store, enabled bool) *cache.QueryCache {
	t.Helper()
	qc, err := cache.NewQueryCache(cache.QueryCacheConfig{
		Logger:  spendtesting.NewLogger(),
		Dataset: q,
		Store:   st,
		Enabled: enabled,
	})
	require.NoError(t, err)
	return qc
}

func newMemoryStore(t *testing.T) *cache.MemoryStore {
	t.Helper()
	st, err := cache.NewMemoryStore(16)
	require.NoError(t, err)
	return st
}

type failingStore struct{}

var errStore = errors.New("store unavailable")

func (failingStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errStore }
func (failingStore) Put(context.Context, string, []byte) error         { return errStore }
func (failingStore) Has(context.Context, string) (bool, error)         { return false, errStore }
func (failingStore) Clear(context.Context, string) (int, error)        { return 0, errStore }

func TestSpend_Cache_QueryCache(t *testing.T) {
	t.Parallel()

	t.Run("config_validation", func(t *testing.T) {
		t.Parallel()
		_, err := cache.NewQueryCache(cache.QueryCacheConfig{Dataset: &countingQuerier{name: "ds"}})
		require.EqualError(t, err, "logger is required")
		_, err = cache.NewQueryCache(cache.QueryCacheConfig{Logger: spendtesting.NewLogger()})
		require.EqualError(t, err, "dataset is required")
		_, err = cache.NewQueryCache(cache.QueryCacheConfig{Logger: spendtesting.NewLogger(), Dataset: &countingQuerier{name: "ds"}, Enabled: true})
		require.Error(t, err)
	})

	t.Run("miss_then_hit_repaginates", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		q := &countingQuerier{name: "ds"}
		qc := newQueryCache(t, q, newMemoryStore(t), true)

		query := dataset.Query{Page: 1, PageSize: 2}
		res, err := qc.Select(ctx, nil, query)
		require.NoError(t, err)
		require.Len(t, res.Records, 2)
		require.Equal(t, 3, res.Summary.Pages)
		require.Equal(t, 5, res.Summary.NumResults)
		require.True(t, res.Summary.Cached)
		require.Equal(t, cache.Fingerprint(query), res.Summary.CacheKey)
		require.Equal(t, 1, q.last.Page)
		require.Equal(t, dataset.Unbounded, q.last.PageSize)

		res, err = qc.Select(ctx, nil, dataset.Query{Page: 3, PageSize: 2})
		require.NoError(t, err)
		require.Len(t, res.Records, 1)
		require.Equal(t, 1.0, res.Records[0]["amount"])
		require.Equal(t, 3, res.Summary.Page)
		require.True(t, res.Summary.Cached)
		require.True(t, decimal.NewFromInt(15).Equal(res.Summary.Total))

		selects, _ := q.counts()
		require.Equal(t, 1, selects)
	})

	t.Run("aggregate_is_cached_separately", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		q := &countingQuerier{name: "ds"}
		qc := newQueryCache(t, q, newMemoryStore(t), true)

		_, err := qc.Select(ctx, nil, dataset.Query{Drilldowns: []string{"to"}})
		require.NoError(t, err)
		for range 2 {
			res, err := qc.Aggregate(ctx, nil, dataset.Query{Drilldowns: []string{"to"}})
			require.NoError(t, err)
			require.Len(t, res.Drilldown, 5)
			require.True(t, res.Summary.Aggregate)
			require.True(t, res.Summary.Cached)
		}
		require.True(t, q.last.Aggregate)

		selects, aggregates := q.counts()
		require.Equal(t, 1, selects)
		require.Equal(t, 1, aggregates)
	})

	t.Run("disabled_passes_through", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		q := &countingQuerier{name: "ds"}
		qc := newQueryCache(t, q, nil, false)
		require.False(t, qc.Enabled())

		for range 2 {
			res, err := qc.Select(ctx, nil, dataset.Query{PageSize: 2})
			require.NoError(t, err)
			require.False(t, res.Summary.Cached)
			require.Equal(t, 2, q.last.PageSize)
		}
		selects, _ := q.counts()
		require.Equal(t, 2, selects)
		require.NoError(t, qc.Invalidate(ctx))
	})

	t.Run("private_dataset_is_not_cached", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		q := &countingQuerier{name: "ds", private: true}
		st := newMemoryStore(t)
		qc := newQueryCache(t, q, st, true)
		require.False(t, qc.Enabled())

		for range 2 {
			_, err := qc.Aggregate(ctx, nil, dataset.Query{})
			require.NoError(t, err)
		}
		_, aggregates := q.counts()
		require.Equal(t, 2, aggregates)
		require.Zero(t, st.Len())
	})

	t.Run("into_collection_bypasses", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		q := &countingQuerier{name: "ds"}
		st := newMemoryStore(t)
		qc := newQueryCache(t, q, st, true)

		for range 2 {
			_, err := qc.Select(ctx, nil, dataset.Query{IntoCollection: "c"})
			require.NoError(t, err)
		}
		for range 2 {
			_, err := qc.Aggregate(ctx, nil, dataset.Query{IntoCollection: "c"})
			require.NoError(t, err)
		}
		selects, aggregates := q.counts()
		require.Equal(t, 2, selects)
		require.Equal(t, 2, aggregates)
		require.Zero(t, st.Len())
	})

	t.Run("select_and_aggregate_share_an_entry_with_their_own_summary", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		q := &countingQuerier{name: "ds"}
		st := newMemoryStore(t)
		qc := newQueryCache(t, q, st, true)

		sel, err := qc.Select(ctx, nil, dataset.Query{Aggregate: true})
		require.NoError(t, err)
		require.False(t, sel.Summary.Aggregate)

		agg, err := qc.Aggregate(ctx, nil, dataset.Query{})
		require.NoError(t, err)
		require.True(t, agg.Summary.Cached)
		require.True(t, agg.Summary.Aggregate)
		data, err := json.Marshal(agg)
		require.NoError(t, err)
		require.Contains(t, string(data), `"num_drilldowns":5`)

		sel, err = qc.Select(ctx, nil, dataset.Query{Aggregate: true})
		require.NoError(t, err)
		data, err = json.Marshal(sel)
		require.NoError(t, err)
		require.Contains(t, string(data), `"num_results":5`)
		require.NotContains(t, string(data), "num_drilldowns")

		selects, aggregates := q.counts()
		require.Equal(t, 1, selects)
		require.Zero(t, aggregates)
		require.Equal(t, 1, st.Len())
	})

	t.Run("invalidate_clears_only_its_dataset", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		st := newMemoryStore(t)
		qa := &countingQuerier{name: "a"}
		qb := &countingQuerier{name: "b"}
		ca := newQueryCache(t, qa, st, true)
		cb := newQueryCache(t, qb, st, true)

		_, err := ca.Select(ctx, nil, dataset.Query{})
		require.NoError(t, err)
		_, err = cb.Select(ctx, nil, dataset.Query{})
		require.NoError(t, err)
		require.Equal(t, 2, st.Len())

		require.NoError(t, ca.Invalidate(ctx))
		ok, err := st.Has(ctx, cb.Key(dataset.Query{}))
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = st.Has(ctx, ca.Key(dataset.Query{}))
		require.NoError(t, err)
		require.False(t, ok)

		_, err = ca.Select(ctx, nil, dataset.Query{})
		require.NoError(t, err)
		selects, _ := qa.counts()
		require.Equal(t, 2, selects)
	})

	t.Run("store_failure_falls_back_to_query", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		q := &countingQuerier{name: "ds"}
		qc := newQueryCache(t, q, failingStore{}, true)

		for range 2 {
			res, err := qc.Select(ctx, nil, dataset.Query{})
			require.NoError(t, err)
			require.Len(t, res.Records, 5)
		}
		selects, _ := q.counts()
		require.Equal(t, 2, selects)
		require.ErrorIs(t, qc.Invalidate(ctx), errStore)
	})

	t.Run("query_error_is_not_cached", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		boom := errors.New("boom")
		q := &countingQuerier{name: "ds", err: boom}
		st := newMemoryStore(t)
		qc := newQueryCache(t, q, st, true)

		_, err := qc.Select(ctx, nil, dataset.Query{})
		require.ErrorIs(t, err, boom)
		require.Zero(t, st.Len())
	})
}

func TestSpend_Cache_Fingerprint(t *testing.T) {
	t.Parallel()

	base := dataset.Query{
		Measure:    "amount",
		Drilldowns: []string{"to", "year"},
		Filter: dataset.Filter{
			Cuts: []dataset.Cut{{Field: "field", Value: "foo"}, {Field: "to.name", Value: "acorp"}},
			Slice: [][]dataset.Predicate{
				{{Field: "amount", Op: ">", Value: 100}, {Field: "year", Op: "=", Value: "2010"}},
				{{Field: "field", Op: "!=", Value: "bar"}},
			},
		},
		Order: []dataset.Order{{Field: "amount", Desc: true}},
	}
	key := cache.Fingerprint(base)
	require.Len(t, key, 40)

	t.Run("equivalent_queries_share_a_key", func(t *testing.T) {
		t.Parallel()
		q := base
		q.Measure = ""
		q.Page = 4
		q.PageSize = 20
		q.Drilldowns = []string{"year", "to"}
		q.Cuts = []dataset.Cut{{Field: "to.name", Value: "acorp"}, {Field: "field", Value: "foo"}}
		q.Slice = [][]dataset.Predicate{
			{{Field: "field", Op: "!", Value: "bar"}},
			{{Field: "year", Op: ":", Value: "2010"}, {Field: "amount", Op: ">", Value: 100}},
		}
		require.Equal(t, key, cache.Fingerprint(q))
	})

	t.Run("different_queries_differ", func(t *testing.T) {
		t.Parallel()
		variants := []func(q *dataset.Query){
			func(q *dataset.Query) { q.Measure = "other" },
			func(q *dataset.Query) { q.Aggregate = true },
			func(q *dataset.Query) { q.FromCollection = "c" },
			func(q *dataset.Query) { q.Order = []dataset.Order{{Field: "amount"}} },
			func(q *dataset.Query) { q.Drilldowns = []string{"to"} },
			func(q *dataset.Query) {
				q.Cuts = []dataset.Cut{{Field: "field", Value: "bar"}, {Field: "to.name", Value: "acorp"}}
			},
			func(q *dataset.Query) { q.Slice = q.Slice[:1] },
		}
		seen := []string{key}
		for _, mutate := range variants {
			q := base
			mutate(&q)
			k := cache.Fingerprint(q)
			require.False(t, slices.Contains(seen, k), "fingerprint collision for %+v", q)
			seen = append(seen, k)
		}
	})

	t.Run("empty_query", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, cache.Fingerprint(dataset.Query{}), cache.Fingerprint(dataset.Query{Measure: "amount", PageSize: 5}))
	})
}

const flatMapping = `{
  "dataset": {"name": "flat"},
  "mapping": {
    "field": {"type": "value", "column": "field", "datatype": "string", "key": true},
    "amount": {"type": "measure", "column": "amount", "datatype": "float"}
  }
}`

// loadFlat generates a dataset of three entries of amount 1 on a fresh
// SQLite database.
func loadFlat(t *testing.T) (*dataset.Dataset, store.Conn) {
	t.Helper()
	ctx := t.Context()
	_, conn := storetesting.NewSQLiteConn(t)
	ds, err := dataset.FromMapping(spendtesting.NewLogger(), []byte(flatMapping))
	require.NoError(t, err)
	require.NoError(t, ds.Generate(ctx, conn))
	for _, field := range []string{"a", "b", "c"} {
		_, err := ds.Load(ctx, conn, map[string]any{"field": field, "amount": "1"})
		require.NoError(t, err)
	}
	return ds, conn
}

func TestSpend_Cache_QueryCache_Dataset(t *testing.T) {
	t.Parallel()

	t.Run("into_collection_does_not_replace_the_plain_aggregate", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		ds, conn := loadFlat(t)
		st := newMemoryStore(t)
		qc := newQueryCache(t, ds, st, true)

		for _, name := range []string{"c", "d"} {
			_, err := ds.CreateCollection(ctx, conn, name, "", "")
			require.NoError(t, err)
		}

		into, err := qc.Aggregate(ctx, conn, dataset.Query{IntoCollection: "c"})
		require.NoError(t, err)
		require.Equal(t, int64(3), into.Summary.NumEntries)
		require.Empty(t, into.Drilldown)
		require.False(t, into.Summary.Cached)
		require.Zero(t, st.Len())

		res, err := qc.Aggregate(ctx, conn, dataset.Query{})
		require.NoError(t, err)
		require.Len(t, res.Drilldown, 1)
		require.True(t, decimal.NewFromInt(3).Equal(res.Summary.Total), res.Summary.Total.String())
		require.Equal(t, int64(3), res.Summary.NumEntries)
		require.Equal(t, 1, st.Len())

		// Materializing again still writes after the plain aggregate is cached.
		into, err = qc.Aggregate(ctx, conn, dataset.Query{IntoCollection: "d"})
		require.NoError(t, err)
		require.Equal(t, int64(3), into.Summary.NumEntries)

		members, err := ds.Select(ctx, conn, dataset.Query{Filter: dataset.Filter{FromCollection: "d"}})
		require.NoError(t, err)
		require.Len(t, members.Records, 3)
	})

	t.Run("miss_and_hit_return_the_same_value_types", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		ds, conn := loadFlat(t)
		qc := newQueryCache(t, ds, newMemoryStore(t), true)

		query := dataset.Query{Drilldowns: []string{"field"}}
		miss, err := qc.Aggregate(ctx, conn, query)
		require.NoError(t, err)
		hit, err := qc.Aggregate(ctx, conn, query)
		require.NoError(t, err)

		require.Equal(t, miss, hit)
		require.Len(t, hit.Drilldown, 3)
		for _, rec := range miss.Drilldown {
			require.IsType(t, float64(0), rec["num_entries"])
			require.IsType(t, float64(0), rec["amount"])
		}
	})
}
