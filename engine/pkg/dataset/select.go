package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/shopspring/decimal"

	"github.com/malbeclabs/spend/engine/pkg/metrics"
	"github.com/malbeclabs/spend/engine/pkg/store"
)

// Record is one reshaped result row. Compound dimension columns are nested under
// the dimension name together with its taxonomy.
type Record map[string]any

// Summary describes a whole result independent of the page returned.
type Summary struct {
	Measure    string
	Total      decimal.Decimal
	NumEntries int64
	NumResults int
	Page       int
	Pages      int
	PageSize   int
	Cached     bool
	CacheKey   string

	// Aggregate renames num_results to num_drilldowns in JSON. Only results
	// of Aggregate set it; Select keeps num_results even in aggregate mode.
	Aggregate bool
}

var summaryKeys = []string{"num_entries", "num_results", "num_drilldowns", "page", "pages", "pagesize", "cached", "cache_key"}

func (s Summary) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"num_entries": s.NumEntries,
		"page":        s.Page,
		"pages":       s.Pages,
		"pagesize":    s.PageSize,
	}
	if s.Measure != "" {
		m[s.Measure] = json.Number(s.Total.String())
	}
	if s.Aggregate {
		m["num_drilldowns"] = s.NumResults
	} else {
		m["num_results"] = s.NumResults
	}
	if s.Cached {
		m["cached"] = true
		m["cache_key"] = s.CacheKey
	}
	return json.Marshal(m)
}

func (s *Summary) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	var out Summary
	fields := map[string]any{
		"num_entries": &out.NumEntries,
		"page":        &out.Page,
		"pages":       &out.Pages,
		"pagesize":    &out.PageSize,
		"cached":      &out.Cached,
		"cache_key":   &out.CacheKey,
	}
	for key, raw := range m {
		switch key {
		case "num_results":
			if err := json.Unmarshal(raw, &out.NumResults); err != nil {
				return fmt.Errorf("summary %s: %w", key, err)
			}
		case "num_drilldowns":
			out.Aggregate = true
			if err := json.Unmarshal(raw, &out.NumResults); err != nil {
				return fmt.Errorf("summary %s: %w", key, err)
			}
		default:
			if dst, ok := fields[key]; ok {
				if err := json.Unmarshal(raw, dst); err != nil {
					return fmt.Errorf("summary %s: %w", key, err)
				}
				continue
			}
			// The only other key is the measure total.
			total, err := decimal.NewFromString(strings.Trim(string(raw), `"`))
			if err != nil {
				return fmt.Errorf("summary %s: %w", key, err)
			}
			out.Measure = key
			out.Total = total
		}
	}
	*s = out
	return nil
}

// Result is the response of Select.
type Result struct {
	Records []Record `json:"result"`
	Summary Summary  `json:"summary"`
}

// AggregateResult is the response of Aggregate.
type AggregateResult struct {
	Drilldown []Record `json:"drilldown"`
	Summary   Summary  `json:"summary"`
}

// Paginate returns the requested page of the result. The summary keeps
// describing the full result.
func (r *Result) Paginate(page, pageSize int) *Result {
	records, summary := paginate(r.Records, r.Summary, page, pageSize)
	return &Result{Records: records, Summary: summary}
}

func (r *AggregateResult) Paginate(page, pageSize int) *AggregateResult {
	records, summary := paginate(r.Drilldown, r.Summary, page, pageSize)
	return &AggregateResult{Drilldown: records, Summary: summary}
}

func paginate(records []Record, s Summary, page, pageSize int) ([]Record, Summary) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	n := len(records)
	s.Page = page
	s.PageSize = pageSize
	s.Pages = (n + pageSize - 1) / pageSize

	start := (page - 1) * pageSize
	if start >= n || start < 0 {
		return []Record{}, s
	}
	end := min(start+pageSize, n)
	return records[start:end], s
}

// Select runs a flat query, or materializes it into a collection when
// IntoCollection is set. Before Generate it returns an empty result.
func (d *Dataset) Select(ctx context.Context, conn store.Conn, q Query) (*Result, error) {
	q = q.withDefaults()
	return d.execute(ctx, conn, q)
}

// Aggregate groups by the drilldowns and sums the measure.
func (d *Dataset) Aggregate(ctx context.Context, conn store.Conn, q Query) (*AggregateResult, error) {
	q = q.withDefaults()
	q.Aggregate = true
	res, err := d.execute(ctx, conn, q)
	if err != nil {
		return nil, err
	}
	res.Summary.Aggregate = true
	return &AggregateResult{Drilldown: res.Records, Summary: res.Summary}, nil
}

func (d *Dataset) execute(ctx context.Context, conn store.Conn, q Query) (*Result, error) {
	plan, err := d.Compile(q)
	if err != nil {
		return nil, err
	}

	span := sentry.StartSpan(ctx, "db.query", sentry.WithDescription(fmt.Sprintf("%s %s", plan.Mode(), d.Name())))
	span.SetData("db.system", conn.Dialect().Name())
	span.SetTag("dataset", d.Name())
	ctx = span.Context()
	defer span.Finish()

	start := time.Now()
	res, err := d.run(ctx, conn, plan, q)
	duration := time.Since(start)

	metrics.RecordQuery(plan.Mode().String(), duration, err)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
	} else {
		span.Status = sentry.SpanStatusOK
	}

	if err != nil {
		d.log.Warn("dataset: query failed", "dataset", d.Name(), "mode", plan.Mode(), "duration", duration, "error", err)
		return nil, err
	}
	d.log.Debug("dataset: query completed", "dataset", d.Name(), "mode", plan.Mode(), "duration", duration, "results", res.Summary.NumResults)
	return res, nil
}

func (d *Dataset) run(ctx context.Context, conn store.Conn, plan *Plan, q Query) (*Result, error) {
	empty := &Result{Records: []Record{}, Summary: Summary{Measure: q.Measure}}
	if plan.Mode() == ModeMaterialize {
		empty.Summary.Measure = ""
	}

	ok, err := d.IsGenerated(ctx, conn)
	if err != nil {
		return nil, &QueryError{Op: plan.Mode().String(), Err: err}
	}
	if !ok {
		return empty.Paginate(q.Page, q.PageSize), nil
	}

	plan, err = d.bindCollections(ctx, conn, plan)
	if err != nil {
		return nil, err
	}

	if plan.Mode() == ModeMaterialize {
		n, err := d.materialize(ctx, conn, plan)
		if err != nil {
			return nil, err
		}
		empty.Summary.NumEntries = n
		empty.Summary.NumResults = int(n)
		return empty.Paginate(q.Page, q.PageSize), nil
	}

	records, err := d.fetch(ctx, conn, plan)
	if err != nil {
		return nil, err
	}

	summary := Summary{Measure: q.Measure, NumResults: len(records)}
	total := decimal.Zero
	for _, rec := range records {
		v, err := store.ToFloat(rec[q.Measure])
		if err != nil {
			return nil, &QueryError{Op: plan.Mode().String(), Err: err}
		}
		total = total.Add(decimal.NewFromFloat(v))
		if plan.Mode() == ModeAggregate {
			n, err := store.ToInt(rec["num_entries"])
			if err != nil {
				return nil, &QueryError{Op: plan.Mode().String(), Err: err}
			}
			summary.NumEntries += n
		}
	}
	if plan.Mode() == ModeFlat {
		summary.NumEntries = int64(len(records))
	}
	summary.Total = total

	res := &Result{Records: records, Summary: summary}
	return res.Paginate(q.Page, q.PageSize), nil
}

// bindCollections resolves the collection names of a plan to their ids.
func (d *Dataset) bindCollections(ctx context.Context, conn store.Conn, plan *Plan) (*Plan, error) {
	var from, into int64
	if name := plan.FromCollection(); name != "" {
		c, err := d.Collection(ctx, conn, name)
		if err != nil {
			return nil, err
		}
		from = c.ID
	}
	if name := plan.IntoCollection(); name != "" {
		c, err := d.Collection(ctx, conn, name)
		if err != nil {
			return nil, err
		}
		into = c.ID
	}
	return plan.WithCollectionIDs(from, into), nil
}

func (d *Dataset) materialize(ctx context.Context, conn store.Conn, plan *Plan) (int64, error) {
	query, args, err := plan.SQL(conn.Dialect())
	if err != nil {
		return 0, err
	}
	n, err := conn.Exec(ctx, query, args...)
	if err != nil {
		return 0, &QueryError{Op: ModeMaterialize.String(), Err: err}
	}
	metrics.CollectionMaterializedTotal.Add(float64(n))
	d.log.Debug("dataset: materialized collection", "dataset", d.Name(), "collection", plan.IntoCollection(), "inserted", n)
	return n, nil
}

// fetch executes a row-returning plan and reshapes every row.
func (d *Dataset) fetch(ctx context.Context, conn store.Conn, plan *Plan) ([]Record, error) {
	query, args, err := plan.SQL(conn.Dialect())
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, &QueryError{Op: plan.Mode().String(), Err: err}
	}
	values, err := store.ScanAll(rows)
	if err != nil {
		return nil, &QueryError{Op: plan.Mode().String(), Err: err}
	}

	labels := plan.Columns()
	records := make([]Record, 0, len(values))
	for _, row := range values {
		records = append(records, d.reshape(labels, row))
	}
	return records, nil
}

// reshape nests "<dimension>.<attribute>" columns of compound dimensions under
// the dimension, tagged with its taxonomy, and date parts under the date
// dimension. A whole date next to its parts is kept under "date". Dates render
// as YYYY-MM-DD.
func (d *Dataset) reshape(labels []string, row []any) Record {
	rec := make(Record, len(labels))
	nested := map[string]map[string]any{}
	for i, label := range labels {
		v := outputValue(row[i])
		if base, sub, ok := strings.Cut(label, "."); ok {
			if f, ok := d.Field(base); ok {
				m, ok := nested[base]
				if !ok {
					m = map[string]any{}
					if c, ok := f.(*CompoundDimension); ok {
						m["taxonomy"] = c.Taxonomy()
					}
					nested[base] = m
				}
				m[sub] = normalizeDateText(f, sub, v)
				continue
			}
		}
		if f, ok := d.Field(label); ok && f.Kind() == KindDate {
			v = normalizeDateText(f, "", v)
		}
		rec[label] = v
	}
	for base, m := range nested {
		if whole, ok := rec[base]; ok {
			m["date"] = whole
		}
		rec[base] = m
	}
	return rec
}

// normalizeDateText trims stored timestamps of whole dates to YYYY-MM-DD.
func normalizeDateText(f Field, sub string, v any) any {
	if f.Kind() != KindDate || sub != "" {
		return v
	}
	if s, ok := v.(string); ok && len(s) > len(time.DateOnly) {
		if t, err := store.ToTime(s); err == nil {
			return t.Format(time.DateOnly)
		}
	}
	return v
}
