package dataset

import (
	"context"
	"iter"

	"github.com/malbeclabs/spend/engine/pkg/store"
)

// DefaultStep is the chunk size of Entries.
const DefaultStep = 10000

type EntriesOptions struct {
	Filter Filter
	Order  []Order
	// Limit caps the number of records yielded; zero means all.
	Limit  int
	Offset int
	Step   int
}

// Entries yields fully denormalized records in chunks of Step rows. The sequence
// ends after an empty or short chunk, or once Limit records were yielded.
// Iteration stops at the first error, which is yielded with a nil record.
func (d *Dataset) Entries(ctx context.Context, conn store.Conn, opts EntriesOptions) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		step := opts.Step
		if step <= 0 {
			step = DefaultStep
		}

		plan, err := d.compileEntries(opts.Filter, opts.Order)
		if err != nil {
			yield(nil, err)
			return
		}
		ok, err := d.IsGenerated(ctx, conn)
		if err != nil {
			yield(nil, &QueryError{Op: ModeEntries.String(), Err: err})
			return
		}
		if !ok {
			return
		}
		plan, err = d.bindCollections(ctx, conn, plan)
		if err != nil {
			yield(nil, err)
			return
		}

		offset := opts.Offset
		yielded := 0
		for {
			size := step
			if opts.Limit > 0 {
				size = min(step, opts.Limit-yielded)
			}
			if size <= 0 {
				return
			}

			records, err := d.fetch(ctx, conn, plan.WithWindow(size, offset))
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range records {
				if !yield(rec, nil) {
					return
				}
			}
			yielded += len(records)
			offset += len(records)
			if len(records) < size {
				return
			}
		}
	}
}
