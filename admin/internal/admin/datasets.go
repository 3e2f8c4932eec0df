package admin

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/malbeclabs/spend/engine/pkg/dataset"
	"github.com/malbeclabs/spend/engine/pkg/loader"
	"github.com/malbeclabs/spend/engine/pkg/store"
)

// Register reads a mapping document and saves it in the catalog. With generate
// set, the dataset's tables are created as well.
func (a *Admin) Register(ctx context.Context, r io.Reader, generate bool) error {
	doc, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read mapping: %w", err)
	}
	model, err := dataset.ParseModel(doc)
	if err != nil {
		return err
	}
	h, err := a.cfg.Registry.Register(ctx, model)
	if err != nil {
		return err
	}
	a.printf("Registered dataset '%s' (%d fields)\n", h.Dataset.Name(), len(h.Dataset.Fields()))
	if !generate {
		return nil
	}
	return a.Generate(ctx, h.Dataset.Name())
}

// Generate creates or extends the tables of a dataset.
func (a *Admin) Generate(ctx context.Context, name string) error {
	h, err := a.cfg.Registry.Get(ctx, name)
	if err != nil {
		return err
	}
	err = a.withConn(ctx, func(conn store.Conn) error {
		return h.Dataset.Generate(ctx, conn)
	})
	if err != nil {
		return err
	}
	a.printf("Generated %d table(s) for dataset '%s'\n", len(h.Dataset.Schema().Tables()), name)
	return nil
}

// List prints every registered dataset with its entry count.
func (a *Admin) List(ctx context.Context) error {
	handles, err := a.cfg.Registry.All(ctx)
	if err != nil {
		return err
	}
	if len(handles) == 0 {
		a.printf("No datasets registered\n")
		return nil
	}

	w := tabwriter.NewWriter(a.cfg.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tLABEL\tCURRENCY\tPRIVATE\tENTRIES")
	for _, h := range handles {
		entries := "-"
		err := a.withConn(ctx, func(conn store.Conn) error {
			ok, err := h.Dataset.IsGenerated(ctx, conn)
			if err != nil || !ok {
				return err
			}
			n, err := h.Dataset.Len(ctx, conn)
			if err != nil {
				return err
			}
			entries = fmt.Sprint(n)
			return nil
		})
		if err != nil {
			return err
		}
		ds := h.Dataset
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", ds.Name(), ds.Label(), ds.Currency(), ds.Private(), entries)
	}
	return w.Flush()
}

type LoadOptions struct {
	Workers       int
	RatePerSecond float64
	MaxErrors     int
	Comma         rune
}

// Load streams a CSV file into a dataset, generating its tables first. Cached
// results of the dataset are cleared afterwards, also when the run failed part
// way.
func (a *Admin) Load(ctx context.Context, name string, r io.Reader, opts LoadOptions) error {
	h, err := a.cfg.Registry.Get(ctx, name)
	if err != nil {
		return err
	}
	err = a.withConn(ctx, func(conn store.Conn) error {
		return h.Dataset.Generate(ctx, conn)
	})
	if err != nil {
		return err
	}

	l, err := loader.New(loader.Config{
		Logger:        a.log,
		Client:        a.cfg.Client,
		Dataset:       h.Dataset,
		Workers:       opts.Workers,
		RatePerSecond: opts.RatePerSecond,
		MaxErrors:     opts.MaxErrors,
		Comma:         opts.Comma,
	})
	if err != nil {
		return err
	}
	report, loadErr := l.LoadCSV(ctx, r)
	if err := h.Cache.Invalidate(ctx); err != nil {
		a.log.Warn("admin: failed to invalidate cache", "dataset", name, "error", err)
	}
	if report != nil {
		a.printf("Loaded %d row(s) into '%s', %d failed (%s)\n", report.Loaded, name, report.Failed, report.Duration.Round(time.Millisecond))
		for _, rowErr := range report.Errors {
			a.printf("  - %s\n", rowErr.Error())
		}
	}
	return loadErr
}

// Drop removes the tables of a dataset. With unregister set, its catalog entry
// is deleted too.
func (a *Admin) Drop(ctx context.Context, name string, unregister bool, opts DestructiveOptions) error {
	h, err := a.cfg.Registry.Get(ctx, name)
	if err != nil {
		return err
	}
	ds := h.Dataset

	a.printf("WARNING: This will DROP the tables of dataset '%s':\n\n", name)
	for _, table := range []string{ds.Schema().Entry, ds.Schema().Collection, ds.Schema().CollectionEntry} {
		a.printf("  - %s\n", table)
	}
	for _, table := range ds.Schema().Lookups {
		a.printf("  - %s (unless shared)\n", table)
	}
	if unregister {
		a.printf("\nThe dataset will also be removed from the catalog.\n")
	}

	if opts.DryRun {
		a.printf("\n[DRY RUN] Would drop the above tables\n")
		return nil
	}
	if !opts.Yes {
		ok, err := a.confirm()
		if err != nil || !ok {
			return err
		}
	}

	err = a.withConn(ctx, func(conn store.Conn) error {
		if err := ds.Drop(ctx, conn); err != nil {
			return err
		}
		if unregister {
			return a.cfg.Registry.Catalog().Delete(ctx, conn, name)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := h.Cache.Invalidate(ctx); err != nil {
		a.log.Warn("admin: failed to invalidate cache", "dataset", name, "error", err)
	}
	if unregister {
		a.cfg.Registry.Forget(name)
	}
	a.printf("Dropped dataset '%s'\n", name)
	return nil
}

// Flush deletes every entry and collection of a dataset but keeps its tables.
func (a *Admin) Flush(ctx context.Context, name string, opts DestructiveOptions) error {
	h, err := a.cfg.Registry.Get(ctx, name)
	if err != nil {
		return err
	}

	var n int64
	err = a.withConn(ctx, func(conn store.Conn) error {
		ok, err := h.Dataset.IsGenerated(ctx, conn)
		if err != nil || !ok {
			return err
		}
		n, err = h.Dataset.Len(ctx, conn)
		return err
	})
	if err != nil {
		return err
	}

	a.printf("WARNING: This will DELETE %d entries and every collection of dataset '%s'\n", n, name)
	if opts.DryRun {
		a.printf("\n[DRY RUN] Would flush the dataset\n")
		return nil
	}
	if !opts.Yes {
		ok, err := a.confirm()
		if err != nil || !ok {
			return err
		}
	}

	err = a.withConn(ctx, func(conn store.Conn) error {
		return h.Dataset.Flush(ctx, conn)
	})
	if err != nil {
		return err
	}
	if err := h.Cache.Invalidate(ctx); err != nil {
		a.log.Warn("admin: failed to invalidate cache", "dataset", name, "error", err)
	}
	a.printf("Flushed dataset '%s'\n", name)
	return nil
}
