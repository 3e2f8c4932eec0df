package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/spend/admin/internal/admin"
	"github.com/malbeclabs/spend/engine/pkg/config"
	"github.com/malbeclabs/spend/engine/pkg/registry"
	"github.com/malbeclabs/spend/engine/pkg/store"
	"github.com/malbeclabs/spend/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var cfg config.Config
	cfg.RegisterFlags(flag.CommandLine)
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	versionFlag := flag.Bool("version", false, "print the version and exit")
	datasetFlag := flag.String("dataset", "", "dataset the command applies to (or set SPEND_DATASET env var)")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "Run catalog migrations")
	listFlag := flag.Bool("list", false, "List registered datasets")
	registerFlag := flag.String("register", "", "Register the dataset described by a JSON mapping file")
	generateFlag := flag.Bool("generate", false, "Create or extend the tables of --dataset (with --register: of the registered dataset)")
	loadFlag := flag.String("load", "", "Load a CSV file into --dataset")
	queryFlag := flag.Bool("query", false, "Query --dataset and print the JSON result")
	collectFlag := flag.String("collect", "", "Materialize the entries of --dataset matching --cuts/--slice into the named collection")
	invalidateFlag := flag.Bool("invalidate", false, "Clear cached query results of --dataset")
	mirrorFlag := flag.Bool("mirror", false, "Copy the entries of --dataset into ClickHouse")
	flushFlag := flag.Bool("flush", false, "Delete every entry and collection of --dataset, keeping its tables")
	dropFlag := flag.Bool("drop", false, "Drop the tables of --dataset")
	unregisterFlag := flag.Bool("unregister", false, "With --drop, also remove --dataset from the catalog")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	// Load options
	workersFlag := flag.Int("workers", 4, "Concurrent record loads")
	rateFlag := flag.Float64("rate", 0, "Maximum records loaded per second (0 = unlimited)")
	maxErrorsFlag := flag.Int("max-errors", 0, "Abort the load after this many failed rows (0 = never)")
	delimiterFlag := flag.String("delimiter", ",", "CSV field delimiter")

	// Query options
	var qf admin.QueryFlags
	flag.StringVar(&qf.JSON, "query-json", "", "Query as a JSON document; other query flags are ignored")
	flag.StringVar(&qf.Measure, "measure", "", "Measure to sum (default amount)")
	flag.StringVar(&qf.Cuts, "cuts", "", "Cuts, e.g. 'time.year:2010|to:acorp'")
	flag.StringVar(&qf.Slice, "slice", "", "Slice, e.g. 'amount>200;field:foo|to.name!acorp'")
	flag.StringVar(&qf.Drilldowns, "drilldowns", "", "Comma-separated drilldowns, e.g. 'year,to'")
	flag.StringVar(&qf.Order, "order", "", "Comma-separated orders, e.g. 'amount:desc,to'")
	flag.StringVar(&qf.From, "from-collection", "", "Restrict to the members of a collection")
	flag.StringVar(&qf.Into, "into-collection", "", "Add the matching entries to a collection")
	flag.IntVar(&qf.Page, "page", 1, "Result page")
	flag.IntVar(&qf.PageSize, "pagesize", 0, "Results per page (default 10000)")
	flag.BoolVar(&qf.Aggregate, "aggregate", false, "Aggregate instead of listing entries")
	collectionLabelFlag := flag.String("collection-label", "", "Label of a collection created by --collect")

	// Mirror options
	mirrorBatchFlag := flag.Int("mirror-batch-size", 5000, "Rows sent per ClickHouse batch")

	flag.Parse()
	cfg.ApplyEnv()
	if env := os.Getenv("SPEND_DATASET"); env != "" {
		*datasetFlag = env
	}

	if *versionFlag {
		fmt.Printf("spendctl %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	log := logger.New(*verboseFlag)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, Release: version}); err != nil {
			log.Warn("failed to initialize sentry", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := cfg.OpenStore(ctx, log)
	if err != nil {
		return err
	}
	defer client.Close()

	if *migrateFlag {
		a, err := newAdmin(ctx, &cfg, client, log, false)
		if err != nil {
			return err
		}
		return a.Migrate(ctx)
	}

	a, err := newAdmin(ctx, &cfg, client, log, true)
	if err != nil {
		return err
	}

	requireDataset := func(cmd string) error {
		if *datasetFlag == "" {
			return fmt.Errorf("--dataset is required for %s", cmd)
		}
		return nil
	}

	switch {
	case *listFlag:
		return a.List(ctx)

	case *registerFlag != "":
		f, err := os.Open(*registerFlag)
		if err != nil {
			return fmt.Errorf("failed to open mapping: %w", err)
		}
		defer f.Close()
		return a.Register(ctx, f, *generateFlag)

	case *generateFlag:
		if err := requireDataset("--generate"); err != nil {
			return err
		}
		return a.Generate(ctx, *datasetFlag)

	case *loadFlag != "":
		if err := requireDataset("--load"); err != nil {
			return err
		}
		comma, size := utf8.DecodeRuneInString(*delimiterFlag)
		if size == 0 || size != len(*delimiterFlag) {
			return fmt.Errorf("--delimiter must be a single character, got %q", *delimiterFlag)
		}
		f, err := os.Open(*loadFlag)
		if err != nil {
			return fmt.Errorf("failed to open data file: %w", err)
		}
		defer f.Close()
		return a.Load(ctx, *datasetFlag, f, admin.LoadOptions{
			Workers:       *workersFlag,
			RatePerSecond: *rateFlag,
			MaxErrors:     *maxErrorsFlag,
			Comma:         comma,
		})

	case *queryFlag:
		if err := requireDataset("--query"); err != nil {
			return err
		}
		q, err := qf.Query()
		if err != nil {
			return err
		}
		return a.Query(ctx, *datasetFlag, q)

	case *collectFlag != "":
		if err := requireDataset("--collect"); err != nil {
			return err
		}
		q, err := qf.Query()
		if err != nil {
			return err
		}
		return a.Collect(ctx, *datasetFlag, *collectFlag, *collectionLabelFlag, q.Filter)

	case *invalidateFlag:
		if err := requireDataset("--invalidate"); err != nil {
			return err
		}
		return a.Invalidate(ctx, *datasetFlag)

	case *mirrorFlag:
		if err := requireDataset("--mirror"); err != nil {
			return err
		}
		ch, err := cfg.OpenClickHouse(ctx, log)
		if err != nil {
			return err
		}
		defer ch.Close()
		conn, err := ch.Conn(ctx)
		if err != nil {
			return fmt.Errorf("failed to get clickhouse connection: %w", err)
		}
		defer conn.Close()
		return a.Mirror(ctx, *datasetFlag, conn, *mirrorBatchFlag)

	case *flushFlag:
		if err := requireDataset("--flush"); err != nil {
			return err
		}
		return a.Flush(ctx, *datasetFlag, admin.DestructiveOptions{DryRun: *dryRunFlag, Yes: *yesFlag})

	case *dropFlag:
		if err := requireDataset("--drop"); err != nil {
			return err
		}
		return a.Drop(ctx, *datasetFlag, *unregisterFlag, admin.DestructiveOptions{DryRun: *dryRunFlag, Yes: *yesFlag})
	}

	flag.Usage()
	return errors.New("no command given")
}

// newAdmin builds the admin over an opened store. withCache attaches the
// configured result cache so that writes invalidate what the engine serves.
func newAdmin(ctx context.Context, cfg *config.Config, client store.Client, log *slog.Logger, withCache bool) (*admin.Admin, error) {
	rcfg := registry.Config{Logger: log, Client: client}
	if withCache {
		st, err := cfg.OpenCacheStore(ctx, log)
		if err != nil {
			return nil, err
		}
		rcfg.CacheStore = st
	}
	reg, err := registry.New(rcfg)
	if err != nil {
		return nil, err
	}
	return admin.New(admin.Config{Logger: log, Client: client, Registry: reg})
}
