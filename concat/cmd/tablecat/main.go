package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/tablecat/concat/pkg/chunk"
	"github.com/malbeclabs/tablecat/concat/pkg/concat"
	"github.com/malbeclabs/tablecat/concat/pkg/metrics"
	"github.com/malbeclabs/tablecat/concat/pkg/schema"
	"github.com/malbeclabs/tablecat/concat/pkg/server"
	"github.com/malbeclabs/tablecat/concat/pkg/store"
	"github.com/malbeclabs/tablecat/concat/pkg/store/memstore"
	"github.com/malbeclabs/tablecat/concat/pkg/store/pgstore"
	"github.com/malbeclabs/tablecat/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultListenAddr = ":8080"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	logJSONFlag := flag.Bool("log-json", false, "emit JSON logs")
	versionFlag := flag.Bool("version", false, "print version and exit")
	configFlag := flag.String("config", "", "path to a YAML config file (or set TABLECAT_CONFIG env var)")

	// Store configuration
	postgresDSNFlag := flag.String("postgres-dsn", "", "PostgreSQL connection string (or set POSTGRES_DSN env var)")
	memoryFlag := flag.Bool("memory", false, "use an in-memory store instead of PostgreSQL")

	// Executor configuration
	rejectUnsortedFlag := flag.Bool("reject-unsorted-inputs", false, "fail sorted concatenations of inputs without sort order instead of producing an unsorted table")
	reorderRangesFlag := flag.Bool("reorder-ranges", false, "sort new ranges by boundary keys before validating sort order")

	// Server configuration
	listenAddrFlag := flag.String("listen-addr", "", "HTTP listen address (or set LISTEN_ADDR env var)")
	concatenateRateFlag := flag.Float64("concatenate-rate", 0, "concatenate requests per second per client IP")
	concatenateBurstFlag := flag.Int("concatenate-burst", 0, "concatenate request burst per client IP")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "Run PostgreSQL migrations using goose")
	migrateStatusFlag := flag.Bool("migrate-status", false, "Show PostgreSQL migration status")
	serveFlag := flag.Bool("serve", false, "Serve the HTTP API")
	concatenateFlag := flag.Bool("concatenate", false, "Concatenate --src tables into --dst")
	createTableFlag := flag.Bool("create-table", false, "Create table --path, with --schema if given")
	writeRowsFlag := flag.Bool("write-rows", false, "Write JSON lines from --rows (or stdin) to table --path as one chunk")
	describeFlag := flag.Bool("describe", false, "Print the attributes of table --path")

	// Command options
	srcFlag := flag.StringSlice("src", nil, "source rich path, repeatable")
	dstFlag := flag.String("dst", "", "destination rich path")
	pathFlag := flag.String("path", "", "table path")
	schemaFlag := flag.String("schema", "", "table schema as JSON")
	rowsFlag := flag.String("rows", "-", "JSON lines file to read rows from, - for stdin")
	sortColumnsFlag := flag.StringSlice("sort-columns", nil, "chunk sort columns for --write-rows")
	uniqueKeysFlag := flag.Bool("unique-keys", false, "declare chunk keys unique for --write-rows")
	appendFlag := flag.Bool("append", false, "append rows instead of replacing them for --write-rows")

	flag.Parse()

	if *versionFlag {
		fmt.Printf("tablecat %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	if envConfig := os.Getenv("TABLECAT_CONFIG"); envConfig != "" && !flag.CommandLine.Changed("config") {
		*configFlag = envConfig
	}
	fileCfg, err := loadFileConfig(*configFlag)
	if err != nil {
		return err
	}

	log := logger.NewWithOptions(logger.Options{Verbose: *verboseFlag, JSON: *logJSONFlag})
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	// Config file values, then environment variables, then explicitly set flags.
	applyDefault(postgresDSNFlag, "postgres-dsn", fileCfg.PostgresDSN, "POSTGRES_DSN")
	applyDefault(listenAddrFlag, "listen-addr", fileCfg.ListenAddr, "LISTEN_ADDR")
	if *listenAddrFlag == "" {
		*listenAddrFlag = defaultListenAddr
	}
	if !flag.CommandLine.Changed("reject-unsorted-inputs") {
		*rejectUnsortedFlag = fileCfg.RejectUnsortedInputs
	}
	if !flag.CommandLine.Changed("reorder-ranges") {
		*reorderRangesFlag = fileCfg.ReorderRanges
	}
	if !flag.CommandLine.Changed("concatenate-rate") {
		*concatenateRateFlag = fileCfg.ConcatenateRate
	}
	if !flag.CommandLine.Changed("concatenate-burst") {
		*concatenateBurstFlag = fileCfg.ConcatenateBurst
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	migrationCfg := pgstore.MigrationConfig{DSN: *postgresDSNFlag}
	if *migrateFlag {
		if *postgresDSNFlag == "" {
			return fmt.Errorf("--postgres-dsn is required for --migrate")
		}
		return pgstore.RunMigrations(ctx, log, migrationCfg)
	}
	if *migrateStatusFlag {
		if *postgresDSNFlag == "" {
			return fmt.Errorf("--postgres-dsn is required for --migrate-status")
		}
		return pgstore.MigrationStatus(ctx, log, migrationCfg)
	}

	st, ready, closeStore, err := openStore(ctx, log, *memoryFlag, *postgresDSNFlag)
	if err != nil {
		return err
	}
	defer closeStore()

	executor, err := concat.New(concat.Config{
		Logger:               log,
		Store:                st,
		RejectUnsortedInputs: *rejectUnsortedFlag,
		ReorderRanges:        *reorderRangesFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}

	switch {
	case *serveFlag:
		srv, err := server.New(server.Config{
			Logger:      log,
			ListenAddr:  *listenAddrFlag,
			VersionInfo: server.VersionInfo{Version: version, Commit: commit, Date: date},
			Store:       st,
			Executor:    executor,
			Ready:       ready,

			ConcatenateRate:  rate.Limit(*concatenateRateFlag),
			ConcatenateBurst: *concatenateBurstFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.Run(gctx)
		})
		return g.Wait()

	case *concatenateFlag:
		if *dstFlag == "" {
			return fmt.Errorf("--dst is required for --concatenate")
		}
		res, err := executor.ConcatenatePaths(ctx, *srcFlag, *dstFlag, concat.Options{})
		if err != nil {
			return err
		}
		return printJSON(res)

	case *createTableFlag:
		if *pathFlag == "" {
			return fmt.Errorf("--path is required for --create-table")
		}
		attrs := map[string]any{}
		if *schemaFlag != "" {
			var s schema.Schema
			if err := json.Unmarshal([]byte(*schemaFlag), &s); err != nil {
				return fmt.Errorf("failed to parse --schema: %w", err)
			}
			attrs[store.AttrSchema] = s
		}
		return withTx(ctx, st, "Creating "+*pathFlag, func(tx store.Tx) error {
			id, err := tx.Create(ctx, store.NodeTypeTable, *pathFlag, attrs)
			if err != nil {
				return err
			}
			log.Info("table created", "path", *pathFlag, "id", id)
			return nil
		})

	case *writeRowsFlag:
		if *pathFlag == "" {
			return fmt.Errorf("--path is required for --write-rows")
		}
		rows, err := readRows(*rowsFlag)
		if err != nil {
			return err
		}
		opts := store.WriteRowsOptions{
			Append:      *appendFlag,
			SortColumns: schema.AscendingColumns(*sortColumnsFlag...),
			UniqueKeys:  *uniqueKeysFlag,
		}
		return withTx(ctx, st, "Writing "+*pathFlag, func(tx store.Tx) error {
			if err := tx.WriteRows(ctx, *pathFlag, rows, opts); err != nil {
				return err
			}
			log.Info("rows written", "path", *pathFlag, "rows", len(rows))
			return nil
		})

	case *describeFlag:
		if *pathFlag == "" {
			return fmt.Errorf("--path is required for --describe")
		}
		var meta store.TableMeta
		err := withTx(ctx, st, "Describing "+*pathFlag, func(tx store.Tx) error {
			var err error
			meta, err = store.ReadTableMeta(ctx, tx, *pathFlag)
			return err
		})
		if err != nil {
			return err
		}
		return printJSON(meta)
	}

	flag.Usage()
	return nil
}

// applyDefault fills a string flag that was not set explicitly from the environment, falling back
// to the config file value.
func applyDefault(value *string, name, fileValue, env string) {
	if flag.CommandLine.Changed(name) {
		return
	}
	if v := os.Getenv(env); v != "" {
		*value = v
		return
	}
	if fileValue != "" {
		*value = fileValue
	}
}

func openStore(ctx context.Context, log *slog.Logger, memory bool, dsn string) (store.Store, func(context.Context) error, func(), error) {
	if memory {
		st, err := memstore.New(memstore.Config{Logger: log})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create memory store: %w", err)
		}
		return st, nil, func() {}, nil
	}
	if dsn == "" {
		return nil, nil, nil, fmt.Errorf("--postgres-dsn or --memory is required")
	}
	pool, err := pgstore.Connect(ctx, log, dsn)
	if err != nil {
		return nil, nil, nil, err
	}
	st, err := pgstore.New(pgstore.Config{Logger: log, Pool: pool})
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("failed to create postgres store: %w", err)
	}
	ready := func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return pool.Ping(pingCtx)
	}
	return st, ready, pool.Close, nil
}

func withTx(ctx context.Context, st store.Store, title string, fn func(store.Tx) error) error {
	tx, err := st.Begin(ctx, store.BeginOptions{Title: title})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Abort(context.WithoutCancel(ctx))
		return err
	}
	return tx.Commit(ctx)
}

func readRows(path string) ([]chunk.Row, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open rows file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var rows []chunk.Row
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text))
		dec.UseNumber()
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("failed to parse row on line %d: %w", line, err)
		}
		row := make(chunk.Row, len(m))
		for k, v := range m {
			row[k] = chunk.NormalizeValue(v)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return rows, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
