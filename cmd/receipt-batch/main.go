package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/export"
	"github.com/joseph-ayodele/receipts-pipeline/internal/pipeline"
	"github.com/joseph-ayodele/receipts-pipeline/internal/utils"
)

type options struct {
	dir     string
	owner   string
	out     string
	from    string
	to      string
	wait    time.Duration
	inmem   bool
	process bool
}

func main() {
	fs := ff.NewFlagSet("receipt-batch")
	var (
		dir        = fs.StringLong("dir", "", "directory to ingest receipts from (required)")
		owner      = fs.StringLong("owner", "local-batch", "owner id the receipts are registered under")
		out        = fs.StringLong("out", "", "XLSX output path (defaults to receipts.xlsx next to --dir)")
		from       = fs.StringLong("from", "", "export from date YYYY-MM-DD")
		to         = fs.StringLong("to", "", "export to date YYYY-MM-DD")
		wait       = fs.DurationLong("wait", 10*time.Minute, "how long to wait for processing to finish")
		inmem      = fs.BoolLong("inmem", "use an in-memory SQLite database")
		ingestOnly = fs.BoolLong("ingest-only", "queue the files and exit without processing or export")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("RECEIPT_BATCH")); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *dir == "" {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintln(os.Stderr, "error: --dir is required")
		os.Exit(2)
	}
	opts := options{
		dir: *dir, owner: *owner, out: *out, from: *from, to: *to,
		wait: *wait, inmem: *inmem, process: !*ingestOnly,
	}
	if opts.out == "" {
		opts.out = filepath.Join(filepath.Dir(filepath.Clean(opts.dir)), "receipts.xlsx")
	}

	_ = common.LoadEnvFiles()
	cfg := common.LoadConfig()
	if opts.inmem {
		cfg.Database.Driver = "sqlite"
		cfg.Database.DSN = "file::memory:?cache=shared"
		cfg.Database.AutoMigrate = true
		cfg.Queue.Backend = "sql"
	}

	logger := common.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("batch.failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *common.Config, opts options, logger *slog.Logger) error {
	from, err := utils.ParseYMD(opts.from)
	if err != nil {
		return fmt.Errorf("--from: %w", err)
	}
	to, err := utils.ParseYMD(opts.to)
	if err != nil {
		return fmt.Errorf("--to: %w", err)
	}

	build := []pipeline.Option{pipeline.WithStore()}
	if opts.process {
		build = append(build, pipeline.WithExtraction())
	}
	p, err := pipeline.Build(ctx, cfg, logger, build...)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	results, stats, err := p.Ingest.IngestDirectory(ctx, opts.owner, opts.dir, true)
	if err != nil {
		return err
	}
	var ids []uuid.UUID
	for _, r := range results {
		if r.Err != "" {
			logger.Warn("batch.ingest.file_failed", "path", r.Path, "error", r.Err)
			continue
		}
		if r.ReceiptID != uuid.Nil {
			ids = append(ids, r.ReceiptID)
		}
	}
	logger.Info("batch.ingest.done",
		"scanned", stats.Scanned,
		"matched", stats.Matched,
		"succeeded", stats.Succeeded,
		"duplicate", stats.Duplicate,
		"failed", stats.Failed)

	if !opts.process {
		fmt.Printf("queued %d receipts\n", len(ids))
		return nil
	}

	pool := p.Pool()
	pool.Start(ctx)
	done, failed := waitTerminal(ctx, p, ids, opts.wait, logger)
	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	pool.Shutdown(sctx)
	cancel()

	data, rows, err := p.Export.ExportReceiptsXLSX(ctx, export.Request{OwnerID: opts.owner, From: from, To: to})
	if err != nil {
		return err
	}
	if err := os.WriteFile(opts.out, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", opts.out, err)
	}
	logger.Info("batch.export.done", "path", opts.out, "rows", rows)

	fmt.Printf("Batch complete\n")
	fmt.Printf("- Matched: %d (duplicates %d, failed %d)\n", stats.Matched, stats.Duplicate, stats.Failed)
	fmt.Printf("- Done: %d\n", done)
	fmt.Printf("- Errors: %d\n", failed)
	fmt.Printf("- Exported rows: %d -> %s\n", rows, opts.out)
	return nil
}

// waitTerminal polls until every receipt is done or error, or until timeout.
func waitTerminal(ctx context.Context, p *pipeline.Pipeline, ids []uuid.UUID, timeout time.Duration, logger *slog.Logger) (done, failed int) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pending := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		pending[id] = struct{}{}
	}
	for len(pending) > 0 {
		for id := range pending {
			rec, err := p.ReceiptRepo.Get(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				logger.Warn("batch.wait.get_failed", "receipt_id", id, "error", err)
				delete(pending, id)
				continue
			}
			if !rec.Status.IsTerminal() {
				continue
			}
			delete(pending, id)
			if rec.ErrorDetail != nil {
				failed++
				logger.Warn("batch.receipt.error", "receipt_id", id, "file", rec.OriginalFilename, "detail", *rec.ErrorDetail)
			} else {
				done++
			}
		}
		if len(pending) == 0 {
			break
		}
		if common.Sleep(ctx, 500*time.Millisecond) != nil {
			logger.Warn("batch.wait.timeout", "unfinished", len(pending))
			break
		}
	}
	return done, failed
}
