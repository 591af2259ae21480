package main

import (
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

	"github.com/google/uuid"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/joseph-ayodele/receipts-pipeline/constants"
	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/export"
	"github.com/joseph-ayodele/receipts-pipeline/internal/pipeline"
	"github.com/joseph-ayodele/receipts-pipeline/internal/receipts"
	"github.com/joseph-ayodele/receipts-pipeline/internal/utils"
)

// ctl holds what every subcommand shares. The pipeline is built lazily so
// --help never touches the database.
type ctl struct {
	envFile *string
	stdout  io.Writer
	cfg     *common.Config
	logger  *slog.Logger
	p       *pipeline.Pipeline
}

func (c *ctl) open(ctx context.Context) (*pipeline.Pipeline, error) {
	if c.p != nil {
		return c.p, nil
	}
	if err := common.LoadEnvFiles(*c.envFile); err != nil {
		return nil, err
	}
	c.cfg = common.LoadConfig()
	c.logger = common.NewLogger(c.cfg.Log)
	p, err := pipeline.Build(ctx, c.cfg, c.logger, pipeline.WithStore())
	if err != nil {
		return nil, err
	}
	c.p = p
	return p, nil
}

func (c *ctl) close() {
	if c.p != nil {
		_ = c.p.Close()
	}
}

func (c *ctl) printJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	os.Exit(run())
}

func run() int {
	c := &ctl{stdout: os.Stdout}
	root := newRootCommand(c)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer c.close()

	err := root.ParseAndRun(ctx, os.Args[1:], ff.WithEnvVarPrefix("RECEIPTSCTL"))
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ff.ErrHelp), errors.Is(err, ff.ErrNoExec):
		sel := root.GetSelected()
		if sel == nil {
			sel = root
		}
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(sel))
		return 2
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
}

func newRootCommand(c *ctl) *ff.Command {
	rootFlags := ff.NewFlagSet("receiptsctl")
	c.envFile = rootFlags.StringLong("env-file", ".env", "dotenv file loaded before reading configuration")

	return &ff.Command{
		Name:      "receiptsctl",
		Usage:     "receiptsctl [flags] <subcommand> ...",
		ShortHelp: "operate on stored receipts",
		Flags:     rootFlags,
		Subcommands: []*ff.Command{
			getCommand(c, rootFlags),
			listCommand(c, rootFlags),
			reprocessCommand(c, rootFlags),
			deleteCommand(c, rootFlags),
			exportCommand(c, rootFlags),
			sweepCommand(c, rootFlags),
			statsCommand(c, rootFlags),
		},
	}
}

func receiptArg(args []string) (uuid.UUID, error) {
	if len(args) != 1 {
		return uuid.Nil, errors.New("exactly one receipt id is required")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid receipt id %q: %w", args[0], err)
	}
	return id, nil
}

func getCommand(c *ctl, parent *ff.FlagSet) *ff.Command {
	fs := ff.NewFlagSet("get").SetParent(parent)
	return &ff.Command{
		Name:      "get",
		Usage:     "receiptsctl get <receipt-id>",
		ShortHelp: "print one receipt as JSON",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			id, err := receiptArg(args)
			if err != nil {
				return err
			}
			p, err := c.open(ctx)
			if err != nil {
				return err
			}
			rec, err := p.Receipts.GetReceipt(ctx, id)
			if err != nil {
				return err
			}
			return c.printJSON(rec)
		},
	}
}

func listCommand(c *ctl, parent *ff.FlagSet) *ff.Command {
	fs := ff.NewFlagSet("list").SetParent(parent)
	var (
		owner  = fs.StringLong("owner", "", "owner id (required)")
		status = fs.StringLong("status", "", "comma separated statuses")
		from   = fs.StringLong("from", "", "from date YYYY-MM-DD")
		to     = fs.StringLong("to", "", "to date YYYY-MM-DD")
		limit  = fs.IntLong("limit", 50, "page size")
		offset = fs.IntLong("offset", 0, "page offset")
	)
	return &ff.Command{
		Name:      "list",
		Usage:     "receiptsctl list --owner <id> [flags]",
		ShortHelp: "list receipts for an owner",
		Flags:     fs,
		Exec: func(ctx context.Context, _ []string) error {
			p, err := c.open(ctx)
			if err != nil {
				return err
			}
			var statuses []string
			if *status != "" {
				statuses = strings.Split(*status, ",")
			}
			recs, err := p.Receipts.ListReceipts(ctx, receipts.ListReceiptsRequest{
				OwnerID:  *owner,
				Statuses: statuses,
				FromDate: *from,
				ToDate:   *to,
				Limit:    *limit,
				Offset:   *offset,
			})
			if err != nil {
				return err
			}
			for _, r := range recs {
				fmt.Fprintf(c.stdout, "%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Status, utils.DateOrEmpty(r.Date), utils.StrOrEmpty(r.Vendor), utils.DecimalOrEmpty(r.TotalAmount))
			}
			return nil
		},
	}
}

func reprocessCommand(c *ctl, parent *ff.FlagSet) *ff.Command {
	fs := ff.NewFlagSet("reprocess").SetParent(parent)
	return &ff.Command{
		Name:      "reprocess",
		Usage:     "receiptsctl reprocess <receipt-id>",
		ShortHelp: "queue a done or error receipt for another extraction",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			id, err := receiptArg(args)
			if err != nil {
				return err
			}
			p, err := c.open(ctx)
			if err != nil {
				return err
			}
			rec, err := p.Ingest.Reprocess(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "%s\t%s\n", rec.ID, rec.Status)
			return nil
		},
	}
}

func deleteCommand(c *ctl, parent *ff.FlagSet) *ff.Command {
	fs := ff.NewFlagSet("delete").SetParent(parent)
	return &ff.Command{
		Name:      "delete",
		Usage:     "receiptsctl delete <receipt-id>",
		ShortHelp: "delete a receipt, its queued job and its stored content",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			id, err := receiptArg(args)
			if err != nil {
				return err
			}
			p, err := c.open(ctx)
			if err != nil {
				return err
			}
			if err := p.Ingest.Delete(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "deleted %s\n", id)
			return nil
		},
	}
}

func exportCommand(c *ctl, parent *ff.FlagSet) *ff.Command {
	fs := ff.NewFlagSet("export").SetParent(parent)
	var (
		owner  = fs.StringLong("owner", "", "owner id (required)")
		status = fs.StringLong("status", "", "comma separated statuses (default all)")
		from   = fs.StringLong("from", "", "from date YYYY-MM-DD")
		to     = fs.StringLong("to", "", "to date YYYY-MM-DD")
		out    = fs.StringLong("out", "receipts.xlsx", "output XLSX path")
	)
	return &ff.Command{
		Name:      "export",
		Usage:     "receiptsctl export --owner <id> [flags]",
		ShortHelp: "write an owner's receipts to an XLSX workbook",
		Flags:     fs,
		Exec: func(ctx context.Context, _ []string) error {
			req := export.Request{OwnerID: *owner}
			var err error
			if req.From, err = utils.ParseYMD(*from); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			if req.To, err = utils.ParseYMD(*to); err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			if *status != "" {
				if req.Statuses, err = utils.ParseStatuses([]string{*status}); err != nil {
					return err
				}
			}
			p, err := c.open(ctx)
			if err != nil {
				return err
			}
			data, rows, err := p.Export.ExportReceiptsXLSX(ctx, req)
			if err != nil {
				return err
			}
			if err := os.WriteFile(*out, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "wrote %d receipts to %s\n", rows, *out)
			return nil
		},
	}
}

func sweepCommand(c *ctl, parent *ff.FlagSet) *ff.Command {
	fs := ff.NewFlagSet("sweep").SetParent(parent)
	var (
		age   = fs.DurationLong("age", 0, "minimum age of pending receipts (default SWEEP_PENDING_AGE)")
		limit = fs.IntLong("limit", 500, "maximum receipts to requeue")
	)
	return &ff.Command{
		Name:      "sweep",
		Usage:     "receiptsctl sweep [flags]",
		ShortHelp: "requeue pending receipts whose job was lost",
		Flags:     fs,
		Exec: func(ctx context.Context, _ []string) error {
			p, err := c.open(ctx)
			if err != nil {
				return err
			}
			d := *age
			if d <= 0 {
				d = c.cfg.Sweep.PendingAge
			}
			n, err := p.Ingest.SweepPending(ctx, d, *limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "requeued %d receipts older than %s\n", n, d.Round(time.Second))
			return nil
		},
	}
}

func statsCommand(c *ctl, parent *ff.FlagSet) *ff.Command {
	fs := ff.NewFlagSet("stats").SetParent(parent)
	owner := fs.StringLong("owner", "", "owner id (default all owners)")
	return &ff.Command{
		Name:      "stats",
		Usage:     "receiptsctl stats [--owner <id>]",
		ShortHelp: "count receipts per status and show the queue depth",
		Flags:     fs,
		Exec: func(ctx context.Context, _ []string) error {
			p, err := c.open(ctx)
			if err != nil {
				return err
			}
			counts, err := p.Receipts.CountByStatus(ctx, *owner)
			if err != nil {
				return err
			}
			total := 0
			for _, st := range constants.AllStatuses() {
				fmt.Fprintf(c.stdout, "%s\t%d\n", st, counts[st])
				total += counts[st]
			}
			fmt.Fprintf(c.stdout, "total\t%d\n", total)
			depth, err := p.Queue.Depth(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "queued\t%d\n", depth)
			return nil
		},
	}
}
