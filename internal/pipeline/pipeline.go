// Package pipeline assembles the receipt pipeline from configuration: storage,
// queue, extraction stages, workers and the services on top of them.
package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/events"
	"github.com/joseph-ayodele/receipts-pipeline/internal/export"
	"github.com/joseph-ayodele/receipts-pipeline/internal/ingest"
	"github.com/joseph-ayodele/receipts-pipeline/internal/llm"
	"github.com/joseph-ayodele/receipts-pipeline/internal/llm/provider"
	"github.com/joseph-ayodele/receipts-pipeline/internal/normalize"
	"github.com/joseph-ayodele/receipts-pipeline/internal/ocr"
	"github.com/joseph-ayodele/receipts-pipeline/internal/preprocess"
	"github.com/joseph-ayodele/receipts-pipeline/internal/queue"
	"github.com/joseph-ayodele/receipts-pipeline/internal/receipts"
	"github.com/joseph-ayodele/receipts-pipeline/internal/repository"
	"github.com/joseph-ayodele/receipts-pipeline/internal/storage"
	"github.com/joseph-ayodele/receipts-pipeline/internal/worker"
)

// Pipeline holds every long-lived component. Fields left nil were not
// requested by the Build options.
type Pipeline struct {
	Config *common.Config
	Logger *slog.Logger

	DB          *repository.DB
	ReceiptRepo repository.ReceiptRepository
	Queue       queue.Queue
	Content     storage.ContentStore
	Events      events.Publisher

	Preprocess *preprocess.Preprocessor
	OCR        *ocr.Adapter
	Extractor  *llm.Engine
	Normalizer *normalize.Normalizer
	Processor  *worker.Processor

	Ingest   *ingest.Service
	Receipts *receipts.Service
	Export   *export.Service

	closers []func() error
}

type buildOptions struct {
	ocr        bool
	store      bool
	extraction bool
}

type Option func(*buildOptions)

// WithStore opens the database, content store, queue and events publisher and
// builds the ingest, receipts and export services.
func WithStore() Option { return func(o *buildOptions) { o.store = true } }

// WithExtraction builds preprocessing, OCR, the model engine and the
// normalizer. Combined with WithStore it also builds the worker processor.
func WithExtraction() Option { return func(o *buildOptions) { o.extraction = true } }

// WithOCR builds preprocessing and OCR only.
func WithOCR() Option { return func(o *buildOptions) { o.ocr = true } }

// Build validates cfg for the requested parts and wires them. On error
// everything opened so far is closed.
func Build(ctx context.Context, cfg *common.Config, logger *slog.Logger, opts ...Option) (p *Pipeline, err error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	built := &Pipeline{Config: cfg, Logger: common.OrDefault(logger)}
	p = built
	defer func() {
		if err != nil {
			_ = built.Close()
			p = nil
		}
	}()

	if o.store {
		if err := cfg.ValidateCore(); err != nil {
			return nil, err
		}
		if err := p.buildStore(ctx); err != nil {
			return nil, err
		}
	}
	switch {
	case o.extraction:
		if err := cfg.ValidateExtraction(); err != nil {
			return nil, err
		}
		if err := p.buildOCR(ctx); err != nil {
			return nil, err
		}
		if err := p.buildExtraction(ctx); err != nil {
			return nil, err
		}
	case o.ocr:
		if err := cfg.ValidateOCR(); err != nil {
			return nil, err
		}
		if err := p.buildOCR(ctx); err != nil {
			return nil, err
		}
	}
	if o.store && o.extraction {
		p.Processor = worker.NewProcessor(worker.Deps{
			Queue:      p.Queue,
			Receipts:   p.ReceiptRepo,
			Content:    p.Content,
			Preprocess: p.Preprocess,
			OCR:        p.OCR,
			Extractor:  p.Extractor,
			Normalizer: p.Normalizer,
			Events:     p.Events,
		}, worker.ConfigFrom(cfg.Queue), p.Logger)
	}
	if o.store {
		norm := p.Normalizer
		if norm == nil {
			norm = normalize.New(normalize.ConfigFrom(cfg.Validation), p.Logger)
		}
		p.Receipts = receipts.NewService(p.ReceiptRepo, norm, p.Logger)
	}
	return p, nil
}

func (p *Pipeline) buildStore(ctx context.Context) error {
	cfg, log := p.Config, p.Logger

	db, err := repository.Open(ctx, repository.ConfigFrom(cfg.Database), log)
	if err != nil {
		return err
	}
	p.DB = db
	p.closers = append(p.closers, func() error { repository.Close(db, log); return nil })

	if cfg.Database.AutoMigrate {
		if err := repository.Migrate(ctx, db); err != nil {
			return err
		}
	}
	p.ReceiptRepo = repository.NewReceiptRepository(db, log)

	if p.Content, err = storage.New(ctx, cfg.Storage, log); err != nil {
		return err
	}
	p.closers = append(p.closers, p.Content.Close)

	if p.Queue, err = queue.New(cfg.Queue, db, log); err != nil {
		return err
	}
	p.closers = append(p.closers, p.Queue.Close)

	if p.Events, err = events.New(ctx, cfg.Events, log); err != nil {
		return err
	}
	p.closers = append(p.closers, p.Events.Close)

	p.Ingest = ingest.NewService(p.ReceiptRepo, p.Queue, p.Content, cfg.Upload, log)
	p.Export = export.NewService(p.ReceiptRepo, log)
	return nil
}

func (p *Pipeline) buildOCR(ctx context.Context) error {
	cfg, log := p.Config, p.Logger

	p.Preprocess = preprocess.New(preprocess.DefaultOptions(), log)

	engine, err := ocr.NewEngine(ctx, cfg.OCR, log)
	if err != nil {
		return err
	}
	if c, ok := engine.(ocr.Closer); ok {
		p.closers = append(p.closers, c.Close)
	}
	p.OCR = ocr.NewAdapter(engine, cfg.OCR.Timeout, log)
	return nil
}

func (p *Pipeline) buildExtraction(ctx context.Context) error {
	cfg, log := p.Config, p.Logger

	var err error
	if p.Extractor, err = provider.NewEngine(ctx, cfg, log); err != nil {
		return err
	}
	p.Normalizer = normalize.New(normalize.ConfigFrom(cfg.Validation), log)
	return nil
}

// Pool returns a worker pool over the processor, sized from config.
func (p *Pipeline) Pool() *worker.Pool {
	return worker.NewPool(p.Processor, p.Queue, p.Logger,
		worker.WithWorkers(p.Config.Worker.Count),
		worker.WithProcessTimeout(p.Config.Worker.ProcessTimeout),
	)
}

// Close releases components in reverse build order.
func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}
