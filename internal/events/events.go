// Package events publishes receipt status changes to interested consumers.
package events

import (
	"context"
	"log/slog"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
)

const (
	BackendLog    = "log"
	BackendPubSub = "pubsub"
)

// Publisher delivers status events. Publish failures are reported but never
// roll back the state change that produced the event.
type Publisher interface {
	Publish(ctx context.Context, ev entity.StatusEvent) error
	Close() error
}

// New builds the publisher named in cfg.
func New(ctx context.Context, cfg common.EventsConfig, logger *slog.Logger) (Publisher, error) {
	switch cfg.Backend {
	case "", BackendLog:
		return NewLogPublisher(logger), nil
	case BackendPubSub:
		return NewPubSubPublisher(ctx, cfg.ProjectID, cfg.TopicID, logger)
	default:
		return nil, common.NewAppError(common.CodeConfig, "unknown events backend "+cfg.Backend, common.ErrInvalidInput)
	}
}

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: common.OrDefault(logger)}
}

func (p *LogPublisher) Publish(_ context.Context, ev entity.StatusEvent) error {
	p.logger.Info("receipt.status",
		"receipt_id", ev.ReceiptID,
		"owner_id", ev.OwnerID,
		"status", ev.Status,
		"error_detail", ev.ErrorDetail,
		"attempt_count", ev.AttemptCount,
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	ch chan entity.StatusEvent
}

func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan entity.StatusEvent, size)}
}

func (r *Recorder) Publish(_ context.Context, ev entity.StatusEvent) error {
	select {
	case r.ch <- ev:
	default:
	}
	return nil
}

// Events exposes the recorded events in publish order.
func (r *Recorder) Events() <-chan entity.StatusEvent { return r.ch }

func (r *Recorder) Close() error { return nil }
