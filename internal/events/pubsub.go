package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
)

const publishTimeout = 30 * time.Second

// PubSubPublisher sends each event as a JSON message. Attributes carry the
// routing fields so subscribers can filter without decoding.
type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	owned  bool
	logger *slog.Logger
}

func NewPubSubPublisher(ctx context.Context, projectID, topicID string, logger *slog.Logger, opts ...option.ClientOption) (*PubSubPublisher, error) {
	if projectID == "" {
		return nil, common.NewAppError(common.CodeConfig, "pubsub project id is required", common.ErrInvalidInput)
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	p, err := NewPubSubPublisherWithClient(ctx, client, topicID, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	p.owned = true
	return p, nil
}

// NewPubSubPublisherWithClient creates topicID when missing. Close leaves the
// client open.
func NewPubSubPublisherWithClient(ctx context.Context, client *pubsub.Client, topicID string, logger *slog.Logger) (*PubSubPublisher, error) {
	if topicID == "" {
		return nil, common.NewAppError(common.CodeConfig, "pubsub topic is required", common.ErrInvalidInput)
	}
	topic := client.Topic(topicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %q: %w", topicID, err)
	}
	if !ok {
		if topic, err = client.CreateTopic(ctx, topicID); err != nil {
			return nil, fmt.Errorf("create topic %q: %w", topicID, err)
		}
	}
	return &PubSubPublisher{client: client, topic: topic, logger: common.OrDefault(logger)}, nil
}

func (p *PubSubPublisher) Publish(ctx context.Context, ev entity.StatusEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	res := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"receipt_id": ev.ReceiptID.String(),
			"owner_id":   ev.OwnerID,
			"status":     string(ev.Status),
			"attempt":    strconv.Itoa(ev.AttemptCount),
		},
	})
	id, err := res.Get(ctx)
	if err != nil {
		p.logger.Warn("events.pubsub.publish_failed", "receipt_id", ev.ReceiptID, "error", err)
		return common.NewTransientError("publish status event", err)
	}
	p.logger.Debug("events.pubsub.published", "receipt_id", ev.ReceiptID, "message_id", id)
	return nil
}

func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	if p.owned {
		return p.client.Close()
	}
	return nil
}
