package outbox

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Producer publishes messages.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewWriter creates a Kafka producer for brokers.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// Relay moves claimed outbox records to the producer.
type Relay struct {
	store    Store
	producer Producer
	batch    int
	interval time.Duration
	lease    time.Duration
}

// NewRelay creates a Relay. The producer's topic is fixed by the writer.
func NewRelay(store Store, producer Producer, interval time.Duration) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{
		store:    store,
		producer: producer,
		batch:    100,
		interval: interval,
		lease:    30 * time.Second,
	}
}

// Run flushes until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	lg := zctx.From(ctx)
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			lg.Info("Outbox relay stopping")
			return nil
		case <-t.C:
			if _, err := r.Flush(ctx); err != nil {
				lg.Error("Outbox flush", zap.Error(err))
			}
		}
	}
}

// Flush publishes one batch and returns how many records were sent.
// Records that fail to publish stay unsent and are retried after their lease.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	records, err := r.store.Claim(ctx, r.batch, r.lease)
	if err != nil {
		return 0, errors.Wrap(err, "claim")
	}
	if len(records) == 0 {
		return 0, nil
	}

	lg := zctx.From(ctx)
	sent := make([]int64, 0, len(records))
	for _, rec := range records {
		if err := r.producer.WriteMessages(ctx, message(rec)); err != nil {
			lg.Warn("Publish outbox record",
				zap.Int64("id", rec.ID),
				zap.String("type", rec.Type),
				zap.Error(err),
			)
			if err := r.store.MarkFailed(ctx, rec.ID, err.Error()); err != nil {
				return len(sent), errors.Wrap(err, "mark failed")
			}
			continue
		}
		sent = append(sent, rec.ID)
	}

	if len(sent) > 0 {
		if err := r.store.MarkSent(ctx, sent); err != nil {
			return 0, errors.Wrap(err, "mark sent")
		}
		lg.Debug("Outbox flushed", zap.Int("sent", len(sent)))
	}
	return len(sent), nil
}

func message(r Record) kafka.Message {
	headers := make([]kafka.Header, 0, len(r.Headers)+2)
	headers = append(headers,
		kafka.Header{Key: "event_type", Value: []byte(r.Type)},
		kafka.Header{Key: "event_id", Value: []byte(r.EventID)},
	)
	for k, v := range r.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return kafka.Message{
		Key:     []byte(r.Key),
		Value:   r.Payload,
		Headers: headers,
		Time:    r.CreatedAt,
	}
}
