// Package outbox stores order events in the order transaction and relays
// them to Kafka afterwards.
package outbox

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/xenking/flashkart/internal/domain/checkout"
	"github.com/xenking/flashkart/internal/domain/order"
)

var _ checkout.Events = (*Emitter)(nil)

// Record is one pending event.
type Record struct {
	ID        int64
	EventID   string
	Type      string
	Key       string
	Payload   []byte
	Headers   map[string]string
	Attempts  int
	CreatedAt time.Time
}

// Store persists records. Insert joins the transaction carried by ctx.
type Store interface {
	Insert(ctx context.Context, r Record) error
	// Claim leases up to limit unsent records so concurrent relays do not
	// publish the same record.
	Claim(ctx context.Context, limit int, lease time.Duration) ([]Record, error)
	MarkSent(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, id int64, reason string) error
}

// Emitter writes order events to the outbox.
type Emitter struct {
	store Store
	now   func() time.Time
}

// NewEmitter creates an Emitter.
func NewEmitter(store Store) *Emitter {
	return &Emitter{store: store, now: time.Now}
}

// Emit implements checkout.Events.
func (e *Emitter) Emit(ctx context.Context, topic string, o *order.Order) error {
	now := e.now().UTC()
	r := Record{
		EventID:   uuid.New().String(),
		Type:      topic,
		Key:       o.ID,
		Headers:   traceHeaders(ctx),
		CreatedAt: now,
	}
	r.Payload = encodeOrderEvent(r.EventID, topic, o, now)

	if err := e.store.Insert(ctx, r); err != nil {
		return errors.Wrapf(err, "insert %s event", topic)
	}
	return nil
}

func encodeOrderEvent(eventID, topic string, o *order.Order, at time.Time) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("id")
	e.Str(eventID)
	e.FieldStart("type")
	e.Str(topic)
	e.FieldStart("occurredAt")
	e.Str(at.Format(time.RFC3339Nano))
	e.FieldStart("order")
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("userId")
	e.Str(o.UserID)
	e.FieldStart("paymentMethod")
	e.Str(string(o.PaymentMethod))
	e.FieldStart("paymentStatus")
	e.Str(string(o.PaymentStatus))
	e.FieldStart("fulfillmentStatus")
	e.Str(string(o.FulfillmentStatus))
	e.FieldStart("total")
	e.Str(o.Total.StringFixed(2))
	e.FieldStart("items")
	e.ArrStart()
	for _, l := range o.Lines {
		e.ObjStart()
		e.FieldStart("unitId")
		e.Str(l.UnitID)
		e.FieldStart("quantity")
		e.Int(l.Quantity)
		e.FieldStart("unitPrice")
		e.Str(l.UnitPrice.StringFixed(2))
		if l.SessionID != "" {
			e.FieldStart("flashSessionId")
			e.Str(l.SessionID)
		}
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
	e.ObjEnd()
	return e.Bytes()
}

func traceHeaders(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}
