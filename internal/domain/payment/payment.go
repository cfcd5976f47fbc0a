// Package payment applies asynchronous payment gateway callbacks to orders.
package payment

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// ErrVerificationFailed is returned when a callback signature does not match
// the payload.
var ErrVerificationFailed = errors.New("payment signature verification failed")

// Gateway event names acted upon. Anything else is acknowledged and ignored.
const (
	EventPaymentCaptured = "payment.captured"
	EventOrderPaid       = "order.paid"
	EventPaymentFailed   = "payment.failed"
)

// Outcome describes what a callback did.
type Outcome string

const (
	OutcomePaid          Outcome = "paid"
	OutcomeAttemptFailed Outcome = "attempt_failed"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeNoop          Outcome = "noop"
	OutcomeIgnored       Outcome = "ignored"
)

// Ack is returned for every verified callback. The gateway only needs a 2xx.
type Ack struct {
	Outcome Outcome
	OrderID string
	EventID string
}

// Event is the part of a gateway webhook the handler reads.
type Event struct {
	Name string
	// PaymentID is the gateway transaction id.
	PaymentID string
	// OrderRef is the gateway-side order reference stored on the order.
	OrderRef string
	Status   string
	// Amount is in minor currency units.
	Amount int64
}

// ParseEvent decodes the webhook envelope
//
//	{"event": "...", "payload": {"payment": {"entity": {...}}}}
//
// Unknown fields are skipped.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	d := jx.DecodeBytes(data)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "event":
			s, err := d.Str()
			ev.Name = s
			return err
		case "payload":
			return d.Obj(func(d *jx.Decoder, key string) error {
				if key != "payment" {
					return d.Skip()
				}
				return d.Obj(func(d *jx.Decoder, key string) error {
					if key != "entity" {
						return d.Skip()
					}
					return decodeEntity(d, &ev)
				})
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return Event{}, errors.Wrap(err, "decode webhook")
	}
	if ev.Name == "" {
		return Event{}, errors.New("webhook has no event name")
	}
	return ev, nil
}

func decodeEntity(d *jx.Decoder, ev *Event) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			ev.PaymentID, err = d.Str()
		case "order_id":
			if d.Next() == jx.Null {
				return d.Null()
			}
			ev.OrderRef, err = d.Str()
		case "status":
			ev.Status, err = d.Str()
		case "amount":
			ev.Amount, err = d.Int64()
		default:
			err = d.Skip()
		}
		return err
	})
}
