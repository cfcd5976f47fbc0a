package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/flashkart/internal/domain/flashsale"
	"github.com/xenking/flashkart/internal/domain/order"
	"github.com/xenking/flashkart/internal/domain/pricing"
)

type cartItem struct {
	ProductID string `validate:"required,max=64"`
	Quantity  int    `validate:"gt=0,lte=1000"`
}

type cartRequest struct {
	Items         []cartItem `validate:"required,min=1,max=100,dive"`
	VoucherCodes  []string   `validate:"max=5,dive,required,max=64"`
	UseCoins      bool
	PaymentMethod string `validate:"omitempty,oneof=COD ONLINE"`
}

type sessionRequest struct {
	Name      string    `validate:"required,max=200"`
	StartTime time.Time `validate:"required"`
	EndTime   time.Time `validate:"required,gtfield=StartTime"`
}

type allocationRequest struct {
	UnitID          string `validate:"required,max=64"`
	PromoPrice      decimal.Decimal
	PromoStockTotal int `validate:"gt=0"`
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	return body, nil
}

func decodeCart(data []byte) (cartRequest, error) {
	var req cartRequest
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "items":
			return d.Arr(func(d *jx.Decoder) error {
				var it cartItem
				if err := d.Obj(func(d *jx.Decoder, key string) error {
					switch key {
					case "productId":
						v, err := d.Str()
						it.ProductID = v
						return err
					case "quantity":
						v, err := d.Int()
						it.Quantity = v
						return err
					default:
						return d.Skip()
					}
				}); err != nil {
					return err
				}
				req.Items = append(req.Items, it)
				return nil
			})
		case "voucherCodes":
			if d.Next() == jx.Null {
				return d.Null()
			}
			return d.Arr(func(d *jx.Decoder) error {
				v, err := d.Str()
				req.VoucherCodes = append(req.VoucherCodes, v)
				return err
			})
		case "useCoins":
			v, err := d.Bool()
			req.UseCoins = v
			return err
		case "paymentMethod":
			v, err := d.Str()
			req.PaymentMethod = v
			return err
		default:
			return d.Skip()
		}
	})
	return req, err
}

func (c cartRequest) pricing(userID string) pricing.Request {
	lines := make([]pricing.Line, len(c.Items))
	for i, it := range c.Items {
		lines[i] = pricing.Line{ProductID: it.ProductID, Quantity: it.Quantity}
	}
	return pricing.Request{
		UserID:       userID,
		Lines:        lines,
		VoucherCodes: c.VoucherCodes,
		UseCoins:     c.UseCoins,
	}
}

func decodeTime(d *jx.Decoder) (time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "parse time")
	}
	return t, nil
}

func decodeSession(data []byte) (sessionRequest, error) {
	var req sessionRequest
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) (err error) {
		switch key {
		case "name":
			req.Name, err = d.Str()
		case "startTime":
			req.StartTime, err = decodeTime(d)
		case "endTime":
			req.EndTime, err = decodeTime(d)
		default:
			err = d.Skip()
		}
		return err
	})
	return req, err
}

// decodeDecimal accepts both JSON numbers and numeric strings.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	var raw string
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		raw = s
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		raw = n.String()
	default:
		return decimal.Zero, errors.Errorf("unexpected %s for amount", d.Next())
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "parse amount")
	}
	return v, nil
}

func decodeAllocation(data []byte) (allocationRequest, error) {
	var req allocationRequest
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) (err error) {
		switch key {
		case "unitId":
			req.UnitID, err = d.Str()
		case "promoPrice":
			req.PromoPrice, err = decodeDecimal(d)
		case "promoStockTotal":
			req.PromoStockTotal, err = d.Int()
		default:
			err = d.Skip()
		}
		return err
	})
	return req, err
}

func money(e *jx.Encoder, v decimal.Decimal) {
	e.Raw([]byte(v.StringFixed(2)))
}

func encodeBreakdown(e *jx.Encoder, b *pricing.Breakdown) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("subtotal", func(e *jx.Encoder) { money(e, b.Subtotal) })
		e.Field("discounts", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, d := range b.Discounts {
					e.Obj(func(e *jx.Encoder) {
						e.Field("kind", func(e *jx.Encoder) { e.Str(string(d.Kind)) })
						if d.Code != "" {
							e.Field("code", func(e *jx.Encoder) { e.Str(d.Code) })
						}
						e.Field("amount", func(e *jx.Encoder) { money(e, d.Amount) })
					})
				}
			})
		})
		e.Field("shippingFee", func(e *jx.Encoder) { money(e, b.ShippingFee) })
		e.Field("pointsUsed", func(e *jx.Encoder) { e.Int64(b.PointsUsed) })
		e.Field("totalAmount", func(e *jx.Encoder) { money(e, b.Total) })
		e.Field("items", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, l := range b.Lines {
					e.Obj(func(e *jx.Encoder) {
						e.Field("productId", func(e *jx.Encoder) { e.Str(l.ProductID) })
						e.Field("quantity", func(e *jx.Encoder) { e.Int(l.Quantity) })
						e.Field("unitPrice", func(e *jx.Encoder) { money(e, l.UnitPrice) })
						e.Field("regularPrice", func(e *jx.Encoder) { money(e, l.RegularPrice) })
						e.Field("subtotal", func(e *jx.Encoder) { money(e, l.Subtotal) })
						if l.Flash() {
							e.Field("flashSessionId", func(e *jx.Encoder) { e.Str(l.SessionID) })
						}
					})
				}
			})
		})
		if len(b.Shortages) > 0 {
			e.Field("shortages", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, s := range b.Shortages {
						e.Obj(func(e *jx.Encoder) {
							e.Field("productId", func(e *jx.Encoder) { e.Str(s.ProductID) })
							e.Field("requested", func(e *jx.Encoder) { e.Int(s.Requested) })
							e.Field("available", func(e *jx.Encoder) { e.Int(s.Available) })
						})
					}
				})
			})
		}
	})
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(o.ID) })
		e.Field("userId", func(e *jx.Encoder) { e.Str(o.UserID) })
		e.Field("paymentMethod", func(e *jx.Encoder) { e.Str(string(o.PaymentMethod)) })
		e.Field("paymentStatus", func(e *jx.Encoder) { e.Str(string(o.PaymentStatus)) })
		e.Field("fulfillmentStatus", func(e *jx.Encoder) { e.Str(string(o.FulfillmentStatus)) })
		e.Field("subtotal", func(e *jx.Encoder) { money(e, o.Subtotal) })
		e.Field("discount", func(e *jx.Encoder) { money(e, o.Discount) })
		e.Field("pointsSpent", func(e *jx.Encoder) { e.Int64(o.PointsSpent) })
		e.Field("shippingFee", func(e *jx.Encoder) { money(e, o.ShippingFee) })
		e.Field("totalAmount", func(e *jx.Encoder) { money(e, o.Total) })
		e.Field("appliedVoucherIds", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, id := range o.AppliedVoucherIDs {
					e.Str(id)
				}
			})
		})
		if o.PaymentDeadline != nil {
			e.Field("paymentDeadline", func(e *jx.Encoder) { e.Str(o.PaymentDeadline.UTC().Format(time.RFC3339)) })
		}
		e.Field("createdAt", func(e *jx.Encoder) { e.Str(o.CreatedAt.UTC().Format(time.RFC3339)) })
		e.Field("items", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, l := range o.Lines {
					e.Obj(func(e *jx.Encoder) {
						e.Field("unitId", func(e *jx.Encoder) { e.Str(l.UnitID) })
						e.Field("quantity", func(e *jx.Encoder) { e.Int(l.Quantity) })
						e.Field("unitPrice", func(e *jx.Encoder) { money(e, l.UnitPrice) })
						if l.SessionID != "" {
							e.Field("flashSessionId", func(e *jx.Encoder) { e.Str(l.SessionID) })
						}
					})
				}
			})
		})
	})
}

func encodeSession(e *jx.Encoder, s *flashsale.Session) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("sessionId", func(e *jx.Encoder) { e.Str(s.ID) })
		e.Field("name", func(e *jx.Encoder) { e.Str(s.Name) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(s.Status)) })
		e.Field("startTime", func(e *jx.Encoder) { e.Str(s.StartTime.UTC().Format(time.RFC3339)) })
		e.Field("endTime", func(e *jx.Encoder) { e.Str(s.EndTime.UTC().Format(time.RFC3339)) })
	})
}

func writeJSON(w http.ResponseWriter, code int, enc func(e *jx.Encoder)) {
	var e jx.Encoder
	enc(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(e.Bytes())
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Int(code) })
			e.Field("kind", func(e *jx.Encoder) { e.Str(kind) })
			e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
		})
	})
}
