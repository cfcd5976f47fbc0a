// Package rates is a client for the external shipping rate service.
package rates

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/flashkart/internal/domain/shipping"
)

var _ shipping.Quoter = (*Client)(nil)

// Client quotes shipping fees over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the rate service at baseURL.
func NewClient(baseURL string, timeout time.Duration, tp trace.TracerProvider) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport, otelhttp.WithTracerProvider(tp)),
		},
	}
}

// Quote implements shipping.Quoter.
func (c *Client) Quote(ctx context.Context, req shipping.Request) (decimal.Decimal, error) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("userId")
	e.Str(req.UserID)
	e.FieldStart("subtotal")
	e.Str(req.Subtotal.StringFixed(2))
	e.FieldStart("units")
	e.Int(req.Units)
	e.ObjEnd()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/quote", bytes.NewReader(e.Bytes()))
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "send request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "read response")
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, errors.Errorf("rate service: status %d", resp.StatusCode)
	}

	return decodeFee(body)
}

func decodeFee(body []byte) (decimal.Decimal, error) {
	var (
		fee   decimal.Decimal
		found bool
	)
	d := jx.DecodeBytes(body)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		if key != "fee" {
			return d.Skip()
		}
		var raw string
		switch d.Next() {
		case jx.String:
			s, err := d.Str()
			if err != nil {
				return err
			}
			raw = s
		case jx.Number:
			n, err := d.Num()
			if err != nil {
				return err
			}
			raw = n.String()
		default:
			return errors.Errorf("unexpected fee type %s", d.Next())
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return errors.Wrap(err, "parse fee")
		}
		fee, found = v, true
		return nil
	}); err != nil {
		return decimal.Zero, errors.Wrap(err, "decode response")
	}
	if !found {
		return decimal.Zero, errors.New("decode response: fee missing")
	}
	if fee.IsNegative() {
		return decimal.Zero, errors.Errorf("negative fee %s", fee)
	}
	return fee, nil
}
