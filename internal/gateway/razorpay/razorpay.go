// Package razorpay connects checkout to the Razorpay payment gateway.
package razorpay

import (
	"context"
	"fmt"
	"net/url"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	rzp "github.com/razorpay/razorpay-go"
	"github.com/razorpay/razorpay-go/utils"
	"go.uber.org/zap"

	"github.com/xenking/flashkart/internal/domain/checkout"
	"github.com/xenking/flashkart/internal/domain/order"
	"github.com/xenking/flashkart/internal/domain/payment"
)

var (
	_ checkout.Gateway = (*Gateway)(nil)
	_ payment.Verifier = WebhookVerifier("")
)

// Config holds gateway credentials.
type Config struct {
	KeyID     string
	KeySecret string
	Currency  string
	// CheckoutURL is the hosted page the customer is sent to. The gateway
	// order id is appended as the order_id query parameter.
	CheckoutURL string
}

// orderCreator is the part of the Razorpay SDK used here.
type orderCreator interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

// Gateway creates gateway orders for ONLINE checkouts.
type Gateway struct {
	orders      orderCreator
	currency    string
	checkoutURL string
}

// New creates a Gateway backed by the Razorpay API.
func New(cfg Config) *Gateway {
	client := rzp.NewClient(cfg.KeyID, cfg.KeySecret)
	return newGateway(client.Order, cfg)
}

func newGateway(orders orderCreator, cfg Config) *Gateway {
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	return &Gateway{orders: orders, currency: cfg.Currency, checkoutURL: cfg.CheckoutURL}
}

// Initiate implements checkout.Gateway.
func (g *Gateway) Initiate(ctx context.Context, o *order.Order) (*checkout.PaymentIntent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := g.orders.Create(map[string]interface{}{
		"amount":          o.TotalMinor(),
		"currency":        g.currency,
		"receipt":         o.ID,
		"payment_capture": 1,
		"notes": map[string]interface{}{
			"order_id": o.ID,
			"user_id":  o.UserID,
		},
	}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create gateway order")
	}

	ref, ok := res["id"].(string)
	if !ok || ref == "" {
		return nil, errors.Errorf("gateway order has no id: %v", res["id"])
	}
	zctx.From(ctx).Info("Gateway order created",
		zap.String("order_id", o.ID),
		zap.String("gateway_order_id", ref),
		zap.Int64("amount", o.TotalMinor()),
	)

	return &checkout.PaymentIntent{Ref: ref, URL: g.paymentURL(ref)}, nil
}

func (g *Gateway) paymentURL(ref string) string {
	if g.checkoutURL == "" {
		return ""
	}
	return fmt.Sprintf("%s?order_id=%s", g.checkoutURL, url.QueryEscape(ref))
}

// WebhookVerifier checks the X-Razorpay-Signature header with the webhook
// secret.
type WebhookVerifier string

// Verify implements payment.Verifier.
func (v WebhookVerifier) Verify(payload []byte, signature string) bool {
	if v == "" {
		return false
	}
	return utils.VerifyWebhookSignature(string(payload), signature, string(v))
}
