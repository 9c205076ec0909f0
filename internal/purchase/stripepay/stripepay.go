// Package stripepay implements purchase.Provider against Stripe Checkout.
// The token amount the user was quoted is written into session metadata at
// creation time and read back from the webhook, so fulfillment never
// re-derives it from provider line items.
package stripepay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/fastprodman/cyberclock/internal/purchase"
)

var ErrBadSignature = errors.New("webhook signature verification failed")

var _ purchase.Provider = (*Provider)(nil)

type Config struct {
	SecretKey     string `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	PriceID       string `env:"STRIPE_HOUR_PRICE_ID"`
}

type Provider struct {
	webhookSecret string
	priceID       string
}

func New(cfg Config) *Provider {
	stripe.Key = cfg.SecretKey

	return &Provider{
		webhookSecret: cfg.WebhookSecret,
		priceID:       cfg.PriceID,
	}
}

func (p *Provider) CreateCheckoutSession(_ context.Context, cp purchase.CheckoutParams) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(p.priceID),
			Quantity: stripe.Int64(cp.Quantity),
		}},
		SuccessURL:        stripe.String(cp.SuccessURL),
		CancelURL:         stripe.String(cp.CancelURL),
		ClientReferenceID: stripe.String(cp.UserID),
	}
	params.AddMetadata("userId", cp.UserID)
	params.AddMetadata("purchaseId", cp.PurchaseID)
	params.AddMetadata("tokenAmount", strconv.FormatInt(cp.TokenAmount, 10))
	params.AddMetadata("quantity", strconv.FormatInt(cp.Quantity, 10))

	s, err := session.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe session: %w", err)
	}

	return s.URL, nil
}

func (p *Provider) VerifyWebhook(payload []byte, signature string) (*purchase.Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, p.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadSignature, err)
	}

	if event.Type != "checkout.session.completed" {
		return nil, fmt.Errorf("%w: %s", purchase.ErrIgnoredEvent, event.Type)
	}

	var cs stripe.CheckoutSession

	err = json.Unmarshal(event.Data.Raw, &cs)
	if err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}

	tokens, err := strconv.ParseInt(cs.Metadata["tokenAmount"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad tokenAmount metadata", purchase.ErrInvalidEvent)
	}

	// Payment intent id is the stable reference for the money movement;
	// fall back to the session id for zero-amount test sessions.
	ref := cs.ID
	if cs.PaymentIntent != nil && cs.PaymentIntent.ID != "" {
		ref = cs.PaymentIntent.ID
	}

	ev := &purchase.Event{
		PaymentRef:  ref,
		UserID:      cs.Metadata["userId"],
		PurchaseID:  cs.Metadata["purchaseId"],
		TokenAmount: tokens,
	}

	if quantity := cs.Metadata["quantity"]; quantity != "" {
		ev.Description = fmt.Sprintf("Purchased %s hours (%d tokens)", quantity, tokens)
	}

	return ev, nil
}
