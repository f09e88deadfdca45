package payments

import (
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/CallMeGwei/paycheck/internal/models"
)

// StripeClient drives one organization's Stripe account.
type StripeClient struct {
	api           *client.API
	webhookSecret string
}

// NewStripeClient builds a client from decrypted org credentials.
func NewStripeClient(cfg *models.StripeConfig) *StripeClient {
	api := &client.API{}
	api.Init(cfg.SecretKey, nil)
	return &StripeClient{api: api, webhookSecret: cfg.WebhookSecret}
}

// StripeCheckoutParams describes the checkout to open.
type StripeCheckoutParams struct {
	SessionID   string
	ProjectID   string
	ProductID   string
	ProductName string
	// Either a preconfigured price...
	PriceID string
	// ...or an ad-hoc amount.
	PriceCents int64
	Currency   string

	SuccessURL string
	CancelURL  string
}

// CreateCheckoutSession opens a Stripe checkout. A preconfigured price id
// buys a subscription; an ad-hoc amount is a one-time payment.
func (c *StripeClient) CreateCheckoutSession(p StripeCheckoutParams) (*Checkout, error) {
	metadata := map[string]string{
		MetaSessionID: p.SessionID,
		MetaProjectID: p.ProjectID,
		MetaProductID: p.ProductID,
	}

	params := &stripe.CheckoutSessionParams{
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
		Metadata:   metadata,
	}
	if p.PriceID != "" {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(p.PriceID), Quantity: stripe.Int64(1)},
		}
	} else {
		currency := p.Currency
		if currency == "" {
			currency = "usd"
		}
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(currency),
					UnitAmount: stripe.Int64(p.PriceCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(p.ProductName),
					},
				},
				Quantity: stripe.Int64(1),
			},
		}
	}

	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderRequest, err)
	}
	return &Checkout{ID: sess.ID, URL: sess.URL}, nil
}

// VerifyWebhook checks the stripe-signature header (HMAC-SHA256 over
// "<timestamp>.<body>") and returns the parsed event. The comparison inside
// is constant-time.
func (c *StripeClient) VerifyWebhook(payload []byte, signatureHeader string) (*stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, c.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, ErrBadSignature
	}
	return &event, nil
}
