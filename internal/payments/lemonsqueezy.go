package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/CallMeGwei/paycheck/internal/models"
)

// LemonSqueezyClient drives one organization's LemonSqueezy store over the
// JSON:API surface. There is no official Go SDK; this is a thin HTTP client.
type LemonSqueezyClient struct {
	httpClient    *http.Client
	apiKey        string
	storeID       string
	webhookSecret string
}

// NewLemonSqueezyClient builds a client from decrypted org credentials.
func NewLemonSqueezyClient(cfg *models.LemonSqueezyConfig) *LemonSqueezyClient {
	return &LemonSqueezyClient{
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		apiKey:        cfg.APIKey,
		storeID:       cfg.StoreID,
		webhookSecret: cfg.WebhookSecret,
	}
}

type lsRelationship struct {
	Data struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"data"`
}

func newLSRelationship(kind, id string) lsRelationship {
	var r lsRelationship
	r.Data.Type = kind
	r.Data.ID = id
	return r
}

type lsCheckoutRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			ProductOptions struct {
				RedirectURL string `json:"redirect_url"`
			} `json:"product_options"`
			CheckoutData struct {
				Custom map[string]string `json:"custom"`
			} `json:"checkout_data"`
		} `json:"attributes"`
		Relationships struct {
			Store   lsRelationship `json:"store"`
			Variant lsRelationship `json:"variant"`
		} `json:"relationships"`
	} `json:"data"`
}

type lsCheckoutResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			URL string `json:"url"`
		} `json:"attributes"`
	} `json:"data"`
}

// CreateCheckout opens a LemonSqueezy checkout for a variant, threading the
// payment session through custom checkout data.
func (c *LemonSqueezyClient) CreateCheckout(ctx context.Context, sessionID, projectID, productID, variantID, redirectURL string) (*Checkout, error) {
	var req lsCheckoutRequest
	req.Data.Type = "checkouts"
	req.Data.Attributes.ProductOptions.RedirectURL = redirectURL
	req.Data.Attributes.CheckoutData.Custom = map[string]string{
		MetaSessionID: sessionID,
		MetaProjectID: projectID,
		MetaProductID: productID,
	}
	req.Data.Relationships.Store = newLSRelationship("stores", c.storeID)
	req.Data.Relationships.Variant = newLSRelationship("variants", variantID)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://api.lemonsqueezy.com/v1/checkouts", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "application/vnd.api+json")
	httpReq.Header.Set("Content-Type", "application/vnd.api+json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("%w: status %d: %s", ErrProviderRequest, resp.StatusCode, detail)
	}

	var checkout lsCheckoutResponse
	if err := json.NewDecoder(resp.Body).Decode(&checkout); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrProviderRequest, err)
	}
	return &Checkout{ID: checkout.Data.ID, URL: checkout.Data.Attributes.URL}, nil
}

// VerifyWebhook checks the x-signature header: hex HMAC-SHA256 over the raw
// body, compared in constant time.
func (c *LemonSqueezyClient) VerifyWebhook(payload []byte, signature string) error {
	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// LemonSqueezyWebhookEvent is the envelope of an inbound webhook.
type LemonSqueezyWebhookEvent struct {
	Meta struct {
		EventName  string            `json:"event_name"`
		CustomData map[string]string `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Status         string `json:"status"`
			UserEmail      string `json:"user_email"`
			CustomerID     json.Number `json:"customer_id"`
			SubscriptionID json.Number `json:"subscription_id"`
			OrderID        json.Number `json:"order_id"`
		} `json:"attributes"`
	} `json:"data"`
}
