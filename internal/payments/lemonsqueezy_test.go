package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CallMeGwei/paycheck/internal/models"
)

func signLS(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestLemonSqueezy_VerifyWebhook(t *testing.T) {
	client := NewLemonSqueezyClient(&models.LemonSqueezyConfig{
		APIKey:        "key",
		StoreID:       "store-1",
		WebhookSecret: "whsec",
	})

	payload := []byte(`{"meta":{"event_name":"order_created"}}`)

	assert.NoError(t, client.VerifyWebhook(payload, signLS("whsec", payload)))
	assert.ErrorIs(t, client.VerifyWebhook(payload, signLS("other", payload)), ErrBadSignature)
	assert.ErrorIs(t, client.VerifyWebhook(payload, "deadbeef"), ErrBadSignature)
	assert.ErrorIs(t, client.VerifyWebhook([]byte("tampered"), signLS("whsec", payload)), ErrBadSignature)
}

func TestLemonSqueezyWebhookEvent_Parse(t *testing.T) {
	raw := []byte(`{
		"meta": {
			"event_name": "order_created",
			"custom_data": {
				"paycheck_session_id": "0c4662ac-2c25-4b10-9d7e-57f1e0e5a8f1",
				"project_id": "p1",
				"product_id": "prod1"
			}
		},
		"data": {
			"id": "1234567",
			"attributes": {
				"status": "paid",
				"user_email": "buyer@example.com",
				"customer_id": 42,
				"order_id": 99
			}
		}
	}`)

	var event LemonSqueezyWebhookEvent
	require.NoError(t, json.Unmarshal(raw, &event))

	assert.Equal(t, "order_created", event.Meta.EventName)
	assert.Equal(t, "0c4662ac-2c25-4b10-9d7e-57f1e0e5a8f1", event.Meta.CustomData[MetaSessionID])
	assert.Equal(t, "1234567", event.Data.ID)
	assert.Equal(t, "paid", event.Data.Attributes.Status)
	assert.Equal(t, "buyer@example.com", event.Data.Attributes.UserEmail)
	assert.Equal(t, "42", event.Data.Attributes.CustomerID.String())
}

func TestLemonSqueezyCheckoutRequest_Shape(t *testing.T) {
	var req lsCheckoutRequest
	req.Data.Type = "checkouts"
	req.Data.Attributes.ProductOptions.RedirectURL = "https://example.com/callback"
	req.Data.Attributes.CheckoutData.Custom = map[string]string{MetaSessionID: "s1"}
	req.Data.Relationships.Store = newLSRelationship("stores", "store-1")
	req.Data.Relationships.Variant = newLSRelationship("variants", "variant-9")

	encoded, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	data := decoded["data"].(map[string]any)
	assert.Equal(t, "checkouts", data["type"])
	relationships := data["relationships"].(map[string]any)
	store := relationships["store"].(map[string]any)["data"].(map[string]any)
	assert.Equal(t, "stores", store["type"])
	assert.Equal(t, "store-1", store["id"])
}
