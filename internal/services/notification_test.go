package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CallMeGwei/paycheck/internal/models"
)

func testProject(emailEnabled bool, webhookURL string) *models.Project {
	return &models.Project{
		ID:              uuid.New(),
		Name:            "Sprocket Studio",
		EmailEnabled:    emailEnabled,
		EmailWebhookURL: webhookURL,
	}
}

func testDelivery() CodeDelivery {
	return CodeDelivery{
		Email:       "alice@example.com",
		Code:        "PC-ABCD-EFGH-JKMN-PQRS",
		ExpiresAt:   time.Now().Add(30 * time.Minute).Unix(),
		ProductName: "Sprocket Pro",
		LicenseID:   uuid.NewString(),
		PurchasedAt: time.Now().Unix(),
	}
}

func TestSendActivationCode_DisabledMode(t *testing.T) {
	svc := NewNotificationService(nil, "system-key", "noreply@example.com")

	mode, err := svc.SendActivationCode(context.Background(), testProject(false, ""), nil, testDelivery(), TriggerPurchase)
	require.NoError(t, err)
	assert.Equal(t, DeliveryDisabled, mode)
}

func TestSendActivationCode_WebhookMode(t *testing.T) {
	var received webhookPayload
	var header string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Paycheck-Event")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc := NewNotificationService(nil, "", "noreply@example.com")
	project := testProject(true, server.URL)
	delivery := testDelivery()

	mode, err := svc.SendActivationCode(context.Background(), project, nil, delivery, TriggerPurchase)
	require.NoError(t, err)
	assert.Equal(t, DeliveryWebhook, mode)

	assert.Equal(t, "activation_code_created", header)
	assert.Equal(t, "activation_code_created", received.Event)
	assert.Equal(t, delivery.Email, received.Email)
	assert.Equal(t, delivery.Code, received.Code)
	assert.Equal(t, delivery.ProductName, received.ProductName)
	assert.Equal(t, project.ID.String(), received.ProjectID)
	assert.Equal(t, project.Name, received.ProjectName)
	assert.Equal(t, TriggerPurchase, received.Trigger)
	assert.Equal(t, delivery.ExpiresAt, received.ExpiresAt)
}

func TestSendActivationCode_WebhookFailureIsStillSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	svc := NewNotificationService(nil, "", "noreply@example.com")

	// Developer ops problems do not block the user flow.
	mode, err := svc.SendActivationCode(context.Background(), testProject(true, server.URL), nil, testDelivery(), TriggerPurchase)
	require.NoError(t, err)
	assert.Equal(t, DeliveryWebhook, mode)
}

func TestSendActivationCode_NoAPIKey(t *testing.T) {
	svc := NewNotificationService(nil, "", "noreply@example.com")

	mode, err := svc.SendActivationCode(context.Background(), testProject(true, ""), nil, testDelivery(), TriggerRecoveryRequest)
	require.NoError(t, err)
	assert.Equal(t, DeliveryNoAPIKey, mode)
}

func TestSendActivationCodes_MultiLicensePayload(t *testing.T) {
	var received webhookPayload
	var header string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Paycheck-Event")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc := NewNotificationService(nil, "", "noreply@example.com")
	project := testProject(true, server.URL)

	first := testDelivery()
	second := testDelivery()
	second.ProductName = "Sprocket Enterprise"
	second.Code = "PC-WXYZ-2345-6789-ABCD"

	mode, err := svc.SendActivationCodes(context.Background(), project, nil, first.Email,
		[]CodeDelivery{first, second}, TriggerRecoveryRequest)
	require.NoError(t, err)
	assert.Equal(t, DeliveryWebhook, mode)

	assert.Equal(t, "activation_codes_created", header)
	assert.Equal(t, "activation_codes_created", received.Event)
	assert.Empty(t, received.Code)
	require.Len(t, received.Licenses, 2)
	assert.Equal(t, first.ProductName, received.Licenses[0].ProductName)
	assert.Equal(t, first.Code, received.Licenses[0].Code)
	assert.Equal(t, second.ProductName, received.Licenses[1].ProductName)
	assert.Equal(t, second.Code, received.Licenses[1].Code)
	assert.Equal(t, TriggerRecoveryRequest, received.Trigger)
}

func TestSendActivationCodes_SingleFallsBackToSingleEvent(t *testing.T) {
	var header string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Paycheck-Event")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc := NewNotificationService(nil, "", "noreply@example.com")
	delivery := testDelivery()

	mode, err := svc.SendActivationCodes(context.Background(), testProject(true, server.URL), nil,
		delivery.Email, []CodeDelivery{delivery}, TriggerAdminGenerated)
	require.NoError(t, err)
	assert.Equal(t, DeliveryWebhook, mode)
	assert.Equal(t, "activation_code_created", header)
}
