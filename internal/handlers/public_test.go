package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CallMeGwei/paycheck/internal/models"
	"github.com/CallMeGwei/paycheck/internal/services"
)

func testDevice(in services.RedeemInput) *models.Device {
	return &models.Device{
		ID:         uuid.New(),
		DeviceID:   in.DeviceID,
		DeviceType: in.DeviceType,
	}
}

// MockRedemptionService implements RedemptionServiceInterface for handler tests
type MockRedemptionService struct {
	RedeemCodeFunc func(ctx context.Context, code string, in services.RedeemInput) (*services.RedeemResult, error)
	RedeemKeyFunc  func(ctx context.Context, key string, in services.RedeemInput) (*services.RedeemResult, error)
	ValidateFunc   func(ctx context.Context, projectID uuid.UUID, bearerToken string) services.ValidationResult
}

func (m *MockRedemptionService) RedeemCode(ctx context.Context, code string, in services.RedeemInput) (*services.RedeemResult, error) {
	if m.RedeemCodeFunc != nil {
		return m.RedeemCodeFunc(ctx, code, in)
	}
	return nil, nil
}

func (m *MockRedemptionService) RedeemKey(ctx context.Context, key string, in services.RedeemInput) (*services.RedeemResult, error) {
	if m.RedeemKeyFunc != nil {
		return m.RedeemKeyFunc(ctx, key, in)
	}
	return nil, nil
}

func (m *MockRedemptionService) Validate(ctx context.Context, projectID uuid.UUID, bearerToken string) services.ValidationResult {
	if m.ValidateFunc != nil {
		return m.ValidateFunc(ctx, projectID, bearerToken)
	}
	return services.ValidationResult{}
}

func newTestPublicHandler(mock *MockRedemptionService) *PublicHandler {
	return NewPublicHandler(PublicHandlerConfig{Redemption: mock})
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	r := httptest.NewRequest("POST", path, bytes.NewReader(encoded))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler(w, r)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestPublicHandler_RedeemCode(t *testing.T) {
	projectID := uuid.New()
	licenseExp := int64(1_900_000_000)

	tests := []struct {
		name           string
		body           map[string]interface{}
		redeemErr      error
		expectedStatus int
		expectedCode   string
	}{
		{
			name: "success",
			body: map[string]interface{}{
				"project_id": projectID.String(), "code": "PC-AAAA-BBBB-CCCC-DDDD",
				"device_id": "d1", "device_type": "uuid",
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "invalid code",
			body: map[string]interface{}{
				"project_id": projectID.String(), "code": "PC-XXXX-XXXX-XXXX-XXXX",
				"device_id": "d1", "device_type": "uuid",
			},
			redeemErr:      services.ErrInvalidCode,
			expectedStatus: http.StatusNotFound,
			expectedCode:   "INVALID_CODE",
		},
		{
			name: "revoked license",
			body: map[string]interface{}{
				"project_id": projectID.String(), "code": "PC-AAAA-BBBB-CCCC-DDDD",
				"device_id": "d1", "device_type": "uuid",
			},
			redeemErr:      services.ErrLicenseRevoked,
			expectedStatus: http.StatusForbidden,
			expectedCode:   "LICENSE_REVOKED",
		},
		{
			name: "expired license",
			body: map[string]interface{}{
				"project_id": projectID.String(), "code": "PC-AAAA-BBBB-CCCC-DDDD",
				"device_id": "d1", "device_type": "uuid",
			},
			redeemErr:      services.ErrLicenseExpired,
			expectedStatus: http.StatusForbidden,
			expectedCode:   "LICENSE_EXPIRED",
		},
		{
			name: "device limit",
			body: map[string]interface{}{
				"project_id": projectID.String(), "code": "PC-AAAA-BBBB-CCCC-DDDD",
				"device_id": "d9", "device_type": "uuid",
			},
			redeemErr:      services.ErrDeviceLimitReached,
			expectedStatus: http.StatusForbidden,
			expectedCode:   "DEVICE_LIMIT_REACHED",
		},
		{
			name: "activation limit",
			body: map[string]interface{}{
				"project_id": projectID.String(), "code": "PC-AAAA-BBBB-CCCC-DDDD",
				"device_id": "d9", "device_type": "uuid",
			},
			redeemErr:      services.ErrActivationLimitReached,
			expectedStatus: http.StatusForbidden,
			expectedCode:   "ACTIVATION_LIMIT_REACHED",
		},
		{
			name: "missing code",
			body: map[string]interface{}{
				"project_id": projectID.String(),
				"device_id":  "d1", "device_type": "uuid",
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "bad device type",
			body: map[string]interface{}{
				"project_id": projectID.String(), "code": "PC-AAAA-BBBB-CCCC-DDDD",
				"device_id": "d1", "device_type": "laptop",
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "missing device id",
			body: map[string]interface{}{
				"project_id": projectID.String(), "code": "PC-AAAA-BBBB-CCCC-DDDD",
				"device_type": "uuid",
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "bad project id",
			body: map[string]interface{}{
				"project_id": "not-a-uuid", "code": "PC-AAAA-BBBB-CCCC-DDDD",
				"device_id": "d1", "device_type": "uuid",
			},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockRedemptionService{
				RedeemCodeFunc: func(ctx context.Context, code string, in services.RedeemInput) (*services.RedeemResult, error) {
					assert.Equal(t, projectID, in.ProjectID)
					if tt.redeemErr != nil {
						return nil, tt.redeemErr
					}
					return &services.RedeemResult{
						Token:      "signed.jwt.token",
						LicenseExp: &licenseExp,
						Tier:       "pro",
						Features:   []string{"pro"},
						Device:     testDevice(in),
						Created:    true,
					}, nil
				},
			}
			w := postJSON(t, newTestPublicHandler(mock).RedeemCode, "/redeem/code", tt.body)
			assert.Equal(t, tt.expectedStatus, w.Code)

			body := decodeBody(t, w)
			if tt.expectedStatus == http.StatusOK {
				assert.Equal(t, "signed.jwt.token", body["token"])
				assert.Equal(t, "pro", body["tier"])
				assert.Equal(t, []interface{}{"pro"}, body["features"])
				assert.Equal(t, float64(licenseExp), body["license_exp"])
			}
			if tt.expectedCode != "" {
				assert.Equal(t, tt.expectedCode, body["code"])
			}
		})
	}
}

func TestPublicHandler_RedeemKey(t *testing.T) {
	projectID := uuid.New()

	mock := &MockRedemptionService{
		RedeemKeyFunc: func(ctx context.Context, key string, in services.RedeemInput) (*services.RedeemResult, error) {
			assert.Equal(t, "ACME-AAAA-BBBB-CCCC-DDDD", key)
			return &services.RedeemResult{
				Token:  "signed.jwt.token",
				Tier:   "pro",
				Device: testDevice(in),
			}, nil
		},
	}

	w := postJSON(t, newTestPublicHandler(mock).RedeemKey, "/redeem/key", map[string]interface{}{
		"project_id": projectID.String(),
		"key":        "ACME-AAAA-BBBB-CCCC-DDDD",
		"device_id":  "d1",
		"device_type": "machine",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "signed.jwt.token", decodeBody(t, w)["token"])
}

func TestPublicHandler_RedeemKey_UnknownKeyIs404(t *testing.T) {
	mock := &MockRedemptionService{
		RedeemKeyFunc: func(ctx context.Context, key string, in services.RedeemInput) (*services.RedeemResult, error) {
			return nil, services.ErrLicenseNotFound
		},
	}
	w := postJSON(t, newTestPublicHandler(mock).RedeemKey, "/redeem/key", map[string]interface{}{
		"project_id":  uuid.NewString(),
		"key":         "ACME-XXXX-XXXX-XXXX-XXXX",
		"device_id":   "d1",
		"device_type": "uuid",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "INVALID_LICENSE_KEY", decodeBody(t, w)["code"])
}

func TestPublicHandler_Validate(t *testing.T) {
	projectID := uuid.New()
	licenseExp := int64(1_900_000_000)

	t.Run("valid token", func(t *testing.T) {
		mock := &MockRedemptionService{
			ValidateFunc: func(ctx context.Context, pid uuid.UUID, bearer string) services.ValidationResult {
				assert.Equal(t, projectID, pid)
				assert.Equal(t, "some.jwt.token", bearer)
				return services.ValidationResult{Valid: true, LicenseExp: &licenseExp}
			},
		}
		r := httptest.NewRequest("POST", "/validate?project_id="+projectID.String(), nil)
		r.Header.Set("Authorization", "Bearer some.jwt.token")
		w := httptest.NewRecorder()
		newTestPublicHandler(mock).Validate(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, true, body["valid"])
		assert.Nil(t, body["reason"])
		assert.Equal(t, float64(licenseExp), body["license_exp"])
	})

	t.Run("invalid token gives no reason", func(t *testing.T) {
		mock := &MockRedemptionService{
			ValidateFunc: func(ctx context.Context, pid uuid.UUID, bearer string) services.ValidationResult {
				return services.ValidationResult{Valid: false}
			},
		}
		r := httptest.NewRequest("POST", "/validate?project_id="+projectID.String(), nil)
		r.Header.Set("Authorization", "Bearer some.jwt.token")
		w := httptest.NewRecorder()
		newTestPublicHandler(mock).Validate(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, false, body["valid"])
		reason, present := body["reason"]
		assert.True(t, present)
		assert.Nil(t, reason)
		_, leaked := body["license_exp"]
		assert.False(t, leaked)
	})

	t.Run("missing bearer is invalid, not an error", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/validate?project_id="+projectID.String(), nil)
		w := httptest.NewRecorder()
		newTestPublicHandler(&MockRedemptionService{}).Validate(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, false, decodeBody(t, w)["valid"])
	})

	t.Run("bad project id", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/validate?project_id=nope", nil)
		w := httptest.NewRecorder()
		newTestPublicHandler(&MockRedemptionService{}).Validate(w, r)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
