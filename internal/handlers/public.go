package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/CallMeGwei/paycheck/internal/models"
	"github.com/CallMeGwei/paycheck/internal/services"
)

// RedemptionServiceInterface defines the redemption operations the public
// handler needs (interface so tests can mock it).
type RedemptionServiceInterface interface {
	RedeemCode(ctx context.Context, code string, in services.RedeemInput) (*services.RedeemResult, error)
	RedeemKey(ctx context.Context, key string, in services.RedeemInput) (*services.RedeemResult, error)
	Validate(ctx context.Context, projectID uuid.UUID, bearerToken string) services.ValidationResult
}

// LicenseReaderInterface is the license lookup surface of the public handler.
type LicenseReaderInterface interface {
	GetLicense(ctx context.Context, id uuid.UUID) (*models.License, error)
	GetLicenseByKey(ctx context.Context, key string) (*models.License, error)
	ListLicensesByEmail(ctx context.Context, projectID uuid.UUID, email string) ([]models.License, error)
	CreateActivationCode(ctx context.Context, licenseID uuid.UUID, keyPrefix string) (*models.ActivationCode, string, error)
}

// DeviceManagerInterface is the self-service device surface.
type DeviceManagerInterface interface {
	ListDevices(ctx context.Context, licenseID uuid.UUID) ([]models.Device, error)
	DeactivateDevice(ctx context.Context, licenseID uuid.UUID, deviceID string) (int, error)
}

// RateLimiter is the advisory rate bucket. Redemption is bucketed per code
// or license key, validation per project, recovery per email.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) bool
}

// PublicHandler serves the endpoints end-user applications talk to.
type PublicHandler struct {
	redemption    RedemptionServiceInterface
	licenses      LicenseReaderInterface
	devices       DeviceManagerInterface
	products      *services.ProductService
	projects      *services.ProjectService
	orgs          *services.OrgService
	payments      *services.PaymentService
	notifications *services.NotificationService
	audit         *services.AuditService
	limiter       RateLimiter

	baseURL        string
	successPageURL string
}

// PublicHandlerConfig wires the public handler.
type PublicHandlerConfig struct {
	Redemption    RedemptionServiceInterface
	Licenses      LicenseReaderInterface
	Devices       DeviceManagerInterface
	Products      *services.ProductService
	Projects      *services.ProjectService
	Orgs          *services.OrgService
	Payments      *services.PaymentService
	Notifications *services.NotificationService
	Audit         *services.AuditService
	Limiter       RateLimiter

	BaseURL        string
	SuccessPageURL string
}

// NewPublicHandler creates a new public handler
func NewPublicHandler(cfg PublicHandlerConfig) *PublicHandler {
	return &PublicHandler{
		redemption:    cfg.Redemption,
		licenses:      cfg.Licenses,
		devices:       cfg.Devices,
		products:      cfg.Products,
		projects:      cfg.Projects,
		orgs:          cfg.Orgs,
		payments:      cfg.Payments,
		notifications: cfg.Notifications,
		audit:         cfg.Audit,
		limiter:       cfg.Limiter,

		baseURL:        cfg.BaseURL,
		successPageURL: cfg.SuccessPageURL,
	}
}

func (h *PublicHandler) allow(r *http.Request, bucket string) bool {
	if h.limiter == nil {
		return true
	}
	return h.limiter.Allow(r.Context(), "rl:"+bucket, 60, time.Minute)
}

// redeemRequest is shared by both redemption endpoints; exactly one of code
// or key is set by the route.
type redeemRequest struct {
	ProjectID  string `json:"project_id"`
	Code       string `json:"code"`
	Key        string `json:"key"`
	DeviceID   string `json:"device_id"`
	DeviceType string `json:"device_type"`
	Name       string `json:"name"`
}

func (h *PublicHandler) parseRedeemRequest(w http.ResponseWriter, r *http.Request) (*redeemRequest, *services.RedeemInput, bool) {
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return nil, nil, false
	}
	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid project_id")
		return nil, nil, false
	}
	deviceType, ok := models.ParseDeviceType(req.DeviceType)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid device_type: must be 'uuid' or 'machine'")
		return nil, nil, false
	}
	if req.DeviceID == "" {
		respondError(w, http.StatusBadRequest, "device_id is required")
		return nil, nil, false
	}
	return &req, &services.RedeemInput{
		ProjectID:  projectID,
		DeviceID:   req.DeviceID,
		DeviceType: deviceType,
		DeviceName: req.Name,
	}, true
}

// RedeemCode handles POST /redeem/code.
func (h *PublicHandler) RedeemCode(w http.ResponseWriter, r *http.Request) {
	req, input, ok := h.parseRedeemRequest(w, r)
	if !ok {
		return
	}
	if req.Code == "" {
		respondError(w, http.StatusBadRequest, "code is required")
		return
	}
	if !h.allow(r, "redeem:"+req.Code) {
		respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	result, err := h.redemption.RedeemCode(r.Context(), req.Code, *input)
	h.respondRedeem(w, r, result, err, input)
}

// RedeemKey handles POST /redeem/key.
func (h *PublicHandler) RedeemKey(w http.ResponseWriter, r *http.Request) {
	req, input, ok := h.parseRedeemRequest(w, r)
	if !ok {
		return
	}
	if req.Key == "" {
		respondError(w, http.StatusBadRequest, "key is required")
		return
	}
	if !h.allow(r, "redeem:"+req.Key) {
		respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	result, err := h.redemption.RedeemKey(r.Context(), req.Key, *input)
	h.respondRedeem(w, r, result, err, input)
}

func (h *PublicHandler) respondRedeem(w http.ResponseWriter, r *http.Request, result *services.RedeemResult, err error, input *services.RedeemInput) {
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidCode):
			respondErrorCode(w, http.StatusNotFound, "INVALID_CODE", "activation code invalid or expired")
		case errors.Is(err, services.ErrLicenseNotFound):
			respondErrorCode(w, http.StatusNotFound, "INVALID_LICENSE_KEY", "license not found")
		case errors.Is(err, services.ErrLicenseRevoked):
			respondErrorCode(w, http.StatusForbidden, "LICENSE_REVOKED", "license has been revoked")
		case errors.Is(err, services.ErrLicenseExpired):
			respondErrorCode(w, http.StatusForbidden, "LICENSE_EXPIRED", "license has expired")
		case errors.Is(err, services.ErrDeviceLimitReached):
			respondErrorCode(w, http.StatusForbidden, "DEVICE_LIMIT_REACHED", "device limit reached; deactivate a device first")
		case errors.Is(err, services.ErrActivationLimitReached):
			respondErrorCode(w, http.StatusForbidden, "ACTIVATION_LIMIT_REACHED", "activation limit reached")
		default:
			respondError(w, http.StatusInternalServerError, "redemption failed")
		}
		return
	}

	if h.audit != nil {
		ip, ua := requestInfo(r)
		h.audit.Record(models.AuditEntry{
			ActorType:    models.ActorPublic,
			Action:       "license.redeem",
			ResourceType: "device",
			ResourceID:   result.Device.DeviceID,
			ProjectID:    &input.ProjectID,
			IPAddress:    ip,
			UserAgent:    ua,
		})
	}

	respondSuccess(w, map[string]interface{}{
		"token":       result.Token,
		"license_exp": result.LicenseExp,
		"updates_exp": result.UpdatesExp,
		"tier":        result.Tier,
		"features":    result.Features,
	})
}

// Validate handles POST /validate with Authorization: Bearer <token>.
// Every failure mode yields the same body: {"valid": false, "reason": null}.
func (h *PublicHandler) Validate(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(r.URL.Query().Get("project_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid project_id")
		return
	}
	bearer := extractBearer(r)
	if bearer == "" {
		respondSuccess(w, map[string]interface{}{"valid": false, "reason": nil})
		return
	}
	if !h.allow(r, "validate:"+projectID.String()) {
		respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	result := h.redemption.Validate(r.Context(), projectID, bearer)
	if !result.Valid {
		respondSuccess(w, map[string]interface{}{"valid": false, "reason": nil})
		return
	}
	respondSuccess(w, map[string]interface{}{
		"valid":       true,
		"reason":      nil,
		"license_exp": result.LicenseExp,
		"updates_exp": result.UpdatesExp,
	})
}

// licenseFromAuth loads the license named by the bearer license key and
// checks it belongs to the query's project. Both failure modes return the
// same 404.
func (h *PublicHandler) licenseFromAuth(w http.ResponseWriter, r *http.Request) (*models.License, uuid.UUID, bool) {
	projectID, err := uuid.Parse(r.URL.Query().Get("project_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid project_id")
		return nil, uuid.Nil, false
	}
	key := extractBearer(r)
	if key == "" {
		respondError(w, http.StatusUnauthorized, "missing license key")
		return nil, uuid.Nil, false
	}
	license, err := h.licenses.GetLicenseByKey(r.Context(), key)
	if err != nil || license.ProjectID != projectID {
		respondErrorCode(w, http.StatusNotFound, "INVALID_LICENSE_KEY", "license not found")
		return nil, uuid.Nil, false
	}
	return license, projectID, true
}

// GetLicenseInfo handles GET /license: self-inspection by license key.
func (h *PublicHandler) GetLicenseInfo(w http.ResponseWriter, r *http.Request) {
	license, _, ok := h.licenseFromAuth(w, r)
	if !ok {
		return
	}
	product, err := h.products.GetProduct(r.Context(), license.ProductID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "product lookup failed")
		return
	}
	devices, err := h.devices.ListDevices(r.Context(), license.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "device lookup failed")
		return
	}

	now := time.Now().Unix()
	status := "active"
	switch {
	case license.Revoked:
		status = "revoked"
	case license.ExpiresAt != nil && *license.ExpiresAt <= now:
		status = "expired"
	}

	respondSuccess(w, map[string]interface{}{
		"status":             status,
		"created_at":         license.CreatedAt,
		"expires_at":         license.ExpiresAt,
		"updates_expires_at": license.UpdatesExpiresAt,
		"activation_count":   license.ActivationCount,
		"activation_limit":   product.ActivationLimit,
		"device_count":       len(devices),
		"device_limit":       product.DeviceLimit,
		"devices":            deviceInfos(devices),
	})
}

// ListDevices handles GET /devices.
func (h *PublicHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	license, _, ok := h.licenseFromAuth(w, r)
	if !ok {
		return
	}
	product, err := h.products.GetProduct(r.Context(), license.ProductID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "product lookup failed")
		return
	}
	devices, err := h.devices.ListDevices(r.Context(), license.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "device lookup failed")
		return
	}
	respondSuccess(w, map[string]interface{}{
		"devices":      deviceInfos(devices),
		"device_limit": product.DeviceLimit,
	})
}

// DeactivateDevice handles POST /devices/deactivate.
func (h *PublicHandler) DeactivateDevice(w http.ResponseWriter, r *http.Request) {
	license, projectID, ok := h.licenseFromAuth(w, r)
	if !ok {
		return
	}
	var req struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		respondError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	remaining, err := h.devices.DeactivateDevice(r.Context(), license.ID, req.DeviceID)
	if err != nil {
		if errors.Is(err, services.ErrDeviceNotFound) {
			respondError(w, http.StatusNotFound, "device not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "deactivation failed")
		return
	}

	if h.audit != nil {
		ip, ua := requestInfo(r)
		h.audit.Record(models.AuditEntry{
			ActorType:    models.ActorPublic,
			Action:       "device.deactivate",
			ResourceType: "device",
			ResourceID:   req.DeviceID,
			ProjectID:    &projectID,
			IPAddress:    ip,
			UserAgent:    ua,
		})
	}

	respondSuccess(w, map[string]interface{}{
		"deactivated":       true,
		"remaining_devices": remaining,
	})
}

// Recover handles POST /recover: re-issues activation codes for every usable
// license under an email. Always answers 200 so the endpoint cannot be used
// to probe which addresses hold licenses.
func (h *PublicHandler) Recover(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID string `json:"project_id"`
		Email     string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		respondError(w, http.StatusBadRequest, "project_id and email are required")
		return
	}
	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid project_id")
		return
	}
	if !h.allow(r, "recover:"+req.Email) {
		respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	accepted := map[string]string{"status": "accepted"}

	project, err := h.projects.GetProject(r.Context(), projectID)
	if err != nil {
		respondSuccess(w, accepted)
		return
	}
	licenses, err := h.licenses.ListLicensesByEmail(r.Context(), projectID, req.Email)
	if err != nil || len(licenses) == 0 {
		respondSuccess(w, accepted)
		return
	}

	org, err := h.orgs.GetOrg(r.Context(), project.OrgID)
	if err != nil {
		respondSuccess(w, accepted)
		return
	}

	deliveries := make([]services.CodeDelivery, 0, len(licenses))
	for _, license := range licenses {
		product, err := h.products.GetProduct(r.Context(), license.ProductID)
		if err != nil {
			continue
		}
		_, code, err := h.licenses.CreateActivationCode(r.Context(), license.ID, project.LicenseKeyPrefix)
		if err != nil {
			continue
		}
		deliveries = append(deliveries, services.CodeDelivery{
			Email:       req.Email,
			Code:        code,
			ExpiresAt:   time.Now().Add(services.ActivationCodeTTL).Unix(),
			ProductName: product.Name,
			LicenseID:   license.ID.String(),
			PurchasedAt: license.CreatedAt,
		})
	}

	if len(deliveries) > 0 {
		go func(project models.Project, org models.Organization) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := h.notifications.SendActivationCodes(ctx, &project, &org, req.Email, deliveries, services.TriggerRecoveryRequest); err != nil {
				log.Printf("recovery delivery for project %s failed: %v", project.ID, err)
			}
		}(*project, *org)
	}

	respondSuccess(w, accepted)
}

// JWKS handles GET /jwks/{project_id}.
func (h *PublicHandler) JWKS(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(chi.URLParam(r, "project_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	project, err := h.projects.GetProject(r.Context(), projectID)
	if err != nil {
		respondError(w, http.StatusNotFound, "project not found")
		return
	}
	set, err := h.projects.JWKS(project)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "jwks unavailable")
		return
	}
	respondSuccess(w, set)
}

func deviceInfos(devices []models.Device) []map[string]interface{} {
	infos := make([]map[string]interface{}, 0, len(devices))
	for _, d := range devices {
		info := map[string]interface{}{
			"device_id":    d.DeviceID,
			"device_type":  d.DeviceType,
			"activated_at": d.ActivatedAt,
			"last_seen_at": d.LastSeenAt,
		}
		if d.Name != "" {
			info["name"] = d.Name
		}
		infos = append(infos, info)
	}
	return infos
}
