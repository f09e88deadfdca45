package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/CallMeGwei/paycheck/internal/middleware"
	"github.com/CallMeGwei/paycheck/internal/models"
	"github.com/CallMeGwei/paycheck/internal/repository"
	"github.com/CallMeGwei/paycheck/internal/services"
)

// OrgHandler serves the developer dashboard: projects, products, licenses,
// members, and org payment settings. Every route runs behind OrgAuth.
type OrgHandler struct {
	orgs          *services.OrgService
	projects      *services.ProjectService
	products      *services.ProductService
	licenses      *services.LicenseService
	devices       *services.DeviceService
	users         *services.UserService
	notifications *services.NotificationService
	audit         *services.AuditService
}

// NewOrgHandler creates a new org handler
func NewOrgHandler(orgs *services.OrgService, projects *services.ProjectService,
	products *services.ProductService, licenses *services.LicenseService,
	devices *services.DeviceService, users *services.UserService,
	notifications *services.NotificationService, audit *services.AuditService) *OrgHandler {
	return &OrgHandler{
		orgs:          orgs,
		projects:      projects,
		products:      products,
		licenses:      licenses,
		devices:       devices,
		users:         users,
		notifications: notifications,
		audit:         audit,
	}
}

// record writes an audit entry for the acting principal.
func (h *OrgHandler) record(r *http.Request, action, resourceType, resourceID, resourceName string) {
	if h.audit == nil {
		return
	}
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		return
	}
	ip, ua := requestInfo(r)
	entry := models.AuditEntry{
		ActorType:    principal.ActorType(),
		UserID:       &principal.User.ID,
		UserEmail:    principal.User.Email,
		UserName:     principal.User.Name,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		ResourceName: resourceName,
		IPAddress:    ip,
		UserAgent:    ua,
	}
	if principal.Member != nil {
		entry.OrgID = &principal.Member.OrgID
	}
	if principal.Impersonator != nil {
		entry.ImpersonatorUserID = &principal.Impersonator.ID
		entry.ImpersonatorEmail = principal.Impersonator.Email
	}
	if raw := chi.URLParam(r, "project_id"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			entry.ProjectID = &id
		}
	}
	h.audit.Record(entry)
}

func orgIDParam(r *http.Request) uuid.UUID {
	id, _ := uuid.Parse(chi.URLParam(r, "org_id"))
	return id
}

func projectIDParam(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "project_id"))
	return id, err == nil
}

// GetOrg handles GET /orgs/{org_id}.
func (h *OrgHandler) GetOrg(w http.ResponseWriter, r *http.Request) {
	org, err := h.orgs.GetOrg(r.Context(), orgIDParam(r))
	if err != nil {
		respondError(w, http.StatusNotFound, "organization not found")
		return
	}
	respondSuccess(w, map[string]interface{}{
		"organization":     org,
		"stripe_config":    org.HasStripeConfig(),
		"ls_config":        org.HasLSConfig(),
		"email_key_config": len(org.ResendKeyCiphertext) > 0,
	})
}

// UpdateOrgSettings handles PUT /orgs/{org_id}/settings: provider secrets
// and defaults. Secrets are stored envelope-encrypted, never echoed back.
func (h *OrgHandler) UpdateOrgSettings(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil || principal.Member == nil || !principal.Member.Role.HasImplicitProjectAccess() {
		respondError(w, http.StatusForbidden, "admin role required")
		return
	}

	orgID := orgIDParam(r)
	var req struct {
		DefaultProvider *string                    `json:"payment_provider_default"`
		Stripe          *models.StripeConfig       `json:"stripe"`
		LemonSqueezy    *models.LemonSqueezyConfig `json:"lemonsqueezy"`
		ResendAPIKey    *string                    `json:"resend_api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.DefaultProvider != nil {
		provider, ok := models.ParsePaymentProvider(*req.DefaultProvider)
		if !ok {
			respondError(w, http.StatusBadRequest, "invalid provider")
			return
		}
		if err := h.orgs.SetDefaultProvider(r.Context(), orgID, provider); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to update settings")
			return
		}
	}
	if req.Stripe != nil {
		if err := h.orgs.SetStripeConfig(r.Context(), orgID, *req.Stripe); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to store stripe config")
			return
		}
	}
	if req.LemonSqueezy != nil {
		if err := h.orgs.SetLemonSqueezyConfig(r.Context(), orgID, *req.LemonSqueezy); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to store lemonsqueezy config")
			return
		}
	}
	if req.ResendAPIKey != nil {
		if err := h.orgs.SetResendKey(r.Context(), orgID, *req.ResendAPIKey); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to store email key")
			return
		}
	}

	h.record(r, "org.update_settings", "organization", orgID.String(), "")
	respondSuccess(w, map[string]string{"status": "updated"})
}

// ListMembers handles GET /orgs/{org_id}/members.
func (h *OrgHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	members, total, err := h.orgs.ListMembers(r.Context(), orgIDParam(r), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list members")
		return
	}
	respondSuccess(w, map[string]interface{}{
		"members":    members,
		"pagination": paginationEnvelope(limit, offset, total),
	})
}

// AddMember handles POST /orgs/{org_id}/members. Owner only.
func (h *OrgHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil || principal.Member == nil || !principal.Member.Role.CanManageMembers() {
		respondError(w, http.StatusForbidden, "owner role required")
		return
	}

	var req struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	role, ok := models.ParseOrgMemberRole(req.Role)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid role")
		return
	}

	user, err := h.users.GetUserByEmail(r.Context(), req.Email)
	if errors.Is(err, services.ErrUserNotFound) {
		user, err = h.users.CreateUser(r.Context(), req.Email, "")
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to resolve user")
		return
	}

	member, err := h.orgs.AddMember(r.Context(), user.ID, orgIDParam(r), role)
	if err != nil {
		if errors.Is(err, services.ErrMemberExists) {
			respondError(w, http.StatusConflict, "user is already a member")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to add member")
		return
	}

	h.record(r, "org.add_member", "org_member", member.ID.String(), req.Email)
	respondCreated(w, member)
}

// CreateProject handles POST /orgs/{org_id}/projects.
func (h *OrgHandler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name             string `json:"name"`
		LicenseKeyPrefix string `json:"license_key_prefix"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.LicenseKeyPrefix == "" {
		req.LicenseKeyPrefix = "PC"
	}

	project, err := h.projects.CreateProject(r.Context(), orgIDParam(r), req.Name, req.LicenseKeyPrefix)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create project")
		return
	}
	h.record(r, "project.create", "project", project.ID.String(), project.Name)
	respondCreated(w, project)
}

// ListProjects handles GET /orgs/{org_id}/projects.
func (h *OrgHandler) ListProjects(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	projects, total, err := h.projects.ListProjects(r.Context(), orgIDParam(r), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	respondSuccess(w, map[string]interface{}{
		"projects":   projects,
		"pagination": paginationEnvelope(limit, offset, total),
	})
}

// GetProject handles GET /orgs/{org_id}/projects/{project_id}.
func (h *OrgHandler) GetProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	project, err := h.projects.GetProject(r.Context(), projectID)
	if err != nil {
		respondError(w, http.StatusNotFound, "project not found")
		return
	}
	respondSuccess(w, project)
}

// UpdateProject handles PATCH /orgs/{org_id}/projects/{project_id}.
func (h *OrgHandler) UpdateProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	var upd services.ProjectUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	project, err := h.projects.UpdateProject(r.Context(), projectID, upd)
	if err != nil {
		if errors.Is(err, services.ErrProjectNotFound) {
			respondError(w, http.StatusNotFound, "project not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to update project")
		return
	}
	h.record(r, "project.update", "project", project.ID.String(), project.Name)
	respondSuccess(w, project)
}

// RotateProjectKey handles POST /orgs/{org_id}/projects/{project_id}/rotate-key.
func (h *OrgHandler) RotateProjectKey(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	project, err := h.projects.RotateSigningKey(r.Context(), projectID)
	if err != nil {
		if errors.Is(err, services.ErrProjectNotFound) {
			respondError(w, http.StatusNotFound, "project not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to rotate key")
		return
	}
	h.record(r, "project.rotate_key", "project", project.ID.String(), project.Name)
	respondSuccess(w, map[string]interface{}{
		"public_key": project.PublicKey,
		"rotated_at": project.RotatedAt,
	})
}

// DeleteProject handles DELETE /orgs/{org_id}/projects/{project_id}.
func (h *OrgHandler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	if err := h.projects.DeleteProject(r.Context(), projectID); err != nil {
		if errors.Is(err, services.ErrProjectNotFound) {
			respondError(w, http.StatusNotFound, "project not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to delete project")
		return
	}
	h.record(r, "project.delete", "project", projectID.String(), "")
	respondSuccess(w, map[string]string{"status": "deleted"})
}

// RestoreProject handles POST /orgs/{org_id}/projects/{project_id}/restore.
func (h *OrgHandler) RestoreProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	force := r.URL.Query().Get("force") == "true"
	if err := h.projects.RestoreProject(r.Context(), projectID, force); err != nil {
		var cascade repository.ErrCascadeRestore
		switch {
		case errors.Is(err, services.ErrProjectNotFound):
			respondError(w, http.StatusNotFound, "project not found")
		case errors.As(err, &cascade):
			respondError(w, http.StatusBadRequest, cascade.Error())
		default:
			respondError(w, http.StatusInternalServerError, "failed to restore project")
		}
		return
	}
	h.record(r, "project.restore", "project", projectID.String(), "")
	respondSuccess(w, map[string]string{"status": "restored"})
}

// CreateProduct handles POST /orgs/{org_id}/projects/{project_id}/products.
func (h *OrgHandler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	var in services.CreateProductInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	product, err := h.products.CreateProduct(r.Context(), projectID, in)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create product")
		return
	}
	h.record(r, "product.create", "product", product.ID.String(), product.Name)
	respondCreated(w, product)
}

// ListProducts handles GET /orgs/{org_id}/projects/{project_id}/products.
func (h *OrgHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	limit, offset := parsePagination(r)
	products, total, err := h.products.ListProducts(r.Context(), projectID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list products")
		return
	}
	respondSuccess(w, map[string]interface{}{
		"products":   products,
		"pagination": paginationEnvelope(limit, offset, total),
	})
}

// UpdateProduct handles PATCH .../products/{product_id}.
func (h *OrgHandler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	productID, err := uuid.Parse(chi.URLParam(r, "product_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid product id")
		return
	}
	var upd services.ProductUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	product, err := h.products.UpdateProduct(r.Context(), productID, upd)
	if err != nil {
		if errors.Is(err, services.ErrProductNotFound) {
			respondError(w, http.StatusNotFound, "product not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to update product")
		return
	}
	h.record(r, "product.update", "product", product.ID.String(), product.Name)
	respondSuccess(w, product)
}

// SetProductPaymentConfig handles PUT .../products/{product_id}/payment-config.
func (h *OrgHandler) SetProductPaymentConfig(w http.ResponseWriter, r *http.Request) {
	productID, err := uuid.Parse(chi.URLParam(r, "product_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid product id")
		return
	}
	var req struct {
		Provider      string `json:"provider"`
		StripePriceID string `json:"stripe_price_id"`
		PriceCents    *int64 `json:"price_cents"`
		Currency      string `json:"currency"`
		LSVariantID   string `json:"ls_variant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	provider, ok := models.ParsePaymentProvider(req.Provider)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid provider")
		return
	}

	cfg, err := h.products.SetPaymentConfig(r.Context(), productID, models.ProductPaymentConfig{
		Provider:      provider,
		StripePriceID: req.StripePriceID,
		PriceCents:    req.PriceCents,
		Currency:      req.Currency,
		LSVariantID:   req.LSVariantID,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to set payment config")
		return
	}
	h.record(r, "product.set_payment_config", "product", productID.String(), "")
	respondSuccess(w, cfg)
}

// ListLicenses handles GET /orgs/{org_id}/projects/{project_id}/licenses.
func (h *OrgHandler) ListLicenses(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	limit, offset := parsePagination(r)
	licenses, total, err := h.licenses.ListLicenses(r.Context(), projectID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list licenses")
		return
	}
	respondSuccess(w, map[string]interface{}{
		"licenses":   licenses,
		"pagination": paginationEnvelope(limit, offset, total),
	})
}

// IssueLicense handles POST .../licenses: a manual grant outside any payment.
func (h *OrgHandler) IssueLicense(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	var req struct {
		ProductID  string `json:"product_id"`
		Email      string `json:"email"`
		CustomerID string `json:"customer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	productID, err := uuid.Parse(req.ProductID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid product_id")
		return
	}

	product, err := h.products.GetProduct(r.Context(), productID)
	if err != nil || product.ProjectID != projectID {
		respondError(w, http.StatusNotFound, "product not found")
		return
	}
	project, err := h.projects.GetProject(r.Context(), projectID)
	if err != nil {
		respondError(w, http.StatusNotFound, "project not found")
		return
	}

	now := time.Now().Unix()
	var expiresAt, updatesExpiresAt *int64
	if product.LicenseExpDays != nil {
		exp := now + int64(*product.LicenseExpDays)*86400
		expiresAt = &exp
	}
	if product.UpdatesExpDays != nil {
		exp := now + int64(*product.UpdatesExpDays)*86400
		updatesExpiresAt = &exp
	}

	license, err := h.licenses.CreateLicense(r.Context(), services.CreateLicenseInput{
		ProjectID:        projectID,
		ProductID:        productID,
		KeyPrefix:        project.LicenseKeyPrefix,
		Email:            req.Email,
		CustomerID:       req.CustomerID,
		ExpiresAt:        expiresAt,
		UpdatesExpiresAt: updatesExpiresAt,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create license")
		return
	}

	h.record(r, "license.issue", "license", license.ID.String(), "")
	respondCreated(w, license)
}

// RevokeLicense handles POST .../licenses/{license_id}/revoke.
func (h *OrgHandler) RevokeLicense(w http.ResponseWriter, r *http.Request) {
	licenseID, err := uuid.Parse(chi.URLParam(r, "license_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid license id")
		return
	}
	if err := h.licenses.RevokeLicense(r.Context(), licenseID); err != nil {
		if errors.Is(err, services.ErrLicenseNotFound) {
			respondError(w, http.StatusNotFound, "license not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to revoke license")
		return
	}
	h.record(r, "license.revoke", "license", licenseID.String(), "")
	respondSuccess(w, map[string]string{"status": "revoked"})
}

// UnrevokeLicense handles POST .../licenses/{license_id}/unrevoke.
func (h *OrgHandler) UnrevokeLicense(w http.ResponseWriter, r *http.Request) {
	licenseID, err := uuid.Parse(chi.URLParam(r, "license_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid license id")
		return
	}
	if err := h.licenses.UnrevokeLicense(r.Context(), licenseID); err != nil {
		if errors.Is(err, services.ErrLicenseNotFound) {
			respondError(w, http.StatusNotFound, "license not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to unrevoke license")
		return
	}
	h.record(r, "license.unrevoke", "license", licenseID.String(), "")
	respondSuccess(w, map[string]string{"status": "active"})
}

// DeleteLicense handles DELETE .../licenses/{license_id}.
func (h *OrgHandler) DeleteLicense(w http.ResponseWriter, r *http.Request) {
	licenseID, err := uuid.Parse(chi.URLParam(r, "license_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid license id")
		return
	}
	if err := h.licenses.DeleteLicense(r.Context(), licenseID); err != nil {
		if errors.Is(err, services.ErrLicenseNotFound) {
			respondError(w, http.StatusNotFound, "license not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to delete license")
		return
	}
	h.record(r, "license.delete", "license", licenseID.String(), "")
	respondSuccess(w, map[string]string{"status": "deleted"})
}

// RestoreLicense handles POST .../licenses/{license_id}/restore.
func (h *OrgHandler) RestoreLicense(w http.ResponseWriter, r *http.Request) {
	licenseID, err := uuid.Parse(chi.URLParam(r, "license_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid license id")
		return
	}
	force := r.URL.Query().Get("force") == "true"
	if err := h.licenses.RestoreLicense(r.Context(), licenseID, force); err != nil {
		var cascade repository.ErrCascadeRestore
		switch {
		case errors.Is(err, services.ErrLicenseNotFound):
			respondError(w, http.StatusNotFound, "license not found")
		case errors.As(err, &cascade):
			respondError(w, http.StatusBadRequest, cascade.Error())
		default:
			respondError(w, http.StatusInternalServerError, "failed to restore license")
		}
		return
	}
	h.record(r, "license.restore", "license", licenseID.String(), "")
	respondSuccess(w, map[string]string{"status": "restored"})
}

// ListLicenseDevices handles GET .../licenses/{license_id}/devices.
func (h *OrgHandler) ListLicenseDevices(w http.ResponseWriter, r *http.Request) {
	licenseID, err := uuid.Parse(chi.URLParam(r, "license_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid license id")
		return
	}
	devices, err := h.devices.ListDevices(r.Context(), licenseID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	respondSuccess(w, map[string]interface{}{"devices": deviceInfos(devices)})
}

// DeactivateLicenseDevice handles POST .../licenses/{license_id}/devices/deactivate.
// Operator-initiated remote deactivation: the device's jti is revoked first.
func (h *OrgHandler) DeactivateLicenseDevice(w http.ResponseWriter, r *http.Request) {
	licenseID, err := uuid.Parse(chi.URLParam(r, "license_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid license id")
		return
	}
	var req struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		respondError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	remaining, err := h.devices.DeactivateDevice(r.Context(), licenseID, req.DeviceID)
	if err != nil {
		if errors.Is(err, services.ErrDeviceNotFound) {
			respondError(w, http.StatusNotFound, "device not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "deactivation failed")
		return
	}
	h.record(r, "device.deactivate", "device", req.DeviceID, "")
	respondSuccess(w, map[string]interface{}{
		"deactivated":       true,
		"remaining_devices": remaining,
	})
}

// SendLicenseCode handles POST .../licenses/{license_id}/send-code: an
// admin-triggered activation code delivery.
func (h *OrgHandler) SendLicenseCode(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	licenseID, err := uuid.Parse(chi.URLParam(r, "license_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid license id")
		return
	}
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		respondError(w, http.StatusBadRequest, "email is required")
		return
	}

	license, err := h.licenses.GetLicense(r.Context(), licenseID)
	if err != nil || license.ProjectID != projectID {
		respondError(w, http.StatusNotFound, "license not found")
		return
	}
	project, err := h.projects.GetProject(r.Context(), projectID)
	if err != nil {
		respondError(w, http.StatusNotFound, "project not found")
		return
	}
	product, err := h.products.GetProduct(r.Context(), license.ProductID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "product lookup failed")
		return
	}
	org, err := h.orgs.GetOrg(r.Context(), project.OrgID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "organization lookup failed")
		return
	}

	code, plaintext, err := h.licenses.CreateActivationCode(r.Context(), license.ID, project.LicenseKeyPrefix)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create activation code")
		return
	}

	mode, err := h.notifications.SendActivationCode(r.Context(), project, org, services.CodeDelivery{
		Email:       req.Email,
		Code:        plaintext,
		ExpiresAt:   code.ExpiresAt,
		ProductName: product.Name,
		LicenseID:   license.ID.String(),
		PurchasedAt: license.CreatedAt,
	}, services.TriggerAdminGenerated)
	if err != nil {
		log.Printf("admin code delivery for license %s failed: %v", license.ID, err)
		respondError(w, http.StatusInternalServerError, "delivery failed")
		return
	}

	h.record(r, "license.send_code", "license", license.ID.String(), "")
	response := map[string]interface{}{"delivery": mode}
	if mode == services.DeliveryDisabled || mode == services.DeliveryNoAPIKey {
		// No channel reached the customer; hand the code to the admin.
		response["code"] = plaintext
		response["expires_at"] = code.ExpiresAt
	}
	respondSuccess(w, response)
}
