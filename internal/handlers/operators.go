package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/CallMeGwei/paycheck/internal/middleware"
	"github.com/CallMeGwei/paycheck/internal/models"
	"github.com/CallMeGwei/paycheck/internal/repository"
	"github.com/CallMeGwei/paycheck/internal/services"
)

// OperatorHandler serves the operator console: user and org management,
// operator grants, and the audit trail. Routes run behind OperatorAuth.
type OperatorHandler struct {
	users *services.UserService
	orgs  *services.OrgService
	audit *services.AuditService
}

// NewOperatorHandler creates a new operator handler
func NewOperatorHandler(users *services.UserService, orgs *services.OrgService, audit *services.AuditService) *OperatorHandler {
	return &OperatorHandler{users: users, orgs: orgs, audit: audit}
}

func (h *OperatorHandler) record(r *http.Request, action, resourceType, resourceID, resourceName string) {
	if h.audit == nil {
		return
	}
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		return
	}
	ip, ua := requestInfo(r)
	h.audit.Record(models.AuditEntry{
		ActorType:    models.ActorOperator,
		UserID:       &principal.User.ID,
		UserEmail:    principal.User.Email,
		UserName:     principal.User.Name,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		ResourceName: resourceName,
		IPAddress:    ip,
		UserAgent:    ua,
	})
}

// requireOwner demands the owner operator role, the only one that manages
// other operators.
func requireOwner(w http.ResponseWriter, r *http.Request) bool {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil || principal.Operator == nil || principal.Operator.Role != models.OperatorOwner {
		respondError(w, http.StatusForbidden, "owner operator role required")
		return false
	}
	return true
}

// ListUsers handles GET /operators/users.
func (h *OperatorHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	users, total, err := h.users.ListUsers(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	respondSuccess(w, map[string]interface{}{
		"users":      users,
		"pagination": paginationEnvelope(limit, offset, total),
	})
}

// CreateUser handles POST /operators/users.
func (h *OperatorHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		respondError(w, http.StatusBadRequest, "email is required")
		return
	}
	user, err := h.users.CreateUser(r.Context(), req.Email, req.Name)
	if err != nil {
		if errors.Is(err, services.ErrEmailTaken) {
			respondError(w, http.StatusConflict, "email already registered")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	h.record(r, "user.create", "user", user.ID.String(), user.Email)
	respondCreated(w, user)
}

// DeleteUser handles DELETE /operators/users/{user_id}.
func (h *OperatorHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "user_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if err := h.users.DeleteUser(r.Context(), userID); err != nil {
		if errors.Is(err, services.ErrUserNotFound) {
			respondError(w, http.StatusNotFound, "user not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to delete user")
		return
	}
	h.record(r, "user.delete", "user", userID.String(), "")
	respondSuccess(w, map[string]string{"status": "deleted"})
}

// RestoreUser handles POST /operators/users/{user_id}/restore.
func (h *OperatorHandler) RestoreUser(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "user_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	force := r.URL.Query().Get("force") == "true"
	if err := h.users.RestoreUser(r.Context(), userID, force); err != nil {
		var cascade repository.ErrCascadeRestore
		switch {
		case errors.Is(err, services.ErrUserNotFound):
			respondError(w, http.StatusNotFound, "user not found")
		case errors.As(err, &cascade):
			respondError(w, http.StatusBadRequest, cascade.Error())
		default:
			respondError(w, http.StatusInternalServerError, "failed to restore user")
		}
		return
	}
	h.record(r, "user.restore", "user", userID.String(), "")
	respondSuccess(w, map[string]string{"status": "restored"})
}

// CreateOperator handles POST /operators/operators. Owner only.
func (h *OperatorHandler) CreateOperator(w http.ResponseWriter, r *http.Request) {
	if !requireOwner(w, r) {
		return
	}
	var req struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	role, ok := models.ParseOperatorRole(req.Role)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid role")
		return
	}
	operator, err := h.users.CreateOperator(r.Context(), userID, role)
	if err != nil {
		if errors.Is(err, services.ErrOperatorExists) {
			respondError(w, http.StatusConflict, "user is already an operator")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to create operator")
		return
	}
	h.record(r, "operator.create", "operator", operator.ID.String(), "")
	respondCreated(w, operator)
}

// CreateOrg handles POST /operators/orgs: creates an org and seeds its first
// owner member.
func (h *OperatorHandler) CreateOrg(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		OwnerEmail string `json:"owner_email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	org, err := h.orgs.CreateOrg(r.Context(), req.Name)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create organization")
		return
	}

	if req.OwnerEmail != "" {
		owner, err := h.users.GetUserByEmail(r.Context(), req.OwnerEmail)
		if errors.Is(err, services.ErrUserNotFound) {
			owner, err = h.users.CreateUser(r.Context(), req.OwnerEmail, "")
		}
		if err == nil {
			_, err = h.orgs.AddMember(r.Context(), owner.ID, org.ID, models.OrgOwner)
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, "organization created but owner setup failed")
			return
		}
	}

	h.record(r, "org.create", "organization", org.ID.String(), org.Name)
	respondCreated(w, org)
}

// ListOrgs handles GET /operators/orgs.
func (h *OperatorHandler) ListOrgs(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	orgs, total, err := h.orgs.ListOrgs(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list organizations")
		return
	}
	respondSuccess(w, map[string]interface{}{
		"organizations": orgs,
		"pagination":    paginationEnvelope(limit, offset, total),
	})
}

// DeleteOrg handles DELETE /operators/orgs/{org_id}.
func (h *OperatorHandler) DeleteOrg(w http.ResponseWriter, r *http.Request) {
	orgID, err := uuid.Parse(chi.URLParam(r, "org_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid org id")
		return
	}
	if err := h.orgs.DeleteOrg(r.Context(), orgID); err != nil {
		if errors.Is(err, services.ErrOrgNotFound) {
			respondError(w, http.StatusNotFound, "organization not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to delete organization")
		return
	}
	h.record(r, "org.delete", "organization", orgID.String(), "")
	respondSuccess(w, map[string]string{"status": "deleted"})
}

// RestoreOrg handles POST /operators/orgs/{org_id}/restore.
func (h *OperatorHandler) RestoreOrg(w http.ResponseWriter, r *http.Request) {
	orgID, err := uuid.Parse(chi.URLParam(r, "org_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid org id")
		return
	}
	force := r.URL.Query().Get("force") == "true"
	if err := h.orgs.RestoreOrg(r.Context(), orgID, force); err != nil {
		var cascade repository.ErrCascadeRestore
		switch {
		case errors.Is(err, services.ErrOrgNotFound):
			respondError(w, http.StatusNotFound, "organization not found")
		case errors.As(err, &cascade):
			respondError(w, http.StatusBadRequest, cascade.Error())
		default:
			respondError(w, http.StatusInternalServerError, "failed to restore organization")
		}
		return
	}
	h.record(r, "org.restore", "organization", orgID.String(), "")
	respondSuccess(w, map[string]string{"status": "restored"})
}

// CreateAPIKey handles POST /operators/api-keys: issues a key for a user,
// optionally scoped.
func (h *OperatorHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Name   string `json:"name"`
		Scopes []struct {
			OrgID     string `json:"org_id"`
			ProjectID string `json:"project_id"`
			Access    string `json:"access"`
		} `json:"scopes"`
		ExpiresAt *int64 `json:"expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user_id")
		return
	}

	scopes := make([]models.APIKeyScope, 0, len(req.Scopes))
	for _, s := range req.Scopes {
		orgID, err := uuid.Parse(s.OrgID)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid scope org_id")
			return
		}
		access, ok := models.ParseAccessLevel(s.Access)
		if !ok {
			respondError(w, http.StatusBadRequest, "invalid scope access")
			return
		}
		scope := models.APIKeyScope{OrgID: orgID, Access: access}
		if s.ProjectID != "" {
			projectID, err := uuid.Parse(s.ProjectID)
			if err != nil {
				respondError(w, http.StatusBadRequest, "invalid scope project_id")
				return
			}
			scope.ProjectID = &projectID
		}
		scopes = append(scopes, scope)
	}

	key, plaintext, err := h.users.CreateAPIKey(r.Context(), userID, req.Name, scopes, req.ExpiresAt)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create api key")
		return
	}

	h.record(r, "api_key.create", "api_key", key.ID.String(), key.Name)
	respondCreated(w, map[string]interface{}{
		"api_key": key,
		// Shown exactly once; only the hash is stored.
		"key": plaintext,
	})
}

// RevokeAPIKey handles DELETE /operators/api-keys/{key_id}.
func (h *OperatorHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := uuid.Parse(chi.URLParam(r, "key_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid key id")
		return
	}
	if err := h.users.RevokeAPIKey(r.Context(), keyID); err != nil {
		if errors.Is(err, services.ErrAPIKeyNotFound) {
			respondError(w, http.StatusNotFound, "api key not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to revoke api key")
		return
	}
	h.record(r, "api_key.revoke", "api_key", keyID.String(), "")
	respondSuccess(w, map[string]string{"status": "revoked"})
}

// QueryAuditLogs handles GET /operators/audit-logs.
func (h *OperatorHandler) QueryAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	q := r.URL.Query()

	filter := services.AuditFilter{
		ActorType:    q.Get("actor_type"),
		Action:       q.Get("action"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		Limit:        limit,
		Offset:       offset,
	}
	if raw := q.Get("user_id"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			filter.UserID = &id
		}
	}
	if raw := q.Get("org_id"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			filter.OrgID = &id
		}
	}
	if raw := q.Get("project_id"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			filter.ProjectID = &id
		}
	}
	if raw := q.Get("since"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			filter.Since = n
		}
	}
	if raw := q.Get("until"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			filter.Until = n
		}
	}

	entries, total, err := h.audit.Query(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to query audit logs")
		return
	}
	respondSuccess(w, map[string]interface{}{
		"entries":    entries,
		"pagination": paginationEnvelope(limit, offset, total),
	})
}
