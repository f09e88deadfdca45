package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/CallMeGwei/paycheck/internal/services"
)

type contextKey string

const (
	// PrincipalContextKey holds the resolved *services.Principal.
	PrincipalContextKey contextKey = "principal"
)

// ExtractBearer returns the Authorization bearer token, or "".
func ExtractBearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// RequestInfo extracts the client address and user agent for audit records.
func RequestInfo(r *http.Request) (ip, userAgent string) {
	ip = r.Header.Get("X-Forwarded-For")
	if ip == "" {
		ip = r.Header.Get("X-Real-IP")
	}
	if ip == "" {
		ip = r.RemoteAddr
	}
	return ip, r.Header.Get("User-Agent")
}

// OrgAuth resolves the bearer against the URL's {org_id} and stores the
// principal on the context. Mutating methods demand admin-level access.
// Project-scoped routes additionally run ProjectAuth, which executes after
// {project_id} has been matched by the inner router.
func OrgAuth(authz *services.AuthzService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			orgID, err := uuid.Parse(chi.URLParam(r, "org_id"))
			if err != nil {
				http.Error(w, `{"error": "invalid org id"}`, http.StatusBadRequest)
				return
			}

			principal, err := authz.Resolve(r.Context(), services.ResolveRequest{
				Bearer:     ExtractBearer(r),
				OrgID:      orgID,
				OnBehalfOf: r.Header.Get("X-On-Behalf-Of"),
				Write:      isWrite(r),
			})
			if err != nil {
				writeAuthError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), PrincipalContextKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ProjectAuth deepens the org principal into the URL's {project_id},
// enforcing key scopes, explicit project membership, and the 404-on-hidden
// rule. Must run inside a subrouter whose pattern binds {project_id}.
func ProjectAuth(authz *services.AuthzService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r.Context())
			if principal == nil || principal.Member == nil {
				http.Error(w, `{"error": "unauthenticated"}`, http.StatusUnauthorized)
				return
			}
			projectID, err := uuid.Parse(chi.URLParam(r, "project_id"))
			if err != nil {
				http.Error(w, `{"error": "invalid project id"}`, http.StatusBadRequest)
				return
			}
			if err := authz.ResolveProject(r.Context(), principal, principal.Member.OrgID, projectID, isWrite(r)); err != nil {
				writeAuthError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isWrite(r *http.Request) bool {
	return r.Method != http.MethodGet && r.Method != http.MethodHead
}

// OperatorAuth demands an operator credential and stores the principal.
func OperatorAuth(authz *services.AuthzService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := authz.RequireOperator(r.Context(), ExtractBearer(r))
			if err != nil {
				writeAuthError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), PrincipalContextKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrUnauthenticated):
		http.Error(w, `{"error": "unauthenticated"}`, http.StatusUnauthorized)
	case errors.Is(err, services.ErrForbidden):
		http.Error(w, `{"error": "forbidden"}`, http.StatusForbidden)
	case errors.Is(err, services.ErrProjectHidden):
		http.Error(w, `{"error": "not found"}`, http.StatusNotFound)
	default:
		http.Error(w, `{"error": "internal error"}`, http.StatusInternalServerError)
	}
}

// GetPrincipal returns the resolved principal from context, or nil.
func GetPrincipal(ctx context.Context) *services.Principal {
	principal, _ := ctx.Value(PrincipalContextKey).(*services.Principal)
	return principal
}
