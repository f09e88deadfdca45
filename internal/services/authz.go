package services

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/CallMeGwei/paycheck/internal/crypto"
	"github.com/CallMeGwei/paycheck/internal/models"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	// ErrProjectHidden is surfaced as 404: a member without access must not
	// learn whether the project exists.
	ErrProjectHidden = errors.New("project not found")
)

// Principal is the resolved identity a request acts as.
type Principal struct {
	User     *models.User
	Operator *models.Operator
	// Member is the effective org membership — real, impersonated, or
	// synthesized from an operator override.
	Member      *models.OrgMember
	ProjectRole *models.ProjectMemberRole
	// Impersonator is set when an operator acts on behalf of Member.
	Impersonator *models.User
	// Synthesized marks a member conjured from an operator override rather
	// than a real org_members row.
	Synthesized bool
	// Key is the API key the request authenticated with; its scopes are
	// re-checked when the URL descends into a project.
	Key *models.APIKey
}

// CanWriteProject reports whether the principal may mutate project resources.
func (p *Principal) CanWriteProject() bool {
	if p.Member != nil && p.Member.Role.HasImplicitProjectAccess() {
		return true
	}
	return p.ProjectRole != nil && *p.ProjectRole == models.ProjectAdmin
}

// ActorType classifies the principal for the audit trail.
func (p *Principal) ActorType() models.ActorType {
	switch {
	case p.Impersonator != nil:
		return models.ActorOrgMember
	case p.Synthesized:
		return models.ActorOperator
	case p.Member != nil:
		return models.ActorOrgMember
	case p.Operator != nil:
		return models.ActorOperator
	default:
		return models.ActorUser
	}
}

// AuthzService resolves bearer credentials to effective principals.
type AuthzService struct {
	users    *UserService
	orgs     *OrgService
	projects *ProjectService
}

// NewAuthzService creates a new authorization service
func NewAuthzService(users *UserService, orgs *OrgService, projects *ProjectService) *AuthzService {
	return &AuthzService{users: users, orgs: orgs, projects: projects}
}

// ResolveRequest carries the URL coordinates and headers of a request.
type ResolveRequest struct {
	Bearer     string
	OrgID      uuid.UUID
	ProjectID  *uuid.UUID
	OnBehalfOf string
	Write      bool
}

// Authenticate resolves just the bearer to its user and API key, with no
// org context. Used by operator-surface routes.
func (s *AuthzService) Authenticate(ctx context.Context, bearer string) (*models.User, *models.APIKey, error) {
	if !strings.HasPrefix(bearer, crypto.APIKeyPrefix) {
		return nil, nil, ErrUnauthenticated
	}
	key, err := s.users.GetAPIKeyByHash(ctx, crypto.HashSecret(bearer))
	if errors.Is(err, ErrAPIKeyNotFound) {
		return nil, nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, nil, err
	}
	s.users.TouchAPIKey(key.ID)

	user, err := s.users.GetUser(ctx, key.UserID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, nil, err
	}
	return user, key, nil
}

// RequireOperator authenticates the bearer and demands an operator row; any
// operator role is accepted.
func (s *AuthzService) RequireOperator(ctx context.Context, bearer string) (*Principal, error) {
	user, _, err := s.Authenticate(ctx, bearer)
	if err != nil {
		return nil, err
	}
	op, err := s.users.GetOperatorForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, ErrForbidden
	}
	return &Principal{User: user, Operator: op}, nil
}

// Resolve computes the effective principal for an org- or project-scoped
// URL, applying scopes, impersonation, and the operator override.
func (s *AuthzService) Resolve(ctx context.Context, req ResolveRequest) (*Principal, error) {
	user, key, err := s.Authenticate(ctx, req.Bearer)
	if err != nil {
		return nil, err
	}

	operator, err := s.users.GetOperatorForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	principal := &Principal{User: user, Operator: operator, Key: key}

	if req.OnBehalfOf != "" {
		// Support impersonation: only owner/admin operators, and only onto a
		// member of the URL's org.
		if operator == nil || !operator.Role.CanImpersonate() {
			return nil, ErrForbidden
		}
		memberID, err := uuid.Parse(req.OnBehalfOf)
		if err != nil {
			return nil, ErrForbidden
		}
		member, err := s.orgs.GetMemberByID(ctx, memberID)
		if errors.Is(err, ErrOrgMemberNotFound) {
			return nil, ErrForbidden
		}
		if err != nil {
			return nil, err
		}
		if member.OrgID != req.OrgID {
			return nil, ErrForbidden
		}
		target, err := s.users.GetUser(ctx, member.UserID)
		if err != nil {
			return nil, err
		}
		principal.User = target
		principal.Operator = nil
		principal.Member = member
		principal.Impersonator = user
	} else {
		// Scoped keys must cover the URL before any membership is consulted.
		if len(key.Scopes) > 0 && !scopesCover(key.Scopes, req) {
			return nil, ErrForbidden
		}

		member, err := s.orgs.GetMember(ctx, user.ID, req.OrgID)
		if err != nil {
			return nil, err
		}
		switch {
		case member != nil:
			principal.Member = member
		case operator != nil && operator.Role.CanImpersonate():
			// Transparent operator override: act as a synthetic org owner.
			principal.Member = &models.OrgMember{
				ID:     uuid.Nil,
				UserID: user.ID,
				OrgID:  req.OrgID,
				Role:   models.OrgOwner,
			}
			principal.Synthesized = true
		default:
			return nil, ErrForbidden
		}
	}

	if req.ProjectID != nil {
		if err := s.ResolveProject(ctx, principal, req.OrgID, *req.ProjectID, req.Write); err != nil {
			return nil, err
		}
	}
	return principal, nil
}

// ResolveProject deepens an org-level principal into a project-scoped one:
// the key's scopes must cover the project, and a plain member needs an
// explicit project_members row. Missing access is a 404, never a 403, so
// membership absence does not reveal the project.
func (s *AuthzService) ResolveProject(ctx context.Context, principal *Principal, orgID, projectID uuid.UUID, write bool) error {
	if principal.Impersonator == nil && principal.Key != nil && len(principal.Key.Scopes) > 0 {
		req := ResolveRequest{OrgID: orgID, ProjectID: &projectID, Write: write}
		if !scopesCover(principal.Key.Scopes, req) {
			return ErrForbidden
		}
	}

	project, err := s.projects.GetProject(ctx, projectID)
	if errors.Is(err, ErrProjectNotFound) {
		return ErrProjectHidden
	}
	if err != nil {
		return err
	}
	if project.OrgID != orgID {
		return ErrProjectHidden
	}

	if principal.Member.Role.HasImplicitProjectAccess() {
		return nil
	}
	pm, err := s.projects.GetProjectMember(ctx, principal.Member.ID, projectID)
	if err != nil {
		return err
	}
	if pm == nil {
		return ErrProjectHidden
	}
	if write && pm.Role != models.ProjectAdmin {
		return ErrForbidden
	}
	principal.ProjectRole = &pm.Role
	return nil
}

// scopesCover checks whether any scope grants the required access to the
// URL's org (and project, when present). A scope with a nil project covers
// every project in its org.
func scopesCover(scopes []models.APIKeyScope, req ResolveRequest) bool {
	required := models.AccessView
	if req.Write {
		required = models.AccessAdmin
	}
	for _, scope := range scopes {
		if scope.OrgID != req.OrgID {
			continue
		}
		if !scope.Access.Covers(required) {
			continue
		}
		if req.ProjectID == nil || scope.ProjectID == nil || *scope.ProjectID == *req.ProjectID {
			return true
		}
	}
	return false
}
