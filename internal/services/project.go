package services

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/CallMeGwei/paycheck/internal/crypto"
	"github.com/CallMeGwei/paycheck/internal/models"
	"github.com/CallMeGwei/paycheck/internal/repository"
	"github.com/CallMeGwei/paycheck/internal/token"
)

var (
	ErrProjectNotFound       = errors.New("project not found")
	ErrProjectMemberNotFound = errors.New("project member not found")
)

// ProjectService manages projects, their members, and the signing keypair
// lifecycle (generation, envelope encryption, rotation, JWKS).
type ProjectService struct {
	db      *repository.PostgresDB
	vault   *crypto.Vault
	signers *token.SignerCache

	jwksGraceSeconds int64
}

// NewProjectService creates a new project service
func NewProjectService(db *repository.PostgresDB, vault *crypto.Vault, signers *token.SignerCache, jwksGraceDays int) *ProjectService {
	return &ProjectService{
		db:               db,
		vault:            vault,
		signers:          signers,
		jwksGraceSeconds: int64(jwksGraceDays) * secondsPerDay,
	}
}

// CreateProject creates a project with a fresh signing keypair. The private
// half is stored envelope-encrypted with context = project id.
func (s *ProjectService) CreateProject(ctx context.Context, orgID uuid.UUID, name, licenseKeyPrefix string) (*models.Project, error) {
	publicKey, privateKey, err := token.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}

	now := nowUnix()
	p := &models.Project{
		ID:               uuid.New(),
		OrgID:            orgID,
		Name:             name,
		LicenseKeyPrefix: licenseKeyPrefix,
		PublicKey:        publicKey,
		EmailEnabled:     true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	ciphertext, err := s.vault.Encrypt(p.ID.String(), []byte(privateKey))
	if err != nil {
		return nil, fmt.Errorf("encrypting private key: %w", err)
	}
	p.PrivateKeyCiphertext = ciphertext

	_, err = s.db.Pool().Exec(ctx, `
		INSERT INTO projects (id, org_id, name, license_key_prefix, private_key_ciphertext,
			public_key, email_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.OrgID, p.Name, p.LicenseKeyPrefix, p.PrivateKeyCiphertext,
		p.PublicKey, p.EmailEnabled, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	return p, nil
}

const projectColumns = `id, org_id, name, license_key_prefix, private_key_ciphertext,
	public_key, previous_public_key, rotated_at, redirect_url, allowed_redirect_urls,
	email_from, email_enabled, email_webhook_url, created_at, updated_at`

func scanProject(row pgx.Row) (*models.Project, error) {
	var p models.Project
	err := row.Scan(&p.ID, &p.OrgID, &p.Name, &p.LicenseKeyPrefix, &p.PrivateKeyCiphertext,
		&p.PublicKey, &p.PreviousPublicKey, &p.RotatedAt, &p.RedirectURL, &p.AllowedRedirects,
		&p.EmailFrom, &p.EmailEnabled, &p.EmailWebhookURL, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProject returns a live project by id.
func (s *ProjectService) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	row := s.db.Pool().QueryRow(ctx,
		"SELECT "+projectColumns+" FROM projects WHERE id = $1 AND deleted_at IS NULL", id)
	return scanProject(row)
}

// ListProjects returns an org's projects with pagination.
func (s *ProjectService) ListProjects(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]models.Project, int, error) {
	limit, offset = clampPage(limit, offset)

	var total int
	if err := s.db.Pool().QueryRow(ctx,
		"SELECT COUNT(*) FROM projects WHERE org_id = $1 AND deleted_at IS NULL", orgID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Pool().Query(ctx,
		"SELECT "+projectColumns+" FROM projects WHERE org_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC LIMIT $2 OFFSET $3",
		orgID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	projects := make([]models.Project, 0)
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Name, &p.LicenseKeyPrefix, &p.PrivateKeyCiphertext,
			&p.PublicKey, &p.PreviousPublicKey, &p.RotatedAt, &p.RedirectURL, &p.AllowedRedirects,
			&p.EmailFrom, &p.EmailEnabled, &p.EmailWebhookURL, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, 0, err
		}
		projects = append(projects, p)
	}
	return projects, total, rows.Err()
}

// ProjectUpdate holds the mutable delivery and redirect settings. Nil/unset
// fields are left unchanged.
type ProjectUpdate struct {
	Name             models.OptionalString `json:"name"`
	RedirectURL      models.OptionalString `json:"redirect_url"`
	AllowedRedirects *[]string             `json:"allowed_redirect_urls"`
	EmailFrom        models.OptionalString `json:"email_from"`
	EmailEnabled     *bool                 `json:"email_enabled"`
	EmailWebhookURL  models.OptionalString `json:"email_webhook_url"`
}

// UpdateProject applies a partial update and evicts the project's cached
// signer so delivery settings and keys are never stale.
func (s *ProjectService) UpdateProject(ctx context.Context, id uuid.UUID, upd ProjectUpdate) (*models.Project, error) {
	set := "updated_at = $1"
	args := []any{nowUnix()}
	arg := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	applyString := func(column string, o models.OptionalString) {
		if !o.Set {
			return
		}
		value := ""
		if o.Valid {
			value = o.Value
		}
		set += ", " + column + " = " + arg(value)
	}
	applyString("name", upd.Name)
	applyString("redirect_url", upd.RedirectURL)
	applyString("email_from", upd.EmailFrom)
	applyString("email_webhook_url", upd.EmailWebhookURL)
	if upd.AllowedRedirects != nil {
		set += ", allowed_redirect_urls = " + arg(*upd.AllowedRedirects)
	}
	if upd.EmailEnabled != nil {
		set += ", email_enabled = " + arg(*upd.EmailEnabled)
	}

	args = append(args, id)
	tag, err := s.db.Pool().Exec(ctx,
		fmt.Sprintf("UPDATE projects SET %s WHERE id = %s AND deleted_at IS NULL", set, placeholder(len(args))),
		args...)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrProjectNotFound
	}
	s.signers.Evict(id.String())
	return s.GetProject(ctx, id)
}

// RotateSigningKey replaces the project keypair. The outgoing public key is
// kept on the row and served via JWKS during the grace window so tokens
// minted just before the rotation keep validating.
func (s *ProjectService) RotateSigningKey(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	project, err := s.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}

	publicKey, privateKey, err := token.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}
	ciphertext, err := s.vault.Encrypt(id.String(), []byte(privateKey))
	if err != nil {
		return nil, fmt.Errorf("encrypting private key: %w", err)
	}

	_, err = s.db.Pool().Exec(ctx, `
		UPDATE projects
		SET private_key_ciphertext = $1, public_key = $2,
			previous_public_key = $3, rotated_at = $4, updated_at = $4
		WHERE id = $5 AND deleted_at IS NULL
	`, ciphertext, publicKey, project.PublicKey, nowUnix(), id)
	if err != nil {
		return nil, err
	}
	s.signers.Evict(id.String())
	return s.GetProject(ctx, id)
}

// Signer returns the project's decrypted signing key and kid, consulting
// the bounded cache first.
func (s *ProjectService) Signer(ctx context.Context, project *models.Project) (ed25519.PrivateKey, string, error) {
	if priv, kid, ok := s.signers.Get(project.ID.String()); ok {
		return priv, kid, nil
	}
	raw, err := s.vault.Decrypt(project.ID.String(), project.PrivateKeyCiphertext)
	if err != nil {
		return nil, "", fmt.Errorf("decrypting signing key: %w", err)
	}
	priv, err := token.ParsePrivateKey(string(raw))
	if err != nil {
		return nil, "", err
	}
	kid := token.KeyID(project.PublicKey)
	s.signers.Put(project.ID.String(), priv, kid)
	return priv, kid, nil
}

// JWKS builds the project's published key set.
func (s *ProjectService) JWKS(project *models.Project) (token.JWKS, error) {
	return token.BuildJWKS(project.PublicKey, project.PreviousPublicKey,
		project.RotatedAt, nowUnix(), s.jwksGraceSeconds)
}

// AddProjectMember grants an org member explicit access to a project.
func (s *ProjectService) AddProjectMember(ctx context.Context, orgMemberID, projectID uuid.UUID, role models.ProjectMemberRole) (*models.ProjectMember, error) {
	pm := &models.ProjectMember{
		ID:          uuid.New(),
		OrgMemberID: orgMemberID,
		ProjectID:   projectID,
		Role:        role,
		CreatedAt:   nowUnix(),
	}
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO project_members (id, org_member_id, project_id, role, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (org_member_id, project_id) DO UPDATE SET role = $4
	`, pm.ID, pm.OrgMemberID, pm.ProjectID, pm.Role, pm.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to add project member: %w", err)
	}
	return pm, nil
}

// GetProjectMember returns the explicit membership row, if any.
func (s *ProjectService) GetProjectMember(ctx context.Context, orgMemberID, projectID uuid.UUID) (*models.ProjectMember, error) {
	var pm models.ProjectMember
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, org_member_id, project_id, role, created_at
		FROM project_members WHERE org_member_id = $1 AND project_id = $2
	`, orgMemberID, projectID).Scan(&pm.ID, &pm.OrgMemberID, &pm.ProjectID, &pm.Role, &pm.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pm, nil
}

// DeleteProject soft-deletes a project and cascades to products and licenses.
func (s *ProjectService) DeleteProject(ctx context.Context, id uuid.UUID) error {
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		result, err := repository.SoftDeleteEntity(ctx, tx, "projects", id.String())
		if err != nil {
			return err
		}
		if !result.Deleted {
			return ErrProjectNotFound
		}
		if _, err := repository.CascadeDeleteDirect(ctx, tx, "products", "project_id", id.String(), result.DeletedAt, 1); err != nil {
			return err
		}
		_, err = repository.CascadeDeleteDirect(ctx, tx, "licenses", "project_id", id.String(), result.DeletedAt, 2)
		return err
	})
	if err == nil {
		s.signers.Evict(id.String())
	}
	return err
}

// RestoreProject restores a project and its cascaded children.
func (s *ProjectService) RestoreProject(ctx context.Context, id uuid.UUID, force bool) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var deletedAt *int64
		var depth *int
		err := tx.QueryRow(ctx,
			"SELECT deleted_at, deleted_cascade_depth FROM projects WHERE id = $1", id).Scan(&deletedAt, &depth)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrProjectNotFound
		}
		if err != nil {
			return err
		}
		if deletedAt == nil {
			return nil
		}
		if err := repository.CheckRestoreAllowed(depth, force, "Project"); err != nil {
			return err
		}
		if _, err := repository.RestoreEntity(ctx, tx, "projects", id.String()); err != nil {
			return err
		}
		if _, err := repository.RestoreCascadedDirect(ctx, tx, "products", "project_id", id.String(), *deletedAt); err != nil {
			return err
		}
		_, err = repository.RestoreCascadedDirect(ctx, tx, "licenses", "project_id", id.String(), *deletedAt)
		return err
	})
}
