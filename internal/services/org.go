package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/CallMeGwei/paycheck/internal/crypto"
	"github.com/CallMeGwei/paycheck/internal/models"
	"github.com/CallMeGwei/paycheck/internal/repository"
)

var (
	ErrOrgNotFound       = errors.New("organization not found")
	ErrOrgMemberNotFound = errors.New("org member not found")
	ErrMemberExists      = errors.New("user is already a member of this organization")
)

// OrgService manages organizations, their members, and their encrypted
// provider credentials.
type OrgService struct {
	db    *repository.PostgresDB
	vault *crypto.Vault
}

// NewOrgService creates a new org service
func NewOrgService(db *repository.PostgresDB, vault *crypto.Vault) *OrgService {
	return &OrgService{db: db, vault: vault}
}

// CreateOrg creates an organization.
func (s *OrgService) CreateOrg(ctx context.Context, name string) (*models.Organization, error) {
	now := nowUnix()
	org := &models.Organization{ID: uuid.New(), Name: name, CreatedAt: now, UpdatedAt: now}
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO organizations (id, name, created_at, updated_at) VALUES ($1, $2, $3, $4)
	`, org.ID, org.Name, org.CreatedAt, org.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create organization: %w", err)
	}
	return org, nil
}

// GetOrg returns a live organization by id.
func (s *OrgService) GetOrg(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	var o models.Organization
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, name, payment_provider_default, stripe_config_ciphertext,
			ls_config_ciphertext, resend_key_ciphertext, created_at, updated_at
		FROM organizations WHERE id = $1 AND deleted_at IS NULL
	`, id).Scan(&o.ID, &o.Name, &o.PaymentProviderDefault, &o.StripeConfigCiphertext,
		&o.LSConfigCiphertext, &o.ResendKeyCiphertext, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrgNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOrgs returns organizations with pagination.
func (s *OrgService) ListOrgs(ctx context.Context, limit, offset int) ([]models.Organization, int, error) {
	limit, offset = clampPage(limit, offset)

	var total int
	if err := s.db.Pool().QueryRow(ctx,
		"SELECT COUNT(*) FROM organizations WHERE deleted_at IS NULL").Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, name, payment_provider_default, created_at, updated_at
		FROM organizations WHERE deleted_at IS NULL
		ORDER BY created_at DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	orgs := make([]models.Organization, 0)
	for rows.Next() {
		var o models.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.PaymentProviderDefault, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, 0, err
		}
		orgs = append(orgs, o)
	}
	return orgs, total, rows.Err()
}

// SetStripeConfig envelope-encrypts and stores the org's Stripe credentials.
func (s *OrgService) SetStripeConfig(ctx context.Context, orgID uuid.UUID, cfg models.StripeConfig) error {
	return s.setEncryptedColumn(ctx, orgID, "stripe_config_ciphertext", cfg)
}

// SetLemonSqueezyConfig stores the org's LemonSqueezy credentials.
func (s *OrgService) SetLemonSqueezyConfig(ctx context.Context, orgID uuid.UUID, cfg models.LemonSqueezyConfig) error {
	return s.setEncryptedColumn(ctx, orgID, "ls_config_ciphertext", cfg)
}

// SetResendKey stores the org's transactional email API key.
func (s *OrgService) SetResendKey(ctx context.Context, orgID uuid.UUID, apiKey string) error {
	ciphertext, err := s.vault.Encrypt(orgID.String(), []byte(apiKey))
	if err != nil {
		return err
	}
	return s.storeCiphertext(ctx, orgID, "resend_key_ciphertext", ciphertext)
}

// SetDefaultProvider records which provider buy uses when none is requested.
func (s *OrgService) SetDefaultProvider(ctx context.Context, orgID uuid.UUID, provider models.PaymentProviderName) error {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE organizations SET payment_provider_default = $1, updated_at = $2
		WHERE id = $3 AND deleted_at IS NULL
	`, provider, nowUnix(), orgID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOrgNotFound
	}
	return nil
}

func (s *OrgService) setEncryptedColumn(ctx context.Context, orgID uuid.UUID, column string, cfg any) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	ciphertext, err := s.vault.Encrypt(orgID.String(), payload)
	if err != nil {
		return err
	}
	return s.storeCiphertext(ctx, orgID, column, ciphertext)
}

func (s *OrgService) storeCiphertext(ctx context.Context, orgID uuid.UUID, column string, ciphertext []byte) error {
	tag, err := s.db.Pool().Exec(ctx,
		fmt.Sprintf("UPDATE organizations SET %s = $1, updated_at = $2 WHERE id = $3 AND deleted_at IS NULL", column),
		ciphertext, nowUnix(), orgID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOrgNotFound
	}
	return nil
}

// DecryptStripeConfig opens the org's Stripe credentials.
func (s *OrgService) DecryptStripeConfig(org *models.Organization) (*models.StripeConfig, error) {
	if !org.HasStripeConfig() {
		return nil, nil
	}
	var cfg models.StripeConfig
	if err := s.decryptInto(org, org.StripeConfigCiphertext, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DecryptLemonSqueezyConfig opens the org's LemonSqueezy credentials.
func (s *OrgService) DecryptLemonSqueezyConfig(org *models.Organization) (*models.LemonSqueezyConfig, error) {
	if !org.HasLSConfig() {
		return nil, nil
	}
	var cfg models.LemonSqueezyConfig
	if err := s.decryptInto(org, org.LSConfigCiphertext, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DecryptResendKey opens the org's email API key; empty when unset.
func (s *OrgService) DecryptResendKey(org *models.Organization) (string, error) {
	if len(org.ResendKeyCiphertext) == 0 {
		return "", nil
	}
	plaintext, err := s.vault.Decrypt(org.ID.String(), org.ResendKeyCiphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (s *OrgService) decryptInto(org *models.Organization, ciphertext []byte, out any) error {
	plaintext, err := s.vault.Decrypt(org.ID.String(), ciphertext)
	if err != nil {
		return err
	}
	return json.Unmarshal(plaintext, out)
}

// AddMember adds a user to an org. Unique on (user_id, org_id).
func (s *OrgService) AddMember(ctx context.Context, userID, orgID uuid.UUID, role models.OrgMemberRole) (*models.OrgMember, error) {
	var exists bool
	if err := s.db.Pool().QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM org_members WHERE user_id = $1 AND org_id = $2 AND deleted_at IS NULL)",
		userID, orgID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrMemberExists
	}

	m := &models.OrgMember{ID: uuid.New(), UserID: userID, OrgID: orgID, Role: role, CreatedAt: nowUnix()}
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO org_members (id, user_id, org_id, role, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, m.ID, m.UserID, m.OrgID, m.Role, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to add org member: %w", err)
	}
	return m, nil
}

// GetMember returns the membership row for (user, org), if any.
func (s *OrgService) GetMember(ctx context.Context, userID, orgID uuid.UUID) (*models.OrgMember, error) {
	var m models.OrgMember
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, user_id, org_id, role, created_at
		FROM org_members WHERE user_id = $1 AND org_id = $2 AND deleted_at IS NULL
	`, userID, orgID).Scan(&m.ID, &m.UserID, &m.OrgID, &m.Role, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMemberByID returns a membership row by primary key.
func (s *OrgService) GetMemberByID(ctx context.Context, memberID uuid.UUID) (*models.OrgMember, error) {
	var m models.OrgMember
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, user_id, org_id, role, created_at
		FROM org_members WHERE id = $1 AND deleted_at IS NULL
	`, memberID).Scan(&m.ID, &m.UserID, &m.OrgID, &m.Role, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrgMemberNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMembers returns an org's members with pagination.
func (s *OrgService) ListMembers(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]models.OrgMember, int, error) {
	limit, offset = clampPage(limit, offset)

	var total int
	if err := s.db.Pool().QueryRow(ctx,
		"SELECT COUNT(*) FROM org_members WHERE org_id = $1 AND deleted_at IS NULL", orgID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, user_id, org_id, role, created_at
		FROM org_members WHERE org_id = $1 AND deleted_at IS NULL
		ORDER BY created_at ASC LIMIT $2 OFFSET $3
	`, orgID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	members := make([]models.OrgMember, 0)
	for rows.Next() {
		var m models.OrgMember
		if err := rows.Scan(&m.ID, &m.UserID, &m.OrgID, &m.Role, &m.CreatedAt); err != nil {
			return nil, 0, err
		}
		members = append(members, m)
	}
	return members, total, rows.Err()
}

// DeleteOrg soft-deletes an organization and cascades through members,
// projects, products, and licenses.
func (s *OrgService) DeleteOrg(ctx context.Context, id uuid.UUID) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		result, err := repository.SoftDeleteEntity(ctx, tx, "organizations", id.String())
		if err != nil {
			return err
		}
		if !result.Deleted {
			return ErrOrgNotFound
		}
		if _, err := repository.CascadeDeleteDirect(ctx, tx, "org_members", "org_id", id.String(), result.DeletedAt, 1); err != nil {
			return err
		}
		if _, err := repository.CascadeDeleteViaSubquery(ctx, tx, "products", "project_id",
			repository.ProjectsInOrgDeleteSubquery, id.String(), result.DeletedAt, 2); err != nil {
			return err
		}
		if _, err := repository.CascadeDeleteViaSubquery(ctx, tx, "licenses", "project_id",
			repository.ProjectsInOrgDeleteSubquery, id.String(), result.DeletedAt, 3); err != nil {
			return err
		}
		_, err = repository.CascadeDeleteDirect(ctx, tx, "projects", "org_id", id.String(), result.DeletedAt, 1)
		return err
	})
}

// RestoreOrg restores an organization and exactly the children its delete
// removed.
func (s *OrgService) RestoreOrg(ctx context.Context, id uuid.UUID, force bool) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var deletedAt *int64
		var depth *int
		err := tx.QueryRow(ctx,
			"SELECT deleted_at, deleted_cascade_depth FROM organizations WHERE id = $1", id).Scan(&deletedAt, &depth)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrgNotFound
		}
		if err != nil {
			return err
		}
		if deletedAt == nil {
			return nil
		}
		if err := repository.CheckRestoreAllowed(depth, force, "Organization"); err != nil {
			return err
		}
		if _, err := repository.RestoreEntity(ctx, tx, "organizations", id.String()); err != nil {
			return err
		}
		if _, err := repository.RestoreCascadedDirect(ctx, tx, "org_members", "org_id", id.String(), *deletedAt); err != nil {
			return err
		}
		if _, err := repository.RestoreCascadedViaSubquery(ctx, tx, "products", "project_id",
			repository.ProjectsInOrgRestoreSubquery, id.String(), *deletedAt); err != nil {
			return err
		}
		if _, err := repository.RestoreCascadedViaSubquery(ctx, tx, "licenses", "project_id",
			repository.ProjectsInOrgRestoreSubquery, id.String(), *deletedAt); err != nil {
			return err
		}
		_, err = repository.RestoreCascadedDirect(ctx, tx, "projects", "org_id", id.String(), *deletedAt)
		return err
	})
}
