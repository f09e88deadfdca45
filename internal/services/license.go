package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/CallMeGwei/paycheck/internal/crypto"
	"github.com/CallMeGwei/paycheck/internal/models"
	"github.com/CallMeGwei/paycheck/internal/repository"
)

var (
	ErrLicenseNotFound = errors.New("license not found")
	ErrLicenseRevoked  = errors.New("license has been revoked")
	ErrLicenseExpired  = errors.New("license has expired")
	ErrInvalidCode     = errors.New("activation code invalid or expired")
)

// ActivationCodeTTL is the lifetime of activation and redemption codes.
const ActivationCodeTTL = 30 * time.Minute

// LicenseService manages licenses and their one-shot activation codes.
type LicenseService struct {
	db *repository.PostgresDB
}

// NewLicenseService creates a new license service
func NewLicenseService(db *repository.PostgresDB) *LicenseService {
	return &LicenseService{db: db}
}

// CreateLicenseInput carries everything needed to mint a license record.
type CreateLicenseInput struct {
	ProjectID  uuid.UUID
	ProductID  uuid.UUID
	KeyPrefix  string
	Email      string
	CustomerID string
	ExpiresAt  *int64
	UpdatesExpiresAt *int64

	PaymentProvider               string
	PaymentProviderCustomerID     string
	PaymentProviderSubscriptionID string
	PaymentProviderOrderID        string
}

const licenseColumns = `id, key, email_hash, project_id, product_id, customer_id,
	activation_count, revoked, revoked_jtis, created_at, expires_at, updates_expires_at,
	payment_provider, payment_provider_customer_id, payment_provider_subscription_id, payment_provider_order_id`

func scanLicense(row pgx.Row) (*models.License, error) {
	var l models.License
	err := row.Scan(&l.ID, &l.Key, &l.EmailHash, &l.ProjectID, &l.ProductID, &l.CustomerID,
		&l.ActivationCount, &l.Revoked, &l.RevokedJTIs, &l.CreatedAt, &l.ExpiresAt, &l.UpdatesExpiresAt,
		&l.PaymentProvider, &l.PaymentProviderCustomerID, &l.PaymentProviderSubscriptionID, &l.PaymentProviderOrderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLicenseNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateLicense mints a license with a fresh key. The customer email is
// stored only as its fingerprint.
func (s *LicenseService) CreateLicense(ctx context.Context, in CreateLicenseInput) (*models.License, error) {
	return s.createLicense(ctx, s.db.Pool(), in)
}

// CreateLicenseTx is CreateLicense inside a caller-held transaction, used by
// the reconciler so session claiming and license creation commit together.
func (s *LicenseService) CreateLicenseTx(ctx context.Context, tx pgx.Tx, in CreateLicenseInput) (*models.License, error) {
	return s.createLicense(ctx, tx, in)
}

func (s *LicenseService) createLicense(ctx context.Context, q repository.Execer, in CreateLicenseInput) (*models.License, error) {
	key, err := crypto.GenerateLicenseKey(in.KeyPrefix)
	if err != nil {
		return nil, err
	}
	emailHash := ""
	if in.Email != "" {
		emailHash = crypto.HashEmail(in.Email)
	}

	l := &models.License{
		ID:               uuid.New(),
		Key:              key,
		EmailHash:        emailHash,
		ProjectID:        in.ProjectID,
		ProductID:        in.ProductID,
		CustomerID:       in.CustomerID,
		RevokedJTIs:      []string{},
		CreatedAt:        nowUnix(),
		ExpiresAt:        in.ExpiresAt,
		UpdatesExpiresAt: in.UpdatesExpiresAt,

		PaymentProvider:               in.PaymentProvider,
		PaymentProviderCustomerID:     in.PaymentProviderCustomerID,
		PaymentProviderSubscriptionID: in.PaymentProviderSubscriptionID,
		PaymentProviderOrderID:        in.PaymentProviderOrderID,
	}

	_, err = q.Exec(ctx, `
		INSERT INTO licenses (id, key, email_hash, project_id, product_id, customer_id,
			activation_count, revoked, revoked_jtis, created_at, expires_at, updates_expires_at,
			payment_provider, payment_provider_customer_id, payment_provider_subscription_id, payment_provider_order_id)
		VALUES ($1, $2, $3, $4, $5, $6, 0, FALSE, $7, $8, $9, $10, $11, $12, $13, $14)
	`, l.ID, l.Key, l.EmailHash, l.ProjectID, l.ProductID, l.CustomerID,
		l.RevokedJTIs, l.CreatedAt, l.ExpiresAt, l.UpdatesExpiresAt,
		l.PaymentProvider, l.PaymentProviderCustomerID, l.PaymentProviderSubscriptionID, l.PaymentProviderOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to create license: %w", err)
	}
	return l, nil
}

// GetLicense returns a live license by id.
func (s *LicenseService) GetLicense(ctx context.Context, id uuid.UUID) (*models.License, error) {
	row := s.db.Pool().QueryRow(ctx,
		"SELECT "+licenseColumns+" FROM licenses WHERE id = $1 AND deleted_at IS NULL", id)
	return scanLicense(row)
}

// GetLicenseByKey returns a live license by its key.
func (s *LicenseService) GetLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	row := s.db.Pool().QueryRow(ctx,
		"SELECT "+licenseColumns+" FROM licenses WHERE key = $1 AND deleted_at IS NULL", key)
	return scanLicense(row)
}

// GetLicenseBySubscription locates a license by its provider subscription.
func (s *LicenseService) GetLicenseBySubscription(ctx context.Context, provider, subscriptionID string) (*models.License, error) {
	row := s.db.Pool().QueryRow(ctx,
		"SELECT "+licenseColumns+` FROM licenses
		 WHERE payment_provider = $1 AND payment_provider_subscription_id = $2 AND deleted_at IS NULL`,
		provider, subscriptionID)
	return scanLicense(row)
}

// ListLicensesByEmail returns the usable licenses matching an email
// fingerprint within a project. Used by the recovery flow.
func (s *LicenseService) ListLicensesByEmail(ctx context.Context, projectID uuid.UUID, email string) ([]models.License, error) {
	rows, err := s.db.Pool().Query(ctx,
		"SELECT "+licenseColumns+` FROM licenses
		 WHERE project_id = $1 AND email_hash = $2 AND revoked = FALSE
		   AND (expires_at IS NULL OR expires_at > $3) AND deleted_at IS NULL
		 ORDER BY created_at ASC`,
		projectID, crypto.HashEmail(email), nowUnix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	licenses := make([]models.License, 0)
	for rows.Next() {
		var l models.License
		if err := rows.Scan(&l.ID, &l.Key, &l.EmailHash, &l.ProjectID, &l.ProductID, &l.CustomerID,
			&l.ActivationCount, &l.Revoked, &l.RevokedJTIs, &l.CreatedAt, &l.ExpiresAt, &l.UpdatesExpiresAt,
			&l.PaymentProvider, &l.PaymentProviderCustomerID, &l.PaymentProviderSubscriptionID, &l.PaymentProviderOrderID); err != nil {
			return nil, err
		}
		licenses = append(licenses, l)
	}
	return licenses, rows.Err()
}

// ListLicenses returns a project's licenses with pagination.
func (s *LicenseService) ListLicenses(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]models.License, int, error) {
	limit, offset = clampPage(limit, offset)

	var total int
	if err := s.db.Pool().QueryRow(ctx,
		"SELECT COUNT(*) FROM licenses WHERE project_id = $1 AND deleted_at IS NULL", projectID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Pool().Query(ctx,
		"SELECT "+licenseColumns+" FROM licenses WHERE project_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC LIMIT $2 OFFSET $3",
		projectID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	licenses := make([]models.License, 0)
	for rows.Next() {
		var l models.License
		if err := rows.Scan(&l.ID, &l.Key, &l.EmailHash, &l.ProjectID, &l.ProductID, &l.CustomerID,
			&l.ActivationCount, &l.Revoked, &l.RevokedJTIs, &l.CreatedAt, &l.ExpiresAt, &l.UpdatesExpiresAt,
			&l.PaymentProvider, &l.PaymentProviderCustomerID, &l.PaymentProviderSubscriptionID, &l.PaymentProviderOrderID); err != nil {
			return nil, 0, err
		}
		licenses = append(licenses, l)
	}
	return licenses, total, rows.Err()
}

// RevokeLicense marks a license revoked. Existing tokens die at the next
// validate; no new tokens are minted.
func (s *LicenseService) RevokeLicense(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Pool().Exec(ctx,
		"UPDATE licenses SET revoked = TRUE WHERE id = $1 AND deleted_at IS NULL", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLicenseNotFound
	}
	return nil
}

// UnrevokeLicense clears the revoked flag.
func (s *LicenseService) UnrevokeLicense(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Pool().Exec(ctx,
		"UPDATE licenses SET revoked = FALSE WHERE id = $1 AND deleted_at IS NULL", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLicenseNotFound
	}
	return nil
}

// ExtendExpiration rewrites the license expirations, e.g. on subscription
// renewal.
func (s *LicenseService) ExtendExpiration(ctx context.Context, id uuid.UUID, expiresAt, updatesExpiresAt *int64) error {
	tag, err := s.db.Pool().Exec(ctx,
		"UPDATE licenses SET expires_at = $1, updates_expires_at = $2 WHERE id = $3 AND deleted_at IS NULL",
		expiresAt, updatesExpiresAt, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLicenseNotFound
	}
	return nil
}

// CreateActivationCode mints a one-shot code for a license. The plaintext is
// returned for delivery; only the hash is stored.
func (s *LicenseService) CreateActivationCode(ctx context.Context, licenseID uuid.UUID, keyPrefix string) (*models.ActivationCode, string, error) {
	code, hash, err := crypto.GenerateActivationCode(keyPrefix)
	if err != nil {
		return nil, "", err
	}
	ac := &models.ActivationCode{
		ID:        uuid.New(),
		CodeHash:  hash,
		LicenseID: licenseID,
		ExpiresAt: nowUnix() + int64(ActivationCodeTTL.Seconds()),
		CreatedAt: nowUnix(),
	}
	_, err = s.db.Pool().Exec(ctx, `
		INSERT INTO activation_codes (id, code_hash, license_id, expires_at, used, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)
	`, ac.ID, ac.CodeHash, ac.LicenseID, ac.ExpiresAt, ac.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create activation code: %w", err)
	}
	return ac, code, nil
}

// ConsumeActivationCode atomically flips a redeemable code to used and
// returns its license id. The single-row CAS makes a second redemption of
// the same code indistinguishable from an unknown one.
func (s *LicenseService) ConsumeActivationCode(ctx context.Context, code string) (uuid.UUID, error) {
	var licenseID uuid.UUID
	err := s.db.Pool().QueryRow(ctx, `
		UPDATE activation_codes SET used = TRUE
		WHERE code_hash = $1 AND used = FALSE AND expires_at > $2
		RETURNING license_id
	`, crypto.HashSecret(code), nowUnix()).Scan(&licenseID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrInvalidCode
	}
	if err != nil {
		return uuid.Nil, err
	}
	return licenseID, nil
}

// DeleteLicense soft-deletes a license (leaf entity, no cascade).
func (s *LicenseService) DeleteLicense(ctx context.Context, id uuid.UUID) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		result, err := repository.SoftDeleteEntity(ctx, tx, "licenses", id.String())
		if err != nil {
			return err
		}
		if !result.Deleted {
			return ErrLicenseNotFound
		}
		return nil
	})
}

// RestoreLicense restores a soft-deleted license.
func (s *LicenseService) RestoreLicense(ctx context.Context, id uuid.UUID, force bool) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var deletedAt *int64
		var depth *int
		err := tx.QueryRow(ctx,
			"SELECT deleted_at, deleted_cascade_depth FROM licenses WHERE id = $1", id).Scan(&deletedAt, &depth)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLicenseNotFound
		}
		if err != nil {
			return err
		}
		if deletedAt == nil {
			return nil
		}
		if err := repository.CheckRestoreAllowed(depth, force, "License"); err != nil {
			return err
		}
		_, err = repository.RestoreEntity(ctx, tx, "licenses", id.String())
		return err
	})
}
