package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/CallMeGwei/paycheck/internal/metrics"
	"github.com/CallMeGwei/paycheck/internal/models"
	"github.com/CallMeGwei/paycheck/internal/repository"
)

var (
	ErrSessionNotFound = errors.New("payment session not found")
)

// PaymentService owns payment sessions and the reconciliation protocol that
// turns provider events into licenses. Its contract: for a given payment
// event, at most one license is ever created, no matter how many times or
// how concurrently the event is delivered.
type PaymentService struct {
	db       *repository.PostgresDB
	licenses *LicenseService
}

// NewPaymentService creates a new payment service
func NewPaymentService(db *repository.PostgresDB, licenses *LicenseService) *PaymentService {
	return &PaymentService{db: db, licenses: licenses}
}

// CreateSession opens a payment session before redirecting to the provider.
func (s *PaymentService) CreateSession(ctx context.Context, productID uuid.UUID, customerID, redirectURL string) (*models.PaymentSession, error) {
	session := &models.PaymentSession{
		ID:          uuid.New(),
		ProductID:   productID,
		CustomerID:  customerID,
		RedirectURL: redirectURL,
		CreatedAt:   nowUnix(),
	}
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO payment_sessions (id, product_id, customer_id, redirect_url, completed, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)
	`, session.ID, session.ProductID, session.CustomerID, session.RedirectURL, session.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment session: %w", err)
	}
	return session, nil
}

// GetSession returns a payment session by id.
func (s *PaymentService) GetSession(ctx context.Context, id uuid.UUID) (*models.PaymentSession, error) {
	var sess models.PaymentSession
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, product_id, customer_id, redirect_url, completed, license_id, created_at
		FROM payment_sessions WHERE id = $1
	`, id).Scan(&sess.ID, &sess.ProductID, &sess.CustomerID, &sess.RedirectURL,
		&sess.Completed, &sess.LicenseID, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// MarkEventProcessed is the webhook idempotency anchor: an insert keyed on
// (provider, event_id) with conflicts swallowed. False means this exact
// event was seen before and the delivery must be a no-op.
func (s *PaymentService) MarkEventProcessed(ctx context.Context, provider models.PaymentProviderName, eventID string) (bool, error) {
	tag, err := s.db.Pool().Exec(ctx, `
		INSERT INTO webhook_events (id, provider, event_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, uuid.New(), provider, eventID, nowUnix())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CompleteCheckoutInput carries the provider-reported identity of the payer.
type CompleteCheckoutInput struct {
	SessionID uuid.UUID
	Product   *models.Product
	Project   *models.Project
	Email     string

	Provider       models.PaymentProviderName
	CustomerID     string
	SubscriptionID string
	OrderID        string
}

// CompleteCheckout claims the session and creates its license in one
// transaction. The claim is a compare-and-swap on completed; losing the race
// returns (nil, false, nil) and the caller acknowledges the delivery without
// side effects. Exactly one license exists per completed session (I3/P5).
func (s *PaymentService) CompleteCheckout(ctx context.Context, in CompleteCheckoutInput) (*models.License, bool, error) {
	var license *models.License
	claimed := false

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			"UPDATE payment_sessions SET completed = TRUE WHERE id = $1 AND completed = FALSE",
			in.SessionID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		claimed = true

		var customerID string
		if err := tx.QueryRow(ctx,
			"SELECT customer_id FROM payment_sessions WHERE id = $1", in.SessionID).Scan(&customerID); err != nil {
			return err
		}

		now := nowUnix()
		license, err = s.licenses.CreateLicenseTx(ctx, tx, CreateLicenseInput{
			ProjectID:        in.Project.ID,
			ProductID:        in.Product.ID,
			KeyPrefix:        in.Project.LicenseKeyPrefix,
			Email:            in.Email,
			CustomerID:       customerID,
			ExpiresAt:        expFromDays(in.Product.LicenseExpDays, now),
			UpdatesExpiresAt: expFromDays(in.Product.UpdatesExpDays, now),

			PaymentProvider:               string(in.Provider),
			PaymentProviderCustomerID:     in.CustomerID,
			PaymentProviderSubscriptionID: in.SubscriptionID,
			PaymentProviderOrderID:        in.OrderID,
		})
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			"UPDATE payment_sessions SET license_id = $1 WHERE id = $2", license.ID, in.SessionID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if claimed {
		metrics.LicensesCreated.Inc()
	}
	return license, claimed, nil
}

// RenewBySubscription re-computes a license's expirations from the product
// settings relative to now. Used on subscription renewal events.
func (s *PaymentService) RenewBySubscription(ctx context.Context, provider models.PaymentProviderName, subscriptionID string, product *models.Product) (*models.License, error) {
	license, err := s.licenses.GetLicenseBySubscription(ctx, string(provider), subscriptionID)
	if err != nil {
		return nil, err
	}
	now := nowUnix()
	if err := s.licenses.ExtendExpiration(ctx, license.ID,
		expFromDays(product.LicenseExpDays, now),
		expFromDays(product.UpdatesExpDays, now)); err != nil {
		return nil, err
	}
	return s.licenses.GetLicense(ctx, license.ID)
}
