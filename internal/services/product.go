package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/CallMeGwei/paycheck/internal/models"
	"github.com/CallMeGwei/paycheck/internal/repository"
)

var (
	ErrProductNotFound       = errors.New("product not found")
	ErrPaymentConfigNotFound = errors.New("payment config not found")
)

// ProductService manages products and their per-provider payment configs.
type ProductService struct {
	db *repository.PostgresDB
}

// NewProductService creates a new product service
func NewProductService(db *repository.PostgresDB) *ProductService {
	return &ProductService{db: db}
}

// CreateProductInput carries the fields of a new product.
type CreateProductInput struct {
	Name            string   `json:"name"`
	Tier            string   `json:"tier"`
	LicenseExpDays  *int     `json:"license_exp_days"`
	UpdatesExpDays  *int     `json:"updates_exp_days"`
	ActivationLimit int      `json:"activation_limit"`
	DeviceLimit     int      `json:"device_limit"`
	Features        []string `json:"features"`
}

// CreateProduct creates a product under a project.
func (s *ProductService) CreateProduct(ctx context.Context, projectID uuid.UUID, in CreateProductInput) (*models.Product, error) {
	if in.Features == nil {
		in.Features = []string{}
	}
	p := &models.Product{
		ID:              uuid.New(),
		ProjectID:       projectID,
		Name:            in.Name,
		Tier:            in.Tier,
		LicenseExpDays:  in.LicenseExpDays,
		UpdatesExpDays:  in.UpdatesExpDays,
		ActivationLimit: in.ActivationLimit,
		DeviceLimit:     in.DeviceLimit,
		Features:        in.Features,
		CreatedAt:       nowUnix(),
	}
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO products (id, project_id, name, tier, license_exp_days, updates_exp_days,
			activation_limit, device_limit, features, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.ID, p.ProjectID, p.Name, p.Tier, p.LicenseExpDays, p.UpdatesExpDays,
		p.ActivationLimit, p.DeviceLimit, p.Features, p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create product: %w", err)
	}
	return p, nil
}

const productColumns = `id, project_id, name, tier, license_exp_days, updates_exp_days,
	activation_limit, device_limit, features, created_at`

// GetProduct returns a live product by id.
func (s *ProductService) GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	var p models.Product
	err := s.db.Pool().QueryRow(ctx,
		"SELECT "+productColumns+" FROM products WHERE id = $1 AND deleted_at IS NULL", id,
	).Scan(&p.ID, &p.ProjectID, &p.Name, &p.Tier, &p.LicenseExpDays, &p.UpdatesExpDays,
		&p.ActivationLimit, &p.DeviceLimit, &p.Features, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProducts returns a project's products with pagination.
func (s *ProductService) ListProducts(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]models.Product, int, error) {
	limit, offset = clampPage(limit, offset)

	var total int
	if err := s.db.Pool().QueryRow(ctx,
		"SELECT COUNT(*) FROM products WHERE project_id = $1 AND deleted_at IS NULL", projectID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Pool().Query(ctx,
		"SELECT "+productColumns+" FROM products WHERE project_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC LIMIT $2 OFFSET $3",
		projectID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	products := make([]models.Product, 0)
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.ProjectID, &p.Name, &p.Tier, &p.LicenseExpDays, &p.UpdatesExpDays,
			&p.ActivationLimit, &p.DeviceLimit, &p.Features, &p.CreatedAt); err != nil {
			return nil, 0, err
		}
		products = append(products, p)
	}
	return products, total, rows.Err()
}

// ProductUpdate is a partial update. Optional fields distinguish unchanged
// from clear from set; plain pointers are unchanged when nil.
type ProductUpdate struct {
	Name            models.OptionalString `json:"name"`
	Tier            models.OptionalString `json:"tier"`
	LicenseExpDays  models.OptionalInt    `json:"license_exp_days"`
	UpdatesExpDays  models.OptionalInt    `json:"updates_exp_days"`
	ActivationLimit *int                  `json:"activation_limit"`
	DeviceLimit     *int                  `json:"device_limit"`
	Features        *[]string             `json:"features"`
}

// UpdateProduct applies a partial update.
func (s *ProductService) UpdateProduct(ctx context.Context, id uuid.UUID, upd ProductUpdate) (*models.Product, error) {
	set := ""
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}
	add := func(clause string) {
		if set != "" {
			set += ", "
		}
		set += clause
	}

	if upd.Name.Set && upd.Name.Valid {
		add("name = " + arg(upd.Name.Value))
	}
	if upd.Tier.Set && upd.Tier.Valid {
		add("tier = " + arg(upd.Tier.Value))
	}
	if upd.LicenseExpDays.Set {
		if upd.LicenseExpDays.Valid {
			add("license_exp_days = " + arg(upd.LicenseExpDays.Value))
		} else {
			add("license_exp_days = NULL")
		}
	}
	if upd.UpdatesExpDays.Set {
		if upd.UpdatesExpDays.Valid {
			add("updates_exp_days = " + arg(upd.UpdatesExpDays.Value))
		} else {
			add("updates_exp_days = NULL")
		}
	}
	if upd.ActivationLimit != nil {
		add("activation_limit = " + arg(*upd.ActivationLimit))
	}
	if upd.DeviceLimit != nil {
		add("device_limit = " + arg(*upd.DeviceLimit))
	}
	if upd.Features != nil {
		add("features = " + arg(*upd.Features))
	}

	if set == "" {
		return s.GetProduct(ctx, id)
	}

	args = append(args, id)
	tag, err := s.db.Pool().Exec(ctx,
		fmt.Sprintf("UPDATE products SET %s WHERE id = %s AND deleted_at IS NULL", set, placeholder(len(args))),
		args...)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrProductNotFound
	}
	return s.GetProduct(ctx, id)
}

// DeleteProduct soft-deletes a product and cascades to its licenses.
func (s *ProductService) DeleteProduct(ctx context.Context, id uuid.UUID) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		result, err := repository.SoftDeleteEntity(ctx, tx, "products", id.String())
		if err != nil {
			return err
		}
		if !result.Deleted {
			return ErrProductNotFound
		}
		_, err = repository.CascadeDeleteDirect(ctx, tx, "licenses", "product_id", id.String(), result.DeletedAt, 1)
		return err
	})
}

// SetPaymentConfig upserts the product's config for one provider.
// Unique on (product_id, provider).
func (s *ProductService) SetPaymentConfig(ctx context.Context, productID uuid.UUID, cfg models.ProductPaymentConfig) (*models.ProductPaymentConfig, error) {
	cfg.ID = uuid.New()
	cfg.ProductID = productID
	cfg.CreatedAt = nowUnix()
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO product_payment_configs (id, product_id, provider, stripe_price_id, price_cents, currency, ls_variant_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (product_id, provider) DO UPDATE
		SET stripe_price_id = $4, price_cents = $5, currency = $6, ls_variant_id = $7
	`, cfg.ID, cfg.ProductID, cfg.Provider, cfg.StripePriceID, cfg.PriceCents, cfg.Currency, cfg.LSVariantID, cfg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to set payment config: %w", err)
	}
	return &cfg, nil
}

// GetPaymentConfig returns the product's config for one provider.
func (s *ProductService) GetPaymentConfig(ctx context.Context, productID uuid.UUID, provider models.PaymentProviderName) (*models.ProductPaymentConfig, error) {
	var cfg models.ProductPaymentConfig
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, product_id, provider, stripe_price_id, price_cents, currency, ls_variant_id, created_at
		FROM product_payment_configs WHERE product_id = $1 AND provider = $2
	`, productID, provider).Scan(&cfg.ID, &cfg.ProductID, &cfg.Provider, &cfg.StripePriceID,
		&cfg.PriceCents, &cfg.Currency, &cfg.LSVariantID, &cfg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentConfigNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
