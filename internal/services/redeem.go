package services

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/CallMeGwei/paycheck/internal/metrics"
	"github.com/CallMeGwei/paycheck/internal/models"
	"github.com/CallMeGwei/paycheck/internal/token"
)

// RedemptionService turns a credential (activation code or license key) plus
// a device identifier into a signed token. Both credential kinds share one
// acquisition protocol.
type RedemptionService struct {
	licenses *LicenseService
	products *ProductService
	projects *ProjectService
	devices  *DeviceService
}

// NewRedemptionService creates a new redemption service
func NewRedemptionService(licenses *LicenseService, products *ProductService, projects *ProjectService, devices *DeviceService) *RedemptionService {
	return &RedemptionService{licenses: licenses, products: products, projects: projects, devices: devices}
}

// RedeemInput identifies the license and the device acquiring it.
type RedeemInput struct {
	ProjectID  uuid.UUID
	DeviceID   string
	DeviceType models.DeviceType
	DeviceName string
}

// RedeemResult is the signed token and the claims the client needs up front.
type RedeemResult struct {
	Token      string
	LicenseExp *int64
	UpdatesExp *int64
	Tier       string
	Features   []string
	Device     *models.Device
	Created    bool
}

// RedeemCode exchanges a one-shot activation code. The used flip is atomic;
// a second exchange of the same code fails as unknown.
func (s *RedemptionService) RedeemCode(ctx context.Context, code string, in RedeemInput) (*RedeemResult, error) {
	licenseID, err := s.licenses.ConsumeActivationCode(ctx, code)
	if err != nil {
		return nil, err
	}
	license, err := s.licenses.GetLicense(ctx, licenseID)
	if err != nil {
		return nil, err
	}
	return s.redeem(ctx, license, in)
}

// RedeemKey redeems directly with the license key (code-free flow).
func (s *RedemptionService) RedeemKey(ctx context.Context, key string, in RedeemInput) (*RedeemResult, error) {
	license, err := s.licenses.GetLicenseByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.redeem(ctx, license, in)
}

func (s *RedemptionService) redeem(ctx context.Context, license *models.License, in RedeemInput) (*RedeemResult, error) {
	if license.ProjectID != in.ProjectID {
		// Same response as an unknown license key: no cross-project probing.
		return nil, ErrLicenseNotFound
	}
	now := nowUnix()
	if license.Revoked {
		metrics.Redemptions.WithLabelValues("rejected").Inc()
		return nil, ErrLicenseRevoked
	}
	if license.ExpiresAt != nil && *license.ExpiresAt <= now {
		metrics.Redemptions.WithLabelValues("rejected").Inc()
		return nil, ErrLicenseExpired
	}

	product, err := s.products.GetProduct(ctx, license.ProductID)
	if err != nil {
		return nil, err
	}
	project, err := s.projects.GetProject(ctx, license.ProjectID)
	if err != nil {
		return nil, err
	}

	jti := token.NewJTI()
	acquired, err := s.devices.AcquireDevice(ctx, license.ID, in.DeviceID, in.DeviceType,
		jti, in.DeviceName, product.DeviceLimit, product.ActivationLimit)
	if err != nil {
		switch {
		case errors.Is(err, ErrDeviceLimitReached):
			metrics.Redemptions.WithLabelValues("device_limit").Inc()
		case errors.Is(err, ErrActivationLimitReached):
			metrics.Redemptions.WithLabelValues("activation_limit").Inc()
		}
		return nil, err
	}

	priv, kid, err := s.projects.Signer(ctx, project)
	if err != nil {
		return nil, err
	}

	signed, err := token.Mint(priv, kid, token.MintParams{
		ProjectID:  project.ID.String(),
		LicenseID:  license.ID.String(),
		JTI:        jti,
		DeviceID:   acquired.Device.DeviceID,
		DeviceType: string(acquired.Device.DeviceType),
		Tier:       product.Tier,
		Features:   product.Features,
		LicenseExp: license.ExpiresAt,
		UpdatesExp: license.UpdatesExpiresAt,
	})
	if err != nil {
		return nil, err
	}
	metrics.TokensMinted.Inc()
	if acquired.Created {
		metrics.Redemptions.WithLabelValues("created").Inc()
	} else {
		metrics.Redemptions.WithLabelValues("renewed").Inc()
	}

	return &RedeemResult{
		Token:      signed,
		LicenseExp: license.ExpiresAt,
		UpdatesExp: license.UpdatesExpiresAt,
		Tier:       product.Tier,
		Features:   product.Features,
		Device:     acquired.Device,
		Created:    acquired.Created,
	}, nil
}

// ValidationResult carries the expirations handed back on success.
type ValidationResult struct {
	Valid      bool
	LicenseExp *int64
	UpdatesExp *int64
}

// Validate checks a presented token against server state: the device must
// exist under its jti, the license must be usable, the jti must not be
// revoked, and the token signature must verify under the project key. Every
// failure mode yields the same invalid result.
func (s *RedemptionService) Validate(ctx context.Context, projectID uuid.UUID, bearerToken string) ValidationResult {
	invalid := ValidationResult{Valid: false}

	jti, err := token.PeekJTI(bearerToken)
	if err != nil {
		metrics.Validations.WithLabelValues("invalid").Inc()
		return invalid
	}
	device, err := s.devices.GetDeviceByJTI(ctx, jti)
	if err != nil {
		metrics.Validations.WithLabelValues("invalid").Inc()
		return invalid
	}
	license, err := s.licenses.GetLicense(ctx, device.LicenseID)
	if err != nil {
		metrics.Validations.WithLabelValues("invalid").Inc()
		return invalid
	}

	now := nowUnix()
	if license.ProjectID != projectID || !license.Usable(now) {
		metrics.Validations.WithLabelValues("invalid").Inc()
		return invalid
	}
	for _, revoked := range license.RevokedJTIs {
		if revoked == jti {
			metrics.Validations.WithLabelValues("invalid").Inc()
			return invalid
		}
	}

	project, err := s.projects.GetProject(ctx, license.ProjectID)
	if err != nil {
		metrics.Validations.WithLabelValues("invalid").Inc()
		return invalid
	}
	pub, err := token.ParsePublicKey(project.PublicKey)
	if err != nil {
		metrics.Validations.WithLabelValues("invalid").Inc()
		return invalid
	}
	if _, err := token.Verify(pub, bearerToken); err != nil {
		// A rotation inside the grace window leaves tokens signed by the
		// previous key still valid.
		ok := false
		if project.PreviousPublicKey != "" && now < project.RotatedAt+s.projects.jwksGraceSeconds {
			if prev, perr := token.ParsePublicKey(project.PreviousPublicKey); perr == nil {
				_, verr := token.Verify(prev, bearerToken)
				ok = verr == nil
			}
		}
		if !ok {
			metrics.Validations.WithLabelValues("invalid").Inc()
			return invalid
		}
	}

	// Best-effort; never read for correctness decisions.
	_ = s.devices.TouchDevice(ctx, device.ID)

	metrics.Validations.WithLabelValues("valid").Inc()
	return ValidationResult{
		Valid:      true,
		LicenseExp: license.ExpiresAt,
		UpdatesExp: license.UpdatesExpiresAt,
	}
}
