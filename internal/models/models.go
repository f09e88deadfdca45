package models

import (
	"github.com/google/uuid"
)

// All timestamps are integer seconds since the Unix epoch. The token claims,
// the wire formats, and the audit trail all speak epoch seconds, so the
// models do too rather than converting at every boundary.

// User is the global principal. Email is unique.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// OperatorRole is the system-wide access level of an operator.
type OperatorRole string

const (
	OperatorOwner OperatorRole = "owner"
	OperatorAdmin OperatorRole = "admin"
	OperatorView  OperatorRole = "view"
)

// ParseOperatorRole rejects unknown discriminators at the boundary.
func ParseOperatorRole(s string) (OperatorRole, bool) {
	switch OperatorRole(s) {
	case OperatorOwner, OperatorAdmin, OperatorView:
		return OperatorRole(s), true
	}
	return "", false
}

// CanImpersonate reports whether this operator may act on behalf of org members.
func (r OperatorRole) CanImpersonate() bool {
	return r == OperatorOwner || r == OperatorAdmin
}

// Operator grants a user system-wide access. At most one per user.
type Operator struct {
	ID        uuid.UUID    `json:"id"`
	UserID    uuid.UUID    `json:"user_id"`
	Role      OperatorRole `json:"role"`
	CreatedAt int64        `json:"created_at"`
}

// Organization is the billing tenant. Secret payloads are envelope-encrypted
// with context = organization id.
type Organization struct {
	ID                     uuid.UUID `json:"id"`
	Name                   string    `json:"name"`
	PaymentProviderDefault string    `json:"payment_provider_default,omitempty"`
	StripeConfigCiphertext []byte    `json:"-"`
	LSConfigCiphertext     []byte    `json:"-"`
	ResendKeyCiphertext    []byte    `json:"-"`
	CreatedAt              int64     `json:"created_at"`
	UpdatedAt              int64     `json:"updated_at"`
}

// HasStripeConfig reports whether Stripe credentials are stored.
func (o *Organization) HasStripeConfig() bool { return len(o.StripeConfigCiphertext) > 0 }

// HasLSConfig reports whether LemonSqueezy credentials are stored.
func (o *Organization) HasLSConfig() bool { return len(o.LSConfigCiphertext) > 0 }

// StripeConfig is the decrypted Stripe credential payload for an org.
type StripeConfig struct {
	SecretKey     string `json:"secret_key"`
	WebhookSecret string `json:"webhook_secret"`
}

// LemonSqueezyConfig is the decrypted LemonSqueezy credential payload for an org.
type LemonSqueezyConfig struct {
	APIKey        string `json:"api_key"`
	StoreID       string `json:"store_id"`
	WebhookSecret string `json:"webhook_secret"`
}

// OrgMemberRole is the role of a user inside an organization.
type OrgMemberRole string

const (
	OrgOwner  OrgMemberRole = "owner"
	OrgAdmin  OrgMemberRole = "admin"
	OrgMemberRoleMember OrgMemberRole = "member"
)

// ParseOrgMemberRole rejects unknown discriminators at the boundary.
func ParseOrgMemberRole(s string) (OrgMemberRole, bool) {
	switch OrgMemberRole(s) {
	case OrgOwner, OrgAdmin, OrgMemberRoleMember:
		return OrgMemberRole(s), true
	}
	return "", false
}

// HasImplicitProjectAccess reports whether the role reaches every project in
// the org without an explicit project_members row.
func (r OrgMemberRole) HasImplicitProjectAccess() bool {
	return r == OrgOwner || r == OrgAdmin
}

// CanManageMembers reports whether the role may add or remove org members.
func (r OrgMemberRole) CanManageMembers() bool { return r == OrgOwner }

// OrgMember links a user to an organization. Unique on (user_id, org_id).
type OrgMember struct {
	ID        uuid.UUID     `json:"id"`
	UserID    uuid.UUID     `json:"user_id"`
	OrgID     uuid.UUID     `json:"org_id"`
	Role      OrgMemberRole `json:"role"`
	CreatedAt int64         `json:"created_at"`
}

// Project owns products and the signing keypair. The private half is stored
// envelope-encrypted; the public half is handed to customer applications.
type Project struct {
	ID                   uuid.UUID `json:"id"`
	OrgID                uuid.UUID `json:"org_id"`
	Name                 string    `json:"name"`
	LicenseKeyPrefix     string    `json:"license_key_prefix"`
	PrivateKeyCiphertext []byte    `json:"-"`
	PublicKey            string    `json:"public_key"`
	// Rotated-out public key, served via JWKS during the grace window
	PreviousPublicKey string   `json:"-"`
	RotatedAt         int64    `json:"-"`
	RedirectURL       string   `json:"redirect_url,omitempty"`
	AllowedRedirects  []string `json:"allowed_redirect_urls,omitempty"`
	EmailFrom         string   `json:"email_from,omitempty"`
	EmailEnabled      bool     `json:"email_enabled"`
	EmailWebhookURL   string   `json:"email_webhook_url,omitempty"`
	CreatedAt         int64    `json:"created_at"`
	UpdatedAt         int64    `json:"updated_at"`
}

// ProjectMemberRole is a member's access level on a single project.
type ProjectMemberRole string

const (
	ProjectAdmin ProjectMemberRole = "admin"
	ProjectView  ProjectMemberRole = "view"
)

// ParseProjectMemberRole rejects unknown discriminators at the boundary.
func ParseProjectMemberRole(s string) (ProjectMemberRole, bool) {
	switch ProjectMemberRole(s) {
	case ProjectAdmin, ProjectView:
		return ProjectMemberRole(s), true
	}
	return "", false
}

// ProjectMember grants an org member explicit access to a project.
type ProjectMember struct {
	ID          uuid.UUID         `json:"id"`
	OrgMemberID uuid.UUID         `json:"org_member_id"`
	ProjectID   uuid.UUID         `json:"project_id"`
	Role        ProjectMemberRole `json:"role"`
	CreatedAt   int64             `json:"created_at"`
}

// Product is a sellable SKU. A *_exp_days of nil means perpetual; a limit of
// 0 means unlimited.
type Product struct {
	ID              uuid.UUID `json:"id"`
	ProjectID       uuid.UUID `json:"project_id"`
	Name            string    `json:"name"`
	Tier            string    `json:"tier"`
	LicenseExpDays  *int      `json:"license_exp_days"`
	UpdatesExpDays  *int      `json:"updates_exp_days"`
	ActivationLimit int       `json:"activation_limit"`
	DeviceLimit     int       `json:"device_limit"`
	Features        []string  `json:"features"`
	CreatedAt       int64     `json:"created_at"`
}

// PaymentProviderName identifies an external payment provider.
type PaymentProviderName string

const (
	ProviderStripe       PaymentProviderName = "stripe"
	ProviderLemonSqueezy PaymentProviderName = "lemonsqueezy"
)

// ParsePaymentProvider rejects unknown discriminators at the boundary.
// "ls" is accepted as shorthand for lemonsqueezy.
func ParsePaymentProvider(s string) (PaymentProviderName, bool) {
	switch s {
	case "stripe":
		return ProviderStripe, true
	case "lemonsqueezy", "ls":
		return ProviderLemonSqueezy, true
	}
	return "", false
}

// ProductPaymentConfig maps a product to a provider's price or variant.
// Unique on (product_id, provider).
type ProductPaymentConfig struct {
	ID            uuid.UUID           `json:"id"`
	ProductID     uuid.UUID           `json:"product_id"`
	Provider      PaymentProviderName `json:"provider"`
	StripePriceID string              `json:"stripe_price_id,omitempty"`
	PriceCents    *int64              `json:"price_cents,omitempty"`
	Currency      string              `json:"currency,omitempty"`
	LSVariantID   string              `json:"ls_variant_id,omitempty"`
	CreatedAt     int64               `json:"created_at"`
}

// License is the record of a customer's entitlement. The customer identity
// is an email fingerprint, never a cleartext address.
type License struct {
	ID              uuid.UUID `json:"id"`
	Key             string    `json:"key"`
	EmailHash       string    `json:"-"`
	ProjectID       uuid.UUID `json:"project_id"`
	ProductID       uuid.UUID `json:"product_id"`
	CustomerID      string    `json:"customer_id,omitempty"`
	ActivationCount int       `json:"activation_count"`
	Revoked         bool      `json:"revoked"`
	RevokedJTIs     []string  `json:"-"`
	CreatedAt       int64     `json:"created_at"`
	ExpiresAt       *int64    `json:"expires_at"`
	UpdatesExpiresAt *int64   `json:"updates_expires_at"`

	PaymentProvider               string `json:"payment_provider,omitempty"`
	PaymentProviderCustomerID     string `json:"-"`
	PaymentProviderSubscriptionID string `json:"-"`
	PaymentProviderOrderID        string `json:"-"`
}

// Usable reports whether the license may mint tokens right now (I5).
func (l *License) Usable(now int64) bool {
	if l.Revoked {
		return false
	}
	return l.ExpiresAt == nil || *l.ExpiresAt > now
}

// ActivationCode is a short, one-shot, 30-minute credential stored as a hash.
type ActivationCode struct {
	ID        uuid.UUID `json:"id"`
	CodeHash  string    `json:"-"`
	LicenseID uuid.UUID `json:"license_id"`
	ExpiresAt int64     `json:"expires_at"`
	Used      bool      `json:"used"`
	CreatedAt int64     `json:"created_at"`
}

// Redeemable reports whether the code may still be exchanged (I6).
func (c *ActivationCode) Redeemable(now int64) bool {
	return !c.Used && c.ExpiresAt > now
}

// DeviceType is the kind of caller-supplied device identifier.
type DeviceType string

const (
	DeviceUUID    DeviceType = "uuid"
	DeviceMachine DeviceType = "machine"
)

// ParseDeviceType rejects unknown discriminators at the boundary.
func ParseDeviceType(s string) (DeviceType, bool) {
	switch DeviceType(s) {
	case DeviceUUID, DeviceMachine:
		return DeviceType(s), true
	}
	return "", false
}

// Device identifies one installation holding a license. Unique on
// (license_id, device_id). JTI is the latest token id, rotated per redemption.
type Device struct {
	ID          uuid.UUID  `json:"id"`
	LicenseID   uuid.UUID  `json:"license_id"`
	DeviceID    string     `json:"device_id"`
	DeviceType  DeviceType `json:"device_type"`
	Name        string     `json:"name,omitempty"`
	JTI         string     `json:"-"`
	ActivatedAt int64      `json:"activated_at"`
	LastSeenAt  int64      `json:"last_seen_at"`
}

// PaymentSession maps a provider checkout to a future license.
type PaymentSession struct {
	ID          uuid.UUID  `json:"id"`
	ProductID   uuid.UUID  `json:"product_id"`
	CustomerID  string     `json:"customer_id,omitempty"`
	RedirectURL string     `json:"redirect_url,omitempty"`
	Completed   bool       `json:"completed"`
	LicenseID   *uuid.UUID `json:"license_id,omitempty"`
	CreatedAt   int64      `json:"created_at"`
}

// WebhookEvent is the idempotency anchor for provider deliveries.
// Unique on (provider, event_id).
type WebhookEvent struct {
	ID        uuid.UUID           `json:"id"`
	Provider  PaymentProviderName `json:"provider"`
	EventID   string              `json:"event_id"`
	CreatedAt int64               `json:"created_at"`
}

// AccessLevel is the reach of an API key scope.
type AccessLevel string

const (
	AccessView  AccessLevel = "view"
	AccessAdmin AccessLevel = "admin"
)

// ParseAccessLevel rejects unknown discriminators at the boundary.
func ParseAccessLevel(s string) (AccessLevel, bool) {
	switch AccessLevel(s) {
	case AccessView, AccessAdmin:
		return AccessLevel(s), true
	}
	return "", false
}

// Covers reports whether a key holding this level satisfies the required one.
// Admin implies view.
func (a AccessLevel) Covers(required AccessLevel) bool {
	return a == AccessAdmin || required == AccessView
}

// APIKeyScope restricts an API key to an org (and optionally one project).
// A nil ProjectID covers every project in the org.
type APIKeyScope struct {
	OrgID     uuid.UUID   `json:"org_id"`
	ProjectID *uuid.UUID  `json:"project_id,omitempty"`
	Access    AccessLevel `json:"access"`
}

// APIKey is a bearer credential tied to a user. Stored as a hash only.
type APIKey struct {
	ID         uuid.UUID     `json:"id"`
	UserID     uuid.UUID     `json:"user_id"`
	Name       string        `json:"name"`
	Prefix     string        `json:"prefix"`
	KeyHash    string        `json:"-"`
	Scopes     []APIKeyScope `json:"scopes,omitempty"`
	Revoked    bool          `json:"revoked"`
	ExpiresAt  *int64        `json:"expires_at"`
	LastUsedAt *int64        `json:"last_used_at"`
	CreatedAt  int64         `json:"created_at"`
}

// ActorType classifies who performed an audited action.
type ActorType string

const (
	ActorUser      ActorType = "user"
	ActorOperator  ActorType = "operator"
	ActorOrgMember ActorType = "org_member"
	ActorPublic    ActorType = "public"
	ActorSystem    ActorType = "system"
)

// AuditEntry is the denormalized, append-only audit record. Names are frozen
// at write time so deleting source entities keeps the trail intact.
type AuditEntry struct {
	ID           uuid.UUID  `json:"id"`
	Timestamp    int64      `json:"timestamp"`
	ActorType    ActorType  `json:"actor_type"`
	UserID       *uuid.UUID `json:"user_id,omitempty"`
	UserEmail    string     `json:"user_email,omitempty"`
	UserName     string     `json:"user_name,omitempty"`
	Action       string     `json:"action"`
	ResourceType string     `json:"resource_type"`
	ResourceID   string     `json:"resource_id"`
	ResourceName string     `json:"resource_name,omitempty"`
	Details      string     `json:"details,omitempty"`
	OrgID        *uuid.UUID `json:"org_id,omitempty"`
	OrgName      string     `json:"org_name,omitempty"`
	ProjectID    *uuid.UUID `json:"project_id,omitempty"`
	ProjectName  string     `json:"project_name,omitempty"`
	ImpersonatorUserID *uuid.UUID `json:"impersonator_user_id,omitempty"`
	ImpersonatorEmail  string     `json:"impersonator_email,omitempty"`
	IPAddress    string     `json:"ip_address,omitempty"`
	UserAgent    string     `json:"user_agent,omitempty"`
}

// OptionalString distinguishes "leave unchanged" from "clear" from "set" in
// update payloads. Absent field = unchanged; null = clear; value = set.
type OptionalString struct {
	Set   bool
	Valid bool
	Value string
}

// OptionalInt is OptionalString for integer fields.
type OptionalInt struct {
	Set   bool
	Valid bool
	Value int
}

// OptionalInt64 is OptionalString for 64-bit integer fields.
type OptionalInt64 struct {
	Set   bool
	Valid bool
	Value int64
}
