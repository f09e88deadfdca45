package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLicense_Usable(t *testing.T) {
	now := int64(1_700_000_000)
	future := now + 3600
	past := now - 3600

	tests := []struct {
		name     string
		license  License
		expected bool
	}{
		{"active unbounded", License{}, true},
		{"active with future expiry", License{ExpiresAt: &future}, true},
		{"expired", License{ExpiresAt: &past}, false},
		{"expires exactly now", License{ExpiresAt: &now}, false},
		{"revoked", License{Revoked: true}, false},
		{"revoked with future expiry", License{Revoked: true, ExpiresAt: &future}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.license.Usable(now))
		})
	}
}

func TestActivationCode_Redeemable(t *testing.T) {
	now := int64(1_700_000_000)

	assert.True(t, (&ActivationCode{ExpiresAt: now + 60}).Redeemable(now))
	assert.False(t, (&ActivationCode{ExpiresAt: now + 60, Used: true}).Redeemable(now))
	assert.False(t, (&ActivationCode{ExpiresAt: now - 1}).Redeemable(now))
	assert.False(t, (&ActivationCode{ExpiresAt: now}).Redeemable(now))
}

func TestParseEnums_RejectUnknown(t *testing.T) {
	_, ok := ParseDeviceType("uuid")
	assert.True(t, ok)
	_, ok = ParseDeviceType("machine")
	assert.True(t, ok)
	_, ok = ParseDeviceType("UUID")
	assert.False(t, ok)
	_, ok = ParseDeviceType("laptop")
	assert.False(t, ok)

	_, ok = ParseOperatorRole("owner")
	assert.True(t, ok)
	_, ok = ParseOperatorRole("root")
	assert.False(t, ok)

	_, ok = ParseOrgMemberRole("member")
	assert.True(t, ok)
	_, ok = ParseOrgMemberRole("guest")
	assert.False(t, ok)

	_, ok = ParseProjectMemberRole("view")
	assert.True(t, ok)
	_, ok = ParseProjectMemberRole("viewer")
	assert.False(t, ok)

	_, ok = ParseAccessLevel("admin")
	assert.True(t, ok)
	_, ok = ParseAccessLevel("write")
	assert.False(t, ok)
}

func TestParsePaymentProvider(t *testing.T) {
	provider, ok := ParsePaymentProvider("stripe")
	assert.True(t, ok)
	assert.Equal(t, ProviderStripe, provider)

	provider, ok = ParsePaymentProvider("lemonsqueezy")
	assert.True(t, ok)
	assert.Equal(t, ProviderLemonSqueezy, provider)

	// Shorthand accepted at the boundary.
	provider, ok = ParsePaymentProvider("ls")
	assert.True(t, ok)
	assert.Equal(t, ProviderLemonSqueezy, provider)

	_, ok = ParsePaymentProvider("paypal")
	assert.False(t, ok)
}

func TestAccessLevel_Covers(t *testing.T) {
	assert.True(t, AccessAdmin.Covers(AccessAdmin))
	assert.True(t, AccessAdmin.Covers(AccessView))
	assert.True(t, AccessView.Covers(AccessView))
	assert.False(t, AccessView.Covers(AccessAdmin))
}

func TestOrgMemberRole_Access(t *testing.T) {
	assert.True(t, OrgOwner.HasImplicitProjectAccess())
	assert.True(t, OrgAdmin.HasImplicitProjectAccess())
	assert.False(t, OrgMemberRoleMember.HasImplicitProjectAccess())

	assert.True(t, OrgOwner.CanManageMembers())
	assert.False(t, OrgAdmin.CanManageMembers())
}

func TestOperatorRole_CanImpersonate(t *testing.T) {
	assert.True(t, OperatorOwner.CanImpersonate())
	assert.True(t, OperatorAdmin.CanImpersonate())
	assert.False(t, OperatorView.CanImpersonate())
}

func TestOptionalFields_DistinguishUnsetNullValue(t *testing.T) {
	type payload struct {
		Name    OptionalString `json:"name"`
		ExpDays OptionalInt    `json:"exp_days"`
	}

	var absent payload
	require.NoError(t, json.Unmarshal([]byte(`{}`), &absent))
	assert.False(t, absent.Name.Set)
	assert.False(t, absent.ExpDays.Set)

	var null payload
	require.NoError(t, json.Unmarshal([]byte(`{"name": null, "exp_days": null}`), &null))
	assert.True(t, null.Name.Set)
	assert.False(t, null.Name.Valid)
	assert.True(t, null.ExpDays.Set)
	assert.False(t, null.ExpDays.Valid)

	var set payload
	require.NoError(t, json.Unmarshal([]byte(`{"name": "Pro", "exp_days": 365}`), &set))
	assert.True(t, set.Name.Set)
	assert.True(t, set.Name.Valid)
	assert.Equal(t, "Pro", set.Name.Value)
	assert.True(t, set.ExpDays.Set)
	assert.True(t, set.ExpDays.Valid)
	assert.Equal(t, 365, set.ExpDays.Value)
}
