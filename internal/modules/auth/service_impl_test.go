package auth

import (
	"context"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func TestVerify_RoundTrip(t *testing.T) {
	svc := NewService(testSecret)
	token, err := svc.IssueToken("vendor-user", RoleVendor, "v-1", time.Hour)
	require.NoError(t, err)

	s, err := svc.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "vendor-user", s.Subject)
	assert.Equal(t, RoleVendor, s.Role)
	assert.Equal(t, "v-1", s.VendorID)
	assert.True(t, s.Can(CapReportHealth))
	assert.False(t, s.Can(CapManagePolicies))
}

func TestVerify_Rejects(t *testing.T) {
	svc := NewService(testSecret)
	other := NewService("other-secret")

	wrongSecret, err := other.IssueToken("admin", RoleSuperAdmin, "", time.Hour)
	require.NoError(t, err)
	vendorWithoutID, err := svc.IssueToken("vendor-user", RoleVendor, "", time.Hour)
	require.NoError(t, err)
	unknownRole, err := svc.IssueToken("someone", Role("auditor"), "", time.Hour)
	require.NoError(t, err)
	noSubject, err := svc.IssueToken("", RoleSeller, "", time.Hour)
	require.NoError(t, err)

	expiredSvc := NewService(testSecret).(*service)
	expiredSvc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := expiredSvc.IssueToken("seller", RoleSeller, "", time.Hour)
	require.NoError(t, err)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		Role:           RoleSuperAdmin,
		StandardClaims: jwt.StandardClaims{Subject: "admin"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMissingToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"wrong secret", wrongSecret, ErrInvalidToken},
		{"vendor without vendor id", vendorWithoutID, ErrInvalidToken},
		{"unknown role", unknownRole, ErrInvalidToken},
		{"no subject", noSubject, ErrInvalidToken},
		{"expired", expired, ErrInvalidToken},
		{"unsigned", noneAlg, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := svc.Verify(context.Background(), tt.token)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, s)
		})
	}
}

func TestCapabilitiesFor(t *testing.T) {
	admin := CapabilitiesFor(RoleSuperAdmin)
	for _, c := range []Capability{
		CapRouteOrders, CapReadDecisions, CapOverrideRoutes, CapAcknowledge,
		CapReadPolicies, CapManagePolicies, CapRunSimulations, CapReportHealth, CapReadHealth,
	} {
		assert.True(t, admin.Has(c), c)
	}

	seller := CapabilitiesFor(RoleSeller)
	assert.True(t, seller.Has(CapRouteOrders))
	assert.False(t, seller.Has(CapOverrideRoutes))
	assert.False(t, seller.Has(CapReportHealth))

	vendor := CapabilitiesFor(RoleVendor)
	assert.True(t, vendor.Has(CapAcknowledge))
	assert.False(t, vendor.Has(CapRouteOrders))

	assert.Empty(t, CapabilitiesFor(Role("auditor")))
}

func TestSession_CanIsNilSafe(t *testing.T) {
	var s *Session
	assert.False(t, s.Can(CapReadDecisions))
	assert.Nil(t, FromContext(context.Background()))

	s = &Session{Subject: "x", Role: RoleSeller, Capabilities: CapabilitiesFor(RoleSeller)}
	assert.Same(t, s, FromContext(WithSession(context.Background(), s)))
}
