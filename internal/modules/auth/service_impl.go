package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// Claims are the token claims understood by the engine.
type Claims struct {
	Role     Role   `json:"role"`
	VendorID string `json:"vendor_id,omitempty"`
	jwt.StandardClaims
}

type service struct {
	secret []byte
	now    func() time.Time
}

// NewService creates an HS256 token verifier.
func NewService(secret string) Service {
	return &service{secret: []byte(secret), now: time.Now}
}

func (s *service) Verify(_ context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	switch claims.Role {
	case RoleSuperAdmin, RoleSeller:
	case RoleVendor:
		if claims.VendorID == "" {
			return nil, fmt.Errorf("%w: vendor token without vendor_id", ErrInvalidToken)
		}
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return &Session{
		Subject:      claims.Subject,
		Role:         claims.Role,
		VendorID:     claims.VendorID,
		Capabilities: CapabilitiesFor(claims.Role),
	}, nil
}

func (s *service) IssueToken(subject string, role Role, vendorID string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := &Claims{
		Role:     role,
		VendorID: vendorID,
		StandardClaims: jwt.StandardClaims{
			Subject:   subject,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}
