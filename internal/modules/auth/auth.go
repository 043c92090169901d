package auth

import (
	"context"
	"errors"
	"time"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
	ErrForbidden    = errors.New("insufficient capabilities")
)

// Service verifies bearer tokens and turns them into sessions.
// Issuing tokens for end users happens elsewhere; IssueToken exists for
// service accounts and tests.
type Service interface {
	Verify(ctx context.Context, token string) (*Session, error)
	IssueToken(subject string, role Role, vendorID string, ttl time.Duration) (string, error)
}
