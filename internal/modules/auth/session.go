package auth

import "context"

// Session is the verified identity of a request. Capabilities are computed
// once, when the token is verified.
type Session struct {
	Subject      string
	Role         Role
	VendorID     string // set for vendor accounts
	Capabilities CapabilitySet
}

func (s *Session) Can(c Capability) bool {
	return s != nil && s.Capabilities.Has(c)
}

type ctxKey struct{}

// WithSession stores the session in ctx.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the request session, or nil when the request is anonymous.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}
