package routing

import "errors"

var (
	// ErrNoEligibleVendor means no vendor passed the health, capacity, region and
	// specialization filters. Callers escalate to manual assignment.
	ErrNoEligibleVendor = errors.New("no eligible vendor")

	// ErrNoMatchingRule means no rule matched and the policy has no fallback.
	ErrNoMatchingRule = errors.New("no routing rule matched")

	// ErrPartialNotAllowed means no single vendor can take the whole order and the
	// policy does not allow splitting it.
	ErrPartialNotAllowed = errors.New("order cannot be fully routed to one vendor and partial fulfillment is disabled")

	// ErrConflict means the policy changed since the caller read it.
	ErrConflict = errors.New("policy was modified concurrently")

	// ErrAuditWriteFailed aborts a policy mutation.
	ErrAuditWriteFailed = errors.New("audit entry could not be written")

	ErrInvalidCriteria    = errors.New("invalid criteria")
	ErrInvalidTransition  = errors.New("invalid policy status transition")
	ErrActivePolicyExists = errors.New("another policy is already active for this channel and region")
	ErrValidation         = errors.New("validation failed")

	ErrPolicyNotFound    = errors.New("routing policy not found")
	ErrNoActivePolicy    = errors.New("no active routing policy for channel and region")
	ErrRuleNotFound      = errors.New("routing rule not found")
	ErrVendorNotFound    = errors.New("vendor profile not found")
	ErrDecisionNotFound  = errors.New("routing decision not found")
	ErrSlaTargetNotFound = errors.New("SLA target not found")
)
