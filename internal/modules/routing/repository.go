package routing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the policy store and decision log used by the engine.
// Lookups that find nothing return one of the package's *NotFound errors.
type Repository interface {
	// Policies and what they own
	CreatePolicy(ctx context.Context, p *RoutingPolicy, audit *RoutingPolicyAudit) error
	GetPolicy(ctx context.Context, id uuid.UUID) (*RoutingPolicy, error)
	GetActivePolicy(ctx context.Context, channel, region string) (*RoutingPolicy, error)
	ListPolicies(ctx context.Context) ([]*RoutingPolicy, error)
	GetRules(ctx context.Context, policyID uuid.UUID) ([]RoutingRule, error) // sorted by priority
	GetVendorProfiles(ctx context.Context, policyID uuid.UUID) ([]RoutingPolicyVendor, error)
	GetSlaTargets(ctx context.Context, policyID uuid.UUID) ([]SlaTarget, error)

	// Audit
	RecordAudit(ctx context.Context, entry *RoutingPolicyAudit) error
	ListAudit(ctx context.Context, policyID uuid.UUID) ([]*RoutingPolicyAudit, error)

	// Simulations
	SaveSimulation(ctx context.Context, sim *RoutingSimulation) error
	ListSimulations(ctx context.Context, policyID uuid.UUID) ([]*RoutingSimulation, error)

	// Decisions
	CreateDecision(ctx context.Context, d *RoutingDecision) error
	GetDecisionByOrderID(ctx context.Context, orderID uuid.UUID) (*RoutingDecision, error)
	ListDecisionsByVendor(ctx context.Context, vendorID uuid.UUID) ([]*RoutingDecision, error)
	UpdateDecisionStatus(ctx context.Context, id uuid.UUID, status DecisionStatus) error
	AcknowledgeDecision(ctx context.Context, id uuid.UUID, at time.Time) error

	// InTx runs fn in a transaction; any error rolls everything back.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write side of the policy store, scoped to one transaction.
type Tx interface {
	// LockPolicy reads a policy and holds it against concurrent writers until commit.
	LockPolicy(ctx context.Context, id uuid.UUID) (*RoutingPolicy, error)
	// FindActivePolicy returns nil, nil when no policy is active for the pair.
	FindActivePolicy(ctx context.Context, channel, region string) (*RoutingPolicy, error)
	// UpdatePolicy writes p only if the stored version still equals expectedVersion.
	UpdatePolicy(ctx context.Context, p *RoutingPolicy, expectedVersion int) error

	ListRules(ctx context.Context, policyID uuid.UUID) ([]RoutingRule, error)
	InsertRule(ctx context.Context, r *RoutingRule) error
	UpdateRule(ctx context.Context, r *RoutingRule) error
	DeleteRule(ctx context.Context, policyID, ruleID uuid.UUID) error

	UpsertVendorProfile(ctx context.Context, v *RoutingPolicyVendor) error
	DeleteVendorProfile(ctx context.Context, policyID, vendorID uuid.UUID) error

	UpsertSlaTarget(ctx context.Context, t *SlaTarget) error
	DeleteSlaTarget(ctx context.Context, policyID uuid.UUID, metric string) error

	RecordAudit(ctx context.Context, entry *RoutingPolicyAudit) error
}
