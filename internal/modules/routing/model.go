package routing

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PolicyStatus is the lifecycle state of a routing policy.
type PolicyStatus string

const (
	PolicyDraft   PolicyStatus = "draft"
	PolicyActive  PolicyStatus = "active"
	PolicyRetired PolicyStatus = "retired"
)

// FailoverStrategy decides how eligible vendors are ordered and picked.
type FailoverStrategy string

const (
	StrategyCascading  FailoverStrategy = "cascading"  // ordered list, caller tries each in turn
	StrategyParallel   FailoverStrategy = "parallel"   // top-N vendors for concurrent dispatch
	StrategyRoundRobin FailoverStrategy = "round_robin" // stable rotation per policy
)

func (s FailoverStrategy) Valid() bool {
	switch s {
	case StrategyCascading, StrategyParallel, StrategyRoundRobin:
		return true
	}
	return false
}

// VendorHealth is the reported health of a vendor.
type VendorHealth string

const (
	HealthHealthy  VendorHealth = "healthy"
	HealthWarning  VendorHealth = "warning"
	HealthCritical VendorHealth = "critical"
)

// DecisionStatus tracks the outcome of a routing decision.
type DecisionStatus string

const (
	DecisionAssigned   DecisionStatus = "assigned"
	DecisionOverridden DecisionStatus = "overridden"
	DecisionFailed     DecisionStatus = "failed"
)

// AuditStatus is the approval outcome recorded for a policy change.
type AuditStatus string

const (
	AuditApproved AuditStatus = "approved"
	AuditPending  AuditStatus = "pending"
	AuditRejected AuditStatus = "rejected"
)

// SlaState is the computed SLA standing of a decision.
type SlaState string

const (
	SlaUnknown  SlaState = "unknown"
	SlaOnTrack  SlaState = "on_track"
	SlaWarning  SlaState = "warning"
	SlaBreached SlaState = "breached"
)

// severity orders SLA states; unknown ranks below on_track so that any known state wins.
func (s SlaState) severity() int {
	switch s {
	case SlaOnTrack:
		return 1
	case SlaWarning:
		return 2
	case SlaBreached:
		return 3
	}
	return 0
}

// SLA metrics understood by the monitor.
const (
	MetricFulfillmentTime    = "fulfillment_time"
	MetricAcknowledgementLag = "acknowledgement_lag"
)

// RoutingPolicy scopes rules, vendor profiles and SLA targets to a channel/region.
type RoutingPolicy struct {
	ID                      uuid.UUID        `json:"id"`
	OrgID                   *uuid.UUID       `json:"org_id,omitempty"`
	Name                    string           `json:"name"`
	Channel                 string           `json:"channel"`
	Region                  string           `json:"region"`
	Status                  PolicyStatus     `json:"status"`
	AllowPartialFulfillment bool             `json:"allow_partial_fulfillment"`
	FailoverStrategy        FailoverStrategy `json:"failover_strategy"`
	SlaMinutes              int              `json:"sla_minutes"`
	MaxLagMinutes           int              `json:"max_lag_minutes"`
	FallbackPolicyID        *uuid.UUID       `json:"fallback_policy_id,omitempty"`
	EffectiveAt             *time.Time       `json:"effective_at,omitempty"`
	Version                 int              `json:"version"`
	CreatedAt               time.Time        `json:"created_at"`
	UpdatedAt               time.Time        `json:"updated_at"`
}

// RoutingRule maps an order predicate to routing behaviour within a policy.
// Lower priority values are evaluated first.
type RoutingRule struct {
	ID               uuid.UUID          `json:"id"`
	PolicyID         uuid.UUID          `json:"policy_id"`
	Name             string             `json:"name"`
	Priority         int                `json:"priority"`
	Criteria         json.RawMessage    `json:"criteria"`
	Weights          map[string]float64 `json:"weights,omitempty"` // vendor_id -> weight override
	FanOut           int                `json:"fan_out,omitempty"`
	FallbackPolicyID *uuid.UUID         `json:"fallback_policy_id,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// RoutingPolicyVendor is a policy-scoped view of a vendor's capacity and health.
type RoutingPolicyVendor struct {
	ID                 uuid.UUID    `json:"id"`
	PolicyID           uuid.UUID    `json:"policy_id"`
	VendorID           uuid.UUID    `json:"vendor_id"`
	Weight             float64      `json:"weight"`
	CapacityPerHour    int          `json:"capacity_per_hour"`
	CurrentLoadPercent float64      `json:"current_load_percent"`
	FailoverPriority   int          `json:"failover_priority"`
	Health             VendorHealth `json:"health"`
	AutoPauseThreshold float64      `json:"auto_pause_threshold"`
	Specializations    []string     `json:"specializations,omitempty"`
	Region             string       `json:"region,omitempty"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Paused reports whether the vendor has hit its auto-pause threshold.
func (v *RoutingPolicyVendor) Paused() bool {
	return v.CurrentLoadPercent >= v.AutoPauseThreshold
}

// Headroom is the hourly capacity still available at the current load.
// Zero capacity means the vendor did not declare one and is treated as a single unit.
func (v *RoutingPolicyVendor) Headroom() float64 {
	capacity := float64(v.CapacityPerHour)
	if capacity <= 0 {
		capacity = 1
	}
	free := 1 - v.CurrentLoadPercent/100
	if free < 0 {
		free = 0
	}
	return capacity * free
}

// SlaTarget is a named timing threshold attached to a policy.
type SlaTarget struct {
	ID               uuid.UUID `json:"id"`
	PolicyID         uuid.UUID `json:"policy_id"`
	Metric           string    `json:"metric"`
	TargetValue      float64   `json:"target_value"`
	Threshold        float64   `json:"threshold"`
	WarningThreshold float64   `json:"warning_threshold"`
	Unit             string    `json:"unit"` // seconds, minutes or hours
}

// RoutingSimulation is a stored, immutable simulation run.
type RoutingSimulation struct {
	ID            uuid.UUID         `json:"id"`
	PolicyID      uuid.UUID         `json:"policy_id"`
	PolicyVersion int               `json:"policy_version"`
	Scenario      Scenario          `json:"scenario"`
	Results       SimulationResults `json:"results"`
	CreatedAt     time.Time         `json:"created_at"`
}

// RoutingPolicyAudit is an append-only record of a policy change.
type RoutingPolicyAudit struct {
	ID          uuid.UUID    `json:"id"`
	PolicyID    uuid.UUID    `json:"policy_id"`
	ActorID     string       `json:"actor_id"`
	ActorRole   string       `json:"actor_role"`
	Status      AuditStatus  `json:"status"`
	Action      ChangeAction `json:"action"`
	PriorStatus PolicyStatus `json:"prior_status,omitempty"`
	NewStatus   PolicyStatus `json:"new_status,omitempty"`
	Summary     string       `json:"summary"`
	Version     int          `json:"version"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Order describes the order being routed.
type Order struct {
	ID              uuid.UUID      `json:"id"`
	Channel         string         `json:"channel"`
	Region          string         `json:"region"`
	Specializations []string       `json:"specializations,omitempty"`
	Units           int            `json:"units,omitempty"`
	Attributes      map[string]any `json:"attributes,omitempty"`
}

// Allocation is the share of an order given to one vendor.
type Allocation struct {
	VendorID uuid.UUID `json:"vendor_id"`
	Units    int       `json:"units"`
}

// RoutingDecision is an immutable record of a routing outcome for an order.
// VendorID is the primary pick; VendorIDs is the full ordered list for the strategy.
type RoutingDecision struct {
	ID             uuid.UUID        `json:"id"`
	OrderID        uuid.UUID        `json:"order_id"`
	PolicyID       *uuid.UUID       `json:"policy_id,omitempty"`
	PolicyVersion  int              `json:"policy_version,omitempty"`
	Strategy       FailoverStrategy `json:"strategy,omitempty"`
	VendorID       *uuid.UUID       `json:"vendor_id,omitempty"`
	VendorIDs      []uuid.UUID      `json:"vendor_ids,omitempty"`
	Allocations    []Allocation     `json:"allocations,omitempty"`
	RuleID         *uuid.UUID       `json:"rule_id,omitempty"`
	RuleName       string           `json:"rule_name,omitempty"`
	Reason         string           `json:"reason"`
	Partial        bool             `json:"partial"`
	Status         DecisionStatus   `json:"status"`
	DecidedAt      time.Time        `json:"decided_at"`
	SlaDeadline    *time.Time       `json:"sla_deadline,omitempty"`
	LagDeadline    *time.Time       `json:"lag_deadline,omitempty"`
	AcknowledgedAt *time.Time       `json:"acknowledged_at,omitempty"`
	SlaStartedAt   *time.Time       `json:"sla_started_at,omitempty"`
}

// SlaStart is the instant SLA elapsed time is measured from. Overrides carry
// the start of the order's first decision in SlaStartedAt so that reassigning
// a vendor does not restart the clock.
func (d *RoutingDecision) SlaStart() time.Time {
	if d.SlaStartedAt != nil {
		return *d.SlaStartedAt
	}
	return d.DecidedAt
}

// SlaTargetState is the standing of a single SLA target.
type SlaTargetState struct {
	Metric           string   `json:"metric"`
	State            SlaState `json:"state"`
	ElapsedMinutes   float64  `json:"elapsed_minutes"`
	ThresholdMinutes float64  `json:"threshold_minutes"`
	WarningMinutes   float64  `json:"warning_minutes,omitempty"`
}

// SlaReport is the result of evaluating a decision against its policy's SLA targets.
type SlaReport struct {
	DecisionID  uuid.UUID        `json:"decision_id"`
	State       SlaState         `json:"state"`
	Targets     []SlaTargetState `json:"targets,omitempty"`
	EvaluatedAt time.Time        `json:"evaluated_at"`
}

// PolicySnapshot is a frozen view of a policy and everything it owns.
type PolicySnapshot struct {
	Policy     RoutingPolicy         `json:"policy"`
	Rules      []RoutingRule         `json:"rules"`
	Vendors    []RoutingPolicyVendor `json:"vendors"`
	SlaTargets []SlaTarget           `json:"sla_targets,omitempty"`
}

// clone deep-copies the snapshot so callers can mutate it freely.
func (s *PolicySnapshot) clone() *PolicySnapshot {
	out := &PolicySnapshot{Policy: s.Policy}
	out.Rules = make([]RoutingRule, len(s.Rules))
	for i, r := range s.Rules {
		r.Criteria = append(json.RawMessage(nil), r.Criteria...)
		if r.Weights != nil {
			w := make(map[string]float64, len(r.Weights))
			for k, v := range r.Weights {
				w[k] = v
			}
			r.Weights = w
		}
		out.Rules[i] = r
	}
	out.Vendors = make([]RoutingPolicyVendor, len(s.Vendors))
	for i, v := range s.Vendors {
		v.Specializations = append([]string(nil), v.Specializations...)
		out.Vendors[i] = v
	}
	out.SlaTargets = append([]SlaTarget(nil), s.SlaTargets...)
	return out
}

// RouteOrderRequest is the payload to route an order.
// PolicyID pins a specific policy; otherwise the active policy for the order's channel/region is used.
type RouteOrderRequest struct {
	Order    Order  `json:"order"`
	PolicyID string `json:"policy_id,omitempty"`
}

// OverrideRouteRequest allows a human operator to manually reassign an order.
type OverrideRouteRequest struct {
	VendorID string `json:"vendor_id" validate:"required,uuid"`
	Reason   string `json:"reason" validate:"required"`
}

// CreatePolicyRequest is the payload for creating a draft policy.
type CreatePolicyRequest struct {
	OrgID                   string `json:"org_id,omitempty" validate:"omitempty,uuid"`
	Name                    string `json:"name" validate:"required"`
	Channel                 string `json:"channel" validate:"required"`
	Region                  string `json:"region" validate:"required"`
	AllowPartialFulfillment bool   `json:"allow_partial_fulfillment"`
	FailoverStrategy        string `json:"failover_strategy" validate:"omitempty,oneof=cascading parallel round_robin"`
	SlaMinutes              int    `json:"sla_minutes" validate:"gte=0"`
	MaxLagMinutes           int    `json:"max_lag_minutes" validate:"gte=0"`
	FallbackPolicyID        string `json:"fallback_policy_id,omitempty" validate:"omitempty,uuid"`
}

// ChangeResult is returned by ApplyPolicyChange.
type ChangeResult struct {
	NewVersion   int       `json:"new_version"`
	AuditEntryID uuid.UUID `json:"audit_entry_id"`
}
