package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChangeAction names a state-changing operation on a policy.
type ChangeAction string

const (
	ActionCreate          ChangeAction = "create"
	ActionActivate        ChangeAction = "activate"
	ActionRetire          ChangeAction = "retire"
	ActionUpdateSettings  ChangeAction = "update_settings"
	ActionAddRule         ChangeAction = "add_rule"
	ActionUpdateRule      ChangeAction = "update_rule"
	ActionRemoveRule      ChangeAction = "remove_rule"
	ActionUpsertVendor    ChangeAction = "upsert_vendor"
	ActionRemoveVendor    ChangeAction = "remove_vendor"
	ActionUpsertSlaTarget ChangeAction = "upsert_sla_target"
	ActionRemoveSlaTarget ChangeAction = "remove_sla_target"
)

// Actor identifies who requested a change.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// PolicyChange is one mutation of a policy, guarded by ExpectedVersion.
// Exactly the payload matching Action is read.
type PolicyChange struct {
	Action          ChangeAction         `json:"action" validate:"required"`
	ExpectedVersion int                  `json:"expected_version" validate:"gte=1"`
	ReplaceActive   bool                 `json:"replace_active,omitempty"`
	Settings        *PolicySettings      `json:"settings,omitempty"`
	Rule            *RuleChange          `json:"rule,omitempty"`
	Vendor          *VendorProfileChange `json:"vendor,omitempty"`
	SlaTarget       *SlaTargetChange     `json:"sla_target,omitempty"`
	// TargetID is the rule id, vendor id or SLA metric removed by a remove_* action.
	TargetID string `json:"target_id,omitempty"`
}

type PolicySettings struct {
	Name                    *string    `json:"name,omitempty"`
	AllowPartialFulfillment *bool      `json:"allow_partial_fulfillment,omitempty"`
	FailoverStrategy        *string    `json:"failover_strategy,omitempty"`
	SlaMinutes              *int       `json:"sla_minutes,omitempty"`
	MaxLagMinutes           *int       `json:"max_lag_minutes,omitempty"`
	FallbackPolicyID        *string    `json:"fallback_policy_id,omitempty"`
	EffectiveAt             *time.Time `json:"effective_at,omitempty"`
}

type RuleChange struct {
	ID               string             `json:"id,omitempty"`
	Name             string             `json:"name"`
	Priority         int                `json:"priority"`
	Criteria         json.RawMessage    `json:"criteria,omitempty"`
	Weights          map[string]float64 `json:"weights,omitempty"`
	FanOut           int                `json:"fan_out,omitempty"`
	FallbackPolicyID string             `json:"fallback_policy_id,omitempty"`
}

type VendorProfileChange struct {
	VendorID           string   `json:"vendor_id"`
	Weight             float64  `json:"weight"`
	CapacityPerHour    int      `json:"capacity_per_hour"`
	CurrentLoadPercent float64  `json:"current_load_percent"`
	FailoverPriority   int      `json:"failover_priority"`
	Health             string   `json:"health,omitempty"`
	AutoPauseThreshold *float64 `json:"auto_pause_threshold,omitempty"`
	Specializations    []string `json:"specializations,omitempty"`
	Region             string   `json:"region,omitempty"`
}

type SlaTargetChange struct {
	Metric           string  `json:"metric"`
	TargetValue      float64 `json:"target_value"`
	Threshold        float64 `json:"threshold"`
	WarningThreshold float64 `json:"warning_threshold"`
	Unit             string  `json:"unit,omitempty"`
}

// validTransitions is the policy status state machine.
var validTransitions = map[PolicyStatus][]PolicyStatus{
	PolicyDraft:   {PolicyActive, PolicyRetired},
	PolicyActive:  {PolicyRetired},
	PolicyRetired: {},
}

func canTransition(from, to PolicyStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// applyChange performs the change inside tx and mutates p in place. It returns a
// human-readable summary for the audit entry. Retired policies are read-only.
func applyChange(ctx context.Context, tx Tx, p *RoutingPolicy, change PolicyChange, now time.Time) (string, error) {
	if p.Status == PolicyRetired {
		return "", fmt.Errorf("%w: policy is retired", ErrInvalidTransition)
	}

	switch change.Action {
	case ActionActivate:
		if !canTransition(p.Status, PolicyActive) {
			return "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, PolicyActive)
		}
		current, err := tx.FindActivePolicy(ctx, p.Channel, p.Region)
		if err != nil {
			return "", err
		}
		summary := fmt.Sprintf("activated policy for %s/%s", p.Channel, p.Region)
		if current != nil && current.ID != p.ID {
			if !change.ReplaceActive {
				return "", fmt.Errorf("%w: %s", ErrActivePolicyExists, current.ID)
			}
			if err := retireDisplaced(ctx, tx, current, p, now); err != nil {
				return "", err
			}
			summary += fmt.Sprintf(", replacing %s", current.ID)
		}
		p.Status = PolicyActive
		if p.EffectiveAt == nil {
			at := now
			p.EffectiveAt = &at
		}
		return summary, nil

	case ActionRetire:
		if !canTransition(p.Status, PolicyRetired) {
			return "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, PolicyRetired)
		}
		p.Status = PolicyRetired
		return "retired policy", nil

	case ActionUpdateSettings:
		return applySettings(p, change.Settings)

	case ActionAddRule, ActionUpdateRule:
		return applyRule(ctx, tx, p, change, now)

	case ActionRemoveRule:
		id, err := uuid.Parse(change.TargetID)
		if err != nil {
			return "", validationError("target_id must be a rule id")
		}
		if err := tx.DeleteRule(ctx, p.ID, id); err != nil {
			return "", err
		}
		return fmt.Sprintf("removed rule %s", id), nil

	case ActionUpsertVendor:
		return applyVendor(ctx, tx, p, change.Vendor, now)

	case ActionRemoveVendor:
		id, err := uuid.Parse(change.TargetID)
		if err != nil {
			return "", validationError("target_id must be a vendor id")
		}
		if err := tx.DeleteVendorProfile(ctx, p.ID, id); err != nil {
			return "", err
		}
		return fmt.Sprintf("removed vendor %s", id), nil

	case ActionUpsertSlaTarget:
		return applySlaTarget(ctx, tx, p, change.SlaTarget)

	case ActionRemoveSlaTarget:
		metric := strings.TrimSpace(change.TargetID)
		if metric == "" {
			return "", validationError("target_id must be an SLA metric")
		}
		if err := tx.DeleteSlaTarget(ctx, p.ID, metric); err != nil {
			return "", err
		}
		return fmt.Sprintf("removed SLA target %s", metric), nil
	}
	return "", validationError("unknown action %q", change.Action)
}

// retireDisplaced retires the currently active policy in the same transaction and
// writes its own audit entry.
func retireDisplaced(ctx context.Context, tx Tx, current, replacement *RoutingPolicy, now time.Time) error {
	prior := current.Status
	expected := current.Version
	current.Status = PolicyRetired
	current.Version++
	current.UpdatedAt = now
	if err := tx.UpdatePolicy(ctx, current, expected); err != nil {
		return err
	}
	entry := &RoutingPolicyAudit{
		ID:          uuid.New(),
		PolicyID:    current.ID,
		ActorID:     "system",
		ActorRole:   "system",
		Status:      AuditApproved,
		Action:      ActionRetire,
		PriorStatus: prior,
		NewStatus:   PolicyRetired,
		Summary:     fmt.Sprintf("retired, replaced by policy %s", replacement.ID),
		Version:     current.Version,
		CreatedAt:   now,
	}
	if err := tx.RecordAudit(ctx, entry); err != nil {
		return fmt.Errorf("%w: %v", ErrAuditWriteFailed, err)
	}
	return nil
}

func applySettings(p *RoutingPolicy, s *PolicySettings) (string, error) {
	if s == nil {
		return "", validationError("settings are required")
	}
	var changed []string
	if s.Name != nil {
		if strings.TrimSpace(*s.Name) == "" {
			return "", validationError("name cannot be empty")
		}
		p.Name = *s.Name
		changed = append(changed, "name")
	}
	if s.AllowPartialFulfillment != nil {
		p.AllowPartialFulfillment = *s.AllowPartialFulfillment
		changed = append(changed, fmt.Sprintf("allow_partial_fulfillment=%t", p.AllowPartialFulfillment))
	}
	if s.FailoverStrategy != nil {
		strategy := FailoverStrategy(strings.ToLower(*s.FailoverStrategy))
		if !strategy.Valid() {
			return "", validationError("unknown failover strategy %q", *s.FailoverStrategy)
		}
		p.FailoverStrategy = strategy
		changed = append(changed, "failover_strategy="+string(strategy))
	}
	if s.SlaMinutes != nil {
		if *s.SlaMinutes < 0 {
			return "", validationError("sla_minutes must be >= 0")
		}
		p.SlaMinutes = *s.SlaMinutes
		changed = append(changed, fmt.Sprintf("sla_minutes=%d", p.SlaMinutes))
	}
	if s.MaxLagMinutes != nil {
		if *s.MaxLagMinutes < 0 {
			return "", validationError("max_lag_minutes must be >= 0")
		}
		p.MaxLagMinutes = *s.MaxLagMinutes
		changed = append(changed, fmt.Sprintf("max_lag_minutes=%d", p.MaxLagMinutes))
	}
	if s.FallbackPolicyID != nil {
		if *s.FallbackPolicyID == "" {
			p.FallbackPolicyID = nil
		} else {
			id, err := uuid.Parse(*s.FallbackPolicyID)
			if err != nil {
				return "", validationError("invalid fallback_policy_id")
			}
			if id == p.ID {
				return "", validationError("a policy cannot fall back to itself")
			}
			p.FallbackPolicyID = &id
		}
		changed = append(changed, "fallback_policy_id")
	}
	if s.EffectiveAt != nil {
		at := *s.EffectiveAt
		p.EffectiveAt = &at
		changed = append(changed, "effective_at")
	}
	if len(changed) == 0 {
		return "", validationError("no settings supplied")
	}
	return "updated settings: " + strings.Join(changed, ", "), nil
}

func applyRule(ctx context.Context, tx Tx, p *RoutingPolicy, change PolicyChange, now time.Time) (string, error) {
	rc := change.Rule
	if rc == nil {
		return "", validationError("rule is required")
	}
	if strings.TrimSpace(rc.Name) == "" {
		return "", validationError("rule name is required")
	}
	if rc.Priority <= 0 {
		return "", validationError("rule priority must be > 0")
	}
	if rc.FanOut < 0 {
		return "", validationError("fan_out must be >= 0")
	}
	if _, err := ParseCriteria(rc.Criteria); err != nil {
		return "", err
	}
	for vendorID := range rc.Weights {
		if _, err := uuid.Parse(vendorID); err != nil {
			return "", validationError("weights keys must be vendor ids, got %q", vendorID)
		}
	}

	rule := &RoutingRule{
		PolicyID:  p.ID,
		Name:      rc.Name,
		Priority:  rc.Priority,
		Criteria:  rc.Criteria,
		Weights:   rc.Weights,
		FanOut:    rc.FanOut,
		UpdatedAt: now,
	}
	if len(rule.Criteria) == 0 {
		rule.Criteria = json.RawMessage(`{}`)
	}
	if rc.FallbackPolicyID != "" {
		id, err := uuid.Parse(rc.FallbackPolicyID)
		if err != nil {
			return "", validationError("invalid fallback_policy_id")
		}
		rule.FallbackPolicyID = &id
	}

	existing, err := tx.ListRules(ctx, p.ID)
	if err != nil {
		return "", err
	}

	if change.Action == ActionUpdateRule {
		id, err := uuid.Parse(rc.ID)
		if err != nil {
			return "", validationError("rule id is required for update_rule")
		}
		var current *RoutingRule
		for i := range existing {
			if existing[i].ID == id {
				current = &existing[i]
			}
		}
		if current == nil {
			return "", ErrRuleNotFound
		}
		for _, r := range existing {
			if r.ID != id && r.Priority == rule.Priority {
				return "", validationError("priority %d is already used by rule %s", rule.Priority, r.ID)
			}
		}
		rule.ID = id
		rule.CreatedAt = current.CreatedAt
		if err := tx.UpdateRule(ctx, rule); err != nil {
			return "", err
		}
		return fmt.Sprintf("updated rule %s (%s, priority %d)", rule.ID, rule.Name, rule.Priority), nil
	}

	for _, r := range existing {
		if r.Priority == rule.Priority {
			return "", validationError("priority %d is already used by rule %s", rule.Priority, r.ID)
		}
	}
	rule.ID = uuid.New()
	rule.CreatedAt = now
	if err := tx.InsertRule(ctx, rule); err != nil {
		return "", err
	}
	return fmt.Sprintf("added rule %s (%s, priority %d)", rule.ID, rule.Name, rule.Priority), nil
}

func applyVendor(ctx context.Context, tx Tx, p *RoutingPolicy, vc *VendorProfileChange, now time.Time) (string, error) {
	if vc == nil {
		return "", validationError("vendor is required")
	}
	vendorID, err := uuid.Parse(vc.VendorID)
	if err != nil {
		return "", validationError("invalid vendor_id")
	}
	if vc.Weight < 0 {
		return "", validationError("weight must be >= 0")
	}
	if vc.CapacityPerHour < 0 {
		return "", validationError("capacity_per_hour must be >= 0")
	}
	if vc.CurrentLoadPercent < 0 || vc.CurrentLoadPercent > 100 {
		return "", validationError("current_load_percent must be within [0,100]")
	}
	health := VendorHealth(strings.ToLower(vc.Health))
	switch health {
	case "":
		health = HealthHealthy
	case HealthHealthy, HealthWarning, HealthCritical:
	default:
		return "", validationError("unknown health %q", vc.Health)
	}
	threshold := 100.0
	if vc.AutoPauseThreshold != nil {
		threshold = *vc.AutoPauseThreshold
		if threshold <= 0 || threshold > 100 {
			return "", validationError("auto_pause_threshold must be within (0,100]")
		}
	}

	profile := &RoutingPolicyVendor{
		ID:                 uuid.New(),
		PolicyID:           p.ID,
		VendorID:           vendorID,
		Weight:             vc.Weight,
		CapacityPerHour:    vc.CapacityPerHour,
		CurrentLoadPercent: vc.CurrentLoadPercent,
		FailoverPriority:   vc.FailoverPriority,
		Health:             health,
		AutoPauseThreshold: threshold,
		Specializations:    vc.Specializations,
		Region:             vc.Region,
		UpdatedAt:          now,
	}
	if err := tx.UpsertVendorProfile(ctx, profile); err != nil {
		return "", err
	}
	return fmt.Sprintf("set vendor %s (weight %.2f, failover priority %d)", vendorID, vc.Weight, vc.FailoverPriority), nil
}

func applySlaTarget(ctx context.Context, tx Tx, p *RoutingPolicy, sc *SlaTargetChange) (string, error) {
	if sc == nil {
		return "", validationError("sla_target is required")
	}
	switch sc.Metric {
	case MetricFulfillmentTime, MetricAcknowledgementLag:
	default:
		return "", validationError("unknown SLA metric %q", sc.Metric)
	}
	if sc.Threshold < 0 || sc.WarningThreshold < 0 {
		return "", validationError("thresholds must be >= 0")
	}
	if sc.Threshold > 0 && sc.WarningThreshold >= sc.Threshold {
		return "", validationError("warning_threshold must be below threshold")
	}
	unit := strings.ToLower(sc.Unit)
	switch unit {
	case "":
		unit = "minutes"
	case "seconds", "minutes", "hours":
	default:
		return "", validationError("unit must be seconds, minutes or hours")
	}
	target := &SlaTarget{
		ID:               uuid.New(),
		PolicyID:         p.ID,
		Metric:           sc.Metric,
		TargetValue:      sc.TargetValue,
		Threshold:        sc.Threshold,
		WarningThreshold: sc.WarningThreshold,
		Unit:             unit,
	}
	if err := tx.UpsertSlaTarget(ctx, target); err != nil {
		return "", err
	}
	return fmt.Sprintf("set SLA target %s (threshold %.0f %s)", sc.Metric, sc.Threshold, unit), nil
}
