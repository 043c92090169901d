package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/georgemunganga/printa-routing/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service defines the routing engine business logic.
type Service interface {
	// Route evaluates the order against its policy and persists an immutable
	// RoutingDecision. Orders that cannot be routed are persisted as failed
	// decisions and the cause is returned.
	Route(ctx context.Context, req RouteOrderRequest) (*RoutingDecision, error)

	// EvaluateSla reports the SLA standing of a decision at now.
	EvaluateSla(ctx context.Context, decision *RoutingDecision, now time.Time) (SlaReport, error)

	// Simulate replays a scenario against the current policy snapshot and stores the run.
	Simulate(ctx context.Context, policyID uuid.UUID, scenario Scenario) (*RoutingSimulation, error)

	// ApplyPolicyChange mutates a policy and records exactly one audit entry with it.
	ApplyPolicyChange(ctx context.Context, policyID uuid.UUID, change PolicyChange, actor Actor) (*ChangeResult, error)

	GetDecision(ctx context.Context, orderID uuid.UUID) (*RoutingDecision, error)

	// OverrideRoute lets an operator reassign an order by hand. It is also the
	// escalation path for orders no vendor was eligible for.
	OverrideRoute(ctx context.Context, orderID uuid.UUID, req OverrideRouteRequest, actor Actor) (*RoutingDecision, error)

	AcknowledgeDecision(ctx context.Context, orderID uuid.UUID) (*RoutingDecision, error)
	ListVendorDecisions(ctx context.Context, vendorID uuid.UUID) ([]*RoutingDecision, error)

	// Policies
	CreatePolicy(ctx context.Context, req CreatePolicyRequest, actor Actor) (*RoutingPolicy, error)
	GetPolicy(ctx context.Context, id uuid.UUID) (*PolicySnapshot, error)
	ListPolicies(ctx context.Context) ([]*RoutingPolicy, error)
	ListAudit(ctx context.Context, policyID uuid.UUID) ([]*RoutingPolicyAudit, error)
	ListSimulations(ctx context.Context, policyID uuid.UUID) ([]*RoutingSimulation, error)
}

// HealthReading is the latest externally reported state of a vendor.
type HealthReading struct {
	Health      VendorHealth
	LoadPercent *float64
}

// HealthSource provides fresh vendor health readings. Stale readings must not be returned.
type HealthSource interface {
	Reading(vendorID uuid.UUID) (HealthReading, bool)
}

// maxScenarioOrders bounds the size of a simulation request.
const maxScenarioOrders = 10000

// Deps are the collaborators of the routing service. Zero values get defaults.
type Deps struct {
	Evaluator        *Evaluator
	Selector         *Selector
	Monitor          *SlaMonitor
	Health           HealthSource
	Log              *zap.Logger
	Metrics          *metrics.Metrics
	Clock            func() time.Time
	MaxFallbackDepth int
}

type service struct {
	repo             Repository
	evaluator        *Evaluator
	selector         *Selector
	monitor          *SlaMonitor
	health           HealthSource
	log              *zap.Logger
	metrics          *metrics.Metrics
	now              func() time.Time
	maxFallbackDepth int
	locks            *keyedMutex
}

func NewService(repo Repository, deps Deps) Service {
	s := &service{
		repo:             repo,
		evaluator:        deps.Evaluator,
		selector:         deps.Selector,
		monitor:          deps.Monitor,
		health:           deps.Health,
		log:              deps.Log,
		metrics:          deps.Metrics,
		now:              deps.Clock,
		maxFallbackDepth: deps.MaxFallbackDepth,
		locks:            newKeyedMutex(),
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.evaluator == nil {
		s.evaluator = NewEvaluator(s.log, s.metrics)
	}
	if s.selector == nil {
		s.selector = NewSelector(NewMemoryRotator(), nil)
	}
	if s.monitor == nil {
		s.monitor = NewSlaMonitor(LogAlertSink{Log: s.log}, s.metrics)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.maxFallbackDepth <= 0 {
		s.maxFallbackDepth = 3
	}
	return s
}

// ── Routing ───────────────────────────────────────────────────────────────────

// routeOutcome is what one pass through a policy (and its fallbacks) produced.
type routeOutcome struct {
	policy    *RoutingPolicy
	rule      *RoutingRule
	selection *Selection
	via       []uuid.UUID // fallback policies followed, in order
}

func (s *service) Route(ctx context.Context, req RouteOrderRequest) (*RoutingDecision, error) {
	start := time.Now()
	order := req.Order
	if order.ID == uuid.Nil {
		return nil, validationError("order.id is required")
	}
	if order.Units < 0 {
		return nil, validationError("order.units must be >= 0")
	}

	policy, err := s.resolvePolicy(ctx, req)
	if err != nil {
		return nil, err
	}

	out, err := s.routeWithPolicy(ctx, policy, &order, 0, map[uuid.UUID]bool{})
	if err != nil {
		return s.recordFailure(ctx, &order, policy, out, err, start)
	}

	decidedAt := s.now()
	sel := out.selection
	primary := sel.Primary()
	vendorID := primary.VendorID
	policyID := out.policy.ID
	decision := &RoutingDecision{
		ID:            uuid.New(),
		OrderID:       order.ID,
		PolicyID:      &policyID,
		PolicyVersion: out.policy.Version,
		Strategy:      out.policy.FailoverStrategy,
		VendorID:      &vendorID,
		VendorIDs:     sel.VendorIDs(),
		Allocations:   sel.Allocations,
		Reason:        describe(out),
		Partial:       sel.Partial,
		Status:        DecisionAssigned,
		DecidedAt:     decidedAt,
	}
	if out.rule != nil {
		ruleID := out.rule.ID
		decision.RuleID = &ruleID
		decision.RuleName = out.rule.Name
	}
	if out.policy.SlaMinutes > 0 {
		d := decidedAt.Add(time.Duration(out.policy.SlaMinutes) * time.Minute)
		decision.SlaDeadline = &d
	}
	if out.policy.MaxLagMinutes > 0 {
		d := decidedAt.Add(time.Duration(out.policy.MaxLagMinutes) * time.Minute)
		decision.LagDeadline = &d
	}

	if err := s.repo.CreateDecision(ctx, decision); err != nil {
		return nil, fmt.Errorf("persist routing decision: %w", err)
	}

	outcome := metrics.OutcomeAssigned
	if decision.Partial {
		outcome = metrics.OutcomePartial
	}
	s.metrics.RecordDecision(string(decision.Strategy), outcome, time.Since(start).Seconds())
	s.log.Info("order routed",
		zap.String("order_id", order.ID.String()),
		zap.String("policy_id", policyID.String()),
		zap.String("vendor_id", vendorID.String()),
		zap.String("strategy", string(decision.Strategy)),
		zap.Bool("partial", decision.Partial),
	)
	return decision, nil
}

func (s *service) resolvePolicy(ctx context.Context, req RouteOrderRequest) (*RoutingPolicy, error) {
	if req.PolicyID != "" {
		id, err := uuid.Parse(req.PolicyID)
		if err != nil {
			return nil, validationError("invalid policy_id")
		}
		p, err := s.repo.GetPolicy(ctx, id)
		if err != nil {
			return nil, err
		}
		if p.Status == PolicyRetired {
			return nil, validationError("policy %s is retired", p.ID)
		}
		return p, nil
	}
	if strings.TrimSpace(req.Order.Channel) == "" || strings.TrimSpace(req.Order.Region) == "" {
		return nil, validationError("order.channel and order.region are required without policy_id")
	}
	return s.repo.GetActivePolicy(ctx, req.Order.Channel, req.Order.Region)
}

// routeWithPolicy evaluates the order against one policy, following fallback
// policies when nothing matches or nobody is eligible. visited stops cycles.
func (s *service) routeWithPolicy(ctx context.Context, policy *RoutingPolicy, order *Order, depth int, visited map[uuid.UUID]bool) (*routeOutcome, error) {
	visited[policy.ID] = true
	out := &routeOutcome{policy: policy}

	rules, err := s.repo.GetRules(ctx, policy.ID)
	if err != nil {
		return out, fmt.Errorf("load routing rules: %w", err)
	}
	vendors, err := s.repo.GetVendorProfiles(ctx, policy.ID)
	if err != nil {
		return out, fmt.Errorf("load vendor profiles: %w", err)
	}
	s.overlayHealth(vendors)

	rule := s.evaluator.Evaluate(order, rules)
	if rule == nil {
		if next := s.fallback(ctx, policy.FallbackPolicyID, depth, visited); next != nil {
			return s.followFallback(ctx, next, order, depth, visited)
		}
		return out, ErrNoMatchingRule
	}
	out.rule = rule

	sel, err := s.selector.Select(ctx, policy, rule, vendors, order)
	if errors.Is(err, ErrNoEligibleVendor) {
		if next := s.fallback(ctx, rule.FallbackPolicyID, depth, visited); next != nil {
			return s.followFallback(ctx, next, order, depth, visited)
		}
	}
	if err != nil {
		return out, err
	}
	out.selection = sel
	return out, nil
}

func (s *service) followFallback(ctx context.Context, next *RoutingPolicy, order *Order, depth int, visited map[uuid.UUID]bool) (*routeOutcome, error) {
	out, err := s.routeWithPolicy(ctx, next, order, depth+1, visited)
	out.via = append([]uuid.UUID{next.ID}, out.via...)
	return out, err
}

// fallback loads the fallback policy if one is set, unvisited, usable and
// within the depth limit.
func (s *service) fallback(ctx context.Context, id *uuid.UUID, depth int, visited map[uuid.UUID]bool) *RoutingPolicy {
	if id == nil || visited[*id] || depth+1 > s.maxFallbackDepth {
		return nil
	}
	p, err := s.repo.GetPolicy(ctx, *id)
	if err != nil {
		s.log.Warn("fallback policy unavailable", zap.String("policy_id", id.String()), zap.Error(err))
		return nil
	}
	if p.Status == PolicyRetired {
		return nil
	}
	return p
}

func (s *service) overlayHealth(vendors []RoutingPolicyVendor) {
	if s.health == nil {
		return
	}
	for i := range vendors {
		reading, ok := s.health.Reading(vendors[i].VendorID)
		if !ok {
			continue
		}
		if reading.Health != "" {
			vendors[i].Health = reading.Health
		}
		if reading.LoadPercent != nil {
			vendors[i].CurrentLoadPercent = *reading.LoadPercent
		}
	}
}

func describe(out *routeOutcome) string {
	var b strings.Builder
	if out.rule != nil {
		fmt.Fprintf(&b, "rule %q (priority %d): ", out.rule.Name, out.rule.Priority)
	}
	b.WriteString(out.selection.Reason)
	for _, id := range out.via {
		fmt.Fprintf(&b, "; via fallback policy %s", id)
	}
	return b.String()
}

// recordFailure persists a failed decision for routing outcomes an operator can
// act on, then returns the cause.
func (s *service) recordFailure(ctx context.Context, order *Order, policy *RoutingPolicy, out *routeOutcome, cause error, start time.Time) (*RoutingDecision, error) {
	var outcome string
	switch {
	case errors.Is(cause, ErrNoEligibleVendor):
		outcome = metrics.OutcomeNoVendor
	case errors.Is(cause, ErrNoMatchingRule):
		outcome = metrics.OutcomeNoRule
	case errors.Is(cause, ErrPartialNotAllowed):
		outcome = metrics.OutcomeRejected
	default:
		return nil, cause
	}

	if out != nil && out.policy != nil {
		policy = out.policy
	}
	policyID := policy.ID
	decision := &RoutingDecision{
		ID:            uuid.New(),
		OrderID:       order.ID,
		PolicyID:      &policyID,
		PolicyVersion: policy.Version,
		Strategy:      policy.FailoverStrategy,
		Reason:        cause.Error(),
		Status:        DecisionFailed,
		DecidedAt:     s.now(),
	}
	if out != nil && out.rule != nil {
		ruleID := out.rule.ID
		decision.RuleID = &ruleID
		decision.RuleName = out.rule.Name
	}
	if err := s.repo.CreateDecision(ctx, decision); err != nil {
		s.log.Error("failed to persist failed routing decision",
			zap.String("order_id", order.ID.String()), zap.Error(err))
	}

	s.metrics.RecordDecision(string(policy.FailoverStrategy), outcome, time.Since(start).Seconds())
	s.log.Warn("order not routed",
		zap.String("order_id", order.ID.String()),
		zap.String("policy_id", policyID.String()),
		zap.String("outcome", outcome),
		zap.Error(cause),
	)
	return nil, cause
}

// ── SLA ───────────────────────────────────────────────────────────────────────

func (s *service) EvaluateSla(ctx context.Context, d *RoutingDecision, now time.Time) (SlaReport, error) {
	if d.Status == DecisionFailed || d.PolicyID == nil {
		return SlaReport{DecisionID: d.ID, State: SlaUnknown, EvaluatedAt: now}, nil
	}
	policy, err := s.repo.GetPolicy(ctx, *d.PolicyID)
	if err != nil {
		return SlaReport{}, err
	}
	targets, err := s.repo.GetSlaTargets(ctx, policy.ID)
	if err != nil {
		return SlaReport{}, err
	}
	if d.Status == DecisionOverridden {
		return EvaluateSla(d, policy, targets, now), nil
	}
	return s.monitor.Evaluate(ctx, d, policy, targets, now), nil
}

// ── Simulation ────────────────────────────────────────────────────────────────

func (s *service) Simulate(ctx context.Context, policyID uuid.UUID, scenario Scenario) (*RoutingSimulation, error) {
	if len(scenario.Orders) > maxScenarioOrders {
		return nil, validationError("a scenario may hold at most %d orders", maxScenarioOrders)
	}
	for i, so := range scenario.Orders {
		if so.ArrivalMinute < 0 {
			return nil, validationError("orders[%d].arrival_minute must be >= 0", i)
		}
		if so.Order.Units < 0 {
			return nil, validationError("orders[%d].units must be >= 0", i)
		}
	}

	snap, err := s.snapshot(ctx, policyID)
	if err != nil {
		return nil, err
	}
	sim := &RoutingSimulation{
		ID:            uuid.New(),
		PolicyID:      policyID,
		PolicyVersion: snap.Policy.Version,
		Scenario:      scenario,
		Results:       Simulate(s.evaluator, snap, scenario),
		CreatedAt:     s.now(),
	}
	if err := s.repo.SaveSimulation(ctx, sim); err != nil {
		return nil, fmt.Errorf("save simulation: %w", err)
	}
	s.metrics.RecordSimulation()
	return sim, nil
}

func (s *service) snapshot(ctx context.Context, policyID uuid.UUID) (*PolicySnapshot, error) {
	p, err := s.repo.GetPolicy(ctx, policyID)
	if err != nil {
		return nil, err
	}
	rules, err := s.repo.GetRules(ctx, policyID)
	if err != nil {
		return nil, err
	}
	vendors, err := s.repo.GetVendorProfiles(ctx, policyID)
	if err != nil {
		return nil, err
	}
	targets, err := s.repo.GetSlaTargets(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if rules == nil {
		rules = []RoutingRule{}
	}
	if vendors == nil {
		vendors = []RoutingPolicyVendor{}
	}
	return &PolicySnapshot{Policy: *p, Rules: rules, Vendors: vendors, SlaTargets: targets}, nil
}

// ── Policy changes ────────────────────────────────────────────────────────────

func (s *service) ApplyPolicyChange(ctx context.Context, policyID uuid.UUID, change PolicyChange, actor Actor) (*ChangeResult, error) {
	if strings.TrimSpace(actor.ID) == "" {
		return nil, validationError("actor is required")
	}

	unlock := s.locks.Lock(policyID)
	defer unlock()

	var result ChangeResult
	err := s.repo.InTx(ctx, func(tx Tx) error {
		p, err := tx.LockPolicy(ctx, policyID)
		if err != nil {
			return err
		}
		if p.Version != change.ExpectedVersion {
			return fmt.Errorf("%w: expected version %d, current %d", ErrConflict, change.ExpectedVersion, p.Version)
		}

		now := s.now()
		prior := p.Status
		expected := p.Version
		summary, err := applyChange(ctx, tx, p, change, now)
		if err != nil {
			return err
		}
		p.Version++
		p.UpdatedAt = now
		if err := tx.UpdatePolicy(ctx, p, expected); err != nil {
			return err
		}

		entry := &RoutingPolicyAudit{
			ID:          uuid.New(),
			PolicyID:    p.ID,
			ActorID:     actor.ID,
			ActorRole:   actor.Role,
			Status:      AuditApproved,
			Action:      change.Action,
			PriorStatus: prior,
			NewStatus:   p.Status,
			Summary:     summary,
			Version:     p.Version,
			CreatedAt:   now,
		}
		if err := tx.RecordAudit(ctx, entry); err != nil {
			return fmt.Errorf("%w: %v", ErrAuditWriteFailed, err)
		}
		result = ChangeResult{NewVersion: p.Version, AuditEntryID: entry.ID}
		return nil
	})
	if err != nil {
		s.changeFailed(ctx, policyID, change, actor, err)
		return nil, err
	}

	s.metrics.RecordPolicyChange(string(change.Action), string(AuditApproved))
	s.log.Info("routing policy changed",
		zap.String("policy_id", policyID.String()),
		zap.String("action", string(change.Action)),
		zap.String("actor_id", actor.ID),
		zap.Int("version", result.NewVersion),
	)
	return &result, nil
}

// changeFailed records metrics for a refused change and, when the change itself
// was invalid, a rejected audit entry. The rejected entry is written outside the
// rolled back transaction and never mutates the policy.
func (s *service) changeFailed(ctx context.Context, policyID uuid.UUID, change PolicyChange, actor Actor, cause error) {
	switch {
	case errors.Is(cause, ErrAuditWriteFailed):
		s.metrics.RecordAuditFailure()
		s.metrics.RecordPolicyChange(string(change.Action), "failed")
		s.log.Error("policy change rolled back, audit write failed",
			zap.String("policy_id", policyID.String()),
			zap.String("action", string(change.Action)),
			zap.Error(cause),
		)
		return
	case errors.Is(cause, ErrValidation), errors.Is(cause, ErrInvalidCriteria), errors.Is(cause, ErrInvalidTransition):
	default:
		s.metrics.RecordPolicyChange(string(change.Action), "failed")
		return
	}

	s.metrics.RecordPolicyChange(string(change.Action), string(AuditRejected))
	p, err := s.repo.GetPolicy(ctx, policyID)
	if err != nil {
		return
	}
	entry := &RoutingPolicyAudit{
		ID:          uuid.New(),
		PolicyID:    policyID,
		ActorID:     actor.ID,
		ActorRole:   actor.Role,
		Status:      AuditRejected,
		Action:      change.Action,
		PriorStatus: p.Status,
		NewStatus:   p.Status,
		Summary:     cause.Error(),
		Version:     p.Version,
		CreatedAt:   s.now(),
	}
	if err := s.repo.RecordAudit(ctx, entry); err != nil {
		s.log.Warn("could not record rejected policy change",
			zap.String("policy_id", policyID.String()), zap.Error(err))
	}
}

func (s *service) CreatePolicy(ctx context.Context, req CreatePolicyRequest, actor Actor) (*RoutingPolicy, error) {
	if strings.TrimSpace(actor.ID) == "" {
		return nil, validationError("actor is required")
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Channel) == "" || strings.TrimSpace(req.Region) == "" {
		return nil, validationError("name, channel and region are required")
	}
	if req.SlaMinutes < 0 || req.MaxLagMinutes < 0 {
		return nil, validationError("sla_minutes and max_lag_minutes must be >= 0")
	}
	strategy := StrategyCascading
	if req.FailoverStrategy != "" {
		strategy = FailoverStrategy(strings.ToLower(req.FailoverStrategy))
		if !strategy.Valid() {
			return nil, validationError("unknown failover strategy %q", req.FailoverStrategy)
		}
	}

	now := s.now()
	p := &RoutingPolicy{
		ID:                      uuid.New(),
		Name:                    req.Name,
		Channel:                 req.Channel,
		Region:                  req.Region,
		Status:                  PolicyDraft,
		AllowPartialFulfillment: req.AllowPartialFulfillment,
		FailoverStrategy:        strategy,
		SlaMinutes:              req.SlaMinutes,
		MaxLagMinutes:           req.MaxLagMinutes,
		Version:                 1,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if req.OrgID != "" {
		id, err := uuid.Parse(req.OrgID)
		if err != nil {
			return nil, validationError("invalid org_id")
		}
		p.OrgID = &id
	}
	if req.FallbackPolicyID != "" {
		id, err := uuid.Parse(req.FallbackPolicyID)
		if err != nil {
			return nil, validationError("invalid fallback_policy_id")
		}
		if _, err := s.repo.GetPolicy(ctx, id); err != nil {
			return nil, err
		}
		p.FallbackPolicyID = &id
	}

	entry := &RoutingPolicyAudit{
		ID:        uuid.New(),
		PolicyID:  p.ID,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Status:    AuditApproved,
		Action:    ActionCreate,
		NewStatus: PolicyDraft,
		Summary:   fmt.Sprintf("created %s policy for %s/%s", strategy, p.Channel, p.Region),
		Version:   p.Version,
		CreatedAt: now,
	}
	if err := s.repo.CreatePolicy(ctx, p, entry); err != nil {
		return nil, err
	}
	s.metrics.RecordPolicyChange(string(ActionCreate), string(AuditApproved))
	return p, nil
}

func (s *service) GetPolicy(ctx context.Context, id uuid.UUID) (*PolicySnapshot, error) {
	return s.snapshot(ctx, id)
}

func (s *service) ListPolicies(ctx context.Context) ([]*RoutingPolicy, error) {
	return s.repo.ListPolicies(ctx)
}

func (s *service) ListAudit(ctx context.Context, policyID uuid.UUID) ([]*RoutingPolicyAudit, error) {
	if _, err := s.repo.GetPolicy(ctx, policyID); err != nil {
		return nil, err
	}
	return s.repo.ListAudit(ctx, policyID)
}

func (s *service) ListSimulations(ctx context.Context, policyID uuid.UUID) ([]*RoutingSimulation, error) {
	if _, err := s.repo.GetPolicy(ctx, policyID); err != nil {
		return nil, err
	}
	return s.repo.ListSimulations(ctx, policyID)
}

// ── Decisions ─────────────────────────────────────────────────────────────────

func (s *service) GetDecision(ctx context.Context, orderID uuid.UUID) (*RoutingDecision, error) {
	return s.repo.GetDecisionByOrderID(ctx, orderID)
}

func (s *service) OverrideRoute(ctx context.Context, orderID uuid.UUID, req OverrideRouteRequest, actor Actor) (*RoutingDecision, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return nil, validationError("reason is required for manual override")
	}
	vendorID, err := uuid.Parse(req.VendorID)
	if err != nil {
		return nil, validationError("invalid vendor_id")
	}

	decision := &RoutingDecision{
		ID:          uuid.New(),
		OrderID:     orderID,
		Strategy:    "manual",
		VendorID:    &vendorID,
		VendorIDs:   []uuid.UUID{vendorID},
		Allocations: []Allocation{{VendorID: vendorID}},
		Reason:      fmt.Sprintf("manual override by %s: %s", actor.ID, req.Reason),
		Status:      DecisionAssigned,
		DecidedAt:   s.now(),
	}

	// Mark the previous decision as overridden
	existing, err := s.repo.GetDecisionByOrderID(ctx, orderID)
	switch {
	case err == nil:
		if err := s.repo.UpdateDecisionStatus(ctx, existing.ID, DecisionOverridden); err != nil {
			return nil, err
		}
		s.monitor.Forget(existing.ID)
		decision.PolicyID = existing.PolicyID
		decision.PolicyVersion = existing.PolicyVersion
		// The order's SLA keeps running from its first decision.
		start := existing.SlaStart()
		decision.SlaStartedAt = &start
		if existing.SlaDeadline != nil {
			d := *existing.SlaDeadline
			decision.SlaDeadline = &d
		}
		if existing.LagDeadline != nil {
			d := *existing.LagDeadline
			decision.LagDeadline = &d
		}
	case !errors.Is(err, ErrDecisionNotFound):
		return nil, err
	}

	if err := s.repo.CreateDecision(ctx, decision); err != nil {
		return nil, err
	}
	s.metrics.RecordDecision(string(decision.Strategy), metrics.OutcomeOverridden, 0)
	s.log.Info("routing decision overridden",
		zap.String("order_id", orderID.String()),
		zap.String("vendor_id", vendorID.String()),
		zap.String("actor_id", actor.ID),
	)
	return decision, nil
}

func (s *service) AcknowledgeDecision(ctx context.Context, orderID uuid.UUID) (*RoutingDecision, error) {
	d, err := s.repo.GetDecisionByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if d.Status == DecisionFailed {
		return nil, validationError("decision %s has no assigned vendor", d.ID)
	}
	if d.AcknowledgedAt != nil {
		return d, nil
	}
	if err := s.repo.AcknowledgeDecision(ctx, d.ID, s.now()); err != nil {
		return nil, err
	}
	return s.repo.GetDecisionByOrderID(ctx, orderID)
}

func (s *service) ListVendorDecisions(ctx context.Context, vendorID uuid.UUID) ([]*RoutingDecision, error) {
	return s.repo.ListDecisionsByVendor(ctx, vendorID)
}

// ── keyed mutex ───────────────────────────────────────────────────────────────

// keyedMutex serializes work per policy id. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uuid.UUID]*keyedEntry)}
}

// Lock blocks until the key is free and returns its unlock function.
func (k *keyedMutex) Lock(key uuid.UUID) func() {
	k.mu.Lock()
	e := k.locks[key]
	if e == nil {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
