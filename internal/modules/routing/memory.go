package routing

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryData is the full state of the in-memory store. Transactions work on a
// copy and swap it in on commit.
type memoryData struct {
	policies    map[uuid.UUID]RoutingPolicy
	rules       map[uuid.UUID][]RoutingRule
	vendors     map[uuid.UUID][]RoutingPolicyVendor
	slaTargets  map[uuid.UUID][]SlaTarget
	audits      map[uuid.UUID][]RoutingPolicyAudit
	simulations map[uuid.UUID][]RoutingSimulation
	decisions   []RoutingDecision
}

func newMemoryData() *memoryData {
	return &memoryData{
		policies:    make(map[uuid.UUID]RoutingPolicy),
		rules:       make(map[uuid.UUID][]RoutingRule),
		vendors:     make(map[uuid.UUID][]RoutingPolicyVendor),
		slaTargets:  make(map[uuid.UUID][]SlaTarget),
		audits:      make(map[uuid.UUID][]RoutingPolicyAudit),
		simulations: make(map[uuid.UUID][]RoutingSimulation),
	}
}

// clone copies the mutable policy state. Decisions and simulations are never
// written inside a transaction, so their slices are shared.
func (d *memoryData) clone() *memoryData {
	out := newMemoryData()
	for k, v := range d.policies {
		out.policies[k] = v
	}
	for k, v := range d.rules {
		out.rules[k] = append([]RoutingRule(nil), v...)
	}
	for k, v := range d.vendors {
		out.vendors[k] = append([]RoutingPolicyVendor(nil), v...)
	}
	for k, v := range d.slaTargets {
		out.slaTargets[k] = append([]SlaTarget(nil), v...)
	}
	for k, v := range d.audits {
		out.audits[k] = append([]RoutingPolicyAudit(nil), v...)
	}
	out.simulations = d.simulations
	out.decisions = d.decisions
	return out
}

type memoryRepo struct {
	mu   sync.RWMutex
	data *memoryData
}

// NewMemoryRepository returns a Repository held entirely in process memory.
func NewMemoryRepository() Repository {
	return &memoryRepo{data: newMemoryData()}
}

func (r *memoryRepo) CreatePolicy(ctx context.Context, p *RoutingPolicy, audit *RoutingPolicyAudit) error {
	return r.InTx(ctx, func(tx Tx) error {
		mt := tx.(*memoryTx)
		mt.data.policies[p.ID] = *p
		return tx.RecordAudit(ctx, audit)
	})
}

func (r *memoryRepo) GetPolicy(_ context.Context, id uuid.UUID) (*RoutingPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.data.policies[id]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return &p, nil
}

func (r *memoryRepo) GetActivePolicy(_ context.Context, channel, region string) (*RoutingPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p := findActive(r.data, channel, region); p != nil {
		return p, nil
	}
	return nil, ErrNoActivePolicy
}

func findActive(d *memoryData, channel, region string) *RoutingPolicy {
	for _, p := range d.policies {
		if p.Status == PolicyActive && strings.EqualFold(p.Channel, channel) && strings.EqualFold(p.Region, region) {
			found := p
			return &found
		}
	}
	return nil
}

func (r *memoryRepo) ListPolicies(_ context.Context) ([]*RoutingPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RoutingPolicy, 0, len(r.data.policies))
	for _, p := range r.data.policies {
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryRepo) GetRules(_ context.Context, policyID uuid.UUID) ([]RoutingRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return SortRules(r.data.rules[policyID]), nil
}

func (r *memoryRepo) GetVendorProfiles(_ context.Context, policyID uuid.UUID) ([]RoutingPolicyVendor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]RoutingPolicyVendor(nil), r.data.vendors[policyID]...), nil
}

func (r *memoryRepo) GetSlaTargets(_ context.Context, policyID uuid.UUID) ([]SlaTarget, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]SlaTarget(nil), r.data.slaTargets[policyID]...), nil
}

func (r *memoryRepo) RecordAudit(ctx context.Context, entry *RoutingPolicyAudit) error {
	return r.InTx(ctx, func(tx Tx) error { return tx.RecordAudit(ctx, entry) })
}

func (r *memoryRepo) ListAudit(_ context.Context, policyID uuid.UUID) ([]*RoutingPolicyAudit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.data.audits[policyID]
	out := make([]*RoutingPolicyAudit, len(entries))
	for i := range entries {
		e := entries[i]
		out[i] = &e
	}
	return out, nil
}

func (r *memoryRepo) SaveSimulation(_ context.Context, sim *RoutingSimulation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data.policies[sim.PolicyID]; !ok {
		return ErrPolicyNotFound
	}
	r.data.simulations[sim.PolicyID] = append(r.data.simulations[sim.PolicyID], *sim)
	return nil
}

func (r *memoryRepo) ListSimulations(_ context.Context, policyID uuid.UUID) ([]*RoutingSimulation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sims := r.data.simulations[policyID]
	out := make([]*RoutingSimulation, len(sims))
	for i := range sims {
		s := sims[i]
		out[i] = &s
	}
	return out, nil
}

func (r *memoryRepo) CreateDecision(_ context.Context, d *RoutingDecision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.decisions = append(r.data.decisions, *d)
	return nil
}

func (r *memoryRepo) GetDecisionByOrderID(_ context.Context, orderID uuid.UUID) (*RoutingDecision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *RoutingDecision
	for i := range r.data.decisions {
		d := r.data.decisions[i]
		if d.OrderID == orderID && (latest == nil || !d.DecidedAt.Before(latest.DecidedAt)) {
			latest = &d
		}
	}
	if latest == nil {
		return nil, ErrDecisionNotFound
	}
	return latest, nil
}

func (r *memoryRepo) ListDecisionsByVendor(_ context.Context, vendorID uuid.UUID) ([]*RoutingDecision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*RoutingDecision
	for i := len(r.data.decisions) - 1; i >= 0; i-- {
		d := r.data.decisions[i]
		if d.VendorID != nil && *d.VendorID == vendorID {
			out = append(out, &d)
		}
	}
	return out, nil
}

func (r *memoryRepo) UpdateDecisionStatus(_ context.Context, id uuid.UUID, status DecisionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.data.decisions {
		if r.data.decisions[i].ID == id {
			r.data.decisions[i].Status = status
			return nil
		}
	}
	return ErrDecisionNotFound
}

func (r *memoryRepo) AcknowledgeDecision(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.data.decisions {
		if r.data.decisions[i].ID == id {
			if r.data.decisions[i].AcknowledgedAt == nil {
				r.data.decisions[i].AcknowledgedAt = &at
			}
			return nil
		}
	}
	return ErrDecisionNotFound
}

func (r *memoryRepo) InTx(_ context.Context, fn func(tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	work := r.data.clone()
	if err := fn(&memoryTx{data: work}); err != nil {
		return err
	}
	r.data = work
	return nil
}

type memoryTx struct{ data *memoryData }

func (t *memoryTx) LockPolicy(_ context.Context, id uuid.UUID) (*RoutingPolicy, error) {
	p, ok := t.data.policies[id]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return &p, nil
}

func (t *memoryTx) FindActivePolicy(_ context.Context, channel, region string) (*RoutingPolicy, error) {
	return findActive(t.data, channel, region), nil
}

func (t *memoryTx) UpdatePolicy(_ context.Context, p *RoutingPolicy, expectedVersion int) error {
	current, ok := t.data.policies[p.ID]
	if !ok {
		return ErrPolicyNotFound
	}
	if current.Version != expectedVersion {
		return ErrConflict
	}
	if p.Status == PolicyActive {
		if other := findActive(t.data, p.Channel, p.Region); other != nil && other.ID != p.ID {
			return ErrActivePolicyExists
		}
	}
	t.data.policies[p.ID] = *p
	return nil
}

func (t *memoryTx) ListRules(_ context.Context, policyID uuid.UUID) ([]RoutingRule, error) {
	return SortRules(t.data.rules[policyID]), nil
}

func (t *memoryTx) InsertRule(_ context.Context, rule *RoutingRule) error {
	t.data.rules[rule.PolicyID] = append(t.data.rules[rule.PolicyID], *rule)
	return nil
}

func (t *memoryTx) UpdateRule(_ context.Context, rule *RoutingRule) error {
	rules := t.data.rules[rule.PolicyID]
	for i := range rules {
		if rules[i].ID == rule.ID {
			rules[i] = *rule
			return nil
		}
	}
	return ErrRuleNotFound
}

func (t *memoryTx) DeleteRule(_ context.Context, policyID, ruleID uuid.UUID) error {
	rules := t.data.rules[policyID]
	for i := range rules {
		if rules[i].ID == ruleID {
			t.data.rules[policyID] = append(rules[:i:i], rules[i+1:]...)
			return nil
		}
	}
	return ErrRuleNotFound
}

func (t *memoryTx) UpsertVendorProfile(_ context.Context, v *RoutingPolicyVendor) error {
	vendors := t.data.vendors[v.PolicyID]
	for i := range vendors {
		if vendors[i].VendorID == v.VendorID {
			v.ID = vendors[i].ID
			vendors[i] = *v
			return nil
		}
	}
	t.data.vendors[v.PolicyID] = append(vendors, *v)
	return nil
}

func (t *memoryTx) DeleteVendorProfile(_ context.Context, policyID, vendorID uuid.UUID) error {
	vendors := t.data.vendors[policyID]
	for i := range vendors {
		if vendors[i].VendorID == vendorID {
			t.data.vendors[policyID] = append(vendors[:i:i], vendors[i+1:]...)
			return nil
		}
	}
	return ErrVendorNotFound
}

func (t *memoryTx) UpsertSlaTarget(_ context.Context, target *SlaTarget) error {
	targets := t.data.slaTargets[target.PolicyID]
	for i := range targets {
		if targets[i].Metric == target.Metric {
			target.ID = targets[i].ID
			targets[i] = *target
			return nil
		}
	}
	t.data.slaTargets[target.PolicyID] = append(targets, *target)
	return nil
}

func (t *memoryTx) DeleteSlaTarget(_ context.Context, policyID uuid.UUID, metric string) error {
	targets := t.data.slaTargets[policyID]
	for i := range targets {
		if targets[i].Metric == metric {
			t.data.slaTargets[policyID] = append(targets[:i:i], targets[i+1:]...)
			return nil
		}
	}
	return ErrSlaTargetNotFound
}

func (t *memoryTx) RecordAudit(_ context.Context, entry *RoutingPolicyAudit) error {
	if _, ok := t.data.policies[entry.PolicyID]; !ok {
		return ErrPolicyNotFound
	}
	t.data.audits[entry.PolicyID] = append(t.data.audits[entry.PolicyID], *entry)
	return nil
}
