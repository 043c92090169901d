package routing

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Selection is the outcome of vendor selection for one order.
type Selection struct {
	Vendors     []RoutingPolicyVendor // ordered; Vendors[0] is the primary pick
	Allocations []Allocation
	Partial     bool
	Unallocated int
	Reason      string
}

// Primary returns the first selected vendor.
func (s *Selection) Primary() *RoutingPolicyVendor {
	if s == nil || len(s.Vendors) == 0 {
		return nil
	}
	return &s.Vendors[0]
}

// VendorIDs lists the selected vendor ids in order.
func (s *Selection) VendorIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(s.Vendors))
	for i, v := range s.Vendors {
		ids[i] = v.VendorID
	}
	return ids
}

// Selector picks vendors for an order according to the policy's failover strategy.
type Selector struct {
	rotator Rotator
	random  func() float64
}

// NewSelector builds a selector. random drives the weighted pick among equally
// ranked cascading vendors; nil makes the pick deterministic (highest headroom-
// weighted score first).
func NewSelector(rotator Rotator, random func() float64) *Selector {
	if rotator == nil {
		rotator = NewMemoryRotator()
	}
	return &Selector{rotator: rotator, random: random}
}

// Eligible filters vendor profiles down to those that may serve the order.
// A rule weight override of zero or less removes the vendor for that rule.
func Eligible(order *Order, rule *RoutingRule, vendors []RoutingPolicyVendor) []RoutingPolicyVendor {
	out := make([]RoutingPolicyVendor, 0, len(vendors))
	for _, v := range vendors {
		if v.Health == HealthCritical || v.Paused() {
			continue
		}
		if v.Region != "" && order.Region != "" && !strings.EqualFold(v.Region, order.Region) {
			continue
		}
		if !hasSpecializations(v.Specializations, order.Specializations) {
			continue
		}
		if rule != nil && rule.Weights != nil {
			if w, ok := rule.Weights[v.VendorID.String()]; ok {
				if w <= 0 {
					continue
				}
				v.Weight = w
			}
		}
		out = append(out, v)
	}
	return out
}

func hasSpecializations(have, need []string) bool {
	for _, n := range need {
		found := false
		for _, h := range have {
			if strings.EqualFold(h, n) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Select chooses vendors for the order. rule may be nil when routing without a
// matched rule (fallback policies).
func (s *Selector) Select(ctx context.Context, policy *RoutingPolicy, rule *RoutingRule, vendors []RoutingPolicyVendor, order *Order) (*Selection, error) {
	eligible := Eligible(order, rule, vendors)
	if len(eligible) == 0 {
		return nil, ErrNoEligibleVendor
	}

	var ordered []RoutingPolicyVendor
	var reason string
	switch policy.FailoverStrategy {
	case StrategyRoundRobin:
		sortStable(eligible)
		// Capacity rejections do not depend on the rotation, so a rejected
		// order must not take a slot.
		if _, err := fitCapacity(policy, eligible, order); err != nil {
			return nil, err
		}
		n, err := s.rotator.Next(ctx, policy.ID)
		if err != nil {
			return nil, err
		}
		start := int(n % uint64(len(eligible)))
		ordered = append(append(ordered, eligible[start:]...), eligible[:start]...)
		reason = fmt.Sprintf("round robin slot %d of %d", start+1, len(eligible))
	case StrategyParallel:
		sortByWeight(eligible)
		ordered = eligible
		reason = "parallel dispatch to highest weighted vendors"
	default:
		ordered = s.cascade(eligible)
		reason = "cascading by failover priority"
	}

	sel, err := fitCapacity(policy, ordered, order)
	if err != nil {
		return nil, err
	}

	if policy.FailoverStrategy == StrategyParallel {
		fanOut := 1
		if rule != nil && rule.FanOut > 0 {
			fanOut = rule.FanOut
		}
		if !sel.Partial && len(sel.Vendors) > fanOut {
			sel.Vendors = sel.Vendors[:fanOut]
		}
		reason = fmt.Sprintf("%s (fan-out %d)", reason, fanOut)
	}

	sel.Reason = reason
	if sel.Partial {
		sel.Reason += fmt.Sprintf("; split across %d vendors", len(sel.Allocations))
		if sel.Unallocated > 0 {
			sel.Reason += fmt.Sprintf(", %d units unallocated", sel.Unallocated)
		}
	}
	return sel, nil
}

// fitCapacity keeps the vendors that can absorb the whole order. If none can,
// the order is split across the ordered vendors when the policy allows it.
func fitCapacity(policy *RoutingPolicy, ordered []RoutingPolicyVendor, order *Order) (*Selection, error) {
	if order.Units <= 0 {
		return &Selection{Vendors: ordered, Allocations: []Allocation{{VendorID: ordered[0].VendorID}}}, nil
	}

	fits := make([]RoutingPolicyVendor, 0, len(ordered))
	for _, v := range ordered {
		if v.CapacityPerHour <= 0 || v.Headroom() >= float64(order.Units) {
			fits = append(fits, v)
		}
	}
	if len(fits) > 0 {
		return &Selection{
			Vendors:     fits,
			Allocations: []Allocation{{VendorID: fits[0].VendorID, Units: order.Units}},
		}, nil
	}

	if !policy.AllowPartialFulfillment {
		return nil, ErrPartialNotAllowed
	}

	sel := &Selection{Partial: true}
	remaining := order.Units
	for _, v := range ordered {
		if remaining == 0 {
			break
		}
		take := int(math.Floor(v.Headroom()))
		if take <= 0 {
			continue
		}
		if take > remaining {
			take = remaining
		}
		sel.Vendors = append(sel.Vendors, v)
		sel.Allocations = append(sel.Allocations, Allocation{VendorID: v.VendorID, Units: take})
		remaining -= take
	}
	if len(sel.Vendors) == 0 {
		return nil, ErrNoEligibleVendor
	}
	sel.Unallocated = remaining
	return sel, nil
}

// cascade orders by failover priority ascending then weight descending. Vendors
// tied on both are ordered by a weighted draw over weight x headroom.
func (s *Selector) cascade(vendors []RoutingPolicyVendor) []RoutingPolicyVendor {
	sort.SliceStable(vendors, func(i, j int) bool {
		a, b := vendors[i], vendors[j]
		if a.FailoverPriority != b.FailoverPriority {
			return a.FailoverPriority < b.FailoverPriority
		}
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		if a.CurrentLoadPercent != b.CurrentLoadPercent {
			return a.CurrentLoadPercent < b.CurrentLoadPercent
		}
		return a.VendorID.String() < b.VendorID.String()
	})

	out := make([]RoutingPolicyVendor, 0, len(vendors))
	for start := 0; start < len(vendors); {
		end := start + 1
		for end < len(vendors) &&
			vendors[end].FailoverPriority == vendors[start].FailoverPriority &&
			vendors[end].Weight == vendors[start].Weight {
			end++
		}
		out = append(out, s.weightedOrder(vendors[start:end])...)
		start = end
	}
	return out
}

// weightedOrder draws vendors without replacement with probability proportional
// to weight x headroom. Without a random source the highest score goes first,
// with ties broken by lowest load.
func (s *Selector) weightedOrder(group []RoutingPolicyVendor) []RoutingPolicyVendor {
	pool := append([]RoutingPolicyVendor(nil), group...)
	if len(pool) < 2 {
		return pool
	}
	if s.random == nil {
		sort.SliceStable(pool, func(i, j int) bool {
			si, sj := pickScore(&pool[i]), pickScore(&pool[j])
			if si != sj {
				return si > sj
			}
			return pool[i].CurrentLoadPercent < pool[j].CurrentLoadPercent
		})
		return pool
	}

	out := make([]RoutingPolicyVendor, 0, len(pool))
	for len(pool) > 0 {
		total := 0.0
		for i := range pool {
			total += pickScore(&pool[i])
		}
		idx := 0
		if total > 0 {
			r := s.random() * total
			for i := range pool {
				r -= pickScore(&pool[i])
				if r < 0 {
					idx = i
					break
				}
				idx = i
			}
		}
		out = append(out, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return out
}

func pickScore(v *RoutingPolicyVendor) float64 {
	w := v.Weight
	if w < 0 {
		w = 0
	}
	return w * v.Headroom()
}

func sortStable(vendors []RoutingPolicyVendor) {
	sort.SliceStable(vendors, func(i, j int) bool {
		if vendors[i].FailoverPriority != vendors[j].FailoverPriority {
			return vendors[i].FailoverPriority < vendors[j].FailoverPriority
		}
		return vendors[i].VendorID.String() < vendors[j].VendorID.String()
	})
}

func sortByWeight(vendors []RoutingPolicyVendor) {
	sort.SliceStable(vendors, func(i, j int) bool {
		a, b := vendors[i], vendors[j]
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		if a.CurrentLoadPercent != b.CurrentLoadPercent {
			return a.CurrentLoadPercent < b.CurrentLoadPercent
		}
		return a.VendorID.String() < b.VendorID.String()
	})
}
