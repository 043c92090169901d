package routing

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/google/uuid"
)

// ScenarioOrder is a synthetic order arriving ArrivalMinute minutes into the scenario.
type ScenarioOrder struct {
	Order         Order   `json:"order"`
	ArrivalMinute float64 `json:"arrival_minute"`
}

// Scenario is the input of a simulation run. Seed feeds the weighted pick so
// runs are reproducible.
type Scenario struct {
	Name   string          `json:"name,omitempty"`
	Seed   uint64          `json:"seed"`
	Orders []ScenarioOrder `json:"orders"`
}

// VendorProjection summarises what a vendor received during a simulation.
type VendorProjection struct {
	VendorID             uuid.UUID `json:"vendor_id"`
	Assignments          int       `json:"assignments"`
	Units                int       `json:"units"`
	AverageProjectedLoad float64   `json:"average_projected_load"`
	PeakProjectedLoad    float64   `json:"peak_projected_load"`
}

// RuleMatches counts how often a rule was the first match.
type RuleMatches struct {
	RuleID   uuid.UUID `json:"rule_id"`
	Name     string    `json:"name"`
	Priority int       `json:"priority"`
	Matches  int       `json:"matches"`
}

// SimulationResults is the aggregated output of a simulation run.
type SimulationResults struct {
	TotalOrders      int                `json:"total_orders"`
	Routed           int                `json:"routed"`
	Partial          int                `json:"partial"`
	NoMatchingRule   int                `json:"no_matching_rule"`
	NoEligibleVendor int                `json:"no_eligible_vendor"`
	Rejected         int                `json:"rejected"`
	Vendors          []VendorProjection `json:"vendors"`
	Rules            []RuleMatches      `json:"rules"`
	DeadRules        []uuid.UUID        `json:"dead_rules"`
	InvalidRules     []uuid.UUID        `json:"invalid_rules"`
}

// Simulate replays the scenario against a private copy of the snapshot. It does
// not touch live state: round-robin counters, loads and randomness are local to
// the run, so identical inputs always produce identical results.
//
// Projected load rises by units x 100 / capacity_per_hour for each allocation and
// drains by 100% per elapsed hour between arrivals. Fallback policies are not
// followed; orders that would need them count as unmatched or ineligible.
func Simulate(evaluator *Evaluator, snapshot *PolicySnapshot, scenario Scenario) SimulationResults {
	snap := snapshot.clone()
	rng := rand.New(rand.NewPCG(scenario.Seed, scenario.Seed^0x9e3779b97f4a7c15))
	selector := NewSelector(NewMemoryRotator(), rng.Float64)

	compiled := evaluator.Compile(snap.Rules)
	valid := make(map[uuid.UUID]bool, len(compiled))
	for _, c := range compiled {
		valid[c.rule.ID] = true
	}

	orders := append([]ScenarioOrder(nil), scenario.Orders...)
	sort.SliceStable(orders, func(i, j int) bool { return orders[i].ArrivalMinute < orders[j].ArrivalMinute })

	type vendorTally struct {
		assignments int
		units       int
		loadSum     float64
		peak        float64
	}
	tallies := make(map[uuid.UUID]*vendorTally, len(snap.Vendors))
	for _, v := range snap.Vendors {
		tallies[v.VendorID] = &vendorTally{peak: v.CurrentLoadPercent}
	}
	matches := make(map[uuid.UUID]int, len(compiled))

	results := SimulationResults{TotalOrders: len(orders)}
	last := 0.0
	if len(orders) > 0 {
		last = orders[0].ArrivalMinute
	}
	ctx := context.Background()

	for i := range orders {
		so := &orders[i]
		drain := (so.ArrivalMinute - last) / 60 * 100
		last = so.ArrivalMinute
		for j := range snap.Vendors {
			snap.Vendors[j].CurrentLoadPercent = math.Max(0, snap.Vendors[j].CurrentLoadPercent-drain)
		}

		rule := matchCompiled(&so.Order, compiled)
		if rule == nil {
			results.NoMatchingRule++
		} else {
			matches[rule.ID]++
			sel, err := selector.Select(ctx, &snap.Policy, rule, snap.Vendors, &so.Order)
			switch {
			case errors.Is(err, ErrNoEligibleVendor):
				results.NoEligibleVendor++
			case err != nil:
				results.Rejected++
			default:
				results.Routed++
				if sel.Partial {
					results.Partial++
				}
				for _, a := range sel.Allocations {
					applyProjectedLoad(snap.Vendors, a)
					t := tallies[a.VendorID]
					t.assignments++
					t.units += a.Units
				}
			}
		}

		for _, v := range snap.Vendors {
			t := tallies[v.VendorID]
			t.loadSum += v.CurrentLoadPercent
			if v.CurrentLoadPercent > t.peak {
				t.peak = v.CurrentLoadPercent
			}
		}
	}

	for _, v := range snap.Vendors {
		t := tallies[v.VendorID]
		p := VendorProjection{
			VendorID:          v.VendorID,
			Assignments:       t.assignments,
			Units:             t.units,
			PeakProjectedLoad: round2(t.peak),
		}
		if len(orders) > 0 {
			p.AverageProjectedLoad = round2(t.loadSum / float64(len(orders)))
		}
		results.Vendors = append(results.Vendors, p)
	}
	sort.Slice(results.Vendors, func(i, j int) bool {
		return results.Vendors[i].VendorID.String() < results.Vendors[j].VendorID.String()
	})

	results.Rules = make([]RuleMatches, 0, len(compiled))
	results.DeadRules = []uuid.UUID{}
	for _, c := range compiled {
		n := matches[c.rule.ID]
		results.Rules = append(results.Rules, RuleMatches{
			RuleID: c.rule.ID, Name: c.rule.Name, Priority: c.rule.Priority, Matches: n,
		})
		if n == 0 {
			results.DeadRules = append(results.DeadRules, c.rule.ID)
		}
	}
	results.InvalidRules = []uuid.UUID{}
	for _, r := range SortRules(snap.Rules) {
		if !valid[r.ID] {
			results.InvalidRules = append(results.InvalidRules, r.ID)
		}
	}
	if results.Vendors == nil {
		results.Vendors = []VendorProjection{}
	}
	return results
}

func applyProjectedLoad(vendors []RoutingPolicyVendor, a Allocation) {
	for i := range vendors {
		if vendors[i].VendorID != a.VendorID {
			continue
		}
		if vendors[i].CapacityPerHour <= 0 {
			return
		}
		units := a.Units
		if units <= 0 {
			units = 1
		}
		load := vendors[i].CurrentLoadPercent + float64(units)*100/float64(vendors[i].CapacityPerHour)
		vendors[i].CurrentLoadPercent = math.Min(100, load)
		return
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
