package auth

// Role is the platform role carried in the token.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleVendor     Role = "vendor"
	RoleSeller     Role = "seller"
)

// Capability is a single permitted action.
type Capability string

const (
	CapRouteOrders    Capability = "routing.route"
	CapReadDecisions  Capability = "routing.decisions.read"
	CapOverrideRoutes Capability = "routing.decisions.override"
	CapAcknowledge    Capability = "routing.decisions.acknowledge"
	CapReadPolicies   Capability = "routing.policies.read"
	CapManagePolicies Capability = "routing.policies.manage"
	CapRunSimulations Capability = "routing.simulations.run"
	CapReportHealth   Capability = "vendors.health.report"
	CapReadHealth     Capability = "vendors.health.read"
)

var roleCapabilities = map[Role][]Capability{
	RoleSuperAdmin: {
		CapRouteOrders, CapReadDecisions, CapOverrideRoutes, CapAcknowledge,
		CapReadPolicies, CapManagePolicies, CapRunSimulations,
		CapReportHealth, CapReadHealth,
	},
	RoleSeller: {
		CapRouteOrders, CapReadDecisions, CapReadPolicies, CapReadHealth,
	},
	RoleVendor: {
		CapReadDecisions, CapAcknowledge, CapReportHealth, CapReadHealth,
	},
}

// CapabilitySet is the immutable set of capabilities granted to a session.
type CapabilitySet map[Capability]struct{}

// CapabilitiesFor returns the capability set of a role. Unknown roles get none.
func CapabilitiesFor(role Role) CapabilitySet {
	caps := roleCapabilities[role]
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}
