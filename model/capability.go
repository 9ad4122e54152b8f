package model

import "strings"

// Capabilities checked by the HTTP surface. Policies grant them to roles.
const (
	CapRFIRead       = "rfi:read"
	CapRFIWrite      = "rfi:write"
	CapRFITransition = "rfi:transition"
	CapRFIDelete     = "rfi:delete"
	CapCatalogRead   = "catalog:read"
	CapAuditRead     = "audit:read"
	CapAuditClear    = "audit:clear"
	CapSweepRun      = "sweep:run"
)

// CapabilitySet is a set of capabilities granted to a caller. Each key is a
// capability string (e.g. "rfi:read") and may include wildcards (e.g. "rfi:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if the set matches all given capabilities.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !cs.Has(cap) {
			return false
		}
	}
	return true
}

// HasAny returns true if the set matches at least one of the given
// capabilities.
func (cs CapabilitySet) HasAny(caps ...string) bool {
	for _, cap := range caps {
		if cs.Has(cap) {
			return true
		}
	}
	return false
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
//
//	"*"      matches anything
//	"rfi:*"  matches "rfi:transition"
//	"rfi"    does NOT match "rfi:read"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	return strings.HasPrefix(cap, pattern[:len(pattern)-1])
}
