package model

import "strings"

// Capabilities checked by the API. A policy grants them to roles, either
// exactly or through a namespace wildcard such as "tasks:*".
const (
	CapDefinitionsRead  = "definitions:read"
	CapDefinitionsWrite = "definitions:write"
	CapExecutionsRead   = "executions:read"
	CapExecutionsStart  = "executions:start"
	CapExecutionsManage = "executions:manage"
	CapTasksRead        = "tasks:read"
	CapTasksWork        = "tasks:work"
	CapTasksReview      = "tasks:review"
	CapEventsIngest     = "events:ingest"
)

// CapabilitySet is a set of capabilities granted to a caller. Keys may
// include wildcards ("tasks:*", "*").
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

// matchWildcard returns true if pattern (which may end in "*") matches cap.
//
//	"*"       matches anything
//	"tasks:*" matches "tasks:review"
//	"tasks"   does NOT match "tasks:review"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	return strings.HasPrefix(cap, pattern[:len(pattern)-1])
}
