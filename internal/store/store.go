// Package store provides the agent registry: the process-wide table of
// live agents keyed by bot identity, plus the set of identities that are
// still being provisioned.
//
// The registry is the one piece of mutable state shared by concurrent
// start, stop and sweep operations. Every check-and-set happens under a
// single lock so two starts can never both own provisioning for the same
// bot identity.
package store

import (
	"github.com/conversate/conversate/ai-server/pkg/contracts"
)

// Registry tracks live and pending agents.
type Registry interface {
	// Reserve marks id as pending. It returns false without changing
	// anything when id is already registered or pending.
	Reserve(id string) bool

	// Release clears a pending mark. It is a no-op when id is not pending,
	// so it is safe to defer unconditionally after Reserve.
	Release(id string)

	// Register stores agent under id and clears any pending mark for id.
	// It returns false, leaving the existing entry in place, when id is
	// already registered.
	Register(id string, agent contracts.ManagedAgent) bool

	// Take removes and returns the live agent for id.
	Take(id string) (contracts.ManagedAgent, bool)

	// TakeIf removes the entry for id only if it still holds agent.
	TakeIf(id string, agent contracts.ManagedAgent) bool

	// Snapshot returns a copy of the live entries.
	Snapshot() map[string]contracts.ManagedAgent

	// Count returns the number of live entries.
	Count() int

	// Pending reports whether id is mid-provisioning.
	Pending(id string) bool
}
