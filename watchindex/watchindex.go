// Package watchindex maintains the script-address → session-ID interest
// index consumed by the mempool bridge. The registry adds entries as watch
// registrations resolve and clears a session's entries on teardown.
//
// Implementations
//
//	memoryindex : in-process reference used for tests and single-node runs
//	redisindex  : Redis sets, for deployments where the mempool engine runs
//	              out of process and needs the index shared
package watchindex

import "context"

// Index is the interest index contract. Implementations must be safe for
// concurrent use; lookups race benignly with registration (a transaction
// observed mid-registration may miss the newest watcher, which the refresh
// pipeline later corrects).
type Index interface {
	// Add records that sessionID watches scriptAddr.
	Add(ctx context.Context, scriptAddr, sessionID string) error

	// RemoveSession drops every entry belonging to sessionID.
	RemoveSession(ctx context.Context, sessionID string) error

	// Sessions returns the set of session IDs watching scriptAddr.
	Sessions(ctx context.Context, scriptAddr string) (map[string]struct{}, error)
}
