// Package chainstate declares the contracts the session core expects from
// the blockchain storage and scanning engine. The engine itself — block
// parsing, ledger resolution, balance computation — lives elsewhere; the
// session layer only resolves watch registrations into ledger views and
// executes opaque queries against them.
package chainstate

import (
	"context"
	"encoding/json"
)

// WatchKind distinguishes the two registrable entity classes.
type WatchKind int

const (
	WatchWallet WatchKind = iota
	WatchLockbox
)

func (k WatchKind) String() string {
	switch k {
	case WatchWallet:
		return "wallet"
	case WatchLockbox:
		return "lockbox"
	default:
		return "unknown"
	}
}

// LedgerView is a resolved handle over one watched entity's slice of the
// ledger. Views are obtained from an Engine and remain valid until the
// owning session is torn down.
type LedgerView interface {
	// EntityID returns the wallet or lockbox ID this view resolves.
	EntityID() string

	// ScriptAddrs returns the script addresses belonging to the entity,
	// used to match mempool activity against the watch-set.
	ScriptAddrs() []string

	// Query executes an opaque ledger query (balances, history pages) and
	// returns the engine's serialized response.
	Query(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// Engine is the chain-state collaborator that resolves registrations.
type Engine interface {
	// ResolveWatch turns a registration command into a live ledger view.
	// The payload is the opaque registration command body.
	ResolveWatch(ctx context.Context, kind WatchKind, entityID string, payload json.RawMessage) (LedgerView, error)
}
