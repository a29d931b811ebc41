package notify

// Event is the closed set of notifications carried by the pipeline. The
// private marker keeps the set sealed to this package.
type Event interface {
	event()
}

// RefreshReason describes why a session's view of chain state went stale.
type RefreshReason string

const (
	// RefreshWatchRegistered signals that a watch registration finished
	// resolving and the entity is now queryable.
	RefreshWatchRegistered RefreshReason = "watch_registered"
	// RefreshRescan signals that ledger history for the entity was rebuilt
	// and cached balances must be re-fetched.
	RefreshRescan RefreshReason = "rescan"
)

// RefreshEvent tells a session that state for a watched entity changed.
// SessionID optionally targets a single session; when empty the event is
// matched against every session's watch-set.
type RefreshEvent struct {
	Reason    RefreshReason
	EntityID  string
	SessionID string
}

// NewBlockEvent announces a newly indexed block. It is relevant to every
// registered session.
type NewBlockEvent struct {
	Height uint32
	Hash   string
}

// ZeroConfPacket is the per-transaction payload produced by the mempool
// engine for an unconfirmed transaction.
type ZeroConfPacket struct {
	TxHash      string
	RawTx       []byte
	ScriptAddrs []string
}

// ZeroConfEvent carries an unconfirmed-transaction packet. Relevance is
// decided by the mempool bridge's interest predicate, not by the session.
type ZeroConfEvent struct {
	Packet ZeroConfPacket
}

// ErrorEvent is a mempool failure report addressed to a single session.
type ErrorEvent struct {
	SessionID string
	Message   string
	TxRef     string
}

func (RefreshEvent) event()  {}
func (NewBlockEvent) event() {}
func (ZeroConfEvent) event() {}
func (ErrorEvent) event()    {}
