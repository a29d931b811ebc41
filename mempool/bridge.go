// Package mempool adapts the session registry for the zero-conf transaction
// engine: interest queries over the watch index, unconfirmed-transaction
// pushes into the dispatch pipeline, and per-session error reports.
package mempool

import (
	"context"
	"log/slog"

	"github.com/chainview/chainview-go/notify"
	"github.com/chainview/chainview-go/sessions"
	"github.com/chainview/chainview-go/watchindex"
)

// Bridge is handed to the mempool engine. Constructing one installs an
// interest predicate on the registry so zero-conf fan-out consults the same
// watch index the engine queries.
type Bridge struct {
	reg *sessions.Registry
	idx watchindex.Index
	log *slog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.log = l
		}
	}
}

func New(reg *sessions.Registry, idx watchindex.Index, opts ...Option) *Bridge {
	b := &Bridge{reg: reg, idx: idx, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.reg.SetInterest(b.interested)
	return b
}

// InterestedSessions returns the IDs of sessions watching the script
// address. The mempool engine calls this before building per-transaction
// packets.
func (b *Bridge) InterestedSessions(ctx context.Context, scriptAddr string) (map[string]struct{}, error) {
	return b.idx.Sessions(ctx, scriptAddr)
}

// PushNotification feeds an unconfirmed-transaction packet into the dispatch
// pipeline. It never blocks the mempool engine.
func (b *Bridge) PushNotification(pkt notify.ZeroConfPacket) {
	b.reg.Dispatch(notify.ZeroConfEvent{Packet: pkt})
}

// ReportError delivers a mempool failure to the named session. If the
// session is gone the report is dropped silently; the client it concerned no
// longer exists.
func (b *Bridge) ReportError(sessionID, errText, txRef string) {
	if _, err := b.reg.Get(sessionID); err != nil {
		return
	}
	b.reg.Dispatch(notify.ErrorEvent{
		SessionID: sessionID,
		Message:   errText,
		TxRef:     txRef,
	})
}

// interested is the registry-side relevance predicate for zero-conf events.
func (b *Bridge) interested(sessionID string, pkt notify.ZeroConfPacket) bool {
	for _, addr := range pkt.ScriptAddrs {
		ids, err := b.idx.Sessions(context.Background(), addr)
		if err != nil {
			b.log.Warn("mempool.interest.fail",
				slog.String("addr", addr),
				slog.String("err", err.Error()))
			continue
		}
		if _, ok := ids[sessionID]; ok {
			return true
		}
	}
	return false
}
