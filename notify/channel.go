package notify

import "errors"

// ErrTerminated is returned by LongPoll.Respond once the channel has been
// shut down or expired. Transports surface it to the client as an empty
// terminal poll result, not as an error.
var ErrTerminated = errors.New("delivery channel terminated")

// Channel delivers events to a single session. Exactly one Channel exists
// per session for its lifetime; the session owns it and shuts it down during
// teardown.
type Channel interface {
	// Deliver hands an event to the channel. It never blocks and never
	// fails; a channel that can no longer deliver drops the event.
	Deliver(ev Event)

	// IsLive reports whether the channel still has a reachable client. The
	// registry's garbage collector reclaims sessions whose channel reports
	// false.
	IsLive() bool

	// Shutdown terminates the channel. It is idempotent, and it must not
	// return while a delivery or poll response is still touching session
	// state.
	Shutdown()
}

// SendFunc pushes a single event onto an open transport. Failures are the
// transport's concern; this layer does not retry.
type SendFunc func(Event) error

// Push is the persistent-connection delivery discipline: each event is
// handed to the transport immediately. The transport owns the connection's
// lifetime, so Shutdown is a no-op and the channel always reports live.
type Push struct {
	sessionID string
	send      SendFunc
}

var _ Channel = (*Push)(nil)

func NewPush(sessionID string, send SendFunc) *Push {
	return &Push{sessionID: sessionID, send: send}
}

func (p *Push) SessionID() string { return p.sessionID }

func (p *Push) Deliver(ev Event) {
	// Fire-and-forget: a transport write failure is reported (and retried,
	// if at all) by the transport layer.
	_ = p.send(ev)
}

func (p *Push) IsLive() bool { return true }

func (p *Push) Shutdown() {}
