// Package notify defines the notification events produced by the chain-state
// pipeline and the delivery channel abstraction that carries them to a client
// session.
//
// Events form a closed set (Refresh, NewBlock, ZeroConf, Error). They are
// immutable once constructed and ownership moves along the pipeline; no stage
// mutates an event in place.
//
// Delivery disciplines
//
//	LongPoll : buffers events until the client polls; an unanswered-poll
//	           counter expires the channel so abandoned clients get reclaimed
//	Push     : hands each event straight to an open transport; liveness is
//	           owned by the transport, not this layer
//
// Both satisfy Channel, which is the only surface the registry's garbage
// collector needs: a uniform liveness check instead of type-testing for the
// polling variant.
package notify
