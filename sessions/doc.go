// Package sessions implements the client-session registry and notification
// dispatch engine of the indexing server.
//
// A Session is one client's view into chain state: a watch-set of wallets
// and lockboxes, a one-shot readiness gate, and a delivery channel. The
// Registry owns every session and runs the background pipeline that turns
// raw chain events into per-session notification packets.
//
// # Lifecycle
//
//	register  -> session exists; watch registrations are buffered
//	activate  -> buffered registrations resolve, readiness gate fulfilled,
//	             session worker starts
//	serve     -> commands execute; notifications flow through the channel
//	unregister/GC -> removal from the map, then ordered teardown (join the
//	             worker, shut the channel down)
//
// # Threads
//
// Three registry goroutines (fan-out, delivery, GC) plus one worker per
// activated session communicate exclusively through terminable FIFO queues
// and a copy-on-write session map. Within one session, notifications are
// delivered in dispatch order; across sessions no ordering is guaranteed.
package sessions
