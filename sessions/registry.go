package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chainview/chainview-go/chainstate"
	"github.com/chainview/chainview-go/internal/cowmap"
	"github.com/chainview/chainview-go/internal/queue"
	"github.com/chainview/chainview-go/notify"
	"github.com/chainview/chainview-go/watchindex"
)

// packet is a notification already matched to one session by the fan-out
// loop, awaiting delivery.
type packet struct {
	sessionID string
	ev        notify.Event
}

// InterestFunc decides whether an unconfirmed-transaction packet concerns a
// session. The mempool bridge installs one backed by the watch index; when
// absent the registry falls back to the session's own address set.
type InterestFunc func(sessionID string, pkt notify.ZeroConfPacket) bool

// Registry owns the session map and the notification pipeline: a fan-out
// loop matching raw chain events against sessions, a delivery loop invoking
// per-session processing, and a signal-driven garbage collector reclaiming
// sessions whose delivery channel reports dead.
//
// The session map is copy-on-write: point operations install a new version
// atomically, and background loops iterate snapshots without holding any
// lock across session calls. Session references obtained from a snapshot are
// borrowed for a single loop iteration, never retained across blocking
// points.
type Registry struct {
	chain chainstate.Engine
	index watchindex.Index
	log   *slog.Logger

	sessions *cowmap.Map[string, *Session]

	outer *queue.Queue[notify.Event] // raw events from Dispatch
	inner *queue.Queue[packet]       // per-session packets awaiting delivery

	gcTrigger chan struct{}
	stop      chan struct{}

	run      atomic.Bool
	started  atomic.Bool
	closed   atomic.Bool
	wg       sync.WaitGroup
	shutOnce sync.Once

	interest     atomic.Pointer[InterestFunc]
	shutdownHook func()
	hookOnce     sync.Once
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the slog logger used by the registry and its sessions.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithWatchIndex wires an interest index, kept current as watch
// registrations resolve and sessions are torn down.
func WithWatchIndex(idx watchindex.Index) RegistryOption {
	return func(r *Registry) { r.index = idx }
}

// WithShutdownHook registers a function invoked exactly once at the end of
// ShutdownAll.
func WithShutdownHook(fn func()) RegistryOption {
	return func(r *Registry) { r.shutdownHook = fn }
}

func NewRegistry(chain chainstate.Engine, opts ...RegistryOption) *Registry {
	r := &Registry{
		chain:     chain,
		log:       slog.Default(),
		sessions:  cowmap.New[string, *Session](),
		outer:     queue.New[notify.Event](),
		inner:     queue.New[packet](),
		gcTrigger: make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// SetInterest installs the mempool bridge's relevance predicate for
// zero-conf events.
func (r *Registry) SetInterest(fn InterestFunc) {
	if fn == nil {
		r.interest.Store(nil)
		return
	}
	r.interest.Store(&fn)
}

// Start launches the fan-out, delivery, and GC loops. It is safe to call
// once; subsequent calls are no-ops.
func (r *Registry) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	r.run.Store(true)
	r.wg.Add(3)
	go r.fanoutLoop()
	go r.deliveryLoop()
	go r.gcLoop()
	r.log.Info("registry.start")
}

// Run starts the registry and blocks until ctx is done, then performs the
// full ordered shutdown.
func (r *Registry) Run(ctx context.Context) error {
	r.Start()
	<-ctx.Done()
	r.ShutdownAll()
	return ctx.Err()
}

// RegisterOption configures one session registration.
type RegisterOption func(*registerConfig)

type registerConfig struct {
	mkChannel func(s *Session) notify.Channel
}

// WithChannel supplies the delivery channel for the new session. The factory
// receives the session so a channel can bind to its serving state. Default
// is a long-poll channel.
func WithChannel(mk func(s *Session) notify.Channel) RegisterOption {
	return func(c *registerConfig) { c.mkChannel = mk }
}

// Register creates and inserts a session. An empty ID asks the registry to
// mint one. The returned reference stays valid for as long as the caller
// holds it against the snapshot it came from; the registry remains the sole
// owner. Activation is the caller's step (see Session.Activate), so
// registration commands arriving in the meantime are buffered. Once
// ShutdownAll has begun, registration fails with ErrRegistryClosed.
func (r *Registry) Register(ctx context.Context, id string, opts ...RegisterOption) (*Session, error) {
	if r.closed.Load() {
		// The teardown pass has run; a session inserted now would leak.
		return nil, ErrRegistryClosed
	}

	cfg := &registerConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}

	if id == "" {
		id = uuid.NewString()
	}

	var onWatch func(string, chainstate.LedgerView)
	if r.index != nil {
		idx := r.index
		log := r.log
		onWatch = func(sessionID string, view chainstate.LedgerView) {
			for _, addr := range view.ScriptAddrs() {
				if err := idx.Add(context.Background(), addr, sessionID); err != nil {
					log.Warn("watchindex.add.fail",
						slog.String("session_id", sessionID),
						slog.String("err", err.Error()))
				}
			}
		}
	}

	s := newSession(id, r.chain, r.log, onWatch)
	if cfg.mkChannel != nil {
		s.channel = cfg.mkChannel(s)
	} else {
		s.channel = notify.NewLongPoll(s.Serving)
	}

	if !r.sessions.SetIfAbsent(id, s) {
		// The fresh session never served; release its channel resources.
		s.channel.Shutdown()
		return nil, fmt.Errorf("%w: %q", ErrDuplicateSession, id)
	}
	if r.closed.Load() {
		// Shutdown began while we were inserting. Whoever still finds the
		// session in the map tears it down; the teardown pass may already
		// have claimed it.
		if _, ok := r.sessions.Delete(id); ok {
			s.channel.Shutdown()
		}
		return nil, ErrRegistryClosed
	}

	r.log.InfoContext(ctx, "session.register.ok", slog.String("session_id", id))
	return s, nil
}

// Get returns the session for id from the current snapshot.
func (r *Registry) Get(id string) (*Session, error) {
	s, ok := r.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSession, id)
	}
	return s, nil
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int { return r.sessions.Len() }

// Unregister removes the session from the map, clears its watch-index
// entries, and performs the full ordered teardown. Removal-then-teardown
// ordering means a concurrent snapshot iteration can still observe the
// session, but only one caller wins the removal and runs teardown.
func (r *Registry) Unregister(id string) error {
	s, ok := r.sessions.Delete(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSession, id)
	}
	if r.index != nil {
		if err := r.index.RemoveSession(context.Background(), id); err != nil {
			r.log.Warn("watchindex.remove.fail",
				slog.String("session_id", id),
				slog.String("err", err.Error()))
		}
	}
	s.Shutdown()
	r.log.Info("session.unregister.ok", slog.String("session_id", id))
	return nil
}

// Dispatch pushes a raw chain-state event onto the pipeline. It never blocks
// the caller: the inbound queue is the system's buffering point against
// bursty chain activity.
func (r *Registry) Dispatch(ev notify.Event) {
	_ = r.outer.Push(ev)
}

// TriggerGC requests one garbage-collection pass. The trigger coalesces: a
// pass already pending absorbs further triggers.
func (r *Registry) TriggerGC() {
	select {
	case r.gcTrigger <- struct{}{}:
	default:
	}
}

// StartGCTicker triggers GC every interval until ctx is done or the registry
// shuts down. The cadence is fully owned by the caller; nothing in the
// registry assumes a fixed period.
func (r *Registry) StartGCTicker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-t.C:
				r.TriggerGC()
			}
		}
	}()
}

// Submit routes one command: lifecycle commands are handled by the registry,
// everything else is forwarded to the addressed session. Errors are per
// command; they never disturb other sessions or the background loops.
func (r *Registry) Submit(ctx context.Context, cmd Command) (Result, error) {
	switch cmd.Op {
	case OpRegisterSession:
		s, err := r.Register(ctx, cmd.SessionID)
		if err != nil {
			return nil, err
		}
		// Activation runs in the background so registration commands can
		// arrive (and be buffered) while the chain engine resolves state.
		go func() {
			if err := s.Activate(context.Background()); err != nil {
				r.log.Error("session.activate.fail",
					slog.String("session_id", s.ID()),
					slog.String("err", err.Error()))
				_ = r.Unregister(s.ID())
			}
		}()
		return ackResult(map[string]any{"sessionId": s.ID()}), nil

	case OpUnregisterSession:
		if err := r.Unregister(cmd.SessionID); err != nil {
			return nil, err
		}
		return ackResult(map[string]any{"unregistered": cmd.SessionID}), nil

	case OpShutdown:
		// Run asynchronously: ShutdownAll joins the loops and must not wait
		// on the transport goroutine that carried this command.
		go r.ShutdownAll()
		return ackResult(map[string]any{"shutdown": "ok"}), nil

	default:
		s, err := r.Get(cmd.SessionID)
		if err != nil {
			return nil, err
		}
		res, err := s.Submit(ctx, cmd)
		if err != nil {
			return nil, err
		}
		// A registration that applied immediately warrants a targeted
		// refresh so the client knows the entity is queryable.
		if (cmd.Op == OpRegisterWallet || cmd.Op == OpRegisterLockbox) && s.Activated() {
			r.Dispatch(notify.RefreshEvent{
				Reason:    notify.RefreshWatchRegistered,
				EntityID:  cmd.EntityID,
				SessionID: s.ID(),
			})
		}
		return res, nil
	}
}

// ShutdownAll performs the two-phase shutdown: clear the run flag and
// terminate every queue (waking all blocked loops), join the background
// loops, tear down every remaining session in order, and finally invoke the
// shutdown hook exactly once. It is idempotent.
func (r *Registry) ShutdownAll() {
	r.shutOnce.Do(func() {
		r.closed.Store(true)
		r.run.Store(false)
		r.outer.Terminate()
		r.inner.Terminate()
		close(r.stop)
		r.wg.Wait()

		remaining := r.sessions.Clear()
		for id, s := range remaining {
			if r.index != nil {
				_ = r.index.RemoveSession(context.Background(), id)
			}
			s.Shutdown()
		}
		r.log.Info("registry.shutdown.ok", slog.Int("sessions", len(remaining)))

		if r.shutdownHook != nil {
			r.hookOnce.Do(r.shutdownHook)
		}
	})
}

// fanoutLoop matches raw events against the current session snapshot and
// emits per-session packets. No lock is held across session calls.
func (r *Registry) fanoutLoop() {
	defer r.wg.Done()
	for r.run.Load() {
		ev, err := r.outer.Pop(context.Background())
		if err != nil {
			return
		}

		switch ev := ev.(type) {
		case notify.ErrorEvent:
			// Already addressed; skip the relevance scan.
			r.inner.Push(packet{sessionID: ev.SessionID, ev: ev})

		case notify.RefreshEvent:
			if ev.SessionID != "" {
				r.inner.Push(packet{sessionID: ev.SessionID, ev: ev})
				continue
			}
			for id, s := range r.sessions.Snapshot() {
				if s.Relevant(ev) {
					r.inner.Push(packet{sessionID: id, ev: ev})
				}
			}

		case notify.ZeroConfEvent:
			interest := r.interest.Load()
			for id, s := range r.sessions.Snapshot() {
				relevant := false
				if interest != nil {
					relevant = (*interest)(id, ev.Packet)
				} else {
					relevant = s.Relevant(ev)
				}
				if relevant {
					r.inner.Push(packet{sessionID: id, ev: ev})
				}
			}

		default:
			for id, s := range r.sessions.Snapshot() {
				if s.Relevant(ev) {
					r.inner.Push(packet{sessionID: id, ev: ev})
				}
			}
		}
	}
}

// deliveryLoop hands packets to their target session. A session unregistered
// between fan-out and delivery simply drops the packet; that is expected,
// not an error.
func (r *Registry) deliveryLoop() {
	defer r.wg.Done()
	for r.run.Load() {
		pkt, err := r.inner.Pop(context.Background())
		if err != nil {
			return
		}
		s, ok := r.sessions.Get(pkt.sessionID)
		if !ok {
			continue
		}
		s.ProcessNotification(pkt.ev)
	}
}

// gcLoop reclaims sessions whose channel reports dead. It is purely
// signal-driven; cadence belongs to whoever calls TriggerGC.
func (r *Registry) gcLoop() {
	defer r.wg.Done()
	for r.run.Load() {
		select {
		case <-r.stop:
			return
		case <-r.gcTrigger:
		}

		reclaimed := 0
		for id, s := range r.sessions.Snapshot() {
			if s.Channel().IsLive() {
				continue
			}
			// Unregister tolerates a concurrent removal; only one caller
			// wins the map delete and runs teardown.
			if err := r.Unregister(id); err == nil {
				reclaimed++
			}
		}
		if reclaimed > 0 {
			r.log.Info("gc.sweep.reclaim", slog.Int("sessions", reclaimed))
		}
	}
}
