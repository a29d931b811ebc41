package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/chainview/chainview-go/chainstate"
	"github.com/chainview/chainview-go/internal/queue"
	"github.com/chainview/chainview-go/notify"
)

type pendingWatch struct {
	kind    chainstate.WatchKind
	payload json.RawMessage
}

// Session is one client's registered view into chain state. The registry
// owns the session for its registered lifetime; the session exclusively owns
// its delivery channel.
//
// All post-activation notification processing runs on the session's own
// worker goroutine, so no other actor mutates delivery state directly. The
// pending-registration buffer and the resolved watch-set are guarded by
// separate locks so a slow delivery never blocks a registration, and vice
// versa.
type Session struct {
	id    string
	chain chainstate.Engine
	log   *slog.Logger

	channel notify.Channel

	// regMu guards the pre-activation buffer and the activation flag.
	regMu     sync.Mutex
	pending   map[string]pendingWatch
	activated bool

	// watchMu guards the resolved watch-set.
	watchMu sync.RWMutex
	watches map[string]chainstate.LedgerView
	addrs   map[string]string // script address -> entity ID

	ready   chan struct{}
	closing atomic.Bool
	shut    sync.Once

	inbox *queue.Queue[notify.Event]
	wg    sync.WaitGroup

	// onWatch is installed by the registry to index newly resolved views
	// for mempool interest queries. May be nil.
	onWatch func(sessionID string, view chainstate.LedgerView)
}

func newSession(id string, chain chainstate.Engine, log *slog.Logger, onWatch func(string, chainstate.LedgerView)) *Session {
	return &Session{
		id:      id,
		chain:   chain,
		log:     log,
		pending: make(map[string]pendingWatch),
		watches: make(map[string]chainstate.LedgerView),
		addrs:   make(map[string]string),
		ready:   make(chan struct{}),
		inbox:   queue.New[notify.Event](),
		onWatch: onWatch,
	}
}

func (s *Session) ID() string { return s.id }

// Channel returns the session's delivery channel. There is exactly one per
// session for its lifetime.
func (s *Session) Channel() notify.Channel { return s.channel }

// Serving reports whether the session is still accepting work. It turns
// false the moment Shutdown begins, letting an in-flight poll return a
// terminal result instead of touching a dying session.
func (s *Session) Serving() bool { return !s.closing.Load() }

// Ready returns a channel closed once activation has completed.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Activated reports whether Activate has completed.
func (s *Session) Activated() bool {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	return s.activated
}

// RegisterWatch records interest in a wallet or lockbox. Before activation
// the registration is buffered (last write wins per entity); afterwards it
// resolves against the chain-state engine immediately.
func (s *Session) RegisterWatch(ctx context.Context, entityID string, kind chainstate.WatchKind, payload json.RawMessage) error {
	s.regMu.Lock()
	if !s.activated {
		s.pending[entityID] = pendingWatch{kind: kind, payload: payload}
		s.regMu.Unlock()
		return nil
	}
	s.regMu.Unlock()

	view, err := s.chain.ResolveWatch(ctx, kind, entityID, payload)
	if err != nil {
		return fmt.Errorf("resolve %s %q: %w", kind, entityID, err)
	}
	s.installView(view)
	return nil
}

// Activate drains the pending-registration buffer, resolves every entry into
// a live watch, fulfills the readiness gate, and starts the session worker.
// Calling it a second time is a programming error and fails fast with
// ErrActivationMisuse.
func (s *Session) Activate(ctx context.Context) error {
	s.regMu.Lock()
	if s.activated {
		s.regMu.Unlock()
		return ErrActivationMisuse
	}
	s.activated = true
	pending := s.pending
	s.pending = nil
	s.regMu.Unlock()

	// Buffered registrations resolve strictly before readiness is signaled
	// and before any post-activation registration can be processed.
	for entityID, pw := range pending {
		view, err := s.chain.ResolveWatch(ctx, pw.kind, entityID, pw.payload)
		if err != nil {
			return fmt.Errorf("resolve %s %q: %w", pw.kind, entityID, err)
		}
		s.installView(view)
	}

	close(s.ready)

	s.wg.Add(1)
	go s.worker()

	s.log.InfoContext(ctx, "session.activate.ok",
		slog.String("session_id", s.id),
		slog.Int("watches", len(pending)))
	return nil
}

// Submit executes one client command against this session. Registration
// commands are accepted pre-activation; state-dependent queries gate on
// readiness, bounded by the caller's context.
func (s *Session) Submit(ctx context.Context, cmd Command) (Result, error) {
	switch cmd.Op {
	case OpRegisterWallet:
		if err := s.RegisterWatch(ctx, cmd.EntityID, chainstate.WatchWallet, cmd.Payload); err != nil {
			return nil, err
		}
		return ackResult(map[string]any{"registered": cmd.EntityID}), nil

	case OpRegisterLockbox:
		if err := s.RegisterWatch(ctx, cmd.EntityID, chainstate.WatchLockbox, cmd.Payload); err != nil {
			return nil, err
		}
		return ackResult(map[string]any{"registered": cmd.EntityID}), nil

	case OpQuery:
		if err := s.waitReady(ctx); err != nil {
			return nil, err
		}
		s.watchMu.RLock()
		view, ok := s.watches[cmd.EntityID]
		s.watchMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, cmd.EntityID)
		}
		res, err := view.Query(ctx, cmd.Payload)
		if err != nil {
			return nil, fmt.Errorf("query %q: %w", cmd.EntityID, err)
		}
		return Result(res), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCommand, cmd.Op)
	}
}

// ProcessNotification hands an event to the session worker, which filters it
// against the watch-set and forwards relevant events to the delivery
// channel. Irrelevant events are dropped silently.
func (s *Session) ProcessNotification(ev notify.Event) {
	_ = s.inbox.Push(ev)
}

// Relevant filters an event against the session's watch-set. Most sessions
// watch a small subset of all activity, so a negative answer is the common,
// expected case.
func (s *Session) Relevant(ev notify.Event) bool {
	switch ev := ev.(type) {
	case notify.NewBlockEvent:
		return true
	case notify.RefreshEvent:
		if ev.SessionID != "" {
			return ev.SessionID == s.id
		}
		if ev.EntityID == "" {
			return true
		}
		return s.Watching(ev.EntityID)
	case notify.ZeroConfEvent:
		return s.watchesAnyAddr(ev.Packet.ScriptAddrs)
	case notify.ErrorEvent:
		return ev.SessionID == s.id
	default:
		return false
	}
}

// Watching reports whether the entity is in the resolved watch-set.
func (s *Session) Watching(entityID string) bool {
	s.watchMu.RLock()
	defer s.watchMu.RUnlock()
	_, ok := s.watches[entityID]
	return ok
}

// Shutdown joins the session worker, then shuts down the delivery channel.
// The order matters: the worker may be mid-delivery, and the channel's own
// shutdown must not return while a poll response still touches session
// state. Shutdown is idempotent.
func (s *Session) Shutdown() {
	s.shut.Do(func() {
		s.closing.Store(true)
		s.inbox.Terminate()
		s.wg.Wait()
		if s.channel != nil {
			s.channel.Shutdown()
		}
	})
}

func (s *Session) worker() {
	defer s.wg.Done()
	for {
		ev, err := s.inbox.Pop(context.Background())
		if err != nil {
			return
		}
		if !s.Relevant(ev) {
			continue
		}
		s.channel.Deliver(ev)
	}
}

func (s *Session) waitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	default:
	}
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.inbox.Done():
		// Teardown began before the session ever became ready.
		return ErrNotReady
	}
}

func (s *Session) installView(view chainstate.LedgerView) {
	s.watchMu.Lock()
	s.watches[view.EntityID()] = view
	for _, addr := range view.ScriptAddrs() {
		s.addrs[addr] = view.EntityID()
	}
	s.watchMu.Unlock()

	if s.onWatch != nil {
		s.onWatch(s.id, view)
	}
}

func (s *Session) watchesAnyAddr(addrs []string) bool {
	s.watchMu.RLock()
	defer s.watchMu.RUnlock()
	for _, a := range addrs {
		if _, ok := s.addrs[a]; ok {
			return true
		}
	}
	return false
}
