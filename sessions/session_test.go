package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/chainview/chainview-go/chainstate"
	"github.com/chainview/chainview-go/notify"
)

// fakeView is a minimal chainstate.LedgerView for tests.
type fakeView struct {
	id      string
	addrs   []string
	payload json.RawMessage
}

func (v *fakeView) EntityID() string      { return v.id }
func (v *fakeView) ScriptAddrs() []string { return v.addrs }
func (v *fakeView) Query(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"entity":%q}`, v.id)), nil
}

// fakeEngine records resolutions and hands out fakeViews.
type fakeEngine struct {
	mu        sync.Mutex
	resolved  []string
	payloads  map[string]json.RawMessage
	addrsFor  map[string][]string
	failFor   map[string]error
	resolveIn time.Duration
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		payloads: make(map[string]json.RawMessage),
		addrsFor: make(map[string][]string),
		failFor:  make(map[string]error),
	}
}

func (e *fakeEngine) ResolveWatch(ctx context.Context, kind chainstate.WatchKind, entityID string, payload json.RawMessage) (chainstate.LedgerView, error) {
	if e.resolveIn > 0 {
		select {
		case <-time.After(e.resolveIn):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failFor[entityID]; err != nil {
		return nil, err
	}
	e.resolved = append(e.resolved, entityID)
	e.payloads[entityID] = payload
	return &fakeView{id: entityID, addrs: e.addrsFor[entityID], payload: payload}, nil
}

func (e *fakeEngine) resolutions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.resolved...)
}

// fakeChannel records deliveries and shutdowns.
type fakeChannel struct {
	mu        sync.Mutex
	delivered []notify.Event
	shutdowns int
	liveCalls int
	live      bool
}

func newFakeChannel() *fakeChannel { return &fakeChannel{live: true} }

func (c *fakeChannel) Deliver(ev notify.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered = append(c.delivered, ev)
}
func (c *fakeChannel) IsLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.liveCalls++
	return c.live
}
func (c *fakeChannel) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdowns++
}
func (c *fakeChannel) events() []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.Event(nil), c.delivered...)
}
func (c *fakeChannel) setLive(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live = v
}
func (c *fakeChannel) shutdownCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdowns
}
func (c *fakeChannel) liveCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveCalls
}

func testSession(t *testing.T, eng *fakeEngine, ch notify.Channel) *Session {
	t.Helper()
	s := newSession("sess-test", eng, slog.Default(), nil)
	if ch == nil {
		ch = newFakeChannel()
	}
	s.channel = ch
	t.Cleanup(s.Shutdown)
	return s
}

func TestSession_BufferedRegistrationsResolveOnActivate(t *testing.T) {
	eng := newFakeEngine()
	s := testSession(t, eng, nil)
	ctx := context.Background()

	if err := s.RegisterWatch(ctx, "w1", chainstate.WatchWallet, nil); err != nil {
		t.Fatalf("register w1: %v", err)
	}
	if err := s.RegisterWatch(ctx, "w2", chainstate.WatchLockbox, nil); err != nil {
		t.Fatalf("register w2: %v", err)
	}
	if len(eng.resolutions()) != 0 {
		t.Fatal("registrations resolved before activation")
	}

	if err := s.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if got := eng.resolutions(); len(got) != 2 {
		t.Fatalf("resolved %v, want w1 and w2", got)
	}
	if !s.Watching("w1") || !s.Watching("w2") {
		t.Fatal("watch-set incomplete after activation")
	}
}

func TestSession_DuplicateEntityLastWriteWins(t *testing.T) {
	eng := newFakeEngine()
	s := testSession(t, eng, nil)
	ctx := context.Background()

	first := json.RawMessage(`{"v":1}`)
	second := json.RawMessage(`{"v":2}`)
	if err := s.RegisterWatch(ctx, "w1", chainstate.WatchWallet, first); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.RegisterWatch(ctx, "w1", chainstate.WatchWallet, second); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	if err := s.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if got := eng.resolutions(); len(got) != 1 {
		t.Fatalf("resolved %v, want a single w1 resolution", got)
	}
	if string(eng.payloads["w1"]) != `{"v":2}` {
		t.Fatalf("resolved payload = %s, want the later registration", eng.payloads["w1"])
	}
}

func TestSession_DoubleActivateFailsFast(t *testing.T) {
	s := testSession(t, newFakeEngine(), nil)
	if err := s.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := s.Activate(context.Background()); !errors.Is(err, ErrActivationMisuse) {
		t.Fatalf("second activate = %v, want ErrActivationMisuse", err)
	}
}

func TestSession_PostActivationRegistrationAppliesImmediately(t *testing.T) {
	eng := newFakeEngine()
	s := testSession(t, eng, nil)
	ctx := context.Background()

	if err := s.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := s.RegisterWatch(ctx, "w9", chainstate.WatchWallet, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !s.Watching("w9") {
		t.Fatal("post-activation registration not applied immediately")
	}
}

func TestSession_QueryBlocksUntilActivation(t *testing.T) {
	eng := newFakeEngine()
	s := testSession(t, eng, nil)
	ctx := context.Background()

	if err := s.RegisterWatch(ctx, "w1", chainstate.WatchWallet, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	type outcome struct {
		res Result
		err error
	}
	got := make(chan outcome, 1)
	go func() {
		res, err := s.Submit(ctx, Command{Op: OpQuery, EntityID: "w1"})
		got <- outcome{res, err}
	}()

	select {
	case o := <-got:
		t.Fatalf("query returned before activation: %v %v", o.res, o.err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := s.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}

	select {
	case o := <-got:
		if o.err != nil {
			t.Fatalf("query after activation: %v", o.err)
		}
	case <-time.After(time.Second):
		t.Fatal("query still blocked after activation")
	}
}

func TestSession_QueryHonorsContextDeadlinePreActivation(t *testing.T) {
	s := testSession(t, newFakeEngine(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.Submit(ctx, Command{Op: OpQuery, EntityID: "w1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("pre-activation query = %v, want deadline exceeded", err)
	}
}

func TestSession_UnknownEntityAndUnsupportedCommand(t *testing.T) {
	s := testSession(t, newFakeEngine(), nil)
	ctx := context.Background()
	if err := s.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if _, err := s.Submit(ctx, Command{Op: OpQuery, EntityID: "ghost"}); !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("query unknown entity = %v, want ErrUnknownEntity", err)
	}
	if _, err := s.Submit(ctx, Command{Op: Op("dance")}); !errors.Is(err, ErrUnsupportedCommand) {
		t.Fatalf("unknown op = %v, want ErrUnsupportedCommand", err)
	}
}

func TestSession_WorkerFiltersAndDelivers(t *testing.T) {
	eng := newFakeEngine()
	eng.addrsFor["w1"] = []string{"addrA"}
	ch := newFakeChannel()
	s := testSession(t, eng, ch)
	ctx := context.Background()

	if err := s.RegisterWatch(ctx, "w1", chainstate.WatchWallet, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}

	s.ProcessNotification(notify.RefreshEvent{Reason: notify.RefreshRescan, EntityID: "w1"})
	s.ProcessNotification(notify.RefreshEvent{Reason: notify.RefreshRescan, EntityID: "other"}) // dropped
	s.ProcessNotification(notify.NewBlockEvent{Height: 3})
	s.ProcessNotification(notify.ZeroConfEvent{Packet: notify.ZeroConfPacket{ScriptAddrs: []string{"addrA"}}})
	s.ProcessNotification(notify.ZeroConfEvent{Packet: notify.ZeroConfPacket{ScriptAddrs: []string{"addrZ"}}}) // dropped
	s.ProcessNotification(notify.ErrorEvent{SessionID: "someone-else"})                                        // dropped

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(ch.events()) >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	got := ch.events()
	if len(got) != 3 {
		t.Fatalf("delivered %d events, want 3: %#v", len(got), got)
	}
	if ev, ok := got[0].(notify.RefreshEvent); !ok || ev.EntityID != "w1" {
		t.Fatalf("got[0] = %#v", got[0])
	}
	if _, ok := got[1].(notify.NewBlockEvent); !ok {
		t.Fatalf("got[1] = %#v", got[1])
	}
	if _, ok := got[2].(notify.ZeroConfEvent); !ok {
		t.Fatalf("got[2] = %#v", got[2])
	}
}

func TestSession_ShutdownIsIdempotentAndOrdered(t *testing.T) {
	ch := newFakeChannel()
	s := testSession(t, newFakeEngine(), ch)
	if err := s.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	s.Shutdown()
	s.Shutdown()

	if n := ch.shutdownCount(); n != 1 {
		t.Fatalf("channel shut down %d times, want 1", n)
	}
	if s.Serving() {
		t.Fatal("session still reports serving after shutdown")
	}
	if _, err := s.Submit(context.Background(), Command{Op: OpQuery, EntityID: "w1"}); err == nil {
		t.Fatal("query against a shut-down session should fail")
	}
}

func TestSession_QueryDuringTeardownReturnsNotReady(t *testing.T) {
	s := testSession(t, newFakeEngine(), newFakeChannel())

	// The session is never activated, so the query parks on the readiness
	// gate until teardown wakes it.
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), Command{Op: OpQuery, EntityID: "w1"})
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Shutdown()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrNotReady) {
			t.Fatalf("query during teardown = %v, want ErrNotReady", err)
		}
	case <-time.After(time.Second):
		t.Fatal("teardown did not wake the blocked query")
	}
}

func TestSession_ActivationFailurePropagates(t *testing.T) {
	eng := newFakeEngine()
	eng.failFor["bad"] = errors.New("resolve boom")
	s := testSession(t, eng, nil)
	ctx := context.Background()

	if err := s.RegisterWatch(ctx, "bad", chainstate.WatchWallet, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Activate(ctx); err == nil {
		t.Fatal("activate should fail when a buffered registration cannot resolve")
	}
}
