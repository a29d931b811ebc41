package blockwatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chainview/chainview-go/notify"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (d *fakeDispatcher) Dispatch(ev notify.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
}
func (d *fakeDispatcher) all() []notify.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notify.Event(nil), d.events...)
}

type fakeTip struct {
	mu     sync.Mutex
	height uint32
	hash   string
}

func (t *fakeTip) set(h uint32, hash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.height = h
	t.hash = hash
}
func (t *fakeTip) read(ctx context.Context) (uint32, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.height, t.hash, nil
}

func appendBlockFile(t *testing.T, dir, name string) {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.Write([]byte("blockdata")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = f.Close()
}

func startWatcher(t *testing.T, dir string, tip *fakeTip, disp *fakeDispatcher) context.CancelFunc {
	t.Helper()
	w, err := New(dir, tip.read, disp, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("run returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("watcher did not stop")
		}
	})
	// Give the watcher a beat to install its fsnotify watch.
	time.Sleep(50 * time.Millisecond)
	return cancel
}

func waitEvents(t *testing.T, disp *fakeDispatcher, n int) []notify.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := disp.all(); len(evs) >= n {
			return evs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", n, len(disp.all()))
	return nil
}

func TestWatcher_DispatchesOnTipAdvance(t *testing.T) {
	dir := t.TempDir()
	tip := &fakeTip{}
	tip.set(100, "aa")
	disp := &fakeDispatcher{}
	startWatcher(t, dir, tip, disp)

	tip.set(101, "bb")
	appendBlockFile(t, dir, "blk00000.dat")

	evs := waitEvents(t, disp, 1)
	blk, ok := evs[0].(notify.NewBlockEvent)
	if !ok || blk.Height != 101 || blk.Hash != "bb" {
		t.Fatalf("event = %#v", evs[0])
	}
}

func TestWatcher_NoEventWithoutTipMovement(t *testing.T) {
	dir := t.TempDir()
	tip := &fakeTip{}
	tip.set(100, "aa")
	disp := &fakeDispatcher{}
	startWatcher(t, dir, tip, disp)

	// File activity with an unchanged tip: a partial append, not a block.
	appendBlockFile(t, dir, "blk00000.dat")

	time.Sleep(200 * time.Millisecond)
	if evs := disp.all(); len(evs) != 0 {
		t.Fatalf("dispatched %d events for an unmoved tip", len(evs))
	}
}

func TestWatcher_IgnoresNonBlockFiles(t *testing.T) {
	dir := t.TempDir()
	tip := &fakeTip{}
	tip.set(100, "aa")
	disp := &fakeDispatcher{}
	startWatcher(t, dir, tip, disp)

	tip.set(101, "bb")
	appendBlockFile(t, dir, "peers.dat")
	appendBlockFile(t, dir, "debug.log")

	time.Sleep(200 * time.Millisecond)
	if evs := disp.all(); len(evs) != 0 {
		t.Fatalf("dispatched %d events for non-block files", len(evs))
	}
}

func TestWatcher_CoalescesAppendBurst(t *testing.T) {
	dir := t.TempDir()
	tip := &fakeTip{}
	tip.set(100, "aa")
	disp := &fakeDispatcher{}
	startWatcher(t, dir, tip, disp)

	tip.set(101, "bb")
	for i := 0; i < 5; i++ {
		appendBlockFile(t, dir, "blk00000.dat")
	}

	waitEvents(t, disp, 1)
	time.Sleep(200 * time.Millisecond)
	if evs := disp.all(); len(evs) != 1 {
		t.Fatalf("burst produced %d events, want 1", len(evs))
	}
}

func TestWatcher_SequentialBlocks(t *testing.T) {
	dir := t.TempDir()
	tip := &fakeTip{}
	tip.set(100, "aa")
	disp := &fakeDispatcher{}
	startWatcher(t, dir, tip, disp)

	tip.set(101, "bb")
	appendBlockFile(t, dir, "blk00000.dat")
	waitEvents(t, disp, 1)

	tip.set(102, "cc")
	appendBlockFile(t, dir, "blk00000.dat")
	evs := waitEvents(t, disp, 2)

	first := evs[0].(notify.NewBlockEvent)
	second := evs[1].(notify.NewBlockEvent)
	if first.Height != 101 || second.Height != 102 {
		t.Fatalf("heights = %d, %d", first.Height, second.Height)
	}
}
