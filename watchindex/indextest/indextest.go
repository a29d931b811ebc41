// Package indextest provides a reusable conformance suite run against every
// watchindex.Index implementation.
package indextest

import (
	"context"
	"testing"

	"github.com/chainview/chainview-go/watchindex"
)

// RunIndexTests exercises the Index contract against a fresh instance per
// subtest.
func RunIndexTests(t *testing.T, mk func(t *testing.T) watchindex.Index) {
	t.Helper()
	ctx := context.Background()

	t.Run("EmptyLookup", func(t *testing.T) {
		idx := mk(t)
		got, err := idx.Sessions(ctx, "addr-absent")
		if err != nil {
			t.Fatalf("sessions: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("expected empty set, got %v", got)
		}
	})

	t.Run("AddAndLookup", func(t *testing.T) {
		idx := mk(t)
		mustAdd(t, idx, "addr1", "sessA")
		mustAdd(t, idx, "addr1", "sessB")
		mustAdd(t, idx, "addr2", "sessA")

		got, err := idx.Sessions(ctx, "addr1")
		if err != nil {
			t.Fatalf("sessions: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("addr1 watchers = %v, want sessA and sessB", got)
		}
		if _, ok := got["sessA"]; !ok {
			t.Fatal("sessA missing from addr1 watchers")
		}
		if _, ok := got["sessB"]; !ok {
			t.Fatal("sessB missing from addr1 watchers")
		}
	})

	t.Run("AddIsIdempotent", func(t *testing.T) {
		idx := mk(t)
		mustAdd(t, idx, "addr1", "sessA")
		mustAdd(t, idx, "addr1", "sessA")

		got, err := idx.Sessions(ctx, "addr1")
		if err != nil {
			t.Fatalf("sessions: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("addr1 watchers = %v, want just sessA", got)
		}
	})

	t.Run("RemoveSessionClearsAllAddrs", func(t *testing.T) {
		idx := mk(t)
		mustAdd(t, idx, "addr1", "sessA")
		mustAdd(t, idx, "addr2", "sessA")
		mustAdd(t, idx, "addr1", "sessB")

		if err := idx.RemoveSession(ctx, "sessA"); err != nil {
			t.Fatalf("remove: %v", err)
		}

		got, err := idx.Sessions(ctx, "addr1")
		if err != nil {
			t.Fatalf("sessions: %v", err)
		}
		if _, ok := got["sessA"]; ok {
			t.Fatal("sessA still indexed for addr1 after removal")
		}
		if _, ok := got["sessB"]; !ok {
			t.Fatal("sessB lost by sessA removal")
		}

		got, err = idx.Sessions(ctx, "addr2")
		if err != nil {
			t.Fatalf("sessions: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("addr2 watchers = %v, want empty", got)
		}
	})

	t.Run("RemoveUnknownSessionIsNoop", func(t *testing.T) {
		idx := mk(t)
		if err := idx.RemoveSession(ctx, "never-registered"); err != nil {
			t.Fatalf("remove unknown session: %v", err)
		}
	})
}

// mustAdd registers interest and schedules removal so shared backends (a
// live Redis) start each subtest from a clean slate.
func mustAdd(t *testing.T, idx watchindex.Index, addr, sess string) {
	t.Helper()
	if err := idx.Add(context.Background(), addr, sess); err != nil {
		t.Fatalf("add %s/%s: %v", addr, sess, err)
	}
	t.Cleanup(func() {
		_ = idx.RemoveSession(context.Background(), sess)
	})
}
