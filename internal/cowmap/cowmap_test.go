package cowmap

import (
	"fmt"
	"sync"
	"testing"
)

func TestMap_BasicOps(t *testing.T) {
	m := New[string, int]()

	if _, ok := m.Get("a"); ok {
		t.Fatal("unexpected hit on empty map")
	}

	m.Set("a", 1)
	if v, ok := m.Get("a"); !ok || v != 1 {
		t.Fatalf("get a = %d, %v", v, ok)
	}

	if m.SetIfAbsent("a", 2) {
		t.Fatal("SetIfAbsent overwrote existing entry")
	}
	if !m.SetIfAbsent("b", 2) {
		t.Fatal("SetIfAbsent rejected absent key")
	}
	if m.Len() != 2 {
		t.Fatalf("len = %d, want 2", m.Len())
	}

	if v, ok := m.Delete("a"); !ok || v != 1 {
		t.Fatalf("delete a = %d, %v", v, ok)
	}
	if _, ok := m.Delete("a"); ok {
		t.Fatal("double delete reported success")
	}
}

func TestMap_SnapshotIsStable(t *testing.T) {
	m := New[string, int]()
	m.Set("a", 1)
	m.Set("b", 2)

	snap := m.Snapshot()
	m.Delete("a")
	m.Set("c", 3)

	if len(snap) != 2 {
		t.Fatalf("snapshot mutated, len = %d", len(snap))
	}
	if _, ok := snap["a"]; !ok {
		t.Fatal("snapshot lost entry deleted after it was taken")
	}
	if _, ok := snap["c"]; ok {
		t.Fatal("snapshot gained entry inserted after it was taken")
	}
}

func TestMap_DeleteWonByOneCaller(t *testing.T) {
	m := New[string, int]()
	m.Set("x", 1)

	const racers = 16
	wins := make(chan bool, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := m.Delete("x")
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("delete won by %d callers, want exactly 1", won)
	}
}

func TestMap_ConcurrentReadersAndWriters(t *testing.T) {
	m := New[string, int]()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := fmt.Sprintf("k%d-%d", w, i%10)
				m.Set(k, i)
				if i%3 == 0 {
					m.Delete(k)
				}
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				snap := m.Snapshot()
				// A snapshot must be internally consistent: iterating it
				// while writers install new versions must not race.
				n := 0
				for range snap {
					n++
				}
				if n != len(snap) {
					t.Errorf("torn snapshot: counted %d of %d", n, len(snap))
					return
				}
			}
		}()
	}
	wg.Wait()
}
