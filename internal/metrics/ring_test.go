package metrics

import (
	"sync"
	"testing"
)

func TestRing_AppendBelowCapacity(t *testing.T) {
	r := NewRing[int](5)

	for i := 1; i <= 3; i++ {
		r.Append(i)
	}

	got := r.Snapshot()
	want := []int{1, 2, 3}

	if len(got) != len(want) {
		t.Fatalf("Snapshot len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Snapshot[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestRing_OverwritesOldest(t *testing.T) {
	r := NewRing[int](3)

	for i := 1; i <= 5; i++ {
		r.Append(i)
	}

	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}

	got := r.Snapshot()
	want := []int{3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Snapshot[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	if r.Total() != 5 {
		t.Errorf("Total = %d, want 5", r.Total())
	}
}

func TestRing_MinimumCapacity(t *testing.T) {
	r := NewRing[string](0)
	r.Append("a")
	r.Append("b")

	if r.Cap() != 1 {
		t.Errorf("Cap = %d, want 1", r.Cap())
	}
	got := r.Snapshot()
	if len(got) != 1 || got[0] != "b" {
		t.Errorf("Snapshot = %v, want [b]", got)
	}
}

func TestRing_ConcurrentAppend(t *testing.T) {
	r := NewRing[int](100)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Append(j)
			}
		}()
	}
	wg.Wait()

	if r.Len() != 100 {
		t.Errorf("Len = %d, want 100", r.Len())
	}
	if r.Total() != 500 {
		t.Errorf("Total = %d, want 500", r.Total())
	}
}
