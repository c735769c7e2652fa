package ringbuf

import (
	"testing"
	"time"
)

type report struct {
	RunID string
	Units []int
}

func TestRing_FIFOAcrossWraps(t *testing.T) {
	r := New[int](3) // rounds to 4
	if r.Cap() != 4 {
		t.Fatalf("Cap() = %d, want 4", r.Cap())
	}
	next := 0
	for round := 0; round < 6; round++ {
		for i := 0; i < 3; i++ {
			if !r.Push(round*3 + i) {
				t.Fatalf("round %d: push %d rejected", round, i)
			}
		}
		for r.Len() > 0 {
			v, _ := r.Pop()
			if v != next {
				t.Fatalf("popped %d, want %d", v, next)
			}
			next++
		}
	}
	if _, ok := r.Pop(); ok {
		t.Fatal("pop from empty ring succeeded")
	}
}

func TestRing_FullRejectsAndCounts(t *testing.T) {
	r := New[report](2)
	r.Push(report{RunID: "a"})
	r.Push(report{RunID: "b"})
	for i := 0; i < 3; i++ {
		if r.Push(report{RunID: "late"}) {
			t.Fatal("push into full ring succeeded")
		}
	}
	if r.Overflow() != 3 {
		t.Errorf("Overflow() = %d, want 3", r.Overflow())
	}
	if got, _ := r.Pop(); got.RunID != "a" {
		t.Errorf("first pop = %q, want a", got.RunID)
	}
}

func TestRing_PopReleasesSlot(t *testing.T) {
	r := New[report](1)
	r.Push(report{RunID: "x", Units: make([]int, 8)})
	r.Pop()
	if r.buf[0].Units != nil || r.buf[0].RunID != "" {
		t.Errorf("popped slot still holds %+v", r.buf[0])
	}
}

func TestRing_SingleProducerSingleConsumer(t *testing.T) {
	const total = 50_000
	r := New[int](64)

	go func() {
		for i := 0; i < total; i++ {
			for !r.Push(i) {
			}
		}
	}()

	deadline := time.After(10 * time.Second)
	for want := 0; want < total; {
		select {
		case <-deadline:
			t.Fatalf("timed out after %d values", want)
		default:
		}
		v, ok := r.Pop()
		if !ok {
			continue
		}
		if v != want {
			t.Fatalf("got %d, want %d", v, want)
		}
		want++
	}
}

func TestNextPow2(t *testing.T) {
	for in, want := range map[int]int{0: 1, 1: 1, 3: 4, 8: 8, 9: 16, 1000: 1024} {
		if got := nextPow2(in); got != want {
			t.Errorf("nextPow2(%d) = %d, want %d", in, got, want)
		}
	}
}
