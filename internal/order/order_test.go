package order

import (
	"errors"
	"sync"
	"testing"
)

func TestHappyPathTransitions(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create("o1"); err != nil {
		t.Fatal(err)
	}
	chain := []Status{StatusConfirmed, StatusPreparing, StatusReady, StatusPickedUp, StatusOnTheWay, StatusDelivered}
	for i, st := range chain {
		ev, err := r.Transition("o1", st, "actor", "", nil)
		if err != nil {
			t.Fatalf("step %d (%s): %v", i, st, err)
		}
		if ev.Seq != int64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, ev.Seq)
		}
		// invariant: recorded status equals the last timeline entry
		snap, _ := r.Snapshot("o1")
		if snap.Status != snap.Timeline[len(snap.Timeline)-1].Status {
			t.Fatalf("status %s != last timeline entry %s", snap.Status, snap.Timeline[len(snap.Timeline)-1].Status)
		}
	}
}

func TestSkippingStepsRejected(t *testing.T) {
	r := NewRegistry()
	r.Create("o1")
	if _, err := r.Transition("o1", StatusReady, "a", "", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancelFromOnTheWayRejected(t *testing.T) {
	r := NewRegistry()
	r.Create("o1")
	for _, st := range []Status{StatusConfirmed, StatusPreparing, StatusReady, StatusPickedUp, StatusOnTheWay} {
		if _, err := r.Transition("o1", st, "a", "", nil); err != nil {
			t.Fatal(err)
		}
	}
	before, _ := r.Snapshot("o1")
	_, err := r.Transition("o1", StatusCancelled, "a", "", nil)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	after, _ := r.Snapshot("o1")
	if after.Seq != before.Seq || after.Status != before.Status || len(after.Timeline) != len(before.Timeline) {
		t.Fatal("rejected transition must not alter order state")
	}
}

func TestCancelFromEarlierStates(t *testing.T) {
	for _, prep := range [][]Status{
		nil,
		{StatusConfirmed},
		{StatusConfirmed, StatusPreparing},
		{StatusConfirmed, StatusPreparing, StatusReady},
		{StatusConfirmed, StatusPreparing, StatusReady, StatusPickedUp},
	} {
		r := NewRegistry()
		r.Create("o1")
		for _, st := range prep {
			if _, err := r.Transition("o1", st, "a", "", nil); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := r.Transition("o1", StatusCancelled, "a", "customer cancelled", nil); err != nil {
			t.Fatalf("cancel after %v: %v", prep, err)
		}
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	r := NewRegistry()
	r.Create("o1")
	r.Transition("o1", StatusCancelled, "a", "", nil)
	if _, err := r.Transition("o1", StatusConfirmed, "a", "", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected rejection out of terminal state, got %v", err)
	}
}

func TestUnknownOrder(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Transition("nope", StatusConfirmed, "a", "", nil); !errors.Is(err, ErrUnknownOrder) {
		t.Fatalf("expected ErrUnknownOrder, got %v", err)
	}
}

func TestCreateTwice(t *testing.T) {
	r := NewRegistry()
	r.Create("o1")
	if _, err := r.Create("o1"); !errors.Is(err, ErrOrderExists) {
		t.Fatalf("expected ErrOrderExists, got %v", err)
	}
}

// Concurrent publishers racing on the same order must observe one
// serialized application order: emitted sequence numbers are strictly
// increasing with no gaps, one per accepted transition.
func TestConcurrentTransitionsKeepSequenceGapless(t *testing.T) {
	r := NewRegistry()
	r.Create("o1")

	var mu sync.Mutex
	var seqs []int64

	chain := []Status{StatusConfirmed, StatusPreparing, StatusReady, StatusPickedUp, StatusOnTheWay, StatusDelivered}
	var wg sync.WaitGroup
	// every goroutine hammers the full chain; only one application per
	// step can win
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, st := range chain {
				r.Transition("o1", st, "a", "", func(ev StatusEvent) {
					mu.Lock()
					seqs = append(seqs, ev.Seq)
					mu.Unlock()
				})
			}
		}()
	}
	wg.Wait()

	if len(seqs) != len(chain) {
		t.Fatalf("expected %d accepted transitions, got %d", len(chain), len(seqs))
	}
	for i, s := range seqs {
		if s != int64(i+1) {
			t.Fatalf("sequence gap: got %v", seqs)
		}
	}
	snap, _ := r.Snapshot("o1")
	if snap.Status != StatusDelivered || snap.Seq != int64(len(chain)) {
		t.Fatalf("unexpected final state %s seq=%d", snap.Status, snap.Seq)
	}
}

func TestEvictOnlyTerminal(t *testing.T) {
	r := NewRegistry()
	r.Create("live")
	r.Evict("live")
	if _, err := r.Snapshot("live"); err != nil {
		t.Fatal("live order must survive eviction attempts")
	}
	r.Transition("live", StatusCancelled, "a", "", nil)
	r.Evict("live")
	if _, err := r.Snapshot("live"); !errors.Is(err, ErrUnknownOrder) {
		t.Fatal("terminal order should be evicted")
	}
}
