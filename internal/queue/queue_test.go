package queue

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

func TestPushPopOrdering(t *testing.T) {
	q := New()
	q.Push(Item{JobID: "low", Score: 2000})
	q.Push(Item{JobID: "high", Score: 0})
	q.Push(Item{JobID: "normal", Score: 1000})

	want := []types.JobID{"high", "normal", "low"}
	for _, id := range want {
		it, ok := q.Pop()
		if !ok {
			t.Fatalf("queue empty, expected %s", id)
		}
		if it.JobID != id {
			t.Errorf("pop order: got %s, want %s", it.JobID, id)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Errorf("expected empty queue")
	}
}

func TestTieBreakByEnqueueOrder(t *testing.T) {
	q := New()
	for i := 0; i < 5; i++ {
		q.Push(Item{JobID: types.JobID(fmt.Sprintf("j%d", i)), Score: 500})
	}
	for i := 0; i < 5; i++ {
		it, _ := q.Pop()
		want := types.JobID(fmt.Sprintf("j%d", i))
		if it.JobID != want {
			t.Errorf("tie-break: got %s, want %s", it.JobID, want)
		}
	}
}

func TestDuplicatePushRejected(t *testing.T) {
	q := New()
	if !q.Push(Item{JobID: "a", Score: 1}) {
		t.Fatalf("first push rejected")
	}
	if q.Push(Item{JobID: "a", Score: 2}) {
		t.Errorf("duplicate push accepted")
	}
	if q.Len() != 1 {
		t.Errorf("len: got %d, want 1", q.Len())
	}
}

func TestRemove(t *testing.T) {
	q := New()
	q.Push(Item{JobID: "a", Score: 1})
	q.Push(Item{JobID: "b", Score: 2})

	if !q.Remove("a") {
		t.Fatalf("remove failed")
	}
	if q.Remove("a") {
		t.Errorf("double remove succeeded")
	}
	it, _ := q.Pop()
	if it.JobID != "b" {
		t.Errorf("got %s, want b", it.JobID)
	}
}

func TestReprioritize(t *testing.T) {
	q := New()
	q.Push(Item{JobID: "a", Score: 100})
	q.Push(Item{JobID: "b", Score: 200})

	if !q.Reprioritize("b", 50, 0) {
		t.Fatalf("reprioritize failed")
	}
	it, _ := q.Pop()
	if it.JobID != "b" {
		t.Errorf("got %s, want b after reprioritize", it.JobID)
	}
}

// TestDeterministicPop feeds the same random push history into two
// queues and requires identical pop sequences.
func TestDeterministicPop(t *testing.T) {
	build := func() *Queue {
		rng := rand.New(rand.NewSource(42))
		q := New()
		for i := 0; i < 500; i++ {
			q.Push(Item{
				JobID: types.JobID(fmt.Sprintf("j%d", i)),
				Score: int64(rng.Intn(50)), // heavy collisions
			})
		}
		return q
	}

	a, b := build(), build()
	for i := 0; i < 500; i++ {
		ia, oka := a.Pop()
		ib, okb := b.Pop()
		if !oka || !okb {
			t.Fatalf("queues drained early at %d", i)
		}
		if ia.JobID != ib.JobID {
			t.Fatalf("pop %d diverged: %s vs %s", i, ia.JobID, ib.JobID)
		}
	}
}

func TestSnapshotDoesNotDisturbQueue(t *testing.T) {
	q := New()
	for i := 0; i < 10; i++ {
		q.Push(Item{JobID: types.JobID(fmt.Sprintf("j%d", i)), Score: int64(10 - i)})
	}

	snap := q.Snapshot(3)
	if len(snap) != 3 {
		t.Fatalf("snapshot len: got %d, want 3", len(snap))
	}
	if snap[0].JobID != "j9" {
		t.Errorf("snapshot head: got %s, want j9", snap[0].JobID)
	}
	if q.Len() != 10 {
		t.Errorf("snapshot mutated the queue: len %d", q.Len())
	}

	// the snapshot must match subsequent pop order
	for i, it := range snap {
		popped, _ := q.Pop()
		if popped.JobID != it.JobID {
			t.Errorf("pop %d: got %s, snapshot said %s", i, popped.JobID, it.JobID)
		}
	}
}
