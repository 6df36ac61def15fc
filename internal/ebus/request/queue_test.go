package request

import (
	"testing"
	"time"

	"github.com/nerrad567/ebusd-go/internal/ebuserr"
)

func TestPushPopFIFO(t *testing.T) {
	q := New()
	r1 := NewExternalRequest(blankMaster(t), false)
	r2 := NewExternalRequest(blankMaster(t), false)
	q.Push(r1)
	q.Push(r2)

	got, ok := q.Pop(time.Second)
	if !ok || got != r1 {
		t.Fatalf("expected r1 first, got %v ok=%v", got, ok)
	}
	got, ok = q.Pop(time.Second)
	if !ok || got != r2 {
		t.Fatalf("expected r2 second, got %v ok=%v", got, ok)
	}
}

func TestPopTimeout(t *testing.T) {
	q := New()
	_, ok := q.Pop(50 * time.Millisecond)
	if ok {
		t.Fatal("expected timeout on empty queue")
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := New()
	low := NewExternalRequest(blankMaster(t), false)
	low.Priority = 1
	high := NewExternalRequest(blankMaster(t), false)
	high.Priority = 0
	q.Push(low)
	q.Push(high)

	got, _ := q.Pop(time.Second)
	if got != high {
		t.Error("expected priority-0 request to pop first despite arriving second")
	}
}

func TestAwaitCompletion(t *testing.T) {
	q := New()
	r := NewExternalRequest(blankMaster(t), true)
	q.Push(r)

	popped, ok := q.Pop(time.Second)
	if !ok {
		t.Fatal("expected to pop request")
	}
	go popped.Complete(Result{})

	if _, err := r.AwaitTimeout(time.Second); err != nil {
		t.Fatalf("await: %v", err)
	}
}

func TestCloseFailsPendingPush(t *testing.T) {
	q := New()
	q.Close()
	r := NewExternalRequest(blankMaster(t), true)
	q.Push(r)

	res, err := r.AwaitTimeout(time.Second)
	if ebuserr.KindOf(res.Err) != ebuserr.KindShutdown {
		t.Fatalf("expected shutdown kind, got %v (await err=%v)", res.Err, err)
	}
}
