package undo

import "testing"

func TestPushPopLIFO(t *testing.T) {
	l := New[int](3)
	l.Push(1)
	l.Push(2)
	l.Push(3)
	for _, want := range []int{3, 2, 1} {
		got, ok := l.Pop()
		if !ok || got != want {
			t.Fatalf("Pop() = %d, %v; want %d, true", got, ok, want)
		}
	}
	if _, ok := l.Pop(); ok {
		t.Error("expected empty log")
	}
}

func TestPushDropsOldest(t *testing.T) {
	l := New[string](2)
	l.Push("a")
	l.Push("b")
	l.Push("c")
	if l.Len() != 2 {
		t.Fatalf("expected Len 2, got %d", l.Len())
	}
	if top, _ := l.Peek(); top != "c" {
		t.Errorf("expected top c, got %s", top)
	}
	l.Pop()
	if last, _ := l.Pop(); last != "b" {
		t.Errorf("expected oldest surviving entry b, got %s", last)
	}
}

func TestDepthAtLeastOne(t *testing.T) {
	l := New[int](0)
	if l.Depth() != 1 {
		t.Errorf("expected depth 1, got %d", l.Depth())
	}
	l.Push(1)
	l.Push(2)
	if got, _ := l.Pop(); got != 2 || l.Len() != 0 {
		t.Errorf("single-depth log should keep only newest entry, got %d len %d", got, l.Len())
	}
}

func TestClear(t *testing.T) {
	l := New[int](4)
	l.Push(1)
	l.Push(2)
	l.Clear()
	if l.Len() != 0 {
		t.Errorf("expected empty log after Clear, got %d", l.Len())
	}
}
