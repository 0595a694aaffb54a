package chat

import (
	"testing"
)

func TestTail_PushAndItems(t *testing.T) {
	tl := newTail[int](5)

	tl.Push(1)
	tl.Push(2)
	tl.Push(3)

	got := tl.Items()
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	for i, want := range []int{1, 2, 3} {
		if got[i] != want {
			t.Errorf("item %d = %d, want %d", i, got[i], want)
		}
	}
}

func TestTail_Wraparound(t *testing.T) {
	tl := newTail[string](5)

	// Push 7 items; the ring holds only 5.
	for _, s := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		tl.Push(s)
	}

	got := tl.Items()
	if tl.Len() != 5 || len(got) != 5 {
		t.Fatalf("expected 5 items, got %d", len(got))
	}

	// Should contain c through g in order.
	for i, want := range []string{"c", "d", "e", "f", "g"} {
		if got[i] != want {
			t.Errorf("item %d = %q, want %q", i, got[i], want)
		}
	}
}

func TestTail_Empty(t *testing.T) {
	tl := newTail[int](3)
	if got := tl.Items(); len(got) != 0 {
		t.Fatalf("expected empty, got %v", got)
	}
}

func TestTail_MinimumSize(t *testing.T) {
	tl := newTail[int](0)
	tl.Push(1)
	tl.Push(2)

	got := tl.Items()
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected [2], got %v", got)
	}
}
