package clockpro

import "testing"

func TestTouchInsertsAndContains(t *testing.T) {
	c := New[int, string](4)
	c.Touch(1, "a")
	if !c.Contains(1) {
		t.Fatal("expected key 1 to be tracked after Touch")
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
}

func TestTouchUpdatesValueWithoutGrowing(t *testing.T) {
	c := New[int, string](4)
	c.Touch(1, "a")
	c.Touch(1, "b")
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (re-touch should not add a node)", c.Len())
	}
}

func TestForgetRemoves(t *testing.T) {
	c := New[int, string](4)
	c.Touch(1, "a")
	c.Forget(1)
	if c.Contains(1) {
		t.Fatal("expected key 1 to be gone after Forget")
	}
	if c.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", c.Len())
	}
}

func TestForgetUnknownKeyIsNoop(t *testing.T) {
	c := New[int, string](4)
	c.Forget(42) // must not panic
	if c.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", c.Len())
	}
}

func TestEvictionRespectsCapacity(t *testing.T) {
	c := New[int, string](2)
	var evicted []int
	c.EjectFn = func(k int, _ string, reason EvictionReason) {
		if reason != ReasonCapacity {
			t.Fatalf("unexpected eviction reason %v", reason)
		}
		evicted = append(evicted, k)
	}

	for i := 0; i < 20; i++ {
		c.Touch(i, "v")
	}

	if c.Len() > 2 {
		t.Fatalf("Len() = %d, want at most capacity (2)", c.Len())
	}
	if len(evicted) == 0 {
		t.Fatal("expected at least one eviction once capacity was exceeded")
	}
}

func TestRepeatedTouchKeepsHotNodeAlive(t *testing.T) {
	c := New[int, string](2)
	c.Touch(1, "a")
	for i := 0; i < 50; i++ {
		c.Touch(1, "a") // keep re-referencing key 1
		c.Touch(100+i, "filler")
	}
	if !c.Contains(1) {
		t.Fatal("a repeatedly re-touched node should survive eviction pressure")
	}
}
