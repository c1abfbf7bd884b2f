package history

import "testing"

func TestObserveReturnsPriorCount(t *testing.T) {
	s, err := NewStore(10, 100)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for i := 0; i < 25; i++ {
		prev := s.Observe("u1", int64(i))
		want := i
		if want > 10 {
			want = 10
		}
		if prev != want {
			t.Fatalf("observe %d: prev=%d want=%d", i, prev, want)
		}
		if prev < 0 || prev > 10 {
			t.Fatalf("prev count %d out of [0,10]", prev)
		}
	}
	if got := s.Len("u1"); got != 10 {
		t.Fatalf("len after overflow: %d", got)
	}
}

func TestColdEntityEviction(t *testing.T) {
	s, err := NewStore(10, 3)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	s.Observe("a", 1)
	s.Observe("b", 1)
	s.Observe("c", 1)
	s.Observe("d", 1)
	if got := s.Entities(); got != 3 {
		t.Fatalf("entities=%d want=3", got)
	}
	// oldest key evicted, its history restarts empty
	if prev := s.Observe("a", 2); prev != 0 {
		t.Fatalf("evicted key should restart: prev=%d", prev)
	}
}

func TestIndependentKeys(t *testing.T) {
	s, err := NewStore(10, 100)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	s.Observe("u1", 1)
	s.Observe("u1", 2)
	if prev := s.Observe("u2", 1); prev != 0 {
		t.Fatalf("u2 should be empty, prev=%d", prev)
	}
}
