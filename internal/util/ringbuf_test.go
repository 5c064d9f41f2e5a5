package util

import "testing"

func TestRingBufferOverwritesOldest(t *testing.T) {
	t.Parallel()
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	got := r.Snapshot()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("snapshot = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot = %v, want %v", got, want)
		}
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d, want 3", r.Len())
	}
}

func TestRingBufferContainsWindow(t *testing.T) {
	t.Parallel()
	r := NewRingBuffer[string](2)
	r.Push("a")
	r.Push("b")
	if !r.Contains("a") || !r.Contains("b") {
		t.Fatal("recent items missing")
	}
	r.Push("c") // evicts "a"
	if r.Contains("a") {
		t.Fatal("evicted item still reported")
	}
	if !r.Contains("c") {
		t.Fatal("newest item missing")
	}
}

func TestValidateUserID(t *testing.T) {
	t.Parallel()
	if got, err := ValidateUserID("  alice "); err != nil || got != "alice" {
		t.Fatalf("got %q, %v", got, err)
	}
	for _, bad := range []string{"", "  ", "a b", "a/b", `a\b`, "a..b"} {
		if _, err := ValidateUserID(bad); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
}
