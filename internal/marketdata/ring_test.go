package marketdata

import "testing"

func TestRingEviction(t *testing.T) {
	r := newRing(3)
	r.push(1)
	r.push(2)
	r.push(3)
	r.push(4)
	got := r.values()
	want := []float64{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("expected %d values, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("values[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRingLastEmpty(t *testing.T) {
	r := newRing(2)
	if _, ok := r.last(); ok {
		t.Fatal("expected last() to report false on empty ring")
	}
	r.push(5)
	v, ok := r.last()
	if !ok || v != 5 {
		t.Fatalf("expected last()=5,true got %v,%v", v, ok)
	}
}
