package capture

import (
	"sync"
	"testing"
)

func TestRing_WrapAround(t *testing.T) {
	r := NewRing[float32](8)

	if n := r.Write([]float32{1, 2, 3, 4, 5, 6}); n != 6 {
		t.Fatalf("Expected 6 written, got %d", n)
	}
	r.Advance(4)

	if n := r.Write([]float32{7, 8, 9, 10, 11, 12, 13}); n != 6 {
		t.Errorf("Expected write to stop at capacity (6), got %d", n)
	}
	if r.ReadSpace() != 8 || r.WriteSpace() != 0 {
		t.Errorf("Expected full ring, got read %d write %d", r.ReadSpace(), r.WriteSpace())
	}

	dst := make([]float32, 8)
	if n := r.Peek(dst); n != 8 {
		t.Fatalf("Expected to peek 8, got %d", n)
	}
	want := []float32{5, 6, 7, 8, 9, 10, 11, 12}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("Index %d: expected %v, got %v", i, want[i], dst[i])
		}
	}

	if r.Written() != 12 || r.Read() != 4 {
		t.Errorf("Expected watermarks 12/4, got %d/%d", r.Written(), r.Read())
	}
}

func TestRing_ReserveCommit(t *testing.T) {
	r := NewRing[marker](2)

	for i := 0; i < 2; i++ {
		slot, ok := r.Reserve()
		if !ok {
			t.Fatalf("Expected slot %d", i)
		}
		slot.captureStart = Sample(i * 100)
		r.Commit()
	}
	if _, ok := r.Reserve(); ok {
		t.Error("Expected a full ring to refuse a reservation")
	}

	m, ok := r.Front()
	if !ok || m.captureStart != 0 {
		t.Fatalf("Expected first marker, got %+v %v", m, ok)
	}
	r.Advance(1)
	m, _ = r.Front()
	if m.captureStart != 100 {
		t.Errorf("Expected second marker, got %+v", m)
	}
}

func TestRing_ConcurrentProducerConsumer(t *testing.T) {
	r := NewRing[int](64)
	const total = 100000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; {
			if r.Push(i) {
				i++
			}
		}
	}()

	next := 0
	buf := make([]int, 16)
	for next < total {
		n := r.Peek(buf)
		for _, v := range buf[:n] {
			if v != next {
				t.Fatalf("Expected %d, got %d", next, v)
			}
			next++
		}
		r.Advance(n)
	}
	wg.Wait()
}
