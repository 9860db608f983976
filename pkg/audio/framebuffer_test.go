package audio_test

import (
	"testing"

	"github.com/MrWong99/medscribe/pkg/audio"
)

func ramp(from, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(from+i) / 10000
	}
	return out
}

func TestFrameBuffer_WindowsInFIFOOrder(t *testing.T) {
	b := audio.NewFrameBuffer(4, 4)

	// Arbitrary block sizes: 3 + 3 + 3 = 9 samples, two full windows.
	b.Push(ramp(0, 3))
	if _, ok := b.Next(); ok {
		t.Fatal("Next returned a window with only 3 samples buffered")
	}
	b.Push(ramp(3, 3))
	b.Push(ramp(6, 3))

	for w := range 2 {
		got, ok := b.Next()
		if !ok {
			t.Fatalf("window %d: Next returned false", w)
		}
		if len(got) != 4 {
			t.Fatalf("window %d: len = %d, want 4", w, len(got))
		}
		for i, v := range got {
			if want := float32(w*4+i) / 10000; v != want {
				t.Errorf("window %d sample %d: got %f, want %f", w, i, v, want)
			}
		}
	}
	if _, ok := b.Next(); ok {
		t.Error("third window should not be available")
	}
	if b.Len() != 1 {
		t.Errorf("Len = %d, want 1", b.Len())
	}
}

func TestFrameBuffer_OverflowDropsOldest(t *testing.T) {
	b := audio.NewFrameBuffer(4, 2) // capacity 8 samples

	b.Push(ramp(0, 6))
	dropped := b.Push(ramp(6, 4))
	if dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}
	got, ok := b.Next()
	if !ok {
		t.Fatal("Next returned false")
	}
	if got[0] != float32(2)/10000 {
		t.Errorf("first sample after overflow = %f, want oldest surviving sample 0.0002", got[0])
	}
	if b.Dropped() != 2 {
		t.Errorf("Dropped = %d, want 2", b.Dropped())
	}
}

func TestFrameBuffer_BlockLargerThanCapacity(t *testing.T) {
	b := audio.NewFrameBuffer(4, 2)
	dropped := b.Push(ramp(0, 20))
	if dropped != 12 {
		t.Errorf("dropped = %d, want 12", dropped)
	}
	if b.Len() != 8 {
		t.Errorf("Len = %d, want 8", b.Len())
	}
	got, _ := b.Next()
	if got[0] != float32(12)/10000 {
		t.Errorf("first sample = %f, want 0.0012", got[0])
	}
}

func TestFrameBuffer_EmptyPushIsNoop(t *testing.T) {
	b := audio.NewFrameBuffer(4, 2)
	if n := b.Push(nil); n != 0 {
		t.Errorf("Push(nil) dropped %d", n)
	}
	if b.Len() != 0 {
		t.Errorf("Len = %d, want 0", b.Len())
	}
}

func TestFrameBuffer_Reset(t *testing.T) {
	b := audio.NewFrameBuffer(4, 2)
	b.Push(ramp(0, 20))
	b.Reset()
	if b.Len() != 0 || b.Dropped() != 0 {
		t.Errorf("after Reset: Len = %d, Dropped = %d", b.Len(), b.Dropped())
	}
	b.Push(ramp(100, 4))
	got, ok := b.Next()
	if !ok || got[0] != float32(100)/10000 {
		t.Errorf("after Reset: Next = %v, %v", got, ok)
	}
}
