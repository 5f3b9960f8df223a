package capture

import (
	"image/color"
	"testing"
	"time"

	"github.com/arguscam/argus/internal/frame"
)

func makeFrame(seq uint64) *frame.Frame {
	return &frame.Frame{
		Image:     frame.Uniform(2, 2, color.Gray{Y: uint8(seq)}),
		Timestamp: time.Unix(int64(seq), 0),
		Sequence:  seq,
	}
}

func TestRingNeverExceedsCapacity(t *testing.T) {
	r := NewRing(5)

	for seq := uint64(1); seq <= 17; seq++ {
		r.Push(makeFrame(seq))
		if r.Len() > r.Cap() {
			t.Fatalf("after %d pushes: len %d exceeds capacity %d", seq, r.Len(), r.Cap())
		}
	}
	if r.Len() != 5 {
		t.Fatalf("expected full buffer of 5, got %d", r.Len())
	}
}

func TestRingKeepsMostRecentInOrder(t *testing.T) {
	r := NewRing(4)

	// capacity+1 pushes must retain exactly the most recent capacity frames
	for seq := uint64(1); seq <= 5; seq++ {
		r.Push(makeFrame(seq))
	}

	got := r.Snapshot()
	if len(got) != 4 {
		t.Fatalf("expected 4 retained frames, got %d", len(got))
	}
	for i, f := range got {
		want := uint64(i + 2) // oldest (1) evicted
		if f.Sequence != want {
			t.Errorf("frame %d: sequence = %d, want %d", i, f.Sequence, want)
		}
	}
}

func TestRingLatest(t *testing.T) {
	r := NewRing(3)

	if _, ok := r.Latest(); ok {
		t.Fatal("empty buffer should have no latest frame")
	}

	for seq := uint64(1); seq <= 7; seq++ {
		r.Push(makeFrame(seq))
		latest, ok := r.Latest()
		if !ok {
			t.Fatalf("push %d: no latest frame", seq)
		}
		if latest.Sequence != seq {
			t.Fatalf("push %d: latest sequence = %d", seq, latest.Sequence)
		}
	}
}

func TestRingRecent(t *testing.T) {
	r := NewRing(5)
	for seq := uint64(1); seq <= 5; seq++ {
		r.Push(makeFrame(seq))
	}

	cases := []struct {
		name string
		n    int
		want []uint64
	}{
		{"last two", 2, []uint64{4, 5}},
		{"all via zero", 0, []uint64{1, 2, 3, 4, 5}},
		{"more than retained", 10, []uint64{1, 2, 3, 4, 5}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := r.Recent(tc.n)
			if len(got) != len(tc.want) {
				t.Fatalf("Recent(%d) returned %d frames, want %d", tc.n, len(got), len(tc.want))
			}
			for i, f := range got {
				if f.Sequence != tc.want[i] {
					t.Errorf("frame %d: sequence = %d, want %d", i, f.Sequence, tc.want[i])
				}
			}
		})
	}
}

func TestRingClear(t *testing.T) {
	r := NewRing(3)
	for seq := uint64(1); seq <= 3; seq++ {
		r.Push(makeFrame(seq))
	}

	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("expected empty buffer after clear, got %d", r.Len())
	}
	if _, ok := r.Latest(); ok {
		t.Fatal("cleared buffer should have no latest frame")
	}
}
