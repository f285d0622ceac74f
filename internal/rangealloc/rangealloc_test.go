package rangealloc

import (
	"errors"
	"math/rand"
	"slices"
	"testing"
)

// countingStrategy hands out sequential handles and records live ones.
type countingStrategy struct {
	next int
	live map[int]uint64
	fail bool
}

func newCounting() *countingStrategy {
	return &countingStrategy{live: make(map[int]uint64)}
}

func (s *countingStrategy) Create(offset, size uint64) (int, error) {
	if s.fail {
		return 0, errors.New("create failed")
	}
	s.next++
	s.live[s.next] = offset
	return s.next, nil
}

func (s *countingStrategy) Destroy(h int) {
	delete(s.live, h)
}

func TestAllocateFirstFitAndSplit(t *testing.T) {
	a := New[uint64](100, 1, Offsets{})

	_, off, err := a.Allocate(30)
	if err != nil || off != 0 {
		t.Fatalf("Allocate(30) = %d, %v; want 0, nil", off, err)
	}
	_, off, err = a.Allocate(20)
	if err != nil || off != 30 {
		t.Fatalf("Allocate(20) = %d, %v; want 30, nil", off, err)
	}

	ranges := a.Ranges()
	want := []Range{{0, 30, true}, {30, 20, true}, {50, 50, false}}
	if len(ranges) != len(want) {
		t.Fatalf("expected %d ranges, got %v", len(want), ranges)
	}
	for i := range want {
		if ranges[i] != want[i] {
			t.Errorf("range %d: got %+v, want %+v", i, ranges[i], want[i])
		}
	}
}

func TestAlignmentRoundsNodeSize(t *testing.T) {
	a := New[uint64](1024, 256, Offsets{})
	_, off, _ := a.Allocate(1)
	_, off2, _ := a.Allocate(300)
	if off != 0 || off2 != 256 {
		t.Errorf("expected offsets 0 and 256, got %d and %d", off, off2)
	}
	if a.Used() != 256+512 {
		t.Errorf("expected 768 used, got %d", a.Used())
	}
}

func TestDeallocateCoalescesBothSides(t *testing.T) {
	a := New[uint64](90, 1, Offsets{})
	h1, _, _ := a.Allocate(30)
	h2, _, _ := a.Allocate(30)
	h3, _, _ := a.Allocate(30)

	if err := a.Deallocate(h1); err != nil {
		t.Fatal(err)
	}
	if err := a.Deallocate(h3); err != nil {
		t.Fatal(err)
	}
	if got := len(a.Ranges()); got != 3 {
		t.Fatalf("expected 3 ranges before middle free, got %d", got)
	}
	if err := a.Deallocate(h2); err != nil {
		t.Fatal(err)
	}
	ranges := a.Ranges()
	if len(ranges) != 1 || ranges[0] != (Range{0, 90, false}) {
		t.Errorf("expected single empty range, got %v", ranges)
	}
}

func TestOutOfSpace(t *testing.T) {
	a := New[uint64](10, 1, Offsets{})
	if _, _, err := a.Allocate(11); !errors.Is(err, ErrOutOfSpace) {
		t.Errorf("expected ErrOutOfSpace, got %v", err)
	}
	if a.Live() != 0 {
		t.Error("failed allocation must not leave a live node")
	}
}

func TestUnknownHandle(t *testing.T) {
	a := New[int](10, 1, newCounting())
	if err := a.Deallocate(42); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("expected ErrUnknownHandle, got %v", err)
	}
}

func TestStrategyLifecycle(t *testing.T) {
	s := newCounting()
	a := New[int](64, 8, s)
	h, off, err := a.Allocate(10)
	if err != nil {
		t.Fatal(err)
	}
	if s.live[h] != off {
		t.Errorf("strategy saw offset %d, allocator returned %d", s.live[h], off)
	}
	if err := a.Deallocate(h); err != nil {
		t.Fatal(err)
	}
	if len(s.live) != 0 {
		t.Errorf("expected strategy to release handle, %d live", len(s.live))
	}

	s.fail = true
	if _, _, err := a.Allocate(8); err == nil {
		t.Error("expected strategy error to surface")
	}
	if a.Used() != 0 {
		t.Errorf("failed create must not consume space, used %d", a.Used())
	}
}

func TestAllocateAt(t *testing.T) {
	a := New[uint64](100, 1, Offsets{})
	h, _, _ := a.Allocate(40)
	if err := a.Deallocate(h); err != nil {
		t.Fatal(err)
	}

	if _, err := a.AllocateAt(20, 10); err != nil {
		t.Fatalf("AllocateAt(20, 10): %v", err)
	}
	want := []Range{{0, 20, false}, {20, 10, true}, {30, 70, false}}
	got := a.Ranges()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range %d: got %+v, want %+v", i, got[i], want[i])
		}
	}

	if _, err := a.AllocateAt(25, 10); !errors.Is(err, ErrOutOfSpace) {
		t.Errorf("expected ErrOutOfSpace for overlapping AllocateAt, got %v", err)
	}

	b := New[uint64](64, 16, Offsets{})
	if _, err := b.AllocateAt(8, 16); !errors.Is(err, ErrMisaligned) {
		t.Errorf("expected ErrMisaligned, got %v", err)
	}
}

func TestFailedAllocateAtKeepsFreeSpaceCoalesced(t *testing.T) {
	s := newCounting()
	a := New[int](64, 8, s)
	h, _, err := a.Allocate(16)
	if err != nil {
		t.Fatal(err)
	}

	s.fail = true
	if _, err := a.AllocateAt(32, 8); err == nil {
		t.Fatal("expected strategy error to surface")
	}
	want := []Range{{0, 16, true}, {16, 48, false}}
	if got := a.Ranges(); !slices.Equal(got, want) {
		t.Errorf("ranges after failed AllocateAt: got %v, want %v", got, want)
	}
	if a.Used() != 16 || a.Largest() != 48 {
		t.Errorf("used %d largest %d, want 16 and 48", a.Used(), a.Largest())
	}

	s.fail = false
	if err := a.Deallocate(h); err != nil {
		t.Fatal(err)
	}
	if got := a.Ranges(); !slices.Equal(got, []Range{{0, 64, false}}) {
		t.Errorf("expected one free range, got %v", got)
	}
}

func TestRandomCyclesNeverOverlapOrLeak(t *testing.T) {
	const size = 4096
	a := New[uint64](size, 16, Offsets{})
	rng := rand.New(rand.NewSource(7))

	type live struct{ off, size uint64 }
	held := map[uint64]live{}

	for step := 0; step < 5000; step++ {
		if len(held) > 0 && rng.Intn(3) == 0 {
			for h := range held {
				if err := a.Deallocate(h); err != nil {
					t.Fatalf("step %d: %v", step, err)
				}
				delete(held, h)
				break
			}
			continue
		}
		req := uint64(rng.Intn(200) + 1)
		h, off, err := a.Allocate(req)
		if errors.Is(err, ErrOutOfSpace) {
			continue
		}
		if err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
		sz := a.RoundUp(req)
		for _, other := range held {
			if off < other.off+other.size && other.off < off+sz {
				t.Fatalf("step %d: [%d,%d) overlaps [%d,%d)", step, off, off+sz, other.off, other.off+other.size)
			}
		}
		held[h] = live{off, sz}
	}

	for h := range held {
		if err := a.Deallocate(h); err != nil {
			t.Fatal(err)
		}
	}
	if a.Used() != 0 || len(a.Ranges()) != 1 {
		t.Errorf("expected fully coalesced empty allocator, used %d ranges %v", a.Used(), a.Ranges())
	}
	if _, _, err := a.Allocate(size); err != nil {
		t.Errorf("expected whole region to be reusable: %v", err)
	}
}

func TestFreedSpaceIsReused(t *testing.T) {
	a := New[uint64](100, 1, Offsets{})
	h, off, _ := a.Allocate(50)
	_, _, _ = a.Allocate(50)
	if err := a.Deallocate(h); err != nil {
		t.Fatal(err)
	}
	_, got, err := a.Allocate(40)
	if err != nil || got != off {
		t.Errorf("expected reuse at %d, got %d (%v)", off, got, err)
	}
}

func TestRelease(t *testing.T) {
	s := newCounting()
	a := New[int](100, 1, s)
	for i := 0; i < 3; i++ {
		if _, _, err := a.Allocate(10); err != nil {
			t.Fatal(err)
		}
	}
	a.Release()
	if len(s.live) != 0 || a.Live() != 0 || a.Largest() != 100 {
		t.Errorf("Release left state behind: live=%d nodes=%v", len(s.live), a.Ranges())
	}
}
