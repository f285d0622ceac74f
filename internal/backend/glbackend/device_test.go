package glbackend

import (
	"bytes"
	"errors"
	"os"
	"runtime"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/Faultbox/accelpipe/internal/backend"
	"github.com/Faultbox/accelpipe/pkg/math"
)

func openDevice(t *testing.T) *Device {
	t.Helper()
	if runtime.GOOS == "linux" && os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == "" {
		t.Skip("no display available for a GL context")
	}
	d, err := New(Options{Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Skipf("GL 4.1 context unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := d.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return d
}

func TestBufferRoundTrip(t *testing.T) {
	d := openDevice(t)
	gpu, err := d.CreateBuffer("gpu", 16, backend.UsageStorage|backend.UsageCopySrc|backend.UsageCopyDst)
	if err != nil {
		t.Fatal(err)
	}
	host, err := d.CreateBuffer("host", 16, backend.UsageHostVisible|backend.UsageCopySrc)
	if err != nil {
		t.Fatal(err)
	}

	out := make([]byte, 16)
	if err := d.ReadBuffer(gpu, 0, out); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, make([]byte, 16)) {
		t.Errorf("new buffer not zero filled: %v", out)
	}

	mapped, err := d.Map(host)
	if err != nil {
		t.Fatal(err)
	}
	copy(mapped, []byte("0123456789abcdef"))
	if err := d.CopyBuffer(host, 4, gpu, 0, 8); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteBuffer(gpu, 8, []byte("XY")); err != nil {
		t.Fatal(err)
	}
	if err := d.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := d.ReadBuffer(gpu, 0, out[:10]); err != nil {
		t.Fatal(err)
	}
	if got := string(out[:10]); got != "456789abXY" {
		t.Errorf("expected 456789abXY, got %q", got)
	}

	if _, err := d.Map(gpu); !errors.Is(err, backend.ErrNotHostVisible) {
		t.Errorf("expected ErrNotHostVisible, got %v", err)
	}
	if err := d.WriteBuffer(gpu, 12, make([]byte, 8)); !errors.Is(err, backend.ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
}

func TestCopyWithinBuffer(t *testing.T) {
	d := openDevice(t)
	b, err := d.CreateBuffer("b", 8, backend.UsageStorage)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.WriteBuffer(b, 0, []byte("abcd")); err != nil {
		t.Fatal(err)
	}
	if err := d.CopyBuffer(b, 0, b, 2, 4); err != nil {
		t.Fatal(err)
	}
	out := make([]byte, 6)
	if err := d.ReadBuffer(b, 0, out); err != nil {
		t.Fatal(err)
	}
	if string(out) != "ababcd" {
		t.Errorf("expected ababcd, got %q", out)
	}
}

func TestAccelStructs(t *testing.T) {
	d := openDevice(t)
	boxes := []math.AABB{
		{Min: math.Vec3{}, Max: math.Vec3{X: 1, Y: 1, Z: 1}},
		{Min: math.Vec3{X: 2}, Max: math.Vec3{X: 3, Y: 1, Z: 1}},
	}
	aabbs, err := d.CreateBuffer("aabbs", uint64(len(boxes))*backend.AABBSize, backend.UsageStorage)
	if err != nil {
		t.Fatal(err)
	}
	raw := make([]byte, len(boxes)*backend.AABBSize)
	for i, b := range boxes {
		backend.PutAABB(raw[i*backend.AABBSize:], b)
	}
	if err := d.WriteBuffer(aabbs, 0, raw); err != nil {
		t.Fatal(err)
	}

	pool, err := d.CreateBuffer("pool", 4096, backend.UsageAccelStorage)
	if err != nil {
		t.Fatal(err)
	}
	blas, err := d.CreateBLAS(pool, 256, d.BLASSize(2))
	if err != nil {
		t.Fatal(err)
	}
	if err := d.BuildBLAS(blas, aabbs, 0, 2, backend.BuildModeBuild); err != nil {
		t.Fatal(err)
	}
	if n, ok := d.BLASPrimitives(blas); !ok || n != 2 {
		t.Errorf("blas built over %d primitives, want 2", n)
	}
	if err := d.BuildBLAS(blas, aabbs, 0, 2, backend.BuildModeUpdate); err != nil {
		t.Errorf("refit: %v", err)
	}
	fresh, err := d.CreateBLAS(pool, 2048, d.BLASSize(2))
	if err != nil {
		t.Fatal(err)
	}
	if err := d.RefitBLAS(fresh, blas, aabbs, 0, 2); err != nil {
		t.Errorf("refit into fresh blas: %v", err)
	}
	if n, ok := d.BLASPrimitives(fresh); !ok || n != 2 {
		t.Errorf("refitted blas covers %d primitives, want 2", n)
	}

	tlas, err := d.CreateTLAS(1)
	if err != nil {
		t.Fatal(err)
	}
	inst := []backend.TLASInstance{{BLAS: blas, Transform: math.Identity(), InstanceID: 7}}
	if err := d.BuildTLAS(tlas, inst); err != nil {
		t.Fatal(err)
	}
	if got := d.TLASInstances(tlas); len(got) != 1 || got[0].InstanceID != 7 {
		t.Errorf("unexpected tlas instances %+v", got)
	}
	if err := d.BuildTLAS(tlas, append(inst, inst[0])); !errors.Is(err, backend.ErrTooManyInputs) {
		t.Errorf("expected ErrTooManyInputs, got %v", err)
	}

	d.DestroyAccelStruct(blas)
	if err := d.BuildTLAS(tlas, inst); !errors.Is(err, backend.ErrUnknownAccel) {
		t.Errorf("expected ErrUnknownAccel for a destroyed blas, got %v", err)
	}
}

func TestClosed(t *testing.T) {
	d := openDevice(t)
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := d.CreateBuffer("late", 4, backend.UsageStorage); !errors.Is(err, backend.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := d.Flush(); !errors.Is(err, backend.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
