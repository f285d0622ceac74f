package soft

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Faultbox/accelpipe/internal/backend"
	"github.com/Faultbox/accelpipe/pkg/math"
)

func box(x float32) math.AABB {
	return math.AABB{Min: math.Vec3{X: x}, Max: math.Vec3{X: x + 1, Y: 1, Z: 1}}
}

func writeBoxes(t *testing.T, d *Device, boxes []math.AABB) backend.Buffer {
	t.Helper()
	buf, err := d.CreateBuffer("aabbs", uint64(len(boxes))*backend.AABBSize, backend.UsageStorage)
	if err != nil {
		t.Fatal(err)
	}
	data := make([]byte, len(boxes)*backend.AABBSize)
	for i, b := range boxes {
		backend.PutAABB(data[i*backend.AABBSize:], b)
	}
	if err := d.WriteBuffer(buf, 0, data); err != nil {
		t.Fatal(err)
	}
	return buf
}

func TestWriteReadCopy(t *testing.T) {
	d := New()
	a, _ := d.CreateBuffer("a", 16, backend.UsageStorage|backend.UsageCopySrc)
	b, _ := d.CreateBuffer("b", 16, backend.UsageStorage|backend.UsageCopyDst)

	if err := d.WriteBuffer(a, 4, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if err := d.CopyBuffer(a, 4, b, 8, 4); err != nil {
		t.Fatal(err)
	}
	out := make([]byte, 4)
	if err := d.ReadBuffer(b, 8, out); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, []byte{1, 2, 3, 4}) {
		t.Errorf("expected copied bytes, got %v", out)
	}

	if err := d.WriteBuffer(a, 14, []byte{1, 2, 3}); !errors.Is(err, backend.ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
	if err := d.CopyBuffer(a, 0, 999, 0, 1); !errors.Is(err, backend.ErrUnknownBuffer) {
		t.Errorf("expected ErrUnknownBuffer, got %v", err)
	}
}

func TestMapRequiresHostVisible(t *testing.T) {
	d := New()
	dev, _ := d.CreateBuffer("device", 8, backend.UsageStorage)
	if _, err := d.Map(dev); !errors.Is(err, backend.ErrNotHostVisible) {
		t.Errorf("expected ErrNotHostVisible, got %v", err)
	}
	host, _ := d.CreateBuffer("host", 8, backend.UsageHostVisible)
	mem, err := d.Map(host)
	if err != nil {
		t.Fatal(err)
	}
	mem[3] = 7
	out := make([]byte, 1)
	_ = d.ReadBuffer(host, 3, out)
	if out[0] != 7 {
		t.Error("mapped memory should alias buffer contents")
	}
}

func TestBLASBuildAndRefit(t *testing.T) {
	d := New()
	boxes := []math.AABB{box(0), box(2), box(4), box(6), box(8), box(10)}
	aabbs := writeBoxes(t, d, boxes)

	backing, _ := d.CreateBuffer("blas", 4096, backend.UsageAccelStorage)
	size := d.BLASSize(uint32(len(boxes)))
	as, err := d.CreateBLAS(backing, 256, size)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.BuildBLAS(as, aabbs, 1, 4, backend.BuildModeBuild); err != nil {
		t.Fatal(err)
	}
	tree, n, err := d.BLAS(as)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 || tree.Bounds().Min.X != 2 || tree.Bounds().Max.X != 9 {
		t.Errorf("unexpected blas over %d boxes with bounds %v", n, tree.Bounds())
	}

	if err := d.BuildBLAS(as, aabbs, 1, 4, backend.BuildModeUpdate); err != nil {
		t.Fatal(err)
	}
	if s := d.Stats(); s.BLASBuilds != 1 || s.BLASUpdates != 1 {
		t.Errorf("expected 1 build and 1 update, got %+v", s)
	}

	small, _ := d.CreateBLAS(backing, 0, 16)
	if err := d.BuildBLAS(small, aabbs, 0, 6, backend.BuildModeBuild); err == nil {
		t.Error("expected error encoding into undersized range")
	}
}

func TestRefitIntoFreshBLAS(t *testing.T) {
	d := New()
	boxes := []math.AABB{box(0), box(2), box(4), box(6)}
	first := writeBoxes(t, d, boxes)
	backing, _ := d.CreateBuffer("blas", 4096, backend.UsageAccelStorage)
	size := d.BLASSize(4)
	src, _ := d.CreateBLAS(backing, 0, size)
	dst, _ := d.CreateBLAS(backing, 2048, size)
	if err := d.BuildBLAS(src, first, 0, 4, backend.BuildModeBuild); err != nil {
		t.Fatal(err)
	}

	boxes[0] = box(40)
	moved := writeBoxes(t, d, boxes)
	if err := d.RefitBLAS(dst, src, moved, 0, 4); err != nil {
		t.Fatal(err)
	}
	srcTree, _, err := d.BLAS(src)
	if err != nil {
		t.Fatal(err)
	}
	if srcTree.Bounds().Max.X != 7 {
		t.Errorf("source blas changed: %v", srcTree.Bounds())
	}
	dstTree, n, err := d.BLAS(dst)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 || dstTree.Bounds().Min.X != 2 || dstTree.Bounds().Max.X != 41 {
		t.Errorf("refitted blas over %d boxes with bounds %v", n, dstTree.Bounds())
	}
	if s := d.Stats(); s.BLASBuilds != 1 || s.BLASUpdates != 1 {
		t.Errorf("expected 1 build and 1 update, got %+v", s)
	}

	if err := d.RefitBLAS(dst, 999, moved, 0, 4); !errors.Is(err, backend.ErrUnknownAccel) {
		t.Errorf("expected ErrUnknownAccel for unknown source, got %v", err)
	}
}

func TestTLASQuery(t *testing.T) {
	d := New()
	aabbs := writeBoxes(t, d, []math.AABB{box(0)})
	backing, _ := d.CreateBuffer("blas", 1024, backend.UsageAccelStorage)
	blas, _ := d.CreateBLAS(backing, 0, d.BLASSize(1))
	if err := d.BuildBLAS(blas, aabbs, 0, 1, backend.BuildModeBuild); err != nil {
		t.Fatal(err)
	}

	tlas, _ := d.CreateTLAS(2)
	instances := []backend.TLASInstance{
		{BLAS: blas, Transform: math.Identity(), InstanceID: 3},
		{BLAS: blas, Transform: math.Translate(50, 0, 0), InstanceID: 7},
	}
	if err := d.BuildTLAS(tlas, instances); err != nil {
		t.Fatal(err)
	}
	ids := d.Query(tlas, math.AABB{Min: math.Vec3{X: 50.5}, Max: math.Vec3{X: 50.6, Y: 0.5, Z: 0.5}})
	if len(ids) != 1 || ids[0] != 7 {
		t.Errorf("expected instance 7, got %v", ids)
	}

	if err := d.BuildTLAS(tlas, append(instances, instances[0])); !errors.Is(err, backend.ErrTooManyInputs) {
		t.Errorf("expected ErrTooManyInputs, got %v", err)
	}
}

func TestClose(t *testing.T) {
	d := New()
	b, _ := d.CreateBuffer("x", 4, backend.UsageStorage)
	_ = d.Close()
	if err := d.WriteBuffer(b, 0, []byte{1}); !errors.Is(err, backend.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := d.CreateBuffer("y", 4, backend.UsageStorage); !errors.Is(err, backend.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
