package math

import (
	"math"
	"testing"
)

func TestIdentity(t *testing.T) {
	m := Identity()
	if m[0] != 1 || m[5] != 1 || m[10] != 1 || m[15] != 1 {
		t.Error("Identity diagonal should be 1")
	}
	if m[1] != 0 || m[4] != 0 {
		t.Error("Identity off-diagonal should be 0")
	}
}

func TestMulIdentity(t *testing.T) {
	m := Translate(1, 2, 3)
	result := m.Mul(Identity())
	if result != m {
		t.Errorf("M * I should equal M, got %v", result)
	}
}

func TestMulComposesTranslations(t *testing.T) {
	got := Translate(1, 0, 0).Mul(Translate(0, 2, 0))
	if got[12] != 1 || got[13] != 2 || got[14] != 0 {
		t.Errorf("composed translation: got (%f, %f, %f), want (1, 2, 0)", got[12], got[13], got[14])
	}
}

func TestTransformPoint(t *testing.T) {
	m := Translate(10, 20, 30)
	result := m.TransformPoint([3]float32{1, 2, 3})
	expected := [3]float32{11, 22, 33}
	if result != expected {
		t.Errorf("TransformPoint: got %v, want %v", result, expected)
	}
}

func TestRotateY90(t *testing.T) {
	m := RotateY(math.Pi / 2)
	p := m.TransformVec3(Vec3{1, 0, 0})
	if abs(p.X) > 1e-5 || abs(p.Z+1) > 1e-5 {
		t.Errorf("RotateY(90) * (1,0,0): got %v, want (0,0,-1)", p)
	}
}

func TestInverseRoundTrip(t *testing.T) {
	m := Translate(3, -2, 5).Mul(Scale(2, 2, 2)).Mul(RotateX(0.3))
	id := m.Mul(m.Inverse())
	want := Identity()
	for i := range id {
		if abs(id[i]-want[i]) > 1e-4 {
			t.Fatalf("M * M^-1 element %d: got %f, want %f", i, id[i], want[i])
		}
	}
}

func TestInverseSingular(t *testing.T) {
	if got := (Mat4{}).Inverse(); got != Identity() {
		t.Errorf("singular inverse should be identity, got %v", got)
	}
}

func abs(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}
