package script

import (
	stdmath "math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Faultbox/accelpipe/internal/accel"
	"github.com/Faultbox/accelpipe/internal/backend/soft"
	"github.com/Faultbox/accelpipe/pkg/math"
)

func newRunner(t *testing.T, log *zap.Logger) (*Runner, *accel.Manager) {
	t.Helper()
	dev := soft.New()
	m, err := accel.Create(dev, accel.Options{
		MaxInstances:  8,
		MaxPrimitives: 64,
		MaxLights:     8,
		Logger:        zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewRunner(m, dev, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		r.Close()
		if err := m.Destroy(); err != nil {
			t.Errorf("Destroy: %v", err)
		}
		dev.Close()
	})
	return r, m
}

const scene = `
local prims = {}
for i = 0, 5 do
  prims[#prims + 1] = {material = i, aabb = {i, 0, 0, i + 1, 1, 1}}
end
prims[3].light = {kind = "sphere", position = {2.5, 0.5, 0.5}, emission = {4, 4, 4}, size = 0.5}
build{{transform = {translate = {0, 0, 5}}, primitives = prims}}
assert(cycle() == nil)
`

func TestBuildAndEdit(t *testing.T) {
	r, m := newRunner(t, zaptest.NewLogger(t))
	if err := r.DoString(scene); err != nil {
		t.Fatal(err)
	}
	if err := r.DoString(`
delete(0, 2)
update(0, {translate = {1, 0, 0}, patches = {{slot = 0, aabb = {-1, 0, 0, 0, 1, 1}}}})
assert(cycle() == nil)
local s = stats()
assert(s.instances == 1, "instances")
assert(s.primitives == 5, "primitives")
assert(s.lights == 0, "lights")
assert(s.state == "idle")
`); err != nil {
		t.Fatal(err)
	}

	snap, err := m.Snapshot(m.RenderIndex())
	if err != nil {
		t.Fatal(err)
	}
	if got := snap.Instances[0].Transform[12]; got != 1 {
		t.Errorf("expected x translation 1, got %v", got)
	}
	if got := snap.AABBs[0].Min.X; got != -1 {
		t.Errorf("patch not applied, min x %v", got)
	}
	if r.Tasks != 3 {
		t.Errorf("expected 3 submitted tasks, got %d", r.Tasks)
	}
}

func TestUndoAndModifications(t *testing.T) {
	r, m := newRunner(t, zaptest.NewLogger(t))
	if err := r.DoString(scene); err != nil {
		t.Fatal(err)
	}
	err := r.DoString(`
modify(1)
modify(4)
local n, err = process_modifications()
assert(n == 2 and err == nil)
assert(cycle() == nil)
assert(stats().primitives == 4)
undo()
assert(cycle() == nil)
assert(stats().primitives == 6)
`)
	if err != nil {
		t.Fatal(err)
	}
	if st := m.Stats(); st.Batches != 3 {
		t.Errorf("expected 3 settled batches, got %d", st.Batches)
	}
}

func TestCapacityErrorIsAResult(t *testing.T) {
	r, _ := newRunner(t, zaptest.NewLogger(t))
	err := r.DoString(`
local prims = {}
for i = 1, 40 do prims[i] = {material = i, aabb = {0, 0, 0, 1, 1, 1}} end
build{{primitives = prims}}
assert(cycle() == nil)
build{{primitives = prims}}
local started, err = advance()
assert(started)
assert(string.find(err, "primitive pool"), err)
`)
	if err != nil {
		t.Fatal(err)
	}
}

func TestScriptErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"bad aabb", `build{{primitives = {{aabb = {1, 2}}}}}`, "aabb needs 6 numbers"},
		{"no primitives", `build{{}}`, "primitives"},
		{"empty build", `build{}`, "invalid build"},
		{"unknown light", `build{{primitives = {{aabb = {0,0,0,1,1,1}, light = {kind = "laser"}}}}}`, "unknown light kind"},
		{"modify out of range", `modify(100000)`, "outside the modification bitmask"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newRunner(t, zaptest.NewLogger(t))
			err := r.DoString(tt.src)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLogAndDoFile(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r, _ := newRunner(t, zap.New(core))

	path := filepath.Join(t.TempDir(), "edit.lua")
	if err := os.WriteFile(path, []byte(`log("hello " .. API_VERSION)`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.DoFile(path); err != nil {
		t.Fatal(err)
	}
	if logs.FilterMessage("hello 1").Len() != 1 {
		t.Errorf("expected the script log line, got %v", logs.All())
	}
	if err := r.DoFile(filepath.Join(t.TempDir(), "missing.lua")); err == nil {
		t.Error("expected an error for a missing script")
	}
}

func TestAsyncAdvance(t *testing.T) {
	r, m := newRunner(t, zaptest.NewLogger(t))
	r.Sync = false
	err := r.DoString(`
build{{primitives = {{material = 1, aabb = {0, 0, 0, 1, 1, 1}}}}}
local started, err = advance()
assert(started and err == nil)
assert(wait() == nil)
assert(stats().state == "switching")
`)
	if err != nil {
		t.Fatal(err)
	}
	if m.State() != accel.StateSwitching {
		t.Errorf("expected switching, got %s", m.State())
	}
}

func TestTransform(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want math.Mat4
	}{
		{"empty", `{}`, math.Identity()},
		{"translate", `{translate = {1, 2, 3}}`, math.Translate(1, 2, 3)},
		{"rotate x", `{rotate_x = 0.5}`, math.RotateX(0.5)},
		{"rotate z", `{rotate_z = 0.25}`, math.RotateZ(0.25)},
		{"composed", `{translate = {1, 0, 0}, rotate_x = 0.1, rotate_y = 0.2, rotate_z = 0.3, scale = {2, 2, 2}}`,
			math.Translate(1, 0, 0).Mul(math.RotateX(0.1)).Mul(math.RotateY(0.2)).Mul(math.RotateZ(0.3)).Mul(math.Scale(2, 2, 2))},
		{"inverse", `{translate = {1, -2, 4}, scale = {2, 2, 2}, inverse = true}`,
			math.Scale(0.5, 0.5, 0.5).Mul(math.Translate(-1, 2, -4))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			L := lua.NewState()
			defer L.Close()
			if err := L.DoString("return " + tt.src); err != nil {
				t.Fatal(err)
			}
			got := transform(L, L.Get(-1).(*lua.LTable))
			for i := range got {
				if stdmath.Abs(float64(got[i]-tt.want[i])) > 1e-5 {
					t.Fatalf("transform(%s) = %v, want %v", tt.src, got, tt.want)
				}
			}
		})
	}
}
