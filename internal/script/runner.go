// Package script drives an accel.Manager from Lua edit scripts.
//
// A script sees these globals:
//
//	build{ {transform = {...}, primitives = {...}}, ... }
//	delete(instance, slot)
//	update(instance, {translate = {x, y, z}, patches = {{slot = s, aabb = {...}}}})
//	undo()
//	advance([sync])   -> started, err
//	wait()            -> err
//	cycle()           -> err
//	modify(slot)
//	process_modifications() -> n, err
//	stats()           -> table
//	log(msg)
//
// A transform is a table with optional translate, scale (vectors),
// rotate_x, rotate_y, rotate_z (radians) and inverse (boolean). A primitive
// is {material = m, aabb = {x0, y0, z0, x1, y1, z1}, light = {...}}; a light
// has kind ("point", "sphere", "box"), position, emission and size.
package script

import (
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/Faultbox/accelpipe/internal/accel"
	"github.com/Faultbox/accelpipe/internal/backend"
	"github.com/Faultbox/accelpipe/internal/task"
	"github.com/Faultbox/accelpipe/pkg/math"
)

// Runner wraps a single gopher-lua VM bound to one manager. Single-goroutine
// access only.
type Runner struct {
	vm   *lua.LState
	m    *accel.Manager
	mask []byte
	log  *zap.Logger

	// Sync is the default of advance's synchronize argument.
	Sync bool
	// Tasks counts what the script submitted.
	Tasks int
}

// NewRunner creates a VM with the edit API installed. dev must be the
// device m was created on.
func NewRunner(m *accel.Manager, dev backend.Device, log *zap.Logger) (*Runner, error) {
	mask, err := dev.Map(m.ModificationBuffer())
	if err != nil {
		return nil, fmt.Errorf("mapping modification buffer: %w", err)
	}
	r := &Runner{
		vm:   lua.NewState(lua.Options{SkipOpenLibs: false}),
		m:    m,
		mask: mask,
		log:  log,
		Sync: true,
	}
	r.vm.SetGlobal("API_VERSION", lua.LNumber(1))
	for name, fn := range map[string]lua.LGFunction{
		"build":                 r.build,
		"delete":                r.deletePrimitive,
		"update":                r.update,
		"undo":                  r.undo,
		"advance":               r.advance,
		"cycle":                 r.cycle,
		"wait":                  r.wait,
		"modify":                r.modify,
		"process_modifications": r.processModifications,
		"stats":                 r.stats,
		"log":                   r.logMessage,
	} {
		r.vm.SetGlobal(name, r.vm.NewFunction(fn))
	}
	return r, nil
}

// Close releases the VM.
func (r *Runner) Close() { r.vm.Close() }

// DoFile runs the script at path.
func (r *Runner) DoFile(path string) error {
	if err := r.vm.DoFile(path); err != nil {
		return fmt.Errorf("run %s: %w", path, err)
	}
	r.log.Debug("script finished", zap.String("file", path), zap.Int("tasks", r.Tasks))
	return nil
}

// DoString runs src.
func (r *Runner) DoString(src string) error {
	return r.vm.DoString(src)
}

func (r *Runner) submit(L *lua.LState, t task.Task) {
	if err := r.m.SubmitTask(t); err != nil {
		L.RaiseError("%s: %v", t.Kind(), err)
	}
	r.Tasks++
}

func (r *Runner) build(L *lua.LState) int {
	list := L.CheckTable(1)
	var data []accel.InstanceData
	list.ForEach(func(_, v lua.LValue) {
		t, ok := v.(*lua.LTable)
		if !ok {
			L.ArgError(1, "instances must be tables")
		}
		data = append(data, instanceData(L, t))
	})
	if err := r.m.SubmitBuild(data); err != nil {
		L.RaiseError("build: %v", err)
	}
	r.Tasks++
	return 0
}

func (r *Runner) deletePrimitive(L *lua.LState) int {
	r.submit(L, task.DeletePrimitive{
		Instance: uint32(L.CheckInt(1)),
		Slot:     uint32(L.CheckInt(2)),
	})
	return 0
}

func (r *Runner) update(L *lua.LState) int {
	id := uint32(L.CheckInt(1))
	opts := L.OptTable(2, L.NewTable())
	t := task.Update{Instance: id, Delta: transform(L, opts)}
	if patches, ok := opts.RawGetString("patches").(*lua.LTable); ok {
		patches.ForEach(func(_, v lua.LValue) {
			p, ok := v.(*lua.LTable)
			if !ok {
				L.ArgError(2, "patches must be tables")
			}
			t.AABBs = append(t.AABBs, task.AABBPatch{
				Slot:   uint32(lua.LVAsNumber(p.RawGetString("slot"))),
				Bounds: aabb(L, p.RawGetString("aabb")),
			})
		})
	}
	r.submit(L, t)
	return 0
}

func (r *Runner) undo(L *lua.LState) int {
	r.submit(L, task.Undo{})
	return 0
}

// pushErr pushes nil for a nil error and the message otherwise. Capacity
// errors are results, anything else aborts the script.
func pushErr(L *lua.LState, err error) {
	switch {
	case err == nil:
		L.Push(lua.LNil)
	case errors.Is(err, accel.ErrCapacityExceeded):
		L.Push(lua.LString(err.Error()))
	default:
		L.RaiseError("%v", err)
	}
}

func (r *Runner) advance(L *lua.LState) int {
	started, err := r.m.Advance(L.OptBool(1, r.Sync))
	L.Push(lua.LBool(started))
	pushErr(L, err)
	return 2
}

func (r *Runner) wait(L *lua.LState) int {
	pushErr(L, r.m.Wait())
	return 1
}

func (r *Runner) cycle(L *lua.LState) int {
	var first error
	for i := 0; i < 3; i++ {
		started, err := r.m.Advance(true)
		if first == nil {
			first = err
		}
		if !started && err == nil {
			break
		}
		if err != nil && !errors.Is(err, accel.ErrCapacityExceeded) {
			break
		}
	}
	pushErr(L, first)
	return 1
}

func (r *Runner) modify(L *lua.LState) int {
	slot := L.CheckInt(1)
	if slot < 0 || slot/8 >= len(r.mask) {
		L.ArgError(1, "slot outside the modification bitmask")
	}
	accel.SetModified(r.mask, uint32(slot))
	return 0
}

func (r *Runner) processModifications(L *lua.LState) int {
	n, err := r.m.ProcessModifications()
	r.Tasks += n
	L.Push(lua.LNumber(n))
	pushErr(L, err)
	return 2
}

func (r *Runner) stats(L *lua.LState) int {
	s := r.m.Stats()
	t := L.NewTable()
	t.RawSetString("state", lua.LString(s.State.String()))
	t.RawSetString("instances", lua.LNumber(s.Instances))
	t.RawSetString("primitives", lua.LNumber(s.Primitives))
	t.RawSetString("lights", lua.LNumber(s.Lights))
	t.RawSetString("blas_bytes", lua.LNumber(s.BLASBytes))
	t.RawSetString("batches", lua.LNumber(s.Batches))
	t.RawSetString("undo_entries", lua.LNumber(s.UndoEntries))
	L.Push(t)
	return 1
}

func (r *Runner) logMessage(L *lua.LState) int {
	r.log.Info(L.CheckString(1), zap.String("source", "lua"))
	return 0
}

func instanceData(L *lua.LState, t *lua.LTable) accel.InstanceData {
	d := accel.InstanceData{Transform: math.Identity()}
	if tr, ok := t.RawGetString("transform").(*lua.LTable); ok {
		d.Transform = transform(L, tr)
	}
	prims, ok := t.RawGetString("primitives").(*lua.LTable)
	if !ok {
		L.ArgError(1, "instance needs a primitives table")
	}
	prims.ForEach(func(_, v lua.LValue) {
		p, ok := v.(*lua.LTable)
		if !ok {
			L.ArgError(1, "primitives must be tables")
		}
		prim := accel.Primitive{
			Material: uint32(lua.LVAsNumber(p.RawGetString("material"))),
			Light:    accel.NoLight,
		}
		if lt, ok := p.RawGetString("light").(*lua.LTable); ok {
			prim.Light = uint32(len(d.Lights))
			d.Lights = append(d.Lights, light(L, lt, uint32(len(d.Primitives))))
		}
		d.Primitives = append(d.Primitives, prim)
		d.AABBs = append(d.AABBs, aabb(L, p.RawGetString("aabb")))
	})
	return d
}

// transform composes translate * rotate_x * rotate_y * rotate_z * scale,
// inverted when inverse is set.
func transform(L *lua.LState, t *lua.LTable) math.Mat4 {
	m := math.Identity()
	if v := t.RawGetString("translate"); v != lua.LNil {
		p := vec3(L, v)
		m = math.Translate(p.X, p.Y, p.Z)
	}
	for _, r := range []struct {
		key    string
		rotate func(float32) math.Mat4
	}{
		{"rotate_x", math.RotateX},
		{"rotate_y", math.RotateY},
		{"rotate_z", math.RotateZ},
	} {
		if a, ok := t.RawGetString(r.key).(lua.LNumber); ok {
			m = m.Mul(r.rotate(float32(a)))
		}
	}
	if v := t.RawGetString("scale"); v != lua.LNil {
		s := vec3(L, v)
		m = m.Mul(math.Scale(s.X, s.Y, s.Z))
	}
	if lua.LVAsBool(t.RawGetString("inverse")) {
		m = m.Inverse()
	}
	return m
}

var lightKinds = map[string]accel.LightKind{
	"point":  accel.LightPoint,
	"sphere": accel.LightSphere,
	"box":    accel.LightBox,
}

func light(L *lua.LState, t *lua.LTable, primitive uint32) accel.Light {
	l := accel.Light{Primitive: primitive, Kind: accel.LightPoint}
	if k, ok := t.RawGetString("kind").(lua.LString); ok {
		kind, known := lightKinds[string(k)]
		if !known {
			L.ArgError(1, fmt.Sprintf("unknown light kind %q", string(k)))
		}
		l.Kind = kind
	}
	if v := t.RawGetString("position"); v != lua.LNil {
		l.Position = vec3(L, v)
	}
	if v := t.RawGetString("emission"); v != lua.LNil {
		l.Emission = vec3(L, v)
	}
	l.Size = float32(lua.LVAsNumber(t.RawGetString("size")))
	return l
}

func numbers(L *lua.LState, v lua.LValue, n int, what string) []float32 {
	t, ok := v.(*lua.LTable)
	if !ok || t.Len() != n {
		L.RaiseError("%s needs %d numbers", what, n)
		return make([]float32, n)
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(lua.LVAsNumber(t.RawGetInt(i + 1)))
	}
	return out
}

func vec3(L *lua.LState, v lua.LValue) math.Vec3 {
	f := numbers(L, v, 3, "vector")
	return math.Vec3{X: f[0], Y: f[1], Z: f[2]}
}

func aabb(L *lua.LState, v lua.LValue) math.AABB {
	f := numbers(L, v, 6, "aabb")
	return math.AABB{
		Min: math.Vec3{X: f[0], Y: f[1], Z: f[2]},
		Max: math.Vec3{X: f[3], Y: f[4], Z: f[5]},
	}
}
