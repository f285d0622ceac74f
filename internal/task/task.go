// Package task defines the scene-edit work items accepted by the pipeline
// and the FIFO queue they wait in until the worker drains them.
package task

import (
	"fmt"
	"slices"

	"github.com/Faultbox/accelpipe/pkg/math"
)

// Kind identifies a task variant.
type Kind uint8

const (
	KindBuild Kind = iota
	KindDeletePrimitive
	KindUpdate
	KindUndo
)

func (k Kind) String() string {
	switch k {
	case KindBuild:
		return "build"
	case KindDeletePrimitive:
		return "delete-primitive"
	case KindUpdate:
		return "update"
	case KindUndo:
		return "undo"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Task is one pending edit. The concrete types are Build, DeletePrimitive,
// Update and Undo.
type Task interface {
	Kind() Kind
	isTask()
}

// Build uploads InstanceCount staged instances with their primitives and
// lights. The offsets locate the data in the staging area and are assigned
// by the queue at submission from its provisional counters.
type Build struct {
	InstanceOffset  uint32
	InstanceCount   uint32
	PrimitiveOffset uint32
	PrimitiveCount  uint32
	LightOffset     uint32
	LightCount      uint32
}

// DeletePrimitive removes the primitive at local Slot of Instance. The slot
// is resolved against the instance layout at the time the task is
// processed.
type DeletePrimitive struct {
	Instance uint32
	Slot     uint32
}

// AABBPatch replaces the bounds of the primitive at local Slot.
type AABBPatch struct {
	Slot   uint32
	Bounds math.AABB
}

// Update left-multiplies the instance transform by Delta and applies the
// optional AABB patches.
type Update struct {
	Instance uint32
	Delta    math.Mat4
	AABBs    []AABBPatch
}

// Undo reverts the most recently settled batch.
type Undo struct{}

func (Build) Kind() Kind           { return KindBuild }
func (DeletePrimitive) Kind() Kind { return KindDeletePrimitive }
func (Update) Kind() Kind          { return KindUpdate }
func (Undo) Kind() Kind            { return KindUndo }

func (Build) isTask()           {}
func (DeletePrimitive) isTask() {}
func (Update) isTask()          {}
func (Undo) isTask()            {}

// clone returns a copy that shares no memory with t.
func clone(t Task) Task {
	if u, ok := t.(Update); ok {
		u.AABBs = slices.Clone(u.AABBs)
		return u
	}
	return t
}
