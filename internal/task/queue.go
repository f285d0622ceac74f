package task

import (
	"errors"
	"fmt"
	"sync"
)

// ErrStagingFull is returned when a build would overflow the staging area.
var ErrStagingFull = errors.New("task: staging area full")

// Counters holds instance, primitive and light counts.
type Counters struct {
	Instances  uint32
	Primitives uint32
	Lights     uint32
}

// Add returns c + o.
func (c Counters) Add(o Counters) Counters {
	return Counters{c.Instances + o.Instances, c.Primitives + o.Primitives, c.Lights + o.Lights}
}

// Fits reports whether every count of c is within limit.
func (c Counters) Fits(limit Counters) bool {
	return c.Instances <= limit.Instances && c.Primitives <= limit.Primitives && c.Lights <= limit.Lights
}

// Queue is an unbounded FIFO of tasks. The producer appends, the worker
// drains. Builds advance provisional counters so the producer can see how
// much staged data is waiting without synchronizing with the worker.
type Queue struct {
	mu      sync.Mutex
	tasks   []Task
	pending Counters
	limit   Counters
}

// NewQueue creates a queue whose staging area holds at most limit items.
func NewQueue(limit Counters) *Queue {
	return &Queue{limit: limit}
}

// Submit appends t. A Build gets its staging offsets from the current
// provisional counters, i.e. the producer wrote its data at Pending().
func (q *Queue) Submit(t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if b, ok := t.(Build); ok {
		var err error
		if t, err = q.reserveLocked(b); err != nil {
			return err
		}
	}
	q.tasks = append(q.tasks, clone(t))
	return nil
}

// Stage reserves staging space for counts, lets write fill it starting at
// base and enqueues the resulting Build, all under the queue lock.
func (q *Queue) Stage(counts Counters, write func(base Counters)) (Build, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b := Build{
		InstanceCount:  counts.Instances,
		PrimitiveCount: counts.Primitives,
		LightCount:     counts.Lights,
	}
	if !q.pending.Add(counts).Fits(q.limit) {
		return Build{}, fmt.Errorf("%w: pending %+v + %+v exceeds %+v", ErrStagingFull, q.pending, counts, q.limit)
	}
	write(q.pending)
	t, err := q.reserveLocked(b)
	if err != nil {
		return Build{}, err
	}
	q.tasks = append(q.tasks, t)
	return t.(Build), nil
}

func (q *Queue) reserveLocked(b Build) (Task, error) {
	counts := Counters{b.InstanceCount, b.PrimitiveCount, b.LightCount}
	next := q.pending.Add(counts)
	if !next.Fits(q.limit) {
		return nil, fmt.Errorf("%w: pending %+v + %+v exceeds %+v", ErrStagingFull, q.pending, counts, q.limit)
	}
	b.InstanceOffset = q.pending.Instances
	b.PrimitiveOffset = q.pending.Primitives
	b.LightOffset = q.pending.Lights
	q.pending = next
	return b, nil
}

// Drain removes and returns every queued task in submission order.
func (q *Queue) Drain() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.tasks
	q.tasks = nil
	return out
}

// Requeue puts tasks back at the head of the queue, ahead of anything
// submitted since the drain.
func (q *Queue) Requeue(tasks []Task) {
	if len(tasks) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.tasks = append(append([]Task(nil), tasks...), q.tasks...)
}

// ReleaseStaging resets the provisional counters once no queued build still
// refers to the staging area. It reports whether the reset happened.
func (q *Queue) ReleaseStaging() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range q.tasks {
		if _, ok := t.(Build); ok {
			return false
		}
	}
	q.pending = Counters{}
	return true
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Pending returns the provisional staged counts.
func (q *Queue) Pending() Counters {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}
