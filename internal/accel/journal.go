package accel

// journal collects the inverse of every step applied for one task so a
// task that fails part way can be taken back out completely.
type journal struct {
	steps []func()
}

func (j *journal) add(step func()) { j.steps = append(j.steps, step) }

func (j *journal) rollback() {
	for i := len(j.steps) - 1; i >= 0; i-- {
		j.steps[i]()
	}
	j.steps = j.steps[:0]
}

func (j *journal) reset() { j.steps = j.steps[:0] }
