package migrate

import "sync/atomic"

// Progress is the run-wide completion counter: initialized to the
// statically-computed task total before anything runs, incremented exactly
// once per finished task, success or failure. Workers increment it
// concurrently; it only ever goes up.
type Progress struct {
	total    int64
	done     atomic.Int64
	onUpdate func(done, total int64)
}

// NewProgress allocates a counter for total tasks. onUpdate, when non-nil,
// runs after every increment on whichever goroutine finished the task and
// must be safe for concurrent use.
func NewProgress(total int, onUpdate func(done, total int64)) *Progress {
	return &Progress{total: int64(total), onUpdate: onUpdate}
}

func (p *Progress) Increment() {
	d := p.done.Add(1)
	if p.onUpdate != nil {
		p.onUpdate(d, p.total)
	}
}

func (p *Progress) Done() int64 { return p.done.Load() }

func (p *Progress) Total() int64 { return p.total }
