package pacing

import "sync/atomic"

// Registry counts the connections currently moving data. It is shared by every
// worker of a runtime and read on each budget computation.
type Registry struct {
	active atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register() {
	r.active.Add(1)
}

// Deregister never drives the count below zero, so an unmatched call cannot
// corrupt the divisor for the remaining workers.
func (r *Registry) Deregister() {
	for {
		cur := r.active.Load()
		if cur <= 0 {
			return
		}
		if r.active.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

func (r *Registry) Count() uint32 {
	n := r.active.Load()
	if n < 0 {
		return 0
	}
	return uint32(n)
}

// Divisor is Count with zero read as one.
func (r *Registry) Divisor() uint32 {
	if n := r.Count(); n > 0 {
		return n
	}
	return 1
}
