// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

// jobHeap is a bounded binary min-heap of jobs with a pluggable ordering.
// The ready queue orders by (priority, id) and the delay queue by
// (deadline, id); the id tie-break is what gives FIFO behavior among jobs
// that compare equal on the primary key. Storage is a contiguous slice
// with the minimum at index zero.
type jobHeap struct {
	less func(a, b *Job) bool
	jobs []*Job
	cap  int
}

func newJobHeap(capacity int, less func(a, b *Job) bool) *jobHeap {
	return &jobHeap{
		less: less,
		jobs: make([]*Job, 0, min(capacity, 1024)),
		cap:  capacity,
	}
}

// Give inserts a job, returning false without inserting when the heap is
// at capacity.
func (h *jobHeap) Give(j *Job) bool {
	if len(h.jobs) >= h.cap {
		return false
	}
	h.jobs = append(h.jobs, j)
	h.siftUp(len(h.jobs) - 1)
	return true
}

// Take removes and returns the minimum job, or nil when empty.
func (h *jobHeap) Take() *Job {
	n := len(h.jobs)
	if n == 0 {
		return nil
	}
	j := h.jobs[0]
	h.jobs[0] = h.jobs[n-1]
	h.jobs[n-1] = nil
	h.jobs = h.jobs[:n-1]
	if len(h.jobs) > 0 {
		h.siftDown(0)
	}
	return j
}

// Peek returns the minimum job without removing it, or nil when empty.
func (h *jobHeap) Peek() *Job {
	if len(h.jobs) == 0 {
		return nil
	}
	return h.jobs[0]
}

// Find returns the job with the given id, or nil. Linear scan.
func (h *jobHeap) Find(id uint64) *Job {
	for _, j := range h.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// Used returns the number of jobs currently held.
func (h *jobHeap) Used() int {
	return len(h.jobs)
}

func (h *jobHeap) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.less(h.jobs[i], h.jobs[parent]) {
			return
		}
		h.jobs[i], h.jobs[parent] = h.jobs[parent], h.jobs[i]
		i = parent
	}
}

func (h *jobHeap) siftDown(i int) {
	n := len(h.jobs)
	for {
		left, right := 2*i+1, 2*i+2
		least := i
		if left < n && h.less(h.jobs[left], h.jobs[least]) {
			least = left
		}
		if right < n && h.less(h.jobs[right], h.jobs[least]) {
			least = right
		}
		if least == i {
			return
		}
		h.jobs[i], h.jobs[least] = h.jobs[least], h.jobs[i]
		i = least
	}
}
