// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"time"
)

// reservationList holds the jobs one worker connection has reserved,
// ordered by reservation deadline so the next expiry is always at the
// front. The list is small in practice (one entry per outstanding
// matching round), so insertion is a linear walk.
type reservationList struct {
	jobs []*Job
}

// add inserts a reserved job in deadline order.
func (r *reservationList) add(j *Job) {
	i := len(r.jobs)
	for i > 0 && j.Deadline.Before(r.jobs[i-1].Deadline) {
		i--
	}
	r.jobs = append(r.jobs, nil)
	copy(r.jobs[i+1:], r.jobs[i:])
	r.jobs[i] = j
}

// remove unlinks and returns the reserved job with the given id, or nil.
func (r *reservationList) remove(id uint64) *Job {
	for i, j := range r.jobs {
		if j.ID == id {
			r.jobs = append(r.jobs[:i], r.jobs[i+1:]...)
			return j
		}
	}
	return nil
}

// soonest returns the earliest reservation deadline. ok is false when the
// list is empty.
func (r *reservationList) soonest() (time.Time, bool) {
	if len(r.jobs) == 0 {
		return time.Time{}, false
	}
	return r.jobs[0].Deadline, true
}

// takeExpired removes and returns every reservation whose deadline has
// passed.
func (r *reservationList) takeExpired(now time.Time) []*Job {
	n := 0
	for n < len(r.jobs) && !r.jobs[n].Deadline.After(now) {
		n++
	}
	if n == 0 {
		return nil
	}
	expired := make([]*Job, n)
	copy(expired, r.jobs[:n])
	r.jobs = append(r.jobs[:0], r.jobs[n:]...)
	return expired
}

// takeAll removes and returns every reservation. Used when the owning
// connection closes.
func (r *reservationList) takeAll() []*Job {
	jobs := r.jobs
	r.jobs = nil
	return jobs
}

func (r *reservationList) len() int {
	return len(r.jobs)
}
