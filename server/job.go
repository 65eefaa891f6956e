// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"time"
)

// JobState describes which collection currently owns a job.
type JobState uint8

const (
	// JobStateInvalid is the state of a job that is not owned by any
	// collection. Jobs pass through it only transiently.
	JobStateInvalid JobState = iota

	// JobStateReady means the job is in the ready queue, eligible to be
	// handed to a worker.
	JobStateReady

	// JobStateReserved means a worker connection holds the job under a
	// time-to-run deadline.
	JobStateReserved

	// JobStateDelayed means the job is parked in the delay queue until its
	// deadline passes.
	JobStateDelayed

	// JobStateBuried means the job sits in the graveyard until it is
	// kicked or deleted.
	JobStateBuried
)

// String returns the protocol name of the state as reported by stats.
func (s JobState) String() string {
	switch s {
	case JobStateReady:
		return "ready"
	case JobStateReserved:
		return "reserved"
	case JobStateDelayed:
		return "delayed"
	case JobStateBuried:
		return "buried"
	default:
		return "invalid"
	}
}

// UrgentThreshold is the priority below which a ready job counts toward
// the urgent statistic.
const UrgentThreshold = 1024

// Job is a single unit of work held in memory by the server. The ID, body
// and creation time never change after the job is created. State, deadline
// and the counters are guarded by the broker lock.
type Job struct {
	// ID is assigned from a monotonically increasing sequence starting at
	// one and is never reused.
	ID uint64

	// Priority orders ready jobs. Lower values are served first.
	Priority uint32

	// Delay is the initial hold-off requested by put.
	Delay time.Duration

	// TTR is the time-to-run: how long a worker may hold a reservation
	// before it expires.
	TTR time.Duration

	// Body is the opaque payload, stored without the trailing CRLF that
	// frames it on the wire.
	Body []byte

	// State names the collection that owns the job.
	State JobState

	// Deadline is when a delayed job becomes ready, or when a reserved
	// job's reservation expires. Zero in other states.
	Deadline time.Time

	// CreateTime is when put accepted the job.
	CreateTime time.Time

	// Lifecycle counters reported by the stats command for a single job.
	Timeouts uint32
	Releases uint32
	Buries   uint32
	Kicks    uint32
}

// urgent reports whether the job counts toward the urgent statistic while
// it is in the ready queue.
func (j *Job) urgent() bool {
	return j.Priority < UrgentThreshold
}

// priorityLess orders the ready queue. Equal priorities fall back to the
// id so that jobs of the same priority are dequeued in insertion order.
func priorityLess(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ID < b.ID
}

// delayLess orders the delay queue by deadline, breaking ties on id.
func delayLess(a, b *Job) bool {
	if !a.Deadline.Equal(b.Deadline) {
		return a.Deadline.Before(b.Deadline)
	}
	return a.ID < b.ID
}
