// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
)

// BrokerStats is a point-in-time snapshot of the broker.
type BrokerStats struct {
	// Jobs by state. Urgent counts the subset of ready jobs with
	// priority below UrgentThreshold.
	Urgent   int
	Ready    int
	Reserved int
	Delayed  int
	Buried   int

	// TotalJobs is how many ids have ever been handed out.
	TotalJobs    uint64
	TotalDeleted uint64

	// Timeouts is the lifetime count of expired reservations.
	Timeouts uint64

	// Connection accounting.
	Waiting            int
	Producers          int
	Workers            int
	CurrentConnections int
	TotalConnections   uint64

	Draining bool
}

// Stats returns a snapshot of broker counters, used by the stats command
// and by tests asserting lifecycle invariants.
func (b *Broker) Stats() *BrokerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	reserved := 0
	for c := range b.clients {
		reserved += c.reservations.len()
	}

	return &BrokerStats{
		Urgent:             b.urgent,
		Ready:              b.ready.Used(),
		Reserved:           reserved,
		Delayed:            b.delayed.Used(),
		Buried:             b.buried.Len(),
		TotalJobs:          b.nextID - 1,
		TotalDeleted:       b.deleted,
		Timeouts:           b.timeouts,
		Waiting:            b.waiting.len(),
		Producers:          b.producers,
		Workers:            b.workers,
		CurrentConnections: len(b.clients),
		TotalConnections:   b.totalConns,
		Draining:           b.drain,
	}
}

// JobStatsView is a snapshot of one job's lifecycle accounting for the
// stats <id> command.
type JobStatsView struct {
	ID       uint64
	State    string
	Age      time.Duration
	Delay    time.Duration
	TTR      time.Duration
	TimeLeft time.Duration
	Timeouts uint32
	Releases uint32
	Buries   uint32
	Kicks    uint32
}

// JobStats snapshots the job with the given id, or reports that no such
// job is live.
func (b *Broker) JobStats(id uint64) (*JobStatsView, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[id]
	if !ok {
		return nil, false
	}

	now := b.clock.Now()
	var left time.Duration
	if j.State == JobStateReserved || j.State == JobStateDelayed {
		if left = j.Deadline.Sub(now); left < 0 {
			left = 0
		}
	}

	return &JobStatsView{
		ID:       j.ID,
		State:    j.State.String(),
		Age:      now.Sub(j.CreateTime),
		Delay:    j.Delay,
		TTR:      j.TTR,
		TimeLeft: left,
		Timeouts: j.Timeouts,
		Releases: j.Releases,
		Buries:   j.Buries,
		Kicks:    j.Kicks,
	}, true
}

// EmitStats publishes broker gauges on a fixed period until stopCh
// closes.
func (b *Broker) EmitStats(period time.Duration, stopCh <-chan struct{}) {
	for {
		select {
		case <-time.After(period):
			stats := b.Stats()
			metrics.SetGauge([]string{"beanstalkd", "jobs", "urgent"}, float32(stats.Urgent))
			metrics.SetGauge([]string{"beanstalkd", "jobs", "ready"}, float32(stats.Ready))
			metrics.SetGauge([]string{"beanstalkd", "jobs", "reserved"}, float32(stats.Reserved))
			metrics.SetGauge([]string{"beanstalkd", "jobs", "delayed"}, float32(stats.Delayed))
			metrics.SetGauge([]string{"beanstalkd", "jobs", "buried"}, float32(stats.Buried))
			metrics.SetGauge([]string{"beanstalkd", "conns", "current"}, float32(stats.CurrentConnections))
			metrics.SetGauge([]string{"beanstalkd", "conns", "waiting"}, float32(stats.Waiting))
		case <-stopCh:
			return
		}
	}
}

// opCounts tracks lifetime command totals. The dispatcher increments
// these outside the broker lock, so they are atomics.
type opCounts struct {
	put     atomic.Uint64
	peek    atomic.Uint64
	reserve atomic.Uint64
	del     atomic.Uint64
	release atomic.Uint64
	bury    atomic.Uint64
	kick    atomic.Uint64
	stats   atomic.Uint64
}

func (o *opCounts) count(op opCode) {
	switch op {
	case opPut:
		o.put.Add(1)
	case opPeek, opPeekJob:
		o.peek.Add(1)
	case opReserve:
		o.reserve.Add(1)
	case opDelete:
		o.del.Add(1)
	case opRelease:
		o.release.Add(1)
	case opBury:
		o.bury.Add(1)
	case opKick:
		o.kick.Add(1)
	case opStats, opJobStats:
		o.stats.Add(1)
	}
}

// statsMeta carries the process-level values the stats body reports
// alongside broker counters.
type statsMeta struct {
	HeapSize   int
	MaxJobSize int
	PID        int
	Version    string
	UTime      float64
	STime      float64
	Uptime     time.Duration
	InstanceID string
}

// renderStats builds the stats body. The report is a YAML-style block;
// the trailing CRLF is wire framing added by the reply writer, not part
// of the body.
func renderStats(bs *BrokerStats, ops *opCounts, meta *statsMeta) []byte {
	var buf bytes.Buffer
	buf.WriteString("---\n")
	fmt.Fprintf(&buf, "current-jobs-urgent: %d\n", bs.Urgent)
	fmt.Fprintf(&buf, "current-jobs-ready: %d\n", bs.Ready)
	fmt.Fprintf(&buf, "current-jobs-reserved: %d\n", bs.Reserved)
	fmt.Fprintf(&buf, "current-jobs-delayed: %d\n", bs.Delayed)
	fmt.Fprintf(&buf, "current-jobs-buried: %d\n", bs.Buried)
	fmt.Fprintf(&buf, "limit-max-jobs-ready: %d\n", meta.HeapSize)
	fmt.Fprintf(&buf, "max-job-size: %d\n", meta.MaxJobSize)
	fmt.Fprintf(&buf, "cmd-put: %d\n", ops.put.Load())
	fmt.Fprintf(&buf, "cmd-peek: %d\n", ops.peek.Load())
	fmt.Fprintf(&buf, "cmd-reserve: %d\n", ops.reserve.Load())
	fmt.Fprintf(&buf, "cmd-delete: %d\n", ops.del.Load())
	fmt.Fprintf(&buf, "cmd-release: %d\n", ops.release.Load())
	fmt.Fprintf(&buf, "cmd-bury: %d\n", ops.bury.Load())
	fmt.Fprintf(&buf, "cmd-kick: %d\n", ops.kick.Load())
	fmt.Fprintf(&buf, "cmd-stats: %d\n", ops.stats.Load())
	fmt.Fprintf(&buf, "job-timeouts: %d\n", bs.Timeouts)
	fmt.Fprintf(&buf, "total-jobs: %d\n", bs.TotalJobs)
	fmt.Fprintf(&buf, "current-connections: %d\n", bs.CurrentConnections)
	fmt.Fprintf(&buf, "current-producers: %d\n", bs.Producers)
	fmt.Fprintf(&buf, "current-workers: %d\n", bs.Workers)
	fmt.Fprintf(&buf, "current-waiting: %d\n", bs.Waiting)
	fmt.Fprintf(&buf, "total-connections: %d\n", bs.TotalConnections)
	fmt.Fprintf(&buf, "pid: %d\n", meta.PID)
	fmt.Fprintf(&buf, "version: %s\n", meta.Version)
	fmt.Fprintf(&buf, "rusage-utime: %.6f\n", meta.UTime)
	fmt.Fprintf(&buf, "rusage-stime: %.6f\n", meta.STime)
	fmt.Fprintf(&buf, "uptime: %d\n", int64(meta.Uptime.Seconds()))
	fmt.Fprintf(&buf, "id: %s\n", meta.InstanceID)
	return buf.Bytes()
}

// renderJobStats builds the stats <id> body.
func renderJobStats(v *JobStatsView) []byte {
	var buf bytes.Buffer
	buf.WriteString("---\n")
	fmt.Fprintf(&buf, "id: %d\n", v.ID)
	fmt.Fprintf(&buf, "state: %s\n", v.State)
	fmt.Fprintf(&buf, "age: %d\n", int64(v.Age.Seconds()))
	fmt.Fprintf(&buf, "delay: %d\n", int64(v.Delay.Seconds()))
	fmt.Fprintf(&buf, "ttr: %d\n", int64(v.TTR.Seconds()))
	fmt.Fprintf(&buf, "time-left: %d\n", int64(v.TimeLeft.Seconds()))
	fmt.Fprintf(&buf, "timeouts: %d\n", v.Timeouts)
	fmt.Fprintf(&buf, "releases: %d\n", v.Releases)
	fmt.Fprintf(&buf, "buries: %d\n", v.Buries)
	fmt.Fprintf(&buf, "kicks: %d\n", v.Kicks)
	return buf.Bytes()
}
