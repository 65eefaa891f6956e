// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"
	"oss.indeed.com/go/libtime"
)

var (
	// ErrDraining is returned by Put once the server has entered drain
	// mode.
	ErrDraining = errors.New("draining")
)

// Broker is the job lifecycle engine. It owns the ready and delay queues,
// the graveyard, every connection's reservation list, and the FIFO of
// workers blocked in reserve. A single mutex serializes all transitions,
// and a run loop holds the one wall-clock timer that fires for the
// earliest delay expiry or reservation timeout.
type Broker struct {
	logger hclog.Logger
	clock  libtime.Clock

	mu sync.Mutex

	nextID       uint64
	nextClientID uint64

	ready   *jobHeap
	delayed *jobHeap
	buried  *graveyard
	waiting *waitQueue

	// jobs indexes every live job by id for peek and stats lookups.
	jobs map[uint64]*Job

	clients map[*Client]struct{}

	// urgent counts ready jobs with priority below UrgentThreshold.
	urgent int

	drain bool

	timeouts   uint64
	deleted    uint64
	totalConns uint64
	producers  int
	workers    int

	wakeCh     chan struct{}
	shutdownCh chan struct{}
	shutdown   bool
}

// Client is the broker's view of one connection: the jobs it has
// reserved, its position in the waiting queue, and the channel a matched
// job is delivered on. All fields are guarded by the broker mutex.
type Client struct {
	id           uint64
	deliver      chan *Job
	reservations reservationList
	waitElem     *list.Element
	producer     bool
	worker       bool
	closed       bool
}

// ID returns the connection number assigned at registration.
func (c *Client) ID() uint64 {
	return c.id
}

// NewBroker starts a broker sized by the config. Shutdown must be called
// to stop its run loop.
func NewBroker(config *Config, logger hclog.Logger) *Broker {
	b := &Broker{
		logger:       logger.Named("broker"),
		clock:        libtime.SystemClock(),
		nextID:       1,
		nextClientID: 1,
		ready:        newJobHeap(config.HeapSize, priorityLess),
		delayed:      newJobHeap(config.HeapSize, delayLess),
		buried:       newGraveyard(),
		waiting:      newWaitQueue(),
		jobs:         make(map[uint64]*Job),
		clients:      make(map[*Client]struct{}),
		wakeCh:       make(chan struct{}, 1),
		shutdownCh:   make(chan struct{}),
	}
	go b.run()
	return b
}

// Shutdown stops the run loop. Jobs and clients are left in place; the
// process is expected to exit.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown {
		return
	}
	b.shutdown = true
	close(b.shutdownCh)
}

// NewClient registers a connection and returns its broker identity.
func (b *Broker) NewClient() *Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &Client{
		id:      b.nextClientID,
		deliver: make(chan *Job, 1),
	}
	b.nextClientID++
	b.clients[c] = struct{}{}
	b.totalConns++
	return c
}

// CloseClient withdraws a connection. It is unlinked from the waiting
// queue and every job it holds goes back to the ready queue, buried on
// overflow, so no reserved job is ever lost. Safe to call twice.
func (b *Broker) CloseClient(c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true

	b.waiting.remove(c)

	// A matched job can sit undelivered in the channel. It is already in
	// the reservation list, so draining the channel is enough to reclaim
	// it below.
	select {
	case <-c.deliver:
	default:
	}

	reclaimed := c.reservations.takeAll()
	for _, j := range reclaimed {
		b.requeueLocked(j)
	}
	if len(reclaimed) > 0 {
		b.logger.Debug("reclaimed reservations from closed connection",
			"conn_id", c.id, "jobs", len(reclaimed))
	}

	if c.producer {
		b.producers--
	}
	if c.worker {
		b.workers--
	}
	delete(b.clients, c)

	b.matchLocked(b.clock.Now())
	b.poke()
}

// Put creates a job and places it in the ready queue, or the delay queue
// when delay is positive. It returns the new id and whether the job was
// buried because the destination queue was full. ErrDraining is returned
// in drain mode and no job is created. A zero ttr is raised to one
// second.
func (b *Broker) Put(c *Client, pri uint32, delay, ttr time.Duration, body []byte) (uint64, bool, error) {
	defer metrics.MeasureSince([]string{"beanstalkd", "broker", "put"}, time.Now())

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.drain {
		return 0, false, ErrDraining
	}
	if !c.producer {
		c.producer = true
		b.producers++
	}
	if ttr < time.Second {
		ttr = time.Second
	}

	now := b.clock.Now()
	j := &Job{
		ID:         b.nextID,
		Priority:   pri,
		Delay:      delay,
		TTR:        ttr,
		Body:       body,
		CreateTime: now,
	}
	b.nextID++
	b.jobs[j.ID] = j

	buried := false
	if delay > 0 {
		j.State = JobStateDelayed
		j.Deadline = now.Add(delay)
		if !b.delayed.Give(j) {
			b.buryLocked(j)
			buried = true
		}
	} else {
		if b.pushReadyLocked(j) {
			b.matchLocked(now)
		} else {
			b.buryLocked(j)
			buried = true
		}
	}

	b.poke()
	return j.ID, buried, nil
}

// Reserve appends the client to the waiting queue and runs the matching
// step. The returned channel yields the reserved job: immediately when
// one is ready, otherwise whenever a later put, release, kick, delay
// expiry, or reservation timeout produces one. The only way out of the
// wait is a delivery or closing the client.
func (b *Broker) Reserve(c *Client) <-chan *Job {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !c.worker {
		c.worker = true
		b.workers++
	}
	b.waiting.append(c)
	b.matchLocked(b.clock.Now())
	b.poke()
	return c.deliver
}

// Delete destroys a job and reports whether it was found. The id is
// resolved against the client's own reservations first, then the
// graveyard, then reservations held by any other client; that last case
// allows administrative deletion of a job stuck with a dead worker.
// Ready and delayed jobs cannot be deleted.
func (b *Broker) Delete(c *Client, id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if j := c.reservations.remove(id); j != nil {
		b.destroyLocked(j)
		b.poke()
		return true
	}
	if j := b.buried.Remove(id); j != nil {
		b.destroyLocked(j)
		return true
	}
	for other := range b.clients {
		if j := other.reservations.remove(id); j != nil {
			b.destroyLocked(j)
			b.poke()
			return true
		}
	}
	return false
}

// Release puts one of this client's reserved jobs back into service under
// a new priority, to the ready queue or, with a positive delay, to the
// delay queue. found is false when the client does not hold the job;
// buried is true when the destination was full and the job fell back to
// the graveyard.
func (b *Broker) Release(c *Client, id uint64, pri uint32, delay time.Duration) (found, buried bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j := c.reservations.remove(id)
	if j == nil {
		return false, false
	}

	j.Priority = pri
	j.Delay = delay
	j.Releases++

	now := b.clock.Now()
	if delay > 0 {
		j.State = JobStateDelayed
		j.Deadline = now.Add(delay)
		if !b.delayed.Give(j) {
			b.buryLocked(j)
			buried = true
		}
	} else {
		if b.pushReadyLocked(j) {
			b.matchLocked(now)
		} else {
			b.buryLocked(j)
			buried = true
		}
	}

	b.poke()
	return true, buried
}

// Bury moves one of this client's reserved jobs to the graveyard tail,
// recording the priority it should have when kicked back out.
func (b *Broker) Bury(c *Client, id uint64, pri uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	j := c.reservations.remove(id)
	if j == nil {
		return false
	}
	j.Priority = pri
	j.Buries++
	b.buryLocked(j)
	b.poke()
	return true
}

// Kick promotes up to n jobs into the ready queue and returns how many
// moved. While the graveyard holds jobs they are kicked in buried order;
// only when it is empty does kick promote delayed jobs, taking them from
// the next-to-fire end of the delay queue regardless of deadline.
func (b *Broker) Kick(n uint32) uint32 {
	defer metrics.MeasureSince([]string{"beanstalkd", "broker", "kick"}, time.Now())

	b.mu.Lock()
	defer b.mu.Unlock()

	var kicked uint32
	if b.buried.Len() > 0 {
		// Jobs that fail to fit are reburied at the tail and skipped, so
		// bound the walk by the starting length.
		attempts := b.buried.Len()
		for kicked < n && attempts > 0 {
			attempts--
			j := b.buried.TakeFront()
			if j == nil {
				break
			}
			if b.pushReadyLocked(j) {
				j.Kicks++
				kicked++
			} else {
				b.buried.Bury(j)
			}
		}
	} else {
		for kicked < n {
			j := b.delayed.Take()
			if j == nil {
				break
			}
			if b.pushReadyLocked(j) {
				j.Kicks++
				kicked++
			} else {
				// Ready is full and stays full under this lock, so
				// burying is the last resort and further tries are
				// pointless.
				b.buryLocked(j)
				break
			}
		}
	}

	if kicked > 0 {
		b.matchLocked(b.clock.Now())
	}
	b.poke()
	return kicked
}

// Peek returns a copy of the oldest buried job or, when nothing is
// buried, the next-to-fire delayed job. The copy shares the immutable
// body but detaches from live state, so writing the reply cannot race
// with a release or bury that lands after the lock is dropped.
func (b *Broker) Peek() *Job {
	b.mu.Lock()
	defer b.mu.Unlock()

	j := b.buried.Peek()
	if j == nil {
		j = b.delayed.Peek()
	}
	if j == nil {
		return nil
	}
	cp := *j
	return &cp
}

// PeekJob returns a copy of the live job with the given id regardless of
// which collection holds it.
func (b *Broker) PeekJob(id uint64) *Job {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[id]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

// SetDrain makes the broker refuse new puts for the rest of the process
// lifetime. Every other command keeps working so the queues can empty.
func (b *Broker) SetDrain() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.drain {
		b.drain = true
		b.logger.Info("entering drain mode, new puts will be refused")
	}
}

// Draining reports whether drain mode is set.
func (b *Broker) Draining() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drain
}

// pushReadyLocked inserts a job into the ready queue, returning false
// when the queue is full.
func (b *Broker) pushReadyLocked(j *Job) bool {
	if !b.ready.Give(j) {
		return false
	}
	j.State = JobStateReady
	j.Deadline = time.Time{}
	if j.urgent() {
		b.urgent++
	}
	return true
}

// takeReadyLocked removes the highest-priority ready job, or nil.
func (b *Broker) takeReadyLocked() *Job {
	j := b.ready.Take()
	if j == nil {
		return nil
	}
	if j.urgent() {
		b.urgent--
	}
	return j
}

// buryLocked appends a job to the graveyard.
func (b *Broker) buryLocked(j *Job) {
	j.State = JobStateBuried
	j.Deadline = time.Time{}
	b.buried.Bury(j)
}

// requeueLocked returns a job to the ready queue, burying it when the
// queue is full. Used by reservation expiry, delay expiry, and
// connection close.
func (b *Broker) requeueLocked(j *Job) {
	if !b.pushReadyLocked(j) {
		b.buryLocked(j)
	}
}

// destroyLocked removes a job from the live index. The caller must have
// already unlinked it from its collection.
func (b *Broker) destroyLocked(j *Job) {
	j.State = JobStateInvalid
	delete(b.jobs, j.ID)
	b.deleted++
}

// matchLocked pairs ready jobs with waiting workers until either side
// runs out. Each pairing moves the job into the worker's reservation list
// with a fresh TTR deadline and hands it over on the delivery channel.
func (b *Broker) matchLocked(now time.Time) {
	for b.waiting.len() > 0 {
		j := b.takeReadyLocked()
		if j == nil {
			return
		}
		c := b.waiting.pop()
		j.State = JobStateReserved
		j.Deadline = now.Add(j.TTR)
		c.reservations.add(j)
		// One outstanding reserve per connection means the buffered
		// channel always has room.
		c.deliver <- j
	}
}

// poke nudges the run loop into recomputing its wakeup.
func (b *Broker) poke() {
	select {
	case b.wakeCh <- struct{}{}:
	default:
	}
}

// run owns the single wall-clock timer. It sleeps until the earliest
// deadline across the delay queue and all reservations, applies the due
// transitions, and recomputes.
func (b *Broker) run() {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		var timerC <-chan time.Time
		if deadline, ok := b.nextDeadline(); ok {
			d := deadline.Sub(b.clock.Now())
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
			timerC = timer.C
		} else {
			timer.Stop()
		}

		select {
		case <-b.wakeCh:
		case <-timerC:
			b.tick()
		case <-b.shutdownCh:
			return
		}
	}
}

// nextDeadline returns the earliest pending deadline, if any.
func (b *Broker) nextDeadline() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var next time.Time
	if j := b.delayed.Peek(); j != nil {
		next = j.Deadline
	}
	for c := range b.clients {
		if d, ok := c.reservations.soonest(); ok {
			if next.IsZero() || d.Before(next) {
				next = d
			}
		}
	}
	return next, !next.IsZero()
}

// tick applies every transition that has come due: delayed jobs whose
// deadline passed become ready, and expired reservations are pulled back
// from their workers with timeout_ct incremented. Both paths bury on a
// full ready queue.
func (b *Broker) tick() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()

	for {
		j := b.delayed.Peek()
		if j == nil || j.Deadline.After(now) {
			break
		}
		b.delayed.Take()
		b.requeueLocked(j)
		// Match after each drain rather than once per batch: a waiting
		// worker takes jobs in deadline order, not priority order.
		b.matchLocked(now)
	}

	for c := range b.clients {
		expired := c.reservations.takeExpired(now)
		for _, j := range expired {
			j.Timeouts++
			b.timeouts++
			metrics.IncrCounter([]string{"beanstalkd", "broker", "job_timeout"}, 1)
			b.logger.Debug("reservation expired", "job_id", j.ID, "conn_id", c.id)
			b.requeueLocked(j)
		}
	}

	b.matchLocked(now)
}
