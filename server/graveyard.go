// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"container/list"
)

// graveyard holds buried jobs in the order they were buried. Kick promotes
// from the front so buried jobs leave in FIFO order; delete may remove
// from the middle by id.
type graveyard struct {
	l *list.List
}

func newGraveyard() *graveyard {
	return &graveyard{l: list.New()}
}

// Bury appends a job at the tail.
func (g *graveyard) Bury(j *Job) {
	g.l.PushBack(j)
}

// Peek returns the oldest buried job without removing it, or nil.
func (g *graveyard) Peek() *Job {
	e := g.l.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*Job)
}

// TakeFront removes and returns the oldest buried job, or nil.
func (g *graveyard) TakeFront() *Job {
	e := g.l.Front()
	if e == nil {
		return nil
	}
	g.l.Remove(e)
	return e.Value.(*Job)
}

// Remove unlinks the job with the given id and returns it, or nil.
func (g *graveyard) Remove(id uint64) *Job {
	for e := g.l.Front(); e != nil; e = e.Next() {
		j := e.Value.(*Job)
		if j.ID == id {
			g.l.Remove(e)
			return j
		}
	}
	return nil
}

// Find returns the buried job with the given id, or nil.
func (g *graveyard) Find(id uint64) *Job {
	for e := g.l.Front(); e != nil; e = e.Next() {
		j := e.Value.(*Job)
		if j.ID == id {
			return j
		}
	}
	return nil
}

// Len returns the number of buried jobs.
func (g *graveyard) Len() int {
	return g.l.Len()
}
