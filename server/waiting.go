// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"container/list"
)

// waitQueue is the process-wide FIFO of worker clients blocked in
// reserve. The head waiter is served first by the matching step. Closing
// a connection unlinks it from anywhere in the queue.
type waitQueue struct {
	l *list.List
}

func newWaitQueue() *waitQueue {
	return &waitQueue{l: list.New()}
}

// append adds a client at the tail. The client must not already be
// waiting.
func (w *waitQueue) append(c *Client) {
	c.waitElem = w.l.PushBack(c)
}

// pop removes and returns the head client, or nil when empty.
func (w *waitQueue) pop() *Client {
	e := w.l.Front()
	if e == nil {
		return nil
	}
	w.l.Remove(e)
	c := e.Value.(*Client)
	c.waitElem = nil
	return c
}

// remove unlinks the client if it is waiting, reporting whether it was.
func (w *waitQueue) remove(c *Client) bool {
	if c.waitElem == nil {
		return false
	}
	w.l.Remove(c.waitElem)
	c.waitElem = nil
	return true
}

func (w *waitQueue) len() int {
	return w.l.Len()
}
