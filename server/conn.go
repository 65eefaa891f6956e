// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"
)

// errConnClosed ends the handler loop once the peer is known to be gone.
var errConnClosed = errors.New("connection closed")

// frame is one unit handed from the read loop to the handler: a parsed
// command, or the error that ended parsing.
type frame struct {
	cmd *Command
	err error
}

// Conn drives one client connection with two goroutines. The read loop
// parses commands and forwards them on frames; the handler executes them
// in order and owns the write side, so replies never interleave. Keeping
// the read loop separate lets a peer close be noticed while the handler
// is blocked in reserve.
type Conn struct {
	srv    *Server
	broker *Broker
	client *Client
	nc     net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	logger hclog.Logger

	// frames has one slot so the reader is normally parked in a read,
	// where a dropped connection is seen immediately. A client that keeps
	// pipelining past an outstanding reserve parks the reader in the send
	// instead, and close detection resumes once the reserve resolves.
	frames     chan frame
	readerDone chan struct{}
}

func newConn(srv *Server, nc net.Conn) *Conn {
	client := srv.broker.NewClient()
	return &Conn{
		srv:        srv,
		broker:     srv.broker,
		client:     client,
		nc:         nc,
		r:          bufio.NewReader(nc),
		w:          bufio.NewWriter(nc),
		logger:     srv.logger.With("conn_id", client.ID(), "remote_addr", nc.RemoteAddr().String()),
		frames:     make(chan frame, 1),
		readerDone: make(chan struct{}),
	}
}

func (c *Conn) run() {
	defer c.cleanup()
	go c.readLoop()
	c.handleLoop()
}

// readLoop parses the inbound byte stream. A protocol error is forwarded
// for the handler to report, and because the stream cannot be
// re-synchronized afterwards the loop then only consumes bytes until the
// peer goes away.
func (c *Conn) readLoop() {
	defer close(c.readerDone)
	for {
		cmd, err := readCommand(c.r, c.srv.config.MaxJobSize)
		if err != nil {
			c.frames <- frame{err: err}
			var ce *ClientError
			if errors.As(err, &ce) {
				io.Copy(io.Discard, c.r)
			}
			return
		}
		c.frames <- frame{cmd: cmd}
	}
}

// handleLoop executes commands in arrival order until the stream ends or
// a reply can no longer be written.
func (c *Conn) handleLoop() {
	for {
		f := <-c.frames
		if f.err != nil {
			var ce *ClientError
			if errors.As(f.err, &ce) {
				c.logger.Debug("closing connection after protocol error", "error", ce.Msg)
				writeClientError(c.w, ce)
			} else if f.err != io.EOF && !errors.Is(f.err, net.ErrClosed) {
				c.logger.Debug("connection read failed", "error", f.err)
			}
			return
		}
		if err := c.dispatch(f.cmd); err != nil {
			return
		}
	}
}

// dispatch runs one command against the broker and writes its reply. A
// non-nil return closes the connection.
func (c *Conn) dispatch(cmd *Command) error {
	defer metrics.MeasureSince([]string{"beanstalkd", "conn", opName(cmd.Op)}, time.Now())
	c.srv.ops.count(cmd.Op)

	switch cmd.Op {
	case opPut:
		id, buried, err := c.broker.Put(c.client, cmd.Pri, cmd.Delay, cmd.TTR, cmd.Body)
		if err != nil {
			if errors.Is(err, ErrDraining) {
				// The put is refused but the connection stays open so
				// existing jobs can still be worked off.
				return writeServerError(c.w, errDrainMode)
			}
			writeServerError(c.w, errInternal)
			return err
		}
		word := msgInserted
		if buried {
			word = msgBuried
		}
		return writeLine(c.w, fmt.Sprintf("%s %d", word, id))

	case opReserve:
		deliver := c.broker.Reserve(c.client)
		select {
		case j := <-deliver:
			return writeJob(c.w, msgReserved, j)
		case <-c.readerDone:
			return errConnClosed
		}

	case opDelete:
		if !c.broker.Delete(c.client, cmd.ID) {
			return writeLine(c.w, msgNotFound)
		}
		return writeLine(c.w, msgDeleted)

	case opRelease:
		found, buried := c.broker.Release(c.client, cmd.ID, cmd.Pri, cmd.Delay)
		switch {
		case !found:
			return writeLine(c.w, msgNotFound)
		case buried:
			return writeLine(c.w, msgBuried)
		default:
			return writeLine(c.w, msgReleased)
		}

	case opBury:
		if !c.broker.Bury(c.client, cmd.ID, cmd.Pri) {
			return writeLine(c.w, msgNotFound)
		}
		return writeLine(c.w, msgBuried)

	case opKick:
		n := c.broker.Kick(cmd.Bound)
		return writeLine(c.w, fmt.Sprintf("%s %d", msgKicked, n))

	case opPeek:
		j := c.broker.Peek()
		if j == nil {
			return writeLine(c.w, msgNotFound)
		}
		return writeJob(c.w, msgFound, j)

	case opPeekJob:
		j := c.broker.PeekJob(cmd.ID)
		if j == nil {
			return writeLine(c.w, msgNotFound)
		}
		return writeJob(c.w, msgFound, j)

	case opStats:
		return writeBody(c.w, c.srv.statsBody())

	case opJobStats:
		v, ok := c.broker.JobStats(cmd.ID)
		if !ok {
			return writeLine(c.w, msgNotFound)
		}
		return writeBody(c.w, renderJobStats(v))

	default:
		writeServerError(c.w, errInternal)
		return errInternal
	}
}

// cleanup tears the connection down in a fixed order: close the socket so
// the read loop unblocks, drain its remaining frames, then hand the
// client back to the broker, which requeues anything still reserved.
func (c *Conn) cleanup() {
	c.nc.Close()
	for {
		select {
		case <-c.frames:
		case <-c.readerDone:
			c.broker.CloseClient(c.client)
			c.srv.connDone(c.nc)
			return
		}
	}
}
