// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// lineBufSize is the command line limit, sized to fit the longest valid
// line plus CRLF with room to spare. Lines that run past it are a client
// error.
const lineBufSize = 54

// opCode identifies a protocol command.
type opCode uint8

const (
	opUnknown opCode = iota
	opPut
	opReserve
	opDelete
	opRelease
	opBury
	opKick
	opPeek
	opPeekJob
	opStats
	opJobStats
)

func opName(op opCode) string {
	switch op {
	case opPut:
		return "put"
	case opReserve:
		return "reserve"
	case opDelete:
		return "delete"
	case opRelease:
		return "release"
	case opBury:
		return "bury"
	case opKick:
		return "kick"
	case opPeek, opPeekJob:
		return "peek"
	case opStats, opJobStats:
		return "stats"
	default:
		return "unknown"
	}
}

// Command is one parsed protocol command with decoded arguments and, for
// put, the job body with its framing already stripped.
type Command struct {
	Op    opCode
	ID    uint64
	Pri   uint32
	Delay time.Duration
	TTR   time.Duration
	Bound uint32
	Body  []byte
}

// ClientError is a protocol violation by the client. It is reported on
// the wire and the connection is closed, since the byte stream can no
// longer be trusted.
type ClientError struct {
	Code int
	Msg  string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error %d: %s", e.Code, e.Msg)
}

// ServerError is a failure on our side of the protocol.
type ServerError struct {
	Code int
	Msg  string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Msg)
}

var (
	errBadFormat    = &ClientError{Code: 0, Msg: "bad command line format"}
	errUnknownCmd   = &ClientError{Code: 1, Msg: "unknown command"}
	errExpectedCRLF = &ClientError{Code: 2, Msg: "expected CR-LF after job body"}
	errJobTooBig    = &ClientError{Code: 3, Msg: "job too big"}

	errOutOfMemory = &ServerError{Code: 0, Msg: "out of memory"}
	errInternal    = &ServerError{Code: 1, Msg: "internal error"}
	errDrainMode   = &ServerError{Code: 2, Msg: "draining"}
)

// readCommand reads one framed command, including the job body for put.
// A returned *ClientError must be reported to the client before the
// connection is closed; any other error means the connection is gone.
func readCommand(r *bufio.Reader, maxJobSize int) (*Command, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	return parseCommand(r, line, maxJobSize)
}

// readLine accumulates one CRLF-terminated line, without the CRLF.
func readLine(r *bufio.Reader) ([]byte, error) {
	buf := make([]byte, 0, lineBufSize)
	for {
		ch, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf = append(buf, ch)
		if ch == '\n' {
			if len(buf) < 2 || buf[len(buf)-2] != '\r' {
				return nil, errBadFormat
			}
			return buf[: len(buf)-2 : len(buf)-2], nil
		}
		if len(buf) >= lineBufSize {
			return nil, errBadFormat
		}
	}
}

func parseCommand(r *bufio.Reader, line []byte, maxJobSize int) (*Command, error) {
	if bytes.IndexByte(line, 0) >= 0 {
		return nil, errBadFormat
	}

	fields := strings.Split(string(line), " ")
	cmd := &Command{}

	switch fields[0] {
	case "put":
		// put <pri> <delay> <ttr> <bytes>
		if len(fields) != 5 {
			return nil, errBadFormat
		}
		pri, err1 := parseUint32(fields[1])
		delay, err2 := parseSeconds(fields[2])
		ttr, err3 := parseSeconds(fields[3])
		size, err4 := parseUint32(fields[4])
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			return nil, errBadFormat
		}
		if int(size) > maxJobSize {
			return nil, errJobTooBig
		}
		body := make([]byte, int(size)+2)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
		if !bytes.HasSuffix(body, []byte("\r\n")) {
			return nil, errExpectedCRLF
		}
		cmd.Op = opPut
		cmd.Pri = pri
		cmd.Delay = delay
		cmd.TTR = ttr
		cmd.Body = body[:size:size]

	case "reserve":
		if len(fields) != 1 {
			return nil, errBadFormat
		}
		cmd.Op = opReserve

	case "delete":
		if len(fields) != 2 {
			return nil, errBadFormat
		}
		id, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, errBadFormat
		}
		cmd.Op = opDelete
		cmd.ID = id

	case "release":
		// release <id> <pri> <delay>
		if len(fields) != 4 {
			return nil, errBadFormat
		}
		id, err1 := strconv.ParseUint(fields[1], 10, 64)
		pri, err2 := parseUint32(fields[2])
		delay, err3 := parseSeconds(fields[3])
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, errBadFormat
		}
		cmd.Op = opRelease
		cmd.ID = id
		cmd.Pri = pri
		cmd.Delay = delay

	case "bury":
		// bury <id> <pri>
		if len(fields) != 3 {
			return nil, errBadFormat
		}
		id, err1 := strconv.ParseUint(fields[1], 10, 64)
		pri, err2 := parseUint32(fields[2])
		if err1 != nil || err2 != nil {
			return nil, errBadFormat
		}
		cmd.Op = opBury
		cmd.ID = id
		cmd.Pri = pri

	case "kick":
		if len(fields) != 2 {
			return nil, errBadFormat
		}
		bound, err := parseUint32(fields[1])
		if err != nil {
			return nil, errBadFormat
		}
		cmd.Op = opKick
		cmd.Bound = bound

	case "peek":
		switch len(fields) {
		case 1:
			cmd.Op = opPeek
		case 2:
			id, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return nil, errBadFormat
			}
			cmd.Op = opPeekJob
			cmd.ID = id
		default:
			return nil, errBadFormat
		}

	case "stats":
		switch len(fields) {
		case 1:
			cmd.Op = opStats
		case 2:
			id, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return nil, errBadFormat
			}
			cmd.Op = opJobStats
			cmd.ID = id
		default:
			return nil, errBadFormat
		}

	default:
		return nil, errUnknownCmd
	}

	return cmd, nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}

func parseSeconds(s string) (time.Duration, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return time.Duration(v) * time.Second, err
}

// Reply words. Lines are CRLF-terminated; job-bearing replies append the
// body and one more CRLF.
const (
	msgInserted = "INSERTED"
	msgBuried   = "BURIED"
	msgReserved = "RESERVED"
	msgFound    = "FOUND"
	msgNotFound = "NOT_FOUND"
	msgDeleted  = "DELETED"
	msgReleased = "RELEASED"
	msgKicked   = "KICKED"
	msgOK       = "OK"
)

func writeLine(w *bufio.Writer, line string) error {
	w.WriteString(line)
	w.WriteString("\r\n")
	return w.Flush()
}

func writeJob(w *bufio.Writer, word string, j *Job) error {
	fmt.Fprintf(w, "%s %d %d %d\r\n", word, j.ID, j.Priority, len(j.Body))
	w.Write(j.Body)
	w.WriteString("\r\n")
	return w.Flush()
}

func writeBody(w *bufio.Writer, body []byte) error {
	fmt.Fprintf(w, "%s %d\r\n", msgOK, len(body))
	w.Write(body)
	w.WriteString("\r\n")
	return w.Flush()
}

func writeClientError(w *bufio.Writer, e *ClientError) error {
	return writeLine(w, fmt.Sprintf("CLIENT_ERROR %d %s", e.Code, e.Msg))
}

func writeServerError(w *bufio.Writer, e *ServerError) error {
	return writeLine(w, fmt.Sprintf("SERVER_ERROR %d %s", e.Code, e.Msg))
}
