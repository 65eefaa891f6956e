// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/beanstalkd/ci"
	"github.com/shoenig/test/must"
)

func parseInput(t *testing.T, input string) (*Command, error) {
	t.Helper()
	return readCommand(bufio.NewReader(strings.NewReader(input)), DefaultMaxJobSize)
}

func TestReadCommand_Put(t *testing.T) {
	ci.Parallel(t)

	cmd, err := parseInput(t, "put 1024 5 60 5\r\nhello\r\n")
	must.NoError(t, err)
	must.Eq(t, opPut, cmd.Op)
	must.Eq(t, uint32(1024), cmd.Pri)
	must.Eq(t, 5*time.Second, cmd.Delay)
	must.Eq(t, 60*time.Second, cmd.TTR)
	must.Eq(t, []byte("hello"), cmd.Body)

	// Empty bodies are legal
	cmd, err = parseInput(t, "put 0 0 1 0\r\n\r\n")
	must.NoError(t, err)
	must.Eq(t, 0, len(cmd.Body))
}

func TestReadCommand_Words(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		input string
		op    opCode
		id    uint64
		pri   uint32
		delay time.Duration
		bound uint32
	}{
		{input: "reserve\r\n", op: opReserve},
		{input: "delete 12\r\n", op: opDelete, id: 12},
		{input: "release 7 3 2\r\n", op: opRelease, id: 7, pri: 3, delay: 2 * time.Second},
		{input: "bury 9 2\r\n", op: opBury, id: 9, pri: 2},
		{input: "kick 100\r\n", op: opKick, bound: 100},
		{input: "peek\r\n", op: opPeek},
		{input: "peek 4\r\n", op: opPeekJob, id: 4},
		{input: "stats\r\n", op: opStats},
		{input: "stats 8\r\n", op: opJobStats, id: 8},
	}

	for _, tc := range cases {
		t.Run(strings.TrimSuffix(tc.input, "\r\n"), func(t *testing.T) {
			cmd, err := parseInput(t, tc.input)
			must.NoError(t, err)
			must.Eq(t, tc.op, cmd.Op)
			must.Eq(t, tc.id, cmd.ID)
			must.Eq(t, tc.pri, cmd.Pri)
			must.Eq(t, tc.delay, cmd.Delay)
			must.Eq(t, tc.bound, cmd.Bound)
		})
	}
}

func TestReadCommand_Errors(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name  string
		input string
		want  *ClientError
	}{
		{"unknown word", "frobnicate\r\n", errUnknownCmd},
		{"put bad arity", "put 1 2 3\r\n", errBadFormat},
		{"reserve with args", "reserve now\r\n", errBadFormat},
		{"reserve trailing space", "reserve \r\n", errBadFormat},
		{"delete missing id", "delete\r\n", errBadFormat},
		{"release bad arity", "release 1 2\r\n", errBadFormat},
		{"bury bad arity", "bury 1\r\n", errBadFormat},
		{"kick missing bound", "kick\r\n", errBadFormat},
		{"peek extra args", "peek 1 2\r\n", errBadFormat},
		{"stats extra args", "stats 1 2\r\n", errBadFormat},
		{"non-numeric pri", "put x 0 60 1\r\nz\r\n", errBadFormat},
		{"signed pri", "put -1 0 60 1\r\nz\r\n", errBadFormat},
		{"pri overflow", "put 4294967296 0 60 1\r\nz\r\n", errBadFormat},
		{"non-numeric id", "delete abc\r\n", errBadFormat},
		{"embedded nul", "delete 1\x00\r\n", errBadFormat},
		{"bare lf", "reserve\n", errBadFormat},
		{"line too long", "put " + strings.Repeat("1", 60) + "\r\n", errBadFormat},
		{"declared size over limit", "put 0 0 60 65536\r\n", errJobTooBig},
		{"missing body crlf", "put 0 0 60 3\r\nabcXY", errExpectedCRLF},
		{"body larger than declared", "put 0 0 60 3\r\nabcd\r\n", errExpectedCRLF},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseInput(t, tc.input)
			ce, ok := err.(*ClientError)
			must.True(t, ok)
			must.EqOp(t, tc.want, ce)
		})
	}
}

func TestReadCommand_MaxJobSize(t *testing.T) {
	ci.Parallel(t)

	// The limit applies to the declared size, checked before the body is
	// consumed
	body := strings.Repeat("x", 8)
	cmd, err := parseInput(t, "put 0 0 60 8\r\n"+body+"\r\n")
	must.NoError(t, err)
	must.Eq(t, []byte(body), cmd.Body)

	r := bufio.NewReader(strings.NewReader("put 0 0 60 9\r\n"))
	_, err = readCommand(r, 8)
	must.EqOp(t, errJobTooBig, err.(*ClientError))
}

func TestReadLine_Boundary(t *testing.T) {
	ci.Parallel(t)

	// 54 bytes including CRLF is the longest accepted line
	line := "delete " + strings.Repeat("0", 44) + "1\r\n"
	must.Eq(t, lineBufSize, len(line))
	cmd, err := parseInput(t, line)
	must.NoError(t, err)
	must.Eq(t, uint64(1), cmd.ID)

	_, err = parseInput(t, "delete "+strings.Repeat("0", 45)+"1\r\n")
	must.EqOp(t, errBadFormat, err.(*ClientError))
}

func TestWriteReplies(t *testing.T) {
	ci.Parallel(t)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	must.NoError(t, writeLine(w, "DELETED"))
	must.Eq(t, "DELETED\r\n", buf.String())

	buf.Reset()
	j := &Job{ID: 12, Priority: 3, Body: []byte("hi")}
	must.NoError(t, writeJob(w, msgReserved, j))
	must.Eq(t, "RESERVED 12 3 2\r\nhi\r\n", buf.String())

	buf.Reset()
	must.NoError(t, writeBody(w, []byte("abcde")))
	must.Eq(t, "OK 5\r\nabcde\r\n", buf.String())

	buf.Reset()
	must.NoError(t, writeClientError(w, errJobTooBig))
	must.Eq(t, "CLIENT_ERROR 3 job too big\r\n", buf.String())

	buf.Reset()
	must.NoError(t, writeServerError(w, errOutOfMemory))
	must.Eq(t, "SERVER_ERROR 0 out of memory\r\n", buf.String())

	buf.Reset()
	must.NoError(t, writeServerError(w, errDrainMode))
	must.Eq(t, "SERVER_ERROR 2 draining\r\n", buf.String())
}
