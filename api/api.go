// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package api provides a client for the beanstalkd wire protocol:
// producers put jobs, workers reserve and resolve them. A Client drives
// one connection and serializes commands on it, so a blocked Reserve
// holds the connection until a job arrives.
package api

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when the id a command names does not
	// resolve to a job the server is willing to touch.
	ErrNotFound = errors.New("job not found")

	// ErrBuried is returned when the server parked the job in the
	// graveyard instead: a put or release that overflowed the queue, on
	// top of the usual bury command.
	ErrBuried = errors.New("job buried")

	// ErrDraining is returned for puts once the server refuses new work.
	ErrDraining = errors.New("server is draining")
)

// Config is used to configure the creation of a client.
type Config struct {
	// Address is the host:port of the beanstalkd server.
	Address string

	// Timeout bounds the dial; zero means no limit.
	Timeout time.Duration
}

// DefaultConfig returns a default configuration for the client, taking
// the server address from BEANSTALKD_ADDR when set.
func DefaultConfig() *Config {
	config := &Config{
		Address: "127.0.0.1:11300",
		Timeout: 10 * time.Second,
	}
	if addr := os.Getenv("BEANSTALKD_ADDR"); addr != "" {
		config.Address = addr
	}
	return config
}

// Client is a connected protocol client.
type Client struct {
	config Config

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// Job is a job as seen through job-bearing replies.
type Job struct {
	ID       uint64
	Priority uint32
	Body     []byte
}

// NewClient connects to the configured server. A nil config uses
// DefaultConfig.
func NewClient(config *Config) (*Client, error) {
	defConfig := DefaultConfig()
	if config == nil {
		config = defConfig
	}
	if config.Address == "" {
		config.Address = defConfig.Address
	}

	conn, err := net.DialTimeout("tcp", config.Address, config.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", config.Address, err)
	}

	return &Client{
		config: *config,
		conn:   conn,
		r:      bufio.NewReader(conn),
		w:      bufio.NewWriter(conn),
	}, nil
}

// Address returns the configured server address.
func (c *Client) Address() string {
	return c.config.Address
}

// Close tears down the connection. Any reserved jobs go back to the
// ready queue on the server side.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Put submits a job. The returned id is valid even when the server had
// to bury the job on arrival, which is reported as ErrBuried.
func (c *Client) Put(pri uint32, delay, ttr time.Duration, body []byte) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.w, "put %d %d %d %d\r\n", pri, seconds(delay), seconds(ttr), len(body))
	c.w.Write(body)
	c.w.WriteString("\r\n")
	if err := c.w.Flush(); err != nil {
		return 0, err
	}

	fields, err := c.readReply()
	if err != nil {
		return 0, err
	}
	switch fields[0] {
	case "INSERTED":
		return parseID(fields)
	case "BURIED":
		id, err := parseID(fields)
		if err != nil {
			return 0, err
		}
		return id, ErrBuried
	}
	return 0, replyError(fields)
}

// Reserve blocks until the server matches a job to this connection.
func (c *Client) Reserve() (*Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeLine("reserve"); err != nil {
		return nil, err
	}
	return c.readJob("RESERVED")
}

// Delete destroys a job held by this connection, a buried job, or
// another connection's reservation.
func (c *Client) Delete(id uint64) error {
	return c.simpleCmd(fmt.Sprintf("delete %d", id), "DELETED")
}

// Release puts a job this connection has reserved back into service
// under a new priority, after an optional delay. ErrBuried means the
// target queue was full and the job went to the graveyard instead.
func (c *Client) Release(id uint64, pri uint32, delay time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeLine(fmt.Sprintf("release %d %d %d", id, pri, seconds(delay))); err != nil {
		return err
	}
	fields, err := c.readReply()
	if err != nil {
		return err
	}
	switch fields[0] {
	case "RELEASED":
		return nil
	case "BURIED":
		return ErrBuried
	}
	return replyError(fields)
}

// Bury moves a job this connection has reserved to the graveyard.
func (c *Client) Bury(id uint64, pri uint32) error {
	return c.simpleCmd(fmt.Sprintf("bury %d %d", id, pri), "BURIED")
}

// Kick asks the server to promote up to bound jobs back into the ready
// queue and returns how many moved.
func (c *Client) Kick(bound uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeLine(fmt.Sprintf("kick %d", bound)); err != nil {
		return 0, err
	}
	fields, err := c.readReply()
	if err != nil {
		return 0, err
	}
	if fields[0] != "KICKED" || len(fields) != 2 {
		return 0, replyError(fields)
	}
	n, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad kick count %q: %w", fields[1], err)
	}
	return uint32(n), nil
}

// Peek returns the next job kick would move, without moving it.
func (c *Client) Peek() (*Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeLine("peek"); err != nil {
		return nil, err
	}
	return c.readJob("FOUND")
}

// PeekJob returns the job with the given id regardless of its state.
func (c *Client) PeekJob(id uint64) (*Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeLine(fmt.Sprintf("peek %d", id)); err != nil {
		return nil, err
	}
	return c.readJob("FOUND")
}

// Stats returns the server's key/value statistics report.
func (c *Client) Stats() (map[string]string, error) {
	return c.statsCmd("stats")
}

// StatsJob returns the per-job statistics report.
func (c *Client) StatsJob(id uint64) (map[string]string, error) {
	return c.statsCmd(fmt.Sprintf("stats %d", id))
}

func (c *Client) statsCmd(line string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeLine(line); err != nil {
		return nil, err
	}
	fields, err := c.readReply()
	if err != nil {
		return nil, err
	}
	if fields[0] != "OK" || len(fields) != 2 {
		return nil, replyError(fields)
	}
	size, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("bad body size %q: %w", fields[1], err)
	}
	body, err := c.readBody(size)
	if err != nil {
		return nil, err
	}
	return parseStats(body), nil
}

// simpleCmd sends a one-line command expecting a one-word reply.
func (c *Client) simpleCmd(line, want string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeLine(line); err != nil {
		return err
	}
	fields, err := c.readReply()
	if err != nil {
		return err
	}
	if fields[0] != want {
		return replyError(fields)
	}
	return nil
}

func (c *Client) writeLine(line string) error {
	c.w.WriteString(line)
	c.w.WriteString("\r\n")
	return c.w.Flush()
}

// readReply reads one reply line and splits it into fields.
func (c *Client) readReply() ([]string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(line, "\r\n") {
		return nil, fmt.Errorf("malformed reply line %q", line)
	}
	return strings.Split(strings.TrimSuffix(line, "\r\n"), " "), nil
}

// readJob consumes a job-bearing reply with the given leading word.
func (c *Client) readJob(word string) (*Job, error) {
	fields, err := c.readReply()
	if err != nil {
		return nil, err
	}
	if fields[0] != word {
		return nil, replyError(fields)
	}
	if len(fields) != 4 {
		return nil, fmt.Errorf("unexpected reply: %s", strings.Join(fields, " "))
	}
	id, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad job id %q: %w", fields[1], err)
	}
	pri, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("bad priority %q: %w", fields[2], err)
	}
	size, err := strconv.Atoi(fields[3])
	if err != nil {
		return nil, fmt.Errorf("bad body size %q: %w", fields[3], err)
	}
	body, err := c.readBody(size)
	if err != nil {
		return nil, err
	}
	return &Job{ID: id, Priority: uint32(pri), Body: body}, nil
}

// readBody reads size bytes plus the trailing CRLF.
func (c *Client) readBody(size int) ([]byte, error) {
	body := make([]byte, size+2)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, err
	}
	if !bytes.HasSuffix(body, []byte("\r\n")) {
		return nil, fmt.Errorf("body missing CRLF terminator")
	}
	return body[:size:size], nil
}

// parseID extracts the job id from an INSERTED or BURIED reply.
func parseID(fields []string) (uint64, error) {
	if len(fields) != 2 {
		return 0, fmt.Errorf("unexpected reply: %s", strings.Join(fields, " "))
	}
	id, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad job id %q: %w", fields[1], err)
	}
	return id, nil
}

// replyError maps protocol error replies onto Go errors.
func replyError(fields []string) error {
	switch fields[0] {
	case "NOT_FOUND":
		return ErrNotFound
	case "CLIENT_ERROR":
		return fmt.Errorf("client error: %s", strings.Join(fields[1:], " "))
	case "SERVER_ERROR":
		if len(fields) >= 2 && fields[1] == "2" {
			return ErrDraining
		}
		return fmt.Errorf("server error: %s", strings.Join(fields[1:], " "))
	}
	return fmt.Errorf("unexpected reply: %s", strings.Join(fields, " "))
}

// parseStats decodes the YAML-style key/value report body.
func parseStats(body []byte) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(string(body), "\n") {
		if key, value, ok := strings.Cut(line, ": "); ok {
			out[key] = value
		}
	}
	return out
}

func seconds(d time.Duration) uint32 {
	return uint32(d / time.Second)
}
