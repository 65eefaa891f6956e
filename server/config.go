// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"fmt"
	"net"

	"github.com/hashicorp/go-multierror"

	"github.com/hashicorp/beanstalkd/version"
)

const (
	// DefaultPort is the TCP port the server listens on when none is
	// configured.
	DefaultPort = 11300

	// DefaultHeapSize is the capacity of each of the ready and delay
	// queues: 16 Mi jobs.
	DefaultHeapSize = 1 << 24

	// DefaultMaxJobSize is the largest job body accepted, in bytes. The
	// put command states the body length as a five-digit-maximum decimal,
	// so the limit is one less than 64 KiB.
	DefaultMaxJobSize = (1 << 16) - 1
)

var (
	// DefaultBindAddr accepts connections on every interface.
	DefaultBindAddr = &net.TCPAddr{IP: net.ParseIP("0.0.0.0"), Port: DefaultPort}
)

// Config is used to parameterize the server.
type Config struct {
	// BindAddr is the TCP address the protocol listener binds to.
	BindAddr *net.TCPAddr

	// HeapSize caps how many jobs the ready queue and the delay queue can
	// each hold. Inserts beyond the cap fall back to burying the job.
	HeapSize int

	// MaxJobSize is the largest accepted job body in bytes. Puts with a
	// larger declared size are rejected as a client error.
	MaxJobSize int

	// MaxConnsPerClientIP limits concurrent connections from one remote
	// IP. Zero means unlimited.
	MaxConnsPerClientIP int

	// Version is the build version reported by stats.
	Version string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		BindAddr:   DefaultBindAddr,
		HeapSize:   DefaultHeapSize,
		MaxJobSize: DefaultMaxJobSize,
		Version:    version.GetVersion().VersionNumber(),
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var mErr multierror.Error

	if c.BindAddr == nil {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("bind address is required"))
	}
	if c.HeapSize <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("heap size must be positive, got %d", c.HeapSize))
	}
	if c.MaxJobSize <= 0 || c.MaxJobSize > DefaultMaxJobSize {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("max job size must be in (0, %d], got %d", DefaultMaxJobSize, c.MaxJobSize))
	}
	if c.MaxConnsPerClientIP < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("max connections per client IP cannot be negative, got %d", c.MaxConnsPerClientIP))
	}

	return mErr.ErrorOrNil()
}
