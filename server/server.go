// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-connlimit"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-uuid"
	"github.com/shirou/gopsutil/v3/process"
)

// statsEmitPeriod is how often queue depth gauges are published to the
// metrics sink.
const statsEmitPeriod = time.Second

// Server ties the protocol listener to a broker. Every accepted
// connection gets its own Conn, and the server carries the process-level
// state the stats command reports.
type Server struct {
	config *Config
	logger hclog.Logger
	broker *Broker

	// ops counts protocol commands for the lifetime totals in stats.
	ops opCounts

	listener net.Listener
	limiter  *connlimit.Limiter

	connLock sync.Mutex
	conns    map[net.Conn]struct{}
	connWG   sync.WaitGroup

	startTime  time.Time
	instanceID string
	proc       *process.Process

	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
	shutdownDone bool
}

// NewServer binds the listener and starts accepting connections. The
// config must already be validated.
func NewServer(config *Config, logger hclog.Logger) (*Server, error) {
	instanceID, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate instance id: %w", err)
	}

	ln, err := net.ListenTCP("tcp", config.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", config.BindAddr, err)
	}

	s := &Server{
		config:     config,
		logger:     logger.Named("server"),
		broker:     NewBroker(config, logger),
		listener:   ln,
		conns:      make(map[net.Conn]struct{}),
		startTime:  time.Now(),
		instanceID: instanceID,
		shutdownCh: make(chan struct{}),
	}
	if config.MaxConnsPerClientIP > 0 {
		s.limiter = connlimit.NewLimiter(connlimit.Config{
			MaxConnsPerClientIP: config.MaxConnsPerClientIP,
		})
	}

	// Process CPU times feed the rusage fields of stats. Losing them is
	// not fatal; they just read as zero.
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = proc
	} else {
		s.logger.Warn("unable to inspect own process, rusage stats will be zero", "error", err)
	}

	s.logger.Info("server started", "bind_addr", ln.Addr().String(),
		"heap_size", config.HeapSize, "max_job_size", config.MaxJobSize)

	go s.listen()
	go s.broker.EmitStats(statsEmitPeriod, s.shutdownCh)
	return s, nil
}

// Addr is the listener's bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// SetDrain switches the broker into drain mode.
func (s *Server) SetDrain() {
	s.broker.SetDrain()
}

// listen accepts connections until shutdown.
func (s *Server) listen() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return
			default:
			}
			s.logger.Error("failed to accept connection", "error", err)
			continue
		}
		select {
		case <-s.shutdownCh:
			conn.Close()
			return
		default:
		}

		free := func() {}
		if s.limiter != nil {
			free, err = s.limiter.Accept(conn)
			if err != nil {
				s.logger.Warn("rejecting connection",
					"remote_addr", conn.RemoteAddr().String(), "error", err)
				conn.Close()
				continue
			}
		}

		metrics.IncrCounter([]string{"beanstalkd", "server", "accept_conn"}, 1)
		s.connLock.Lock()
		s.conns[conn] = struct{}{}
		s.connLock.Unlock()

		s.connWG.Add(1)
		go func(nc net.Conn, free func()) {
			defer s.connWG.Done()
			defer free()
			newConn(s, nc).run()
		}(conn, free)
	}
}

// connDone unregisters a finished connection.
func (s *Server) connDone(nc net.Conn) {
	s.connLock.Lock()
	delete(s.conns, nc)
	s.connLock.Unlock()
}

// Shutdown closes the listener and every live connection, waits for
// their handlers to finish, then stops the broker. Safe to call twice.
func (s *Server) Shutdown() {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()
	if s.shutdownDone {
		return
	}
	s.shutdownDone = true

	s.logger.Info("shutting down")
	close(s.shutdownCh)
	s.listener.Close()

	s.connLock.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connLock.Unlock()

	s.connWG.Wait()
	s.broker.Shutdown()
}

// statsBody assembles the full stats report body.
func (s *Server) statsBody() []byte {
	meta := &statsMeta{
		HeapSize:   s.config.HeapSize,
		MaxJobSize: s.config.MaxJobSize,
		PID:        os.Getpid(),
		Version:    s.config.Version,
		Uptime:     time.Since(s.startTime),
		InstanceID: s.instanceID,
	}
	if s.proc != nil {
		if times, err := s.proc.Times(); err == nil {
			meta.UTime = times.User
			meta.STime = times.System
		}
	}
	return renderStats(s.broker.Stats(), &s.ops, meta)
}
