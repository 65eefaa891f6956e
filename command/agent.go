// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/beanstalkd/server"
	"github.com/hashicorp/beanstalkd/version"
	"github.com/hashicorp/cli"
	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/posener/complete"
	"golang.org/x/sys/unix"
)

// gracefulTimeout controls how long we wait before forcefully terminating
const gracefulTimeout = 5 * time.Second

// AgentCommand runs the beanstalkd server in the foreground until it is told
// to shut down. It is also what a bare `beanstalkd [flags]` invocation runs.
type AgentCommand struct {
	Ui         cli.Ui
	Version    *version.VersionInfo
	ShutdownCh <-chan struct{}

	logger hclog.InterceptLogger
	server *server.Server

	detach     bool
	verbose    bool
	listenAddr string
	port       int
	maxJobSize int
}

func (c *AgentCommand) Help() string {
	helpText := `
Usage: beanstalkd agent [options]

  Starts the beanstalkd server and runs until an interrupt is received.
  Producers and workers speak the work queue protocol over TCP on the
  configured listen address.

  Running beanstalkd with no subcommand is equivalent to running this one.

Options:

  -l <addr>
    Listen on address <addr>. Default = 0.0.0.0

  -p <port>
    Listen on port <port>. Default = 11300

  -z <bytes>
    Set the maximum job size in bytes. Default = 65535

  -d
    Detach from the terminal and run in the background.

  -V
    Increase log verbosity.
`
	return strings.TrimSpace(helpText)
}

func (c *AgentCommand) Synopsis() string {
	return "Runs a beanstalkd server"
}

func (c *AgentCommand) Name() string { return "agent" }

func (c *AgentCommand) AutocompleteFlags() complete.Flags {
	return complete.Flags{
		"-l": complete.PredictAnything,
		"-p": complete.PredictAnything,
		"-z": complete.PredictAnything,
		"-d": complete.PredictNothing,
		"-V": complete.PredictNothing,
	}
}

func (c *AgentCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *AgentCommand) Run(args []string) int {
	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Usage = func() { c.Ui.Error(c.Help()) }
	flags.SetOutput(&uiErrorWriter{ui: c.Ui})

	flags.BoolVar(&c.detach, "d", false, "")
	flags.BoolVar(&c.verbose, "V", false, "")
	flags.StringVar(&c.listenAddr, "l", "0.0.0.0", "")
	flags.IntVar(&c.port, "p", server.DefaultPort, "")
	flags.IntVar(&c.maxJobSize, "z", server.DefaultMaxJobSize, "")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 5
	}
	if flags.NArg() > 0 {
		c.Ui.Error(fmt.Sprintf("Unexpected argument: %q", flags.Arg(0)))
		flags.Usage()
		return 5
	}

	if c.detach {
		if err := c.rexecDetached(args); err != nil {
			c.Ui.Error(fmt.Sprintf("Error detaching: %s", err))
			return 1
		}
		return 0
	}

	config, err := c.serverConfig()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Invalid configuration: %s", err))
		return 1
	}

	if err := raiseFdLimit(); err != nil {
		c.Ui.Error(fmt.Sprintf("Error raising open file limit: %s", err))
		return 2
	}

	if err := c.setupTelemetry(); err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing telemetry: %s", err))
		return 1
	}

	logLevel := hclog.Info
	if c.verbose {
		logLevel = hclog.Debug
	}
	c.logger = hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:   "beanstalkd",
		Level:  logLevel,
		Output: &uiErrorWriter{ui: c.Ui},
	})

	// The wire protocol makes broken-pipe writes routine when clients
	// vanish; the write error path handles them.
	signal.Ignore(syscall.SIGPIPE)

	// Subscribe before the listener exists so no signal is lost during
	// startup.
	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)

	srv, err := server.NewServer(config, c.logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting server: %s", err))
		return 111
	}
	c.server = srv

	c.printConfig(config)

	return c.handleSignals(signalCh)
}

// serverConfig maps the parsed command line onto a server configuration.
func (c *AgentCommand) serverConfig() (*server.Config, error) {
	ip := net.ParseIP(c.listenAddr)
	if ip == nil {
		return nil, fmt.Errorf("cannot parse listen address %q", c.listenAddr)
	}
	if c.port < 0 || c.port > 65535 {
		return nil, fmt.Errorf("port %d out of range", c.port)
	}

	config := server.DefaultConfig()
	config.BindAddr = &net.TCPAddr{IP: ip, Port: c.port}
	config.MaxJobSize = c.maxJobSize

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// setupTelemetry installs an in-memory sink that aggregates the metrics the
// server emits. SIGUSR2 dumps current metrics to stderr; SIGUSR1 is taken by
// drain mode.
func (c *AgentCommand) setupTelemetry() error {
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.NewInmemSignal(inm, syscall.SIGUSR2, os.Stderr)

	metricsConf := metrics.DefaultConfig("beanstalkd")
	_, err := metrics.NewGlobal(metricsConf, inm)
	return err
}

func (c *AgentCommand) printConfig(config *server.Config) {
	info := map[string]string{
		"Bind Addr":    c.server.Addr().String(),
		"Max Job Size": fmt.Sprintf("%d", config.MaxJobSize),
		"Heap Size":    fmt.Sprintf("%d", config.HeapSize),
		"Version":      c.Version.VersionNumber(),
		"PID":          fmt.Sprintf("%d", os.Getpid()),
	}
	infoKeys := []string{"Version", "Bind Addr", "Heap Size", "Max Job Size", "PID"}

	padding := 0
	for _, k := range infoKeys {
		if len(k) > padding {
			padding = len(k)
		}
	}

	c.Ui.Output("==> Beanstalkd server configuration:\n")
	for _, k := range infoKeys {
		c.Ui.Info(fmt.Sprintf(
			"%s%s: %s",
			strings.Repeat(" ", padding-len(k)),
			k,
			info[k]))
	}
	c.Ui.Output("")
	c.Ui.Output("==> Beanstalkd server started! Log data will stream in below:\n")
}

// handleSignals blocks until we get an exit-causing signal
func (c *AgentCommand) handleSignals(signalCh chan os.Signal) int {
WAIT:
	// Wait for a signal
	var sig os.Signal
	select {
	case s := <-signalCh:
		sig = s
	case <-c.ShutdownCh:
		sig = os.Interrupt
	}

	c.Ui.Output(fmt.Sprintf("Caught signal: %v", sig))

	// SIGUSR1 puts the server into drain mode for the rest of its life
	// instead of stopping it.
	if sig == syscall.SIGUSR1 {
		c.server.SetDrain()
		c.logger.Info("server entering drain mode")
		goto WAIT
	}

	// Attempt a graceful shutdown
	c.Ui.Output("Gracefully shutting down server...")
	gracefulCh := make(chan struct{})
	go func() {
		c.server.Shutdown()
		close(gracefulCh)
	}()

	// Wait for shutdown or another signal
	select {
	case <-signalCh:
		return 1
	case <-time.After(gracefulTimeout):
		return 1
	case <-gracefulCh:
		return 0
	}
}

// rexecDetached restarts the agent as the leader of a new session with stdio
// on the null device, then lets the parent exit.
func (c *AgentCommand) rexecDetached(args []string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	keep := make([]string, 0, len(args)+1)
	keep = append(keep, "agent")
	for _, arg := range args {
		name := strings.TrimLeft(arg, "-")
		if name == "d" || strings.HasPrefix(name, "d=") {
			continue
		}
		keep = append(keep, arg)
	}

	cmd := exec.Command(exe, keep...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd.Start()
}

// raiseFdLimit raises the soft open file limit to the hard limit so a busy
// server is not starved of connection descriptors.
func raiseFdLimit() error {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return err
	}
	if lim.Cur >= lim.Max {
		return nil
	}

	lim.Cur = lim.Max
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &lim)
}
