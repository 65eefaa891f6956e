// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/hashicorp/beanstalkd/api"
	"github.com/hashicorp/beanstalkd/ci"
	"github.com/hashicorp/beanstalkd/testutil"
	"github.com/hashicorp/beanstalkd/version"
	"github.com/hashicorp/cli"
	"github.com/shoenig/test/must"
)

func TestAgentCommand_Implements(t *testing.T) {
	ci.Parallel(t)
	var _ cli.Command = &AgentCommand{}
}

func TestAgentCommand_Flags(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name    string
		args    []string
		code    int
		errText string
	}{
		{
			name:    "unknown flag",
			args:    []string{"-not-a-flag"},
			code:    5,
			errText: "flag provided but not defined",
		},
		{
			name:    "stray argument",
			args:    []string{"bogus"},
			code:    5,
			errText: "Unexpected argument",
		},
		{
			name:    "help",
			args:    []string{"-h"},
			code:    0,
			errText: "Usage: beanstalkd agent",
		},
		{
			name:    "bad listen address",
			args:    []string{"-l", "bogus"},
			code:    1,
			errText: "cannot parse listen address",
		},
		{
			name:    "port out of range",
			args:    []string{"-p", "70000"},
			code:    1,
			errText: "out of range",
		},
		{
			name:    "zero job size",
			args:    []string{"-z", "0"},
			code:    1,
			errText: "max job size",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ui := cli.NewMockUi()
			cmd := &AgentCommand{
				Ui:      ui,
				Version: version.GetVersion(),
			}

			must.Eq(t, tc.code, cmd.Run(tc.args))
			must.StrContains(t, ui.ErrorWriter.String(), tc.errText)
		})
	}
}

// runTestAgent starts an agent on a fresh port and waits for a client to
// complete a round trip against it.
func runTestAgent(t *testing.T, extraArgs ...string) (*api.Client, *cli.MockUi, chan struct{}, chan int) {
	port := ci.PortAllocator.One()
	shutdownCh := make(chan struct{})
	ui := cli.NewMockUi()
	cmd := &AgentCommand{
		Ui:         ui,
		Version:    version.GetVersion(),
		ShutdownCh: shutdownCh,
	}

	args := append([]string{"-l", "127.0.0.1", "-p", strconv.Itoa(port)}, extraArgs...)
	exitCh := make(chan int, 1)
	go func() {
		exitCh <- cmd.Run(args)
	}()

	var client *api.Client
	testutil.WaitForResult(func() (bool, error) {
		var err error
		client, err = api.NewClient(&api.Config{
			Address: fmt.Sprintf("127.0.0.1:%d", port),
			Timeout: time.Second,
		})
		if err != nil {
			return false, err
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("agent did not come up: %v", err)
	})
	t.Cleanup(func() { client.Close() })

	return client, ui, shutdownCh, exitCh
}

func waitForExit(t *testing.T, exitCh chan int) int {
	select {
	case code := <-exitCh:
		return code
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not exit")
		return -1
	}
}

func TestAgentCommand_Lifecycle(t *testing.T) {
	ci.Parallel(t)

	client, ui, shutdownCh, exitCh := runTestAgent(t)

	stats, err := client.Stats()
	must.NoError(t, err)
	must.Eq(t, "0", stats["current-jobs-ready"])

	close(shutdownCh)
	must.Zero(t, waitForExit(t, exitCh))

	out := ui.OutputWriter.String()
	must.StrContains(t, out, "Beanstalkd server configuration")
	must.StrContains(t, out, "Beanstalkd server started")
	must.StrContains(t, out, "Gracefully shutting down server...")
}

func TestAgentCommand_DrainSignal(t *testing.T) {
	ci.Parallel(t)

	client, _, shutdownCh, exitCh := runTestAgent(t)

	_, err := client.Put(0, 0, time.Minute, []byte("before"))
	must.NoError(t, err)

	must.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))

	// Drain flips asynchronously once the signal lands.
	testutil.WaitForResult(func() (bool, error) {
		_, err := client.Put(0, 0, time.Minute, []byte("after"))
		if !errors.Is(err, api.ErrDraining) {
			return false, fmt.Errorf("expected draining, got %v", err)
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("agent never entered drain mode: %v", err)
	})

	// Existing work can still be consumed.
	job, err := client.Reserve()
	must.NoError(t, err)
	must.Eq(t, []byte("before"), job.Body)
	must.NoError(t, client.Delete(job.ID))

	close(shutdownCh)
	must.Zero(t, waitForExit(t, exitCh))
}
