// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/beanstalkd/command"
	"github.com/hashicorp/beanstalkd/version"
	"github.com/hashicorp/cli"
	colorable "github.com/mattn/go-colorable"
	"golang.org/x/crypto/ssh/terminal"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}

func Run(args []string) int {
	return RunCustom(args)
}

// RunCustom allows passing in a base command to be used.
func RunCustom(args []string) int {
	// Parse flags into env vars for global use
	args = setupEnv(args)

	// The daemon is traditionally started with bare flags, so a
	// subcommand-less invocation routes to the agent. -h and -v keep
	// their historical meanings.
	switch {
	case len(args) == 0:
		args = []string{"agent"}
	case args[0] == "-v" || args[0] == "-version" || args[0] == "--version":
		args = append([]string{"version"}, args[1:]...)
	case args[0] == "-h" || args[0] == "-help" || args[0] == "--help":
	case strings.HasPrefix(args[0], "-"):
		args = append([]string{"agent"}, args...)
	}

	// Create the meta object
	metaPtr := new(command.Meta)

	// Don't use color if disabled
	color := true
	if os.Getenv(command.EnvBeanstalkdCLINoColor) != "" {
		color = false
	}

	isTerminal := terminal.IsTerminal(int(os.Stdout.Fd()))

	metaPtr.Ui = &cli.BasicUi{
		Reader:      os.Stdin,
		Writer:      colorable.NewColorableStdout(),
		ErrorWriter: colorable.NewColorableStderr(),
	}

	// The agent never outputs color
	agentUi := &cli.BasicUi{
		Reader:      os.Stdin,
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}

	// Only use colored UI if stdout is a tty, and not disabled
	if isTerminal && color {
		metaPtr.Ui = &cli.ColoredUi{
			ErrorColor: cli.UiColorRed,
			WarnColor:  cli.UiColorYellow,
			InfoColor:  cli.UiColorGreen,
			Ui:         metaPtr.Ui,
		}
	}

	commands := command.Commands(metaPtr, agentUi)
	cli := &cli.CLI{
		Name:                       "beanstalkd",
		Version:                    version.GetVersion().FullVersionNumber(true),
		Args:                       args,
		Commands:                   commands,
		Autocomplete:               true,
		AutocompleteNoDefaultFlags: true,
	}

	exitCode, err := cli.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err.Error())
		return 1
	}

	return exitCode
}

// setupEnv parses args and may replace them and sets some env vars to known
// values based on format options
func setupEnv(args []string) []string {
	noColor := false
	for _, arg := range args {
		// Check if color is set
		if arg == "-no-color" || arg == "--no-color" {
			noColor = true
		}
	}

	// Put back into the env for later
	if noColor {
		os.Setenv(command.EnvBeanstalkdCLINoColor, "true")
	}

	return args
}
