// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"os"

	"github.com/hashicorp/beanstalkd/version"
	"github.com/hashicorp/cli"
	colorable "github.com/mattn/go-colorable"
)

const (
	// EnvBeanstalkdCLINoColor is an env var that toggles colored UI output.
	EnvBeanstalkdCLINoColor = `BEANSTALKD_CLI_NO_COLOR`

	// EnvBeanstalkdCLIForceColor is an env var that forces colored UI output.
	EnvBeanstalkdCLIForceColor = `BEANSTALKD_CLI_FORCE_COLOR`
)

// NamedCommand is a interface to denote a command's name.
type NamedCommand interface {
	Name() string
}

// Commands returns the mapping of CLI commands for beanstalkd. The meta
// parameter lets you set meta options for all commands.
func Commands(metaPtr *Meta, agentUi cli.Ui) map[string]cli.CommandFactory {
	if metaPtr == nil {
		metaPtr = new(Meta)
	}

	meta := *metaPtr
	if meta.Ui == nil {
		meta.Ui = &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      colorable.NewColorableStdout(),
			ErrorWriter: colorable.NewColorableStderr(),
		}
	}

	all := map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &AgentCommand{
				Version:    version.GetVersion(),
				Ui:         agentUi,
				ShutdownCh: make(chan struct{}),
			}, nil
		},
		"stats": func() (cli.Command, error) {
			return &StatsCommand{
				Meta: meta,
			}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{
				Version: version.GetVersion(),
				Ui:      meta.Ui,
			}, nil
		},
	}

	return all
}
