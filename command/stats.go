// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/beanstalkd/api"
	"github.com/posener/complete"
)

// StatsCommand fetches the stats or stats <id> body from a running server
// and renders it as aligned key/value pairs.
type StatsCommand struct {
	Meta
}

func (c *StatsCommand) Help() string {
	helpText := `
Usage: beanstalkd stats [options] [<job id>]

  Displays statistics from a running beanstalkd server. With a job id
  argument, displays statistics about that job instead.

General Options:

  ` + generalOptionsUsage() + `
`
	return strings.TrimSpace(helpText)
}

func (c *StatsCommand) Synopsis() string {
	return "Displays statistics from a running server"
}

func (c *StatsCommand) Name() string { return "stats" }

func (c *StatsCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetClient)
}

func (c *StatsCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *StatsCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	if err := flags.Parse(args); err != nil {
		return 1
	}

	// Check that we got at most one job id
	args = flags.Args()
	if len(args) > 1 {
		c.Ui.Error("This command takes at most one argument: <job id>")
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	var id uint64
	if len(args) == 1 {
		parsed, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error parsing job id %q: %s", args[0], err))
			c.Ui.Error(commandErrorText(c))
			return 1
		}
		id = parsed
	}

	client, err := c.Client()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing client: %s", err))
		return 1
	}
	defer client.Close()

	var stats map[string]string
	if len(args) == 1 {
		stats, err = client.StatsJob(id)
		if errors.Is(err, api.ErrNotFound) {
			c.Ui.Error(wrapAtLength(fmt.Sprintf(
				"No job with id %d was found. The job may already have been "+
					"deleted, or it was never submitted to this server.", id)))
			return 1
		}
	} else {
		stats, err = client.Stats()
	}
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying stats: %s", err))
		return 1
	}

	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(stats))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s|%s", k, stats[k]))
	}
	c.Ui.Output(formatKV(out))

	return 0
}
