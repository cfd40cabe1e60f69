/*
 Licensed to the Apache Software Foundation (ASF) under one
 or more contributor license agreements.  See the NOTICE file
 distributed with this work for additional information
 regarding copyright ownership.  The ASF licenses this file
 to you under the Apache License, Version 2.0 (the
 "License"); you may not use this file except in compliance
 with the License.  You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/wq-project/wq/pkg/handler"
	"github.com/wq-project/wq/pkg/log"
	"github.com/wq-project/wq/pkg/scheduler/ugm"
)

// parseLimits reads name=value pairs.
func parseLimits(args []string) (map[string]interface{}, error) {
	limits := make(map[string]interface{}, len(args))
	for _, arg := range args {
		name, value, found := strings.Cut(arg, "=")
		if !found || name == "" {
			return nil, fmt.Errorf("limit %q should look like name=value", arg)
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("limit '%s' should be an integer", name)
		}
		limits[name] = n
	}
	return limits, nil
}

type limitCmd struct {
	clear bool
}

func (c *limitCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "limit USER [name=value...]",
		Short: "Set or clear the limits of a user, e.g. Njobs=4 Ncores=32",
		Args:  cobra.MinimumNArgs(1),
	}
	cmd.Flags().BoolVar(&c.clear, "clear", false, "remove all limits of the user")
	return cmd
}

func (c *limitCmd) run(cl *cliClient, _ *cobra.Command, args []string) error {
	limits, err := parseLimits(args[1:])
	if err != nil {
		return err
	}
	if c.clear {
		limits["action"] = ugm.ActionClear
	} else if len(limits) == 0 {
		return fmt.Errorf("no limits given, use --clear to remove the limits")
	}
	_, err = cl.query(map[string]interface{}{
		handler.KeyCommand: handler.CmdLimit,
		"user":             args[0],
		"limits":           limits,
	})
	return err
}

type rmCmd struct {
	noKill bool
}

func (c *rmCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm PID|all",
		Short: "Remove a job, or all jobs of the user, and stop its processes",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().BoolVar(&c.noKill, "no-kill", false, "only print the pids instead of sending SIGTERM")
	return cmd
}

func (c *rmCmd) run(cl *cliClient, _ *cobra.Command, args []string) error {
	if args[0] != "all" {
		if _, err := parsePID(args[0]); err != nil {
			return err
		}
	}
	response, err := cl.dial().Send(map[string]interface{}{
		handler.KeyCommand: handler.CmdRemove,
		"pid":              args[0],
		"user":             currentUser(),
	})
	if err != nil {
		return err
	}
	pids, _ := response["pids_to_kill"].([]interface{})
	for _, p := range pids {
		pid, convErr := strconv.Atoi(fmt.Sprint(p))
		if convErr != nil {
			continue
		}
		if c.noKill {
			fmt.Fprintln(cl.out, pid)
			continue
		}
		// the submitting process may already be gone
		if killErr := unix.Kill(pid, unix.SIGTERM); killErr != nil && killErr != unix.ESRCH {
			log.Log(log.Client).Warn("could not stop job process",
				zap.Int("pid", pid),
				zap.Error(killErr))
		}
	}
	return nil
}

type nodeCmd struct{}

func (c *nodeCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:       "node HOST online|offline",
		Short:     "Take a host offline or bring it back",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"online", "offline"},
	}
}

func (c *nodeCmd) run(cl *cliClient, _ *cobra.Command, args []string) error {
	if args[1] != "online" && args[1] != "offline" {
		return fmt.Errorf("status should be online or offline, got %q", args[1])
	}
	_, err := cl.query(map[string]interface{}{
		handler.KeyCommand: handler.CmdNode,
		"node":             args[0],
		"status":           args[1],
	})
	return err
}
