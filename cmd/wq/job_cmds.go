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
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/wq-project/wq/pkg/client"
	"github.com/wq-project/wq/pkg/handler"
)

const hostsEnv = "WQ_HOSTS"

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

// parseRequire accepts a YAML mapping with or without the surrounding braces, "N: 4, mode: bynode".
func parseRequire(text string) (map[string]interface{}, error) {
	require := make(map[string]interface{})
	text = strings.TrimSpace(text)
	if text == "" {
		return require, nil
	}
	if !strings.HasPrefix(text, "{") {
		text = "{" + text + "}"
	}
	if err := yaml.Unmarshal([]byte(text), &require); err != nil {
		return nil, fmt.Errorf("invalid requirement %q: %w", text, err)
	}
	return require, nil
}

func parsePID(arg string) (int, error) {
	pid, err := strconv.Atoi(arg)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid %q", arg)
	}
	return pid, nil
}

type subCmd struct {
	require  string
	name     string
	priority string
}

func (c *subCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sub [flags] -- command [args...]",
		Short: "Submit a command, wait for its hosts and run it",
		Long: "Submit a command, wait until the scheduler assigned hosts and run it locally.\n" +
			"The assigned hosts are passed in $" + hostsEnv + " as a comma separated list.",
		Args: cobra.MinimumNArgs(1),
	}
	cmd.Flags().StringVarP(&c.require, "require", "r", "", "requirements as YAML, e.g. 'N: 4, mode: bynode'")
	cmd.Flags().StringVarP(&c.name, "name", "n", "", "job name")
	cmd.Flags().StringVar(&c.priority, "priority", "", "job priority: block, high, med, low")
	return cmd
}

func (c *subCmd) run(cl *cliClient, cmd *cobra.Command, args []string) error {
	require, err := parseRequire(c.require)
	if err != nil {
		return err
	}
	if c.name != "" {
		require["job_name"] = c.name
	}
	if c.priority != "" {
		require["priority"] = c.priority
	}
	job := &client.Job{
		PID:         os.Getpid(),
		User:        currentUser(),
		Commandline: strings.Join(args, " "),
		Require:     require,
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return cl.dial().Run(ctx, job, func(hosts []string) error {
		fmt.Fprintf(cmd.ErrOrStderr(), "running on %s\n", strings.Join(hosts, ","))
		proc := exec.CommandContext(ctx, args[0], args[1:]...)
		proc.Env = append(os.Environ(), hostsEnv+"="+strings.Join(hosts, ","))
		proc.Stdin = os.Stdin
		proc.Stdout = cmd.OutOrStdout()
		proc.Stderr = cmd.ErrOrStderr()
		return proc.Run()
	})
}

type getHostsCmd struct{}

func (c *getHostsCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "gethosts PID",
		Short: "Show the hosts assigned to a job",
		Args:  cobra.ExactArgs(1),
	}
}

func (c *getHostsCmd) run(cl *cliClient, _ *cobra.Command, args []string) error {
	pid, err := parsePID(args[0])
	if err != nil {
		return err
	}
	hosts, err := cl.dial().GetHosts(pid)
	if err != nil {
		return err
	}
	fmt.Fprintln(cl.out, strings.Join(hosts, " "))
	return nil
}

type notifyCmd struct{}

func (c *notifyCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "notify PID",
		Short: "Tell the scheduler a job finished",
		Args:  cobra.ExactArgs(1),
	}
}

func (c *notifyCmd) run(cl *cliClient, _ *cobra.Command, args []string) error {
	pid, err := parsePID(args[0])
	if err != nil {
		return err
	}
	return cl.dial().NotifyDone(pid)
}

type refreshCmd struct{}

func (c *refreshCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Run a refresh pass now",
		Args:  cobra.NoArgs,
	}
}

func (c *refreshCmd) run(cl *cliClient, _ *cobra.Command, _ []string) error {
	_, err := cl.query(map[string]interface{}{handler.KeyCommand: handler.CmdRefresh})
	return err
}
