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
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/wq-project/wq/pkg/client"
	"github.com/wq-project/wq/pkg/common/configs"
)

const addrEnv = "WQ_SERVER"

// command is one subcommand of the wq binary.
type command interface {
	registerFlags() *cobra.Command
	run(cl *cliClient, cmd *cobra.Command, args []string) error
}

type cliClient struct {
	rootCmd *cobra.Command
	out     io.Writer

	addr    string
	timeout time.Duration
	retry   time.Duration
	client  *client.Client
}

func newCLI(out io.Writer) *cliClient {
	c := &cliClient{out: out}
	c.rootCmd = &cobra.Command{
		Use:           "wq",
		Short:         "wq is a batch job scheduler for a small cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	c.rootCmd.SetOut(out)
	flags := c.rootCmd.PersistentFlags()
	flags.StringVar(&c.addr, "addr", "", "scheduler address, defaults to $"+addrEnv+" or localhost")
	flags.DurationVar(&c.timeout, "timeout", client.DefaultOptions().Timeout, "timeout of a single request")
	flags.DurationVar(&c.retry, "retry", client.DefaultOptions().MaxElapsed, "how long to retry connecting to the scheduler")

	c.addCmd(&serveCmd{})
	c.addCmd(&subCmd{})
	c.addCmd(&getHostsCmd{})
	c.addCmd(&lsCmd{})
	c.addCmd(&lsFullCmd{})
	c.addCmd(&statCmd{})
	c.addCmd(&usersCmd{})
	c.addCmd(&limitCmd{})
	c.addCmd(&rmCmd{})
	c.addCmd(&notifyCmd{})
	c.addCmd(&nodeCmd{})
	c.addCmd(&refreshCmd{})
	return c
}

func (c *cliClient) Exec(args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.Execute()
}

func (c *cliClient) addCmd(cmd command) {
	cobraCmd := cmd.registerFlags()
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		return cmd.run(c, innerCmd, args)
	}
	c.rootCmd.AddCommand(cobraCmd)
}

func (c *cliClient) serverAddr() string {
	if c.addr != "" {
		return c.addr
	}
	if env := os.Getenv(addrEnv); env != "" {
		return env
	}
	return net.JoinHostPort("localhost", strconv.Itoa(configs.DefaultPort))
}

func (c *cliClient) dial() *client.Client {
	if c.client == nil {
		c.client = client.New(c.serverAddr(), client.Options{Timeout: c.timeout, MaxElapsed: c.retry})
	}
	return c.client
}

// query sends a command and returns the response field of the answer.
func (c *cliClient) query(request map[string]interface{}) (interface{}, error) {
	response, err := c.dial().Send(request)
	if err != nil {
		return nil, err
	}
	return response["response"], nil
}

func (c *cliClient) printYAML(v interface{}) error {
	encoder := yaml.NewEncoder(c.out)
	encoder.SetIndent(2)
	if err := encoder.Encode(v); err != nil {
		return err
	}
	return encoder.Close()
}

// decodeInto converts a generic response value into a typed value.
func decodeInto(v interface{}, out interface{}) error {
	raw, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	if err = yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unexpected response: %w", err)
	}
	return nil
}
