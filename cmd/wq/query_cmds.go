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
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wq-project/wq/pkg/handler"
	"github.com/wq-project/wq/pkg/webservice/dao"
)

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
}

// compactHosts turns [a a b] into "a*2 b".
func compactHosts(hosts []string) string {
	counts := make(map[string]int)
	order := make([]string, 0)
	for _, h := range hosts {
		if counts[h] == 0 {
			order = append(order, h)
		}
		counts[h]++
	}
	parts := make([]string, 0, len(order))
	for _, h := range order {
		if counts[h] == 1 {
			parts = append(parts, h)
		} else {
			parts = append(parts, fmt.Sprintf("%s*%d", h, counts[h]))
		}
	}
	return strings.Join(parts, " ")
}

func formatAge(now time.Time, unixSeconds float64) string {
	since := now.Sub(time.Unix(0, int64(unixSeconds*float64(time.Second))))
	return since.Truncate(time.Second).String()
}

type lsCmd struct {
	user string
}

func (c *lsCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List the queued and running jobs",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVarP(&c.user, "user", "u", "", "only list the jobs of this user")
	return cmd
}

func (c *lsCmd) run(cl *cliClient, _ *cobra.Command, _ []string) error {
	response, err := cl.query(map[string]interface{}{handler.KeyCommand: handler.CmdList})
	if err != nil {
		return err
	}
	var jobs []*dao.JobSummary
	if err = decodeInto(response, &jobs); err != nil {
		return err
	}
	writeJobs(cl.out, jobs, c.user, time.Now())
	return nil
}

func writeJobs(out io.Writer, jobs []*dao.JobSummary, user string, now time.Time) {
	w := newTable(out)
	fmt.Fprintln(w, "PID\tUSER\tSTATUS\tPRIORITY\tAGE\tNAME\tHOSTS")
	for _, job := range jobs {
		if user != "" && job.User != user {
			continue
		}
		hosts := compactHosts(job.Hosts)
		if job.Reason != "" {
			hosts = "(" + job.Reason + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			job.PID, job.User, job.Status, job.Priority, formatAge(now, job.TimeSub), job.JobName, hosts)
	}
	w.Flush()
}

type lsFullCmd struct{}

func (c *lsFullCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "lsfull",
		Short: "Dump the complete job records as YAML",
		Args:  cobra.NoArgs,
	}
}

func (c *lsFullCmd) run(cl *cliClient, _ *cobra.Command, _ []string) error {
	response, err := cl.query(map[string]interface{}{handler.KeyCommand: handler.CmdListFull})
	if err != nil {
		return err
	}
	return cl.printYAML(response)
}

type statCmd struct{}

func (c *statCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Show the cluster usage per host",
		Args:  cobra.NoArgs,
	}
}

func (c *statCmd) run(cl *cliClient, _ *cobra.Command, _ []string) error {
	response, err := cl.query(map[string]interface{}{handler.KeyCommand: handler.CmdStat})
	if err != nil {
		return err
	}
	status := &dao.ClusterStatus{}
	if err = decodeInto(response, status); err != nil {
		return err
	}
	writeStatus(cl.out, status)
	return nil
}

func writeStatus(out io.Writer, status *dao.ClusterStatus) {
	fmt.Fprintf(out, "%d/%d cores used, %d online on %d nodes\n",
		status.Used, status.Cores, status.OnlineCores, status.NodeCount)
	w := newTable(out)
	fmt.Fprintln(w, "HOST\tUSED\tCORES\tMEM\tGROUPS\tSTATE")
	for _, node := range status.Nodes {
		state := "online"
		if !node.Online {
			state = "offline"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%g\t%s\t%s\n",
			node.Hostname, node.Used, node.Cores, node.Memory, strings.Join(node.Groups, ","), state)
	}
	w.Flush()
}

type usersCmd struct{}

func (c *usersCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "Show the usage and limits per user",
		Args:  cobra.NoArgs,
	}
}

func (c *usersCmd) run(cl *cliClient, _ *cobra.Command, _ []string) error {
	response, err := cl.query(map[string]interface{}{handler.KeyCommand: handler.CmdUsers})
	if err != nil {
		return err
	}
	users := make(map[string]*dao.UserInfo)
	if err = decodeInto(response, &users); err != nil {
		return err
	}
	writeUsers(cl.out, users)
	return nil
}

func writeUsers(out io.Writer, users map[string]*dao.UserInfo) {
	names := make([]string, 0, len(users))
	for name := range users {
		names = append(names, name)
	}
	sort.Strings(names)
	w := newTable(out)
	fmt.Fprintln(w, "USER\tJOBS\tCORES\tLIMITS")
	for _, name := range names {
		info := users[name]
		limits := make([]string, 0, len(info.Limits))
		for key, val := range info.Limits {
			limits = append(limits, fmt.Sprintf("%s=%d", key, val))
		}
		sort.Strings(limits)
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", name, info.Jobs, info.Cores, strings.Join(limits, ","))
	}
	w.Flush()
}
