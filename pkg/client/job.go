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

package client

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wq-project/wq/pkg/log"
)

// Job is a submission. PID must be the process that lives as long as the job does,
// the server drops the job once that process is gone.
type Job struct {
	PID         int
	User        string
	Commandline string
	Require     map[string]interface{}
	// Extra fields are passed through and echoed by the server.
	Extra map[string]interface{}
}

// Submission is the answer of the server to a submission.
type Submission struct {
	Status     string
	Hosts      []string
	Reason     string
	SpoolFname string
	SpoolWait  time.Duration
}

func (c *Client) Submit(job *Job) (*Submission, error) {
	request := make(map[string]interface{}, len(job.Extra)+5)
	for key, val := range job.Extra {
		request[key] = val
	}
	request["command"] = "sub"
	request["pid"] = job.PID
	request["user"] = job.User
	request["commandline"] = job.Commandline
	request["require"] = job.Require
	response, err := c.Send(request)
	if err != nil {
		return nil, err
	}
	sub := &Submission{
		Status:     fmt.Sprint(response["response"]),
		Hosts:      toStrings(response["hosts"]),
		SpoolFname: fmt.Sprint(response["spool_fname"]),
		SpoolWait:  toSeconds(response["spool_wait"]),
	}
	if reason, ok := response["reason"]; ok && reason != nil {
		sub.Reason = fmt.Sprint(reason)
	}
	return sub, nil
}

// GetHosts returns the hosts assigned to the job, empty while the job waits.
func (c *Client) GetHosts(pid int) ([]string, error) {
	response, err := c.Send(map[string]interface{}{"command": "gethosts", "pid": pid})
	if err != nil {
		return nil, err
	}
	return toStrings(response["hosts"]), nil
}

func (c *Client) NotifyDone(pid int) error {
	_, err := c.Send(map[string]interface{}{"command": "notify", "notification": "done", "pid": pid})
	return err
}

// WaitForHosts submits the job and blocks until it runs, polling at the interval the server asks for.
func (c *Client) WaitForHosts(ctx context.Context, job *Job) ([]string, error) {
	sub, err := c.Submit(job)
	if err != nil {
		return nil, err
	}
	hosts := sub.Hosts
	interval := sub.SpoolWait
	if interval <= 0 {
		interval = time.Second
	}
	logged := false
	for len(hosts) == 0 {
		if !logged {
			log.Log(log.Client).Info("job waiting",
				zap.Int("pid", job.PID),
				zap.String("reason", sub.Reason))
			logged = true
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		if hosts, err = c.GetHosts(job.PID); err != nil {
			return nil, err
		}
	}
	return hosts, nil
}

// Run submits the job, waits for its hosts, runs it and tells the server it is done,
// also when run fails.
func (c *Client) Run(ctx context.Context, job *Job, run func(hosts []string) error) error {
	hosts, err := c.WaitForHosts(ctx, job)
	if err != nil {
		return err
	}
	runErr := run(hosts)
	if err = c.NotifyDone(job.PID); err != nil {
		log.Log(log.Client).Warn("could not notify completion",
			zap.Int("pid", job.PID),
			zap.Error(err))
	}
	return runErr
}

func toStrings(val interface{}) []string {
	list, ok := val.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, fmt.Sprint(item))
	}
	return out
}

func toSeconds(val interface{}) time.Duration {
	switch v := val.(type) {
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	default:
		return 0
	}
}
