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

package handler

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
	"gotest.tools/v3/assert"

	"github.com/wq-project/wq/pkg/common/configs"
	"github.com/wq-project/wq/pkg/scheduler"
	"github.com/wq-project/wq/pkg/scheduler/objects"
	"github.com/wq-project/wq/pkg/scheduler/spool"
	"github.com/wq-project/wq/pkg/webservice/dao"
)

type testRouter struct {
	*Router
	exited map[string]bool
}

func newTestRouter(t *testing.T) *testRouter {
	cluster, err := objects.ParseCluster(strings.NewReader("hostA 4 16 g1\nhostB 4 16 g1\n"))
	assert.NilError(t, err)
	store, err := spool.NewFileStore(t.TempDir())
	assert.NilError(t, err)
	exited := make(map[string]bool)
	sched := scheduler.NewScheduler(cluster, store, configs.DefaultServerConfig(), func(pid string) bool {
		return !exited[pid]
	})
	assert.NilError(t, sched.Recover())
	return &testRouter{Router: NewRouter(sched), exited: exited}
}

func (r *testRouter) send(t *testing.T, request string) map[string]interface{} {
	var response map[string]interface{}
	assert.NilError(t, yaml.Unmarshal(r.HandleBytes([]byte(request)), &response))
	_, hasResponse := response[KeyResponse]
	_, hasError := response[KeyError]
	assert.Assert(t, hasResponse != hasError, "response must have exactly one of response or error: %v", response)
	return response
}

func TestSubmitRequest(t *testing.T) {
	r := newTestRouter(t)
	response := r.send(t, `
command: sub
pid: 100
user: alice
commandline: mpirun -np 6 ./sim
require:
  N: 6
tag: experiment-1
`)
	assert.Equal(t, response[KeyResponse], objects.StatusRun)
	assert.DeepEqual(t, response["hosts"], []interface{}{"hostA", "hostA", "hostA", "hostA", "hostB", "hostB"})
	assert.Assert(t, strings.HasSuffix(response["spool_fname"].(string), "100.run"))
	assert.Equal(t, response["spool_wait"], 10) // yaml writes whole floats without a fraction
	// passthrough fields are echoed
	assert.Equal(t, response["tag"], "experiment-1")
	assert.Equal(t, response[KeyCommand], CmdSubmit)

	response = r.send(t, "{command: sub, pid: 101, user: bob, commandline: sleep, require: {N: 4}}")
	assert.Equal(t, response[KeyResponse], objects.StatusWait)
	assert.Equal(t, response["reason"], "Not enough free cores.")
	_, ok := response["hosts"]
	assert.Assert(t, !ok)

	response = r.send(t, "{command: ls}")
	listing := response[KeyResponse].([]interface{})
	assert.Equal(t, len(listing), 2)
	first := listing[0].(map[string]interface{})
	assert.Equal(t, first["pid"], "100")
	assert.Equal(t, first["job_name"], "mpirun")
	assert.Equal(t, first["status"], objects.StatusRun)
	second := listing[1].(map[string]interface{})
	assert.DeepEqual(t, second["hosts"], []interface{}{})
	assert.Assert(t, second["time_run"] == nil)

	response = r.send(t, "{command: lsfull}")
	full := response[KeyResponse].([]interface{})
	assert.Equal(t, full[0].(map[string]interface{})["tag"], "experiment-1")
}

func TestSubmitErrors(t *testing.T) {
	r := newTestRouter(t)
	tests := map[string]string{
		"{command: sub, user: alice}":                                               "submit requests must contain the 'pid' field",
		"{command: sub, pid: 1}":                                                    "submit requests must contain the 'require' field",
		"{command: sub, pid: 1, require: {N: 1}, commandline: x}":                   "'user' field not in message",
		"{command: sub, pid: 1, user: a, commandline: x, require: {N: 10}}":         "Not enough cores or mem satistifying condition.",
		"{command: sub, pid: 1, user: a, commandline: x, require: {priority: top}}": "priority must be one of: block,high,med,low",
		"{command: sub, pid: 1, user: a, commandline: x, require: {mode: x}}":       "bad submit_mode 'x'",
		"{command: sub, pid: 1, user: a, commandline: x, require: {N: -1}}":         "N must be a positive number, got -1",
		"{command: sub, pid: ../x, user: a, commandline: x, require: {N: 1}}":       "'pid' should be a positive integer",
	}
	for request, expected := range tests {
		t.Run(request, func(t *testing.T) {
			response := r.send(t, request)
			assert.Equal(t, response[KeyError], expected)
		})
	}
	response := r.send(t, "{command: ls}")
	assert.Equal(t, len(response[KeyResponse].([]interface{})), 0)
}

func TestMalformedRequests(t *testing.T) {
	r := newTestRouter(t)
	tests := map[string]string{
		"command: [sub":   "could not process YAML request: 'command: [sub'",
		"- sub\n- ls\n":   "message should be a dictionary",
		"just a string":   "message should be a dictionary",
		"pid: 100":        "message should contain a command",
		"command: launch": "only support 'sub','gethosts', 'ls','stat','users','rm','notify','node''refresh' commands",
	}
	for request, expected := range tests {
		t.Run(request, func(t *testing.T) {
			response := r.send(t, request)
			assert.Equal(t, response[KeyError], expected)
		})
	}
}

// brokenStat panics on the cluster view and serves everything else from the real scheduler.
type brokenStat struct {
	JobScheduler
}

func (brokenStat) Stat() *dao.ClusterStatus {
	panic("cluster view unavailable")
}

func TestPanicBecomesError(t *testing.T) {
	r := newTestRouter(t)
	broken := &testRouter{Router: NewRouter(brokenStat{JobScheduler: r.sched}), exited: r.exited}
	response := broken.send(t, "{command: stat}")
	assert.Equal(t, response[KeyError], "internal error processing 'stat': cluster view unavailable")

	response = broken.send(t, "{command: sub, pid: 100, user: alice, commandline: x, require: {N: 2}}")
	assert.Equal(t, response[KeyResponse], objects.StatusRun)
	response = broken.send(t, "{command: ls}")
	assert.Equal(t, len(response[KeyResponse].([]interface{})), 1)
}

func TestGetHosts(t *testing.T) {
	r := newTestRouter(t)
	r.send(t, "{command: sub, pid: 100, user: alice, commandline: x, require: {N: 2}}")
	response := r.send(t, "{command: gethosts, pid: 100}")
	assert.Equal(t, response[KeyResponse], "OK")
	assert.DeepEqual(t, response["hosts"], []interface{}{"hostA", "hostA"})

	response = r.send(t, "{command: gethosts, pid: 200}")
	assert.Equal(t, response[KeyError], "we don't have this pid")
	response = r.send(t, "{command: gethosts}")
	assert.Equal(t, response[KeyError], "submit requests must contain the 'pid' field")
}

func TestLimitAndUsers(t *testing.T) {
	r := newTestRouter(t)
	response := r.send(t, "{command: limit, user: u, limits: {Njobs: 1}}")
	assert.Equal(t, response[KeyResponse], "OK")
	response = r.send(t, "{command: limit, user: u}")
	assert.Equal(t, response[KeyResponse], "OK")
	response = r.send(t, "{command: limit, limits: {Njobs: 1}}")
	assert.Equal(t, response[KeyError], "You must send your username when setting user variables")
	response = r.send(t, "{command: limit, user: u, limits: {action: wipe}}")
	assert.Equal(t, response[KeyError], "action should be 'clear'or 'set'")
	response = r.send(t, "{command: limit, user: u, limits: {Ncores: lots}}")
	assert.Equal(t, response[KeyError], "limit 'Ncores' should be an integer")

	r.send(t, "{command: sub, pid: 100, user: u, commandline: x, require: {N: 1}}")
	response = r.send(t, "{command: sub, pid: 101, user: u, commandline: x, require: {N: 1}}")
	assert.Equal(t, response[KeyResponse], objects.StatusWait)
	assert.Equal(t, response["reason"], objects.ReasonUserLimits)

	response = r.send(t, "{command: users}")
	users := response[KeyResponse].(map[string]interface{})
	u := users["u"].(map[string]interface{})
	assert.Equal(t, u["Njobs"], 1)
	assert.Equal(t, u["Ncores"], 1)
	assert.DeepEqual(t, u["limits"], map[string]interface{}{"Njobs": 1})

	response = r.send(t, "{command: notify, notification: done, pid: 100}")
	assert.Equal(t, response[KeyResponse], "OK")
	response = r.send(t, "{command: gethosts, pid: 101}")
	assert.DeepEqual(t, response["hosts"], []interface{}{"hostA"})

	response = r.send(t, "{command: limit, user: u, limits: {action: clear}}")
	assert.Equal(t, response[KeyResponse], "OK")
	response = r.send(t, "{command: users}")
	u = response[KeyResponse].(map[string]interface{})["u"].(map[string]interface{})
	assert.DeepEqual(t, u["limits"], map[string]interface{}{})
}

func TestRemoveRequest(t *testing.T) {
	r := newTestRouter(t)
	r.send(t, "{command: sub, pid: 100, user: alice, commandline: x, require: {N: 8}}")
	r.send(t, "{command: sub, pid: 101, user: bob, commandline: x, require: {N: 2}}")

	response := r.send(t, "{command: rm, pid: 100, user: bob}")
	assert.Equal(t, response[KeyError], "PID belongs to user alice")
	response = r.send(t, "{command: rm, pid: all, user: alice}")
	assert.Equal(t, response[KeyResponse], "OK")
	assert.DeepEqual(t, response["pids_to_kill"], []interface{}{"100"})
	response = r.send(t, "{command: rm, pid: 300, user: alice}")
	assert.Equal(t, response[KeyError], "pid 300 not found")
	response = r.send(t, "{command: rm, user: alice}")
	assert.Equal(t, response[KeyError], "remove requests must contain the 'pid' field")
	response = r.send(t, "{command: rm, pid: 100}")
	assert.Equal(t, response[KeyError], "remove requests must contain the 'user' field")

	// the caller kills the process, the next refresh cleans up
	r.exited["100"] = true
	response = r.send(t, "{command: refresh}")
	assert.Equal(t, response[KeyResponse], "OK")
	response = r.send(t, "{command: gethosts, pid: 101}")
	assert.DeepEqual(t, response["hosts"], []interface{}{"hostA", "hostA"})
}

func TestNotifyRequest(t *testing.T) {
	r := newTestRouter(t)
	tests := map[string]string{
		"{command: notify}":                             "notify requests must contain the 'notification' field",
		"{command: notify, notification: done}":         "remove requests must contain the 'pid' field",
		"{command: notify, notification: kill}":         "Only support 'done' or 'refresh' notifications for now",
		"{command: notify, notification: done, pid: 5}": "pid 5 not found",
	}
	for request, expected := range tests {
		t.Run(request, func(t *testing.T) {
			assert.Equal(t, r.send(t, request)[KeyError], expected)
		})
	}
	assert.Equal(t, r.send(t, "{command: notify, notification: refresh}")[KeyResponse], "OK")
}

func TestNodeRequest(t *testing.T) {
	r := newTestRouter(t)
	assert.Equal(t, r.send(t, "{command: node, node: hostA, status: offline}")[KeyResponse], "OK")
	response := r.send(t, "{command: stat}")
	stat := response[KeyResponse].(map[string]interface{})
	assert.Equal(t, stat["online_cores"], 4)
	assert.Equal(t, stat["nnodes"], 2)

	assert.Equal(t, r.send(t, "{command: node, node: hostA, yamline: {status: online}}")[KeyResponse], "OK")
	tests := map[string]string{
		"{command: node, node: hostA}":                 "Need to supply status keyword.",
		"{command: node, node: hostA, status: broken}": "Don't understand this status",
		"{command: node, node: hostZ, status: online}": "Host not found.",
	}
	for request, expected := range tests {
		t.Run(request, func(t *testing.T) {
			assert.Equal(t, r.send(t, request)[KeyError], expected)
		})
	}
}
