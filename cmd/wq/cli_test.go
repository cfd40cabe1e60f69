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
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/wq-project/wq/pkg/common"
	"github.com/wq-project/wq/pkg/common/configs"
	"github.com/wq-project/wq/pkg/entrypoint"
	"github.com/wq-project/wq/pkg/webservice/dao"
)

func TestParseRequire(t *testing.T) {
	require, err := parseRequire("N: 4, mode: bynode")
	assert.NilError(t, err)
	assert.DeepEqual(t, require, map[string]interface{}{"N": 4, "mode": "bynode"})

	require, err = parseRequire("{N: 2}")
	assert.NilError(t, err)
	assert.Equal(t, require["N"], 2)

	require, err = parseRequire("  ")
	assert.NilError(t, err)
	assert.Equal(t, len(require), 0)

	_, err = parseRequire("N: [")
	assert.ErrorContains(t, err, "invalid requirement")
}

func TestParseLimits(t *testing.T) {
	limits, err := parseLimits([]string{"Njobs=2", "Ncores=16"})
	assert.NilError(t, err)
	assert.DeepEqual(t, limits, map[string]interface{}{"Njobs": 2, "Ncores": 16})

	_, err = parseLimits([]string{"Njobs"})
	assert.ErrorContains(t, err, "name=value")
	_, err = parseLimits([]string{"Njobs=many"})
	assert.ErrorContains(t, err, "limit 'Njobs' should be an integer")
}

func TestCompactHosts(t *testing.T) {
	assert.Equal(t, compactHosts(nil), "")
	assert.Equal(t, compactHosts([]string{"a", "a", "b", "a"}), "a*3 b")
}

func TestWriteTables(t *testing.T) {
	out := &bytes.Buffer{}
	writeStatus(out, &dao.ClusterStatus{
		Used: 2, Cores: 8, OnlineCores: 4, NodeCount: 2,
		Nodes: []*dao.NodeStatus{
			{Hostname: "hostA", Used: 2, Cores: 4, Memory: 16, Groups: []string{"g1"}, Online: true},
			{Hostname: "hostB", Cores: 4, Memory: 16},
		},
	})
	text := out.String()
	assert.Assert(t, strings.HasPrefix(text, "2/8 cores used, 4 online on 2 nodes\n"), text)
	assert.Assert(t, strings.Contains(text, "offline"), text)

	out.Reset()
	writeUsers(out, map[string]*dao.UserInfo{
		"bob":   {User: "bob", Jobs: 1, Cores: 4},
		"alice": {User: "alice", Limits: map[string]int{"Njobs": 2, "Ncores": 8}},
	})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, len(lines), 3)
	assert.Assert(t, strings.HasPrefix(lines[1], "alice"), lines[1])
	assert.Assert(t, strings.HasSuffix(lines[1], "Ncores=8,Njobs=2"), lines[1])

	out.Reset()
	now := time.Unix(1000, 0)
	writeJobs(out, []*dao.JobSummary{
		{PID: "1", User: "alice", Status: "run", Priority: "med", JobName: "sleep", Hosts: []string{"hostA", "hostA"}, TimeSub: 990},
		{PID: "2", User: "bob", Status: "wait", Priority: "low", JobName: "big", Reason: "user limits", TimeSub: 995},
	}, "alice", now)
	text = out.String()
	assert.Assert(t, strings.Contains(text, "hostA*2"), text)
	assert.Assert(t, strings.Contains(text, "10s"), text)
	assert.Assert(t, !strings.Contains(text, "bob"), text)
}

func startService(t *testing.T) string {
	dir := t.TempDir()
	clusterFile := filepath.Join(dir, "cluster")
	assert.NilError(t, os.WriteFile(clusterFile, []byte("hostA 4 16 g1\nhostB 4 16 g1\n"), 0o600))
	conf := configs.DefaultServerConfig()
	conf.Host = "127.0.0.1"
	conf.Port = 0
	conf.ClusterFile = clusterFile
	conf.SpoolDir = filepath.Join(dir, "spool")
	conf.WebService.Enabled = false

	services, err := entrypoint.StartAllServicesWithParams(conf, true, false, func(string) bool { return true })
	assert.NilError(t, err)
	t.Cleanup(services.StopAll)
	err = common.WaitFor(5*time.Millisecond, 2*time.Second, func() bool {
		return services.Server.Addr() != nil
	})
	assert.NilError(t, err)
	return services.Server.Addr().String()
}

func execCLI(t *testing.T, addr string, args ...string) (string, error) {
	out := &bytes.Buffer{}
	err := newCLI(out).Exec(append([]string{"--addr", addr, "--retry", "0"}, args...))
	return out.String(), err
}

func TestCommandsAgainstServer(t *testing.T) {
	addr := startService(t)

	out, err := execCLI(t, addr, "stat")
	assert.NilError(t, err)
	assert.Assert(t, strings.HasPrefix(out, "0/8 cores used"), out)

	_, err = execCLI(t, addr, "node", "hostB", "offline")
	assert.NilError(t, err)
	out, err = execCLI(t, addr, "stat")
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(out, "4 online"), out)

	_, err = execCLI(t, addr, "node", "hostB", "sideways")
	assert.ErrorContains(t, err, "online or offline")
	_, err = execCLI(t, addr, "node", "hostZ", "online")
	assert.ErrorContains(t, err, "Host not found")

	_, err = execCLI(t, addr, "limit", "alice", "Njobs=3")
	assert.NilError(t, err)
	out, err = execCLI(t, addr, "users")
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(out, "Njobs=3"), out)
	_, err = execCLI(t, addr, "limit", "alice", "--clear")
	assert.NilError(t, err)
	_, err = execCLI(t, addr, "limit", "alice")
	assert.ErrorContains(t, err, "no limits given")

	out, err = execCLI(t, addr, "ls")
	assert.NilError(t, err)
	assert.Equal(t, strings.Count(out, "\n"), 1, "only the header expected")

	_, err = execCLI(t, addr, "refresh")
	assert.NilError(t, err)
	_, err = execCLI(t, addr, "gethosts", "12345")
	assert.ErrorContains(t, err, "we don't have this pid")
	_, err = execCLI(t, addr, "rm", "nope")
	assert.ErrorContains(t, err, "invalid pid")
}
