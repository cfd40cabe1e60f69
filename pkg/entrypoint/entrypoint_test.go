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

package entrypoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/wq-project/wq/pkg/client"
	"github.com/wq-project/wq/pkg/common"
	"github.com/wq-project/wq/pkg/common/configs"
)

func testConfig(t *testing.T) *configs.ServerConfig {
	dir := t.TempDir()
	clusterFile := filepath.Join(dir, "cluster")
	err := os.WriteFile(clusterFile, []byte("hostA 4 16 g1\nhostB 4 16 g1\n"), 0o600)
	assert.NilError(t, err)

	conf := configs.DefaultServerConfig()
	conf.Host = "127.0.0.1"
	conf.Port = 0
	conf.ClusterFile = clusterFile
	conf.SpoolDir = filepath.Join(dir, "spool")
	conf.WebService.Enabled = false
	return conf
}

func alive(string) bool { return true }

func startServices(t *testing.T, conf *configs.ServerConfig) (*ServiceContext, *client.Client) {
	ctx, err := StartAllServicesWithParams(conf, true, false, alive)
	assert.NilError(t, err)
	err = common.WaitFor(5*time.Millisecond, 2*time.Second, func() bool {
		return ctx.Server.Addr() != nil
	})
	assert.NilError(t, err, "transport did not start")
	return ctx, client.New(ctx.Server.Addr().String(), client.Options{Timeout: 5 * time.Second, MaxElapsed: time.Second})
}

func TestStartStopServices(t *testing.T) {
	conf := testConfig(t)
	ctx, c := startServices(t, conf)
	assert.Assert(t, ctx.WebApp == nil, "web app should not be started")

	sub, err := c.Submit(&client.Job{PID: 42, User: "alice", Commandline: "sleep 1", Require: map[string]interface{}{"N": 2}})
	assert.NilError(t, err)
	assert.Equal(t, sub.Status, "run")
	assert.DeepEqual(t, sub.Hosts, []string{"hostA", "hostA"})
	ctx.StopAll()

	// jobs and limits survive a restart
	ctx, c = startServices(t, conf)
	defer ctx.StopAll()
	hosts, err := c.GetHosts(42)
	assert.NilError(t, err)
	assert.DeepEqual(t, hosts, []string{"hostA", "hostA"})
	assert.Equal(t, ctx.Scheduler.Stat().Used, 2)
}

func TestStartMissingCluster(t *testing.T) {
	conf := testConfig(t)
	conf.ClusterFile = filepath.Join(t.TempDir(), "missing")
	_, err := StartAllServicesWithParams(conf, false, false, alive)
	assert.ErrorContains(t, err, "missing")

	conf.ClusterFile = ""
	_, err = StartAllServicesWithParams(conf, false, false, alive)
	assert.ErrorContains(t, err, "no cluster description file")
}

func TestStartInvalidConfig(t *testing.T) {
	conf := testConfig(t)
	conf.RefreshInterval = 0
	_, err := StartAllServicesWithParams(conf, false, false, alive)
	assert.ErrorContains(t, err, "refresh interval")
}
